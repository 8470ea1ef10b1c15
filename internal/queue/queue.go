// Package queue implements C6: an abstract priority FIFO with at-least-once
// delivery (spec §4.6), with an in-process implementation for single-node
// deployments and a Redis-bus-backed implementation for the distributed
// overlay (C8).
package queue

import (
	"context"
	"time"

	"github.com/tomshen124/ocr-server/internal/model"
)

// Item is the queue payload: a job's identity plus the band it was
// enqueued under.
type Item struct {
	InternalID string
	Priority   model.Priority
}

// Lease is a leased Item plus the opaque token Ack/Nack reference.
type Lease struct {
	Item
	Token string
}

// Queue is the abstract contract spec §4.6 describes. Lease blocks (honoring
// ctx) until an item is available or the wait deadline passes, in which
// case ok is false and err is nil — an empty queue is not an error.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Lease(ctx context.Context, visibility time.Duration) (lease *Lease, ok bool, err error)
	Ack(ctx context.Context, token string) error
	Nack(ctx context.Context, token string, requeue bool) error
	SizeByPriority(ctx context.Context) (map[model.Priority]int, error)
	// Reprioritize moves an item still waiting (not yet leased) from one
	// band to another (SPEC_FULL.md §D's admin priority-override
	// endpoint). Returns a NotFound error if the item isn't sitting in the
	// from band, e.g. because it has already been leased.
	Reprioritize(ctx context.Context, internalID string, from, to model.Priority) error
	Close() error
}

// bands is the fixed priority order, highest first, shared by both
// implementations' starvation-avoidance policy (spec §4.6).
var bands = []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow}

// starvationN is the default number of consecutive higher-band dequeues
// after which the next dequeue draws from the lowest non-empty band below
// the winning one: Low if it has items, otherwise Normal (spec §4.6).
const starvationN = 8
