package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-longpoll"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
)

// MemQueue is the in-process priority FIFO (spec §4.6). It is the
// single-node deployment's Queue; the scheduler's lease-wait uses
// go-longpoll's bounded batched receive to wake on the queue's single
// notification channel rather than busy-polling.
type MemQueue struct {
	mu sync.Mutex

	items map[model.Priority][]string
	// streak implements strict-priority-with-starvation-avoidance (spec
	// §4.6): it counts consecutive dequeues served from any band above Low
	// (High or Normal), whichever that was. Once it reaches starvationN the
	// next dequeue is forced onto the lowest non-empty band below whatever
	// is currently winning strict priority, guaranteeing Low eventually gets
	// served even when High and Normal are both perpetually non-empty.
	streak int

	leases map[string]leaseRecord

	wake chan struct{}

	sweepStop chan struct{}
	sweepDone chan struct{}

	closed bool
}

type leaseRecord struct {
	item      Item
	expiresAt time.Time
}

func NewMemQueue() *MemQueue {
	q := &MemQueue{
		items:     make(map[model.Priority][]string),
		leases:    make(map[string]leaseRecord),
		wake:      make(chan struct{}, 1),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, b := range bands {
		q.items[b] = nil
	}
	go q.sweepLoop()
	return q
}

func (q *MemQueue) Close() error {
	close(q.sweepStop)
	<-q.sweepDone
	return nil
}

func (q *MemQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, item Item) error {
	q.mu.Lock()
	q.items[item.Priority] = append(q.items[item.Priority], item.InternalID)
	q.mu.Unlock()
	q.notify()
	return nil
}

// pickLocked selects the next band to serve under the caller's lock,
// applying the starvation-avoidance policy (spec §4.6).
func (q *MemQueue) pickLocked() (model.Priority, bool) {
	nonEmpty := func(p model.Priority) bool { return len(q.items[p]) > 0 }

	if q.streak >= starvationN {
		if nonEmpty(model.PriorityLow) {
			q.streak = 0
			return model.PriorityLow, true
		}
		if nonEmpty(model.PriorityNormal) {
			q.streak = 0
			return model.PriorityNormal, true
		}
	}

	if nonEmpty(model.PriorityHigh) {
		q.streak++
		return model.PriorityHigh, true
	}

	if nonEmpty(model.PriorityNormal) {
		q.streak++
		return model.PriorityNormal, true
	}

	if nonEmpty(model.PriorityLow) {
		q.streak = 0
		return model.PriorityLow, true
	}

	return "", false
}

func (q *MemQueue) tryLease(visibility time.Duration) (*Lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	band, ok := q.pickLocked()
	if !ok {
		return nil, false
	}

	queue := q.items[band]
	internalID := queue[0]
	q.items[band] = queue[1:]

	token := uuid.NewString()
	item := Item{InternalID: internalID, Priority: band}
	q.leases[token] = leaseRecord{item: item, expiresAt: time.Now().Add(visibility)}

	return &Lease{Item: item, Token: token}, true
}

func (q *MemQueue) Lease(ctx context.Context, visibility time.Duration) (*Lease, bool, error) {
	for {
		if lease, ok := q.tryLease(visibility); ok {
			return lease, true, nil
		}

		cfg := &longpoll.ChannelConfig{MaxSize: 1, MinSize: 1, PartialTimeout: 0}
		err := longpoll.Channel(ctx, cfg, q.wake, func(struct{}) error { return nil })
		if err != nil {
			// context deadline/cancel or closed channel: no job became
			// available within the wait window, which is not itself an error.
			if ctx.Err() != nil {
				return nil, false, nil
			}
			return nil, false, nil
		}
	}
}

func (q *MemQueue) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leases[token]; !ok {
		return apperrors.New(apperrors.KindNotFound, "queue: unknown lease token")
	}
	delete(q.leases, token)
	return nil
}

func (q *MemQueue) Nack(ctx context.Context, token string, requeue bool) error {
	q.mu.Lock()
	rec, ok := q.leases[token]
	if !ok {
		q.mu.Unlock()
		return apperrors.New(apperrors.KindNotFound, "queue: unknown lease token")
	}
	delete(q.leases, token)
	if requeue {
		q.items[rec.item.Priority] = append(q.items[rec.item.Priority], rec.item.InternalID)
	}
	q.mu.Unlock()
	if requeue {
		q.notify()
	}
	return nil
}

// Reprioritize removes internalID from the from band's waiting slice and
// appends it to the to band, if it is still there waiting to be leased.
func (q *MemQueue) Reprioritize(ctx context.Context, internalID string, from, to model.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items[from]
	for i, id := range items {
		if id == internalID {
			q.items[from] = append(items[:i], items[i+1:]...)
			q.items[to] = append(q.items[to], internalID)
			return nil
		}
	}
	return apperrors.New(apperrors.KindNotFound, "queue: item not waiting in band "+string(from))
}

func (q *MemQueue) SizeByPriority(ctx context.Context) (map[model.Priority]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[model.Priority]int, len(bands))
	for _, b := range bands {
		out[b] = len(q.items[b])
	}
	return out, nil
}

func (q *MemQueue) sweepLoop() {
	defer close(q.sweepDone)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.sweepStop:
			return
		case <-ticker.C:
			q.reclaimExpired()
		}
	}
}

// reclaimExpired requeues leases whose visibility window passed without an
// Ack/Nack, per spec §4.6 "ack is required before the lease expires,
// otherwise the job becomes re-leasable".
func (q *MemQueue) reclaimExpired() {
	now := time.Now()
	q.mu.Lock()
	var expired []Item
	for token, rec := range q.leases {
		if now.After(rec.expiresAt) {
			expired = append(expired, rec.item)
			delete(q.leases, token)
		}
	}
	for _, item := range expired {
		q.items[item.Priority] = append(q.items[item.Priority], item.InternalID)
	}
	q.mu.Unlock()
	if len(expired) > 0 {
		q.notify()
	}
}
