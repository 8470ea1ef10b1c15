// Package distfabric implements C8: the master<->worker protocol overlaid
// on the same Redis instance backing the bus-backed queue (spec §4.8). Job
// hand-off itself is the shared RedisQueue (C6) both master and workers
// connect to; this package supplies the three things pull-based leasing
// doesn't already cover: a heartbeat channel for worker liveness, a
// transition/result reply channel so workers never write job-state
// directly to the master's store, and dead-worker detection.
package distfabric

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
)

// channels returns the three pub/sub topic names namespaced by prefix.
type channels struct {
	heartbeat  string
	transition string
	result     string
}

func newChannels(prefix string) channels {
	return channels{
		heartbeat:  prefix + ":heartbeat",
		transition: prefix + ":transition",
		result:     prefix + ":result",
	}
}

// Heartbeat is published by a worker every HeartbeatInterval (spec §4.8
// "registers with the master via a heartbeat topic, publishing
// {worker_id, capacity, started_at}").
type Heartbeat struct {
	WorkerID  string    `json:"workerId"`
	Capacity  int       `json:"capacity"`
	StartedAt time.Time `json:"startedAt"`
}

// TransitionMessage is how a worker asks the master to apply a job-state
// CAS transition on its behalf (spec §4.8 "workers do not write job-state
// directly to the master's store"). Job carries the mutable fields the
// worker's local mutate closure set, for the master to graft onto its own
// authoritative record.
type TransitionMessage struct {
	WorkerID   string           `json:"workerId"`
	InternalID string           `json:"internalId"`
	From       model.JobState   `json:"from"`
	To         model.JobState   `json:"to"`
	Version    int64            `json:"version"`
	Job        model.PreviewJob `json:"job"`
}

// ResultMessage carries a completed JobResult back to the master
// (spec §4.8 "Result return").
type ResultMessage struct {
	WorkerID string          `json:"workerId"`
	Result   model.JobResult `json:"result"`
}

func publish(ctx context.Context, rdb *redis.Client, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "distfabric: marshal message", err)
	}
	if err := rdb.Publish(ctx, channel, data).Err(); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "distfabric: publish failed", err)
	}
	return nil
}

// HeartbeatInterval is the default cadence a worker publishes at
// (spec §4.8 "Heartbeats flow every 10 s").
const HeartbeatInterval = 10 * time.Second

// MissedHeartbeatThreshold is how many consecutive missed intervals before
// the master marks a worker Dead (spec §4.8 "missing 3 consecutive
// heartbeats is marked Dead").
const MissedHeartbeatThreshold = 3

func deadAfter() time.Duration {
	return HeartbeatInterval * (MissedHeartbeatThreshold + 1)
}
