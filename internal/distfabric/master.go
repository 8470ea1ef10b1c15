package distfabric

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// WorkerInfo is the master's bookkeeping on one registered worker
// (spec §4.8).
type WorkerInfo struct {
	WorkerID      string
	Capacity      int
	StartedAt     time.Time
	LastHeartbeat time.Time
	Dead          bool
}

// Master is the node-side half of C8 for role=master: it subscribes to the
// transition and result channels and applies them via C1, the sole writer
// of job lifecycle, and tracks worker liveness off the heartbeat channel
// (spec §4.8).
type Master struct {
	rdb   *redis.Client
	chans channels
	store *failoverstore.Store
	log   *obslog.Logger

	mu      sync.Mutex
	workers map[string]*WorkerInfo

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMaster constructs a Master bound to store, the single writer of job
// lifecycle for every worker-reported transition.
func NewMaster(rdb *redis.Client, keyPrefix string, store *failoverstore.Store, log *obslog.Logger) *Master {
	return &Master{
		rdb:     rdb,
		chans:   newChannels(keyPrefix),
		store:   store,
		log:     log,
		workers: make(map[string]*WorkerInfo),
		stop:    make(chan struct{}),
	}
}

// Start launches the three subscriber loops and the dead-worker sweeper.
func (m *Master) Start() {
	m.wg.Add(4)
	go m.runSub(m.chans.heartbeat, m.handleHeartbeat)
	go m.runSub(m.chans.transition, m.handleTransition)
	go m.runSub(m.chans.result, m.handleResult)
	go m.deadWorkerSweep()
}

func (m *Master) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Master) runSub(channel string, handle func([]byte)) {
	defer m.wg.Done()

	sub := m.rdb.Subscribe(context.Background(), channel)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-m.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handle([]byte(msg.Payload))
		}
	}
}

func (m *Master) handleHeartbeat(payload []byte) {
	var hb Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		m.log.Warn("distfabric: malformed heartbeat", "error", err)
		return
	}

	m.mu.Lock()
	w, ok := m.workers[hb.WorkerID]
	if !ok {
		w = &WorkerInfo{WorkerID: hb.WorkerID, StartedAt: hb.StartedAt}
		m.workers[hb.WorkerID] = w
	}
	w.Capacity = hb.Capacity
	w.LastHeartbeat = time.Now()
	if w.Dead {
		m.log.Info("distfabric: worker recovered", "worker_id", hb.WorkerID)
	}
	w.Dead = false
	m.mu.Unlock()
}

// handleTransition applies a worker-reported CAS transition via C1. A
// Conflict error here is the expected steady-state outcome of
// at-least-once delivery replaying an already-applied transition
// (spec §8 "Idempotent duplicate delivery") and is not logged as a
// failure.
func (m *Master) handleTransition(payload []byte) {
	var msg TransitionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Warn("distfabric: malformed transition message", "error", err)
		return
	}

	ctx := context.Background()
	_, err := m.store.TransitionJob(ctx, msg.InternalID, msg.From, msg.To, msg.Version, func(j *model.PreviewJob) {
		j.LeaseOwner = msg.Job.LeaseOwner
		j.LeaseExpiresAt = msg.Job.LeaseExpiresAt
		j.StartedAt = msg.Job.StartedAt
		j.FinishedAt = msg.Job.FinishedAt
		j.LastError = msg.Job.LastError
		j.Attempts = msg.Job.Attempts
		j.CancelRequested = msg.Job.CancelRequested
	})
	if err != nil && !apperrors.Is(err, apperrors.KindConflict) {
		m.log.Err(err, "distfabric: apply transition failed", "internal_id", msg.InternalID, "worker_id", msg.WorkerID)
	}
}

// handleResult persists a worker-reported JobResult only if the job is
// still Running, making replayed result messages a no-op (spec §4.8,
// §8 "Idempotent duplicate delivery").
func (m *Master) handleResult(payload []byte) {
	var msg ResultMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Warn("distfabric: malformed result message", "error", err)
		return
	}

	ctx := context.Background()
	job, err := m.store.GetJob(ctx, msg.Result.InternalID)
	if err != nil {
		m.log.Err(err, "distfabric: result lookup failed", "internal_id", msg.Result.InternalID)
		return
	}
	if job.State != model.JobRunning {
		return
	}
	if err := m.store.PersistResult(ctx, &msg.Result); err != nil {
		m.log.Err(err, "distfabric: persist result failed", "internal_id", msg.Result.InternalID, "worker_id", msg.WorkerID)
	}
}

// deadWorkerSweep marks workers Dead after MissedHeartbeatThreshold
// consecutive missed intervals (spec §4.8). It does not re-steal their
// leases explicitly — the queue's own visibility-timeout reclaimer handles
// redelivery once a dead worker stops acking.
func (m *Master) deadWorkerSweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	threshold := deadAfter()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for id, w := range m.workers {
				if !w.Dead && now.Sub(w.LastHeartbeat) > threshold {
					w.Dead = true
					m.log.Warn("distfabric: worker marked dead", "worker_id", id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Workers returns a snapshot of all known workers, alive ones first,
// ordered by descending capacity. This is advisory bookkeeping only: leases
// are pulled by workers, not pushed by the master, so "preference" here
// surfaces as ranked reporting (e.g. GET /queue/status's worker section)
// rather than routing (SPEC_FULL.md §D "Worker capacity-weighted lease
// affinity").
func (m *Master) Workers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dead != out[j].Dead {
			return !out[i].Dead
		}
		return out[i].Capacity > out[j].Capacity
	})
	return out
}
