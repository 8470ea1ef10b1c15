package distfabric

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// Worker is the node-side half of C8: it publishes heartbeats and proxies
// job-state writes to the master over the transition/result channels,
// while satisfying reads locally against the shared store (spec §4.8:
// reads stay local, writes route through the fabric).
type Worker struct {
	rdb      *redis.Client
	chans    channels
	workerID string
	capacity int

	store *failoverstore.Store
	log   *obslog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewWorker constructs a Worker bound to workerID, announcing capacity in
// its heartbeats (spec §4.8; capacity informs the master's ranked
// reporting — see Master.Workers).
func NewWorker(rdb *redis.Client, keyPrefix, workerID string, capacity int, store *failoverstore.Store, log *obslog.Logger) *Worker {
	return &Worker{
		rdb:      rdb,
		chans:    newChannels(keyPrefix),
		workerID: workerID,
		capacity: capacity,
		store:    store,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat loop. Call Stop to terminate it.
func (w *Worker) Start() {
	go w.heartbeatLoop()
}

func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) heartbeatLoop() {
	defer close(w.done)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	started := time.Now()
	ctx := context.Background()
	w.beat(ctx, started)

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.beat(ctx, started)
		}
	}
}

func (w *Worker) beat(ctx context.Context, startedAt time.Time) {
	hb := Heartbeat{WorkerID: w.workerID, Capacity: w.capacity, StartedAt: startedAt}
	if err := publish(ctx, w.rdb, w.chans.heartbeat, hb); err != nil {
		w.log.Warn("distfabric: heartbeat publish failed", "worker_id", w.workerID, "error", err)
	}
}

// StoreProxy satisfies the scheduler's jobStore contract for worker-role
// nodes. Reads pass through to the shared failover store; TransitionJob
// and PersistResult publish onto the fabric's reply channels instead of
// writing directly, keeping the master the single writer of job lifecycle
// (spec §4.8).
type StoreProxy struct {
	w *Worker

	mu    sync.Mutex
	local map[string]*model.PreviewJob // optimistic local view, keyed by internal_id
}

// NewStoreProxy wraps w as a jobStore-shaped proxy.
func NewStoreProxy(w *Worker) *StoreProxy {
	return &StoreProxy{w: w, local: make(map[string]*model.PreviewJob)}
}

func (p *StoreProxy) GetRequest(ctx context.Context, internalID string) (*model.PreviewRequest, error) {
	return p.w.store.GetRequest(ctx, internalID)
}

func (p *StoreProxy) GetJob(ctx context.Context, internalID string) (*model.PreviewJob, error) {
	p.mu.Lock()
	if j, ok := p.local[internalID]; ok {
		p.mu.Unlock()
		cp := *j
		return &cp, nil
	}
	p.mu.Unlock()
	return p.w.store.GetJob(ctx, internalID)
}

func (p *StoreProxy) RuleConfig(ctx context.Context, matterID string) (*model.RuleConfig, error) {
	return p.w.store.RuleConfig(ctx, matterID)
}

// TransitionJob applies the transition to the proxy's local optimistic view
// and publishes it for the master to apply authoritatively. It does not
// wait for the master's ack: spec §4.8's ordering guarantee ("per job,
// state transitions are serialised by the master's CAS") means the worker
// proceeds on its own consistent local view while the master catches up
// asynchronously.
func (p *StoreProxy) TransitionJob(ctx context.Context, internalID string, from, to model.JobState, version int64, mutate func(*model.PreviewJob)) (*model.PreviewJob, error) {
	base, err := p.GetJob(ctx, internalID)
	if err != nil {
		return nil, err
	}
	if base.State != from || base.Version != version {
		return nil, apperrors.New(apperrors.KindConflict, "worker: stale local job state")
	}

	next := *base
	next.State = to
	next.Version = version + 1
	if mutate != nil {
		mutate(&next)
	}

	p.mu.Lock()
	p.local[internalID] = &next
	p.mu.Unlock()

	msg := TransitionMessage{WorkerID: p.w.workerID, InternalID: internalID, From: from, To: to, Version: version, Job: next}
	if err := publish(ctx, p.w.rdb, p.w.chans.transition, msg); err != nil {
		return nil, err
	}

	cp := next
	return &cp, nil
}

// PersistResult publishes the result for the master to persist; idempotent
// on the master side because persistence there is conditional on the job
// still being Running (spec §4.8, §8 "Idempotent duplicate delivery").
func (p *StoreProxy) PersistResult(ctx context.Context, result *model.JobResult) error {
	return publish(ctx, p.w.rdb, p.w.chans.result, ResultMessage{WorkerID: p.w.workerID, Result: *result})
}
