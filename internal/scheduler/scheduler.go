// Package scheduler implements C7, the core of the core: a bounded-
// parallelism executor that leases jobs from the queue, admits them within
// a global permit budget, and drives fetch -> OCR -> rules -> persist ->
// report -> callback (spec §4.7).
package scheduler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomshen124/ocr-server/internal/failoverblob"
	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/fetch"
	"github.com/tomshen124/ocr-server/internal/metrics"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
	"github.com/tomshen124/ocr-server/internal/ocradapter"
	"github.com/tomshen124/ocr-server/internal/queue"
)

// jobStore is the narrow slice of C1 the scheduler needs. In standalone and
// master roles it is satisfied directly by *failoverstore.Store. In worker
// role (spec §4.8: "workers do not write job-state directly to the master's
// store") it is satisfied by distfabric's StoreProxy, which keeps
// reads local but routes TransitionJob/PersistResult through the fabric's
// reply topic so the master remains the single writer of job lifecycle.
type jobStore interface {
	GetRequest(ctx context.Context, internalID string) (*model.PreviewRequest, error)
	GetJob(ctx context.Context, internalID string) (*model.PreviewJob, error)
	TransitionJob(ctx context.Context, internalID string, from, to model.JobState, version int64, mutate func(*model.PreviewJob)) (*model.PreviewJob, error)
	PersistResult(ctx context.Context, result *model.JobResult) error
	RuleConfig(ctx context.Context, matterID string) (*model.RuleConfig, error)
}

// ReportRenderer is the narrow interface onto the external HTML->PDF
// renderer (spec §1 Non-goals: "the HTML→PDF renderer's internals" stay
// out of scope — this is the seam a real renderer plugs into). A nil
// renderer passed to New disables report generation entirely.
type ReportRenderer interface {
	Render(ctx context.Context, job *model.PreviewJob, result *model.JobResult) ([]byte, error)
}

// Config controls the scheduler's concurrency and retry policy (spec §4.7).
type Config struct {
	Permits           int
	VisibilityTimeout time.Duration
	LeaseWaitTimeout  time.Duration
	MaxAttempts       int
	AttachmentRetries int
	AttachmentBackoff []time.Duration
	WorkerID          string
	CallbackTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Permits <= 0 {
		c.Permits = 6
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.LeaseWaitTimeout <= 0 {
		c.LeaseWaitTimeout = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttachmentRetries <= 0 {
		c.AttachmentRetries = 3
	}
	if len(c.AttachmentBackoff) == 0 {
		c.AttachmentBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.WorkerID == "" {
		c.WorkerID = "standalone"
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 10 * time.Second
	}
	return c
}

// Scheduler is one C7 instance. In standalone/master mode it reads from an
// in-process Queue; in worker mode the same Scheduler reads from a
// Redis-backed Queue constructed by C8, making the scheduler agnostic to
// which queue.Queue implementation it was handed (spec §4.8 "Workers are
// themselves C7 instances whose queue implementation is the bus-backed C6").
type Scheduler struct {
	cfg Config

	store    jobStore
	blobs    *failoverblob.Store
	q        queue.Queue
	fetcher  *fetch.Fetcher
	ocr      *ocradapter.Pool
	renderer ReportRenderer
	callback *http.Client

	log *obslog.Logger
	m   *metrics.Registry

	engines *engineCache

	permits chan struct{}

	avgJobSeconds atomic.Value // float64, seeded lazily from completed-job EMA

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(
	cfg Config,
	store *failoverstore.Store,
	blobs *failoverblob.Store,
	q queue.Queue,
	fetcher *fetch.Fetcher,
	ocr *ocradapter.Pool,
	renderer ReportRenderer,
	log *obslog.Logger,
	m *metrics.Registry,
) *Scheduler {
	return newScheduler(cfg, store, blobs, q, fetcher, ocr, renderer, log, m)
}

// NewWithStore is New's worker-role counterpart: store is any jobStore
// implementation, not necessarily the concrete *failoverstore.Store. Used
// to wire distfabric's StoreProxy in on worker nodes (spec §4.8), whose
// reads stay local but whose writes route through the fabric instead of
// writing to C1 directly.
func NewWithStore(
	cfg Config,
	store jobStore,
	blobs *failoverblob.Store,
	q queue.Queue,
	fetcher *fetch.Fetcher,
	ocr *ocradapter.Pool,
	renderer ReportRenderer,
	log *obslog.Logger,
	m *metrics.Registry,
) *Scheduler {
	return newScheduler(cfg, store, blobs, q, fetcher, ocr, renderer, log, m)
}

func newScheduler(
	cfg Config,
	store jobStore,
	blobs *failoverblob.Store,
	q queue.Queue,
	fetcher *fetch.Fetcher,
	ocr *ocradapter.Pool,
	renderer ReportRenderer,
	log *obslog.Logger,
	m *metrics.Registry,
) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		q:        q,
		fetcher:  fetcher,
		ocr:      ocr,
		renderer: renderer,
		callback: &http.Client{Timeout: cfg.CallbackTimeout},
		log:      log,
		m:        m,
		engines:  newEngineCache(),
		permits:  make(chan struct{}, cfg.Permits),
		stop:     make(chan struct{}),
	}
}

// Start launches cfg.Permits worker goroutines, each an independent
// instance of the lease -> process -> terminal-transition loop. Exactly
// Permits goroutines exist, so "one goroutine running a job" and "one
// permit held" coincide — no separate semaphore acquisition is needed.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Permits; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
}

// Stop signals every worker to exit after its current job and waits for
// them to drain.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Status mirrors GET /queue/status's scheduler-facing fields (spec §4.7).
type Status struct {
	AvailablePermits  int
	MaxPermits        int
	QueueDepth        map[model.Priority]int
	SystemLoadPercent float64
	AvgJobSeconds     float64
}

func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	depth, err := s.q.SizeByPriority(ctx)
	if err != nil {
		return Status{}, err
	}
	inUse := len(s.permits)
	available := s.cfg.Permits - inUse
	return Status{
		AvailablePermits:  available,
		MaxPermits:        s.cfg.Permits,
		QueueDepth:        depth,
		SystemLoadPercent: float64(s.cfg.Permits-available) / float64(s.cfg.Permits) * 100,
		AvgJobSeconds:     s.avgDuration(),
	}, nil
}

// avgDuration returns the exponential moving average of recent terminal
// job durations, seeded to zero until the first job completes. Used by
// C9's ETA estimate (spec §4.7 "derived from historical per-material wall
// time x queue depth / permits" — here tracked as whole-job wall time,
// since per-material timings aren't separately retained).
func (s *Scheduler) avgDuration() float64 {
	if v, ok := s.avgJobSeconds.Load().(float64); ok {
		return v
	}
	return 0
}

// recordDuration folds one terminal job's duration into the EMA (alpha=0.2).
// atomic.Value has no compare-and-swap; concurrent callers racing here only
// smooth in one extra sample, acceptable for an advisory ETA metric.
func (s *Scheduler) recordDuration(d time.Duration) {
	const alpha = 0.2
	seconds := d.Seconds()
	prev, _ := s.avgJobSeconds.Load().(float64)
	next := seconds
	if prev != 0 {
		next = alpha*seconds + (1-alpha)*prev
	}
	s.avgJobSeconds.Store(next)
}

func (s *Scheduler) workerLoop(slot int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaseWaitTimeout)
		lease, ok, err := s.q.Lease(ctx, s.cfg.VisibilityTimeout)
		cancel()
		if err != nil {
			s.log.Err(err, "scheduler: lease failed", "worker_slot", slot)
			continue
		}
		if !ok {
			continue
		}

		s.permits <- struct{}{}
		if s.m != nil {
			s.m.PermitsInUse.Set(float64(len(s.permits)))
		}

		s.processLease(lease)

		<-s.permits
		if s.m != nil {
			s.m.PermitsInUse.Set(float64(len(s.permits)))
		}
	}
}
