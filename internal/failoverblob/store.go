package failoverblob

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/metrics"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

type activeSlot int32

const (
	slotPrimary  activeSlot = 0
	slotFallback activeSlot = 1
)

// Store is the C2 failover-protected logical blob store.
type Store struct {
	log     *obslog.Logger
	metrics *metrics.Registry

	primary  backend
	fallback backend

	active atomic.Int32

	healthMu sync.RWMutex
	health   map[model.BackendKind]*model.BackendHealth

	proberStop chan struct{}
	proberDone chan struct{}

	sentinelKey string
}

// Config controls prober cadence. SentinelKey is kept on the Store but is
// not passed to the backends, whose health checks use the fixed key
// "_sentinel/health-probe".
type Config struct {
	ProbeInterval time.Duration
	SentinelKey   string
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.SentinelKey == "" {
		c.SentinelKey = "_sentinel/health-probe"
	}
	return c
}

// New constructs a Store wrapping the given primary/fallback backends and
// starts the background health prober.
func New(primary, fallback backend, cfg Config, log *obslog.Logger, reg *metrics.Registry) *Store {
	cfg = cfg.withDefaults()

	s := &Store{
		log:         log,
		metrics:     reg,
		primary:     primary,
		fallback:    fallback,
		sentinelKey: cfg.SentinelKey,
		health: map[model.BackendKind]*model.BackendHealth{
			primary.name():  {Kind: primary.name(), State: model.HealthHealthy},
			fallback.name(): {Kind: fallback.name(), State: model.HealthHealthy},
		},
		proberStop: make(chan struct{}),
		proberDone: make(chan struct{}),
	}

	go s.proberLoop(cfg.ProbeInterval)

	return s
}

// Close stops the background prober and the backends.
func (s *Store) Close() error {
	close(s.proberStop)
	<-s.proberDone
	_ = s.primary.close()
	return s.fallback.close()
}

// ActiveBackendKind reports which backend is currently selected for writes.
func (s *Store) ActiveBackendKind() model.BackendKind {
	if activeSlot(s.active.Load()) == slotFallback {
		return s.fallback.name()
	}
	return s.primary.name()
}

// Status mirrors GET /failover/status's storage section.
type Status struct {
	Active         string
	PrimaryHealth  model.BackendHealth
	FallbackHealth model.BackendHealth
}

func (s *Store) StorageStatus() Status {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	activeName := "primary"
	if activeSlot(s.active.Load()) == slotFallback {
		activeName = "fallback"
	}
	return Status{
		Active:         activeName,
		PrimaryHealth:  *s.health[s.primary.name()],
		FallbackHealth: *s.health[s.fallback.name()],
	}
}

func (s *Store) selected() backend {
	if activeSlot(s.active.Load()) == slotFallback {
		return s.fallback
	}
	return s.primary
}

func (s *Store) recordFailure(b backend, err error) bool {
	s.healthMu.Lock()
	h := s.health[b.name()]
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	if h.ConsecutiveFailures >= 3 {
		h.State = model.HealthUnhealthy
	} else {
		h.State = model.HealthDegraded
	}
	s.healthMu.Unlock()

	return s.reevaluateSelection()
}

func (s *Store) recordSuccess(b backend) {
	s.healthMu.Lock()
	h := s.health[b.name()]
	h.ConsecutiveFailures = 0
	h.State = model.HealthHealthy
	h.LastProbeAt = time.Now()
	s.healthMu.Unlock()
}

// reevaluateSelection mirrors failoverstore's forward-only policy: primary
// while Healthy, else fallback; no automatic reverse switch (spec §9).
func (s *Store) reevaluateSelection() bool {
	s.healthMu.RLock()
	primaryHealthy := s.health[s.primary.name()].State == model.HealthHealthy
	s.healthMu.RUnlock()

	before := activeSlot(s.active.Load())
	var after activeSlot
	if before == slotPrimary {
		if primaryHealthy {
			after = slotPrimary
		} else {
			after = slotFallback
		}
	} else {
		after = slotFallback
	}

	if after != before {
		s.active.Store(int32(after))
		if s.metrics != nil {
			v := 0.0
			if after == slotFallback {
				v = 1.0
			}
			s.metrics.BackendActive.WithLabelValues("storage").Set(v)
		}
		s.log.Warn("failover blob store: active backend changed", "from", before, "to", after)
		return true
	}
	return false
}

func withBlobOp[T any](s *Store, op func(backend) (T, error)) (T, error) {
	b := s.selected()
	res, err := op(b)
	if err == nil {
		s.recordSuccess(b)
		return res, nil
	}
	if !isTransportFault(err) {
		var zero T
		return zero, err
	}

	changed := s.recordFailure(b, err)
	if !changed {
		var zero T
		return zero, apperrors.Wrap(apperrors.KindBackendUnavailable, "blob backend unavailable", err)
	}

	retryB := s.selected()
	res, err = op(retryB)
	if err != nil {
		s.recordFailure(retryB, err)
		var zero T
		return zero, apperrors.Wrap(apperrors.KindBackendUnavailable, "both blob backends unavailable", err)
	}
	s.recordSuccess(retryB)
	return res, nil
}

func isTransportFault(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound, apperrors.KindInvalidRequest:
		return false
	default:
		return true
	}
}

// Put writes data under key via the active backend, failing over once on
// transport fault.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := withBlobOp(s, func(b backend) (struct{}, error) {
		return struct{}{}, b.put(ctx, key, data, contentType)
	})
	return err
}

// Get reads key via the active backend.
func (s *Store) Get(ctx context.Context, key string) (*Blob, error) {
	return withBlobOp(s, func(b backend) (*Blob, error) {
		return b.get(ctx, key)
	})
}

// Delete removes key via the active backend.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := withBlobOp(s, func(b backend) (struct{}, error) {
		return struct{}{}, b.deleteKey(ctx, key)
	})
	return err
}

// PresignGet returns a time-limited retrieval URL for key.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return withBlobOp(s, func(b backend) (string, error) {
		return b.presignGet(ctx, key, ttl)
	})
}

func (s *Store) proberLoop(interval time.Duration) {
	defer close(s.proberDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.proberStop:
			return
		case <-ticker.C:
			s.probeOnce()
		}
	}
}

func (s *Store) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, b := range []backend{s.primary, s.fallback} {
		if err := b.healthCheck(ctx); err != nil {
			s.recordFailure(b, err)
		} else {
			s.recordSuccess(b)
		}
	}
	s.reevaluateSelection()
}
