// Package failoverstore implements C1: a single logical store backed by a
// primary remote SQL gateway and a fallback embedded relational store, with
// health-driven, atomic backend selection (spec §4.1).
package failoverstore

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

// activeSlot is the value held in Store.active: 0 = primary, 1 = fallback.
// It is kept in an atomic rather than a mutex-guarded field, since reads
// vastly outnumber writes. Both the prober and the request path's
// recordFailure may switch it.
type activeSlot int32

const (
	slotPrimary  activeSlot = 0
	slotFallback activeSlot = 1
)

// Store is the C1 failover-protected logical store.
type Store struct {
	log     *obslog.Logger
	metrics *metrics.Registry

	primary  backend
	fallback backend

	active atomic.Int32 // activeSlot

	healthMu sync.RWMutex
	health   map[model.BackendKind]*model.BackendHealth

	cache *ruleCache

	proberStop chan struct{}
	proberDone chan struct{}

	// fallbackWrites counts writes served by fallback since it became
	// active; surfaced via GET /failover/status (SPEC_FULL.md §D).
	fallbackWrites atomic.Int64
}

// Config controls prober cadence and similar tunables.
type Config struct {
	ProbeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	return c
}

// New constructs a Store wrapping the given primary/fallback backends and
// starts the background health prober.
func New(primary, fallback backend, cfg Config, log *obslog.Logger, reg *metrics.Registry) *Store {
	cfg = cfg.withDefaults()

	s := &Store{
		log:        log,
		metrics:    reg,
		primary:    primary,
		fallback:   fallback,
		health: map[model.BackendKind]*model.BackendHealth{
			primary.name():  {Kind: primary.name(), State: model.HealthHealthy},
			fallback.name(): {Kind: fallback.name(), State: model.HealthHealthy},
		},
		proberStop: make(chan struct{}),
		proberDone: make(chan struct{}),
	}
	s.cache = newRuleCache(s)

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

// Status mirrors GET /failover/status's database section.
type Status struct {
	Active             string
	PrimaryHealth      model.BackendHealth
	FallbackHealth     model.BackendHealth
	FallbackWriteCount int64
}

// DatabaseStatus returns the current selection snapshot.
func (s *Store) DatabaseStatus() Status {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	activeName := "primary"
	if activeSlot(s.active.Load()) == slotFallback {
		activeName = "fallback"
	}
	return Status{
		Active:             activeName,
		PrimaryHealth:      *s.health[s.primary.name()],
		FallbackHealth:     *s.health[s.fallback.name()],
		FallbackWriteCount: s.fallbackWrites.Load(),
	}
}

// selected returns the currently-active concrete backend.
func (s *Store) selected() backend {
	if activeSlot(s.active.Load()) == slotFallback {
		return s.fallback
	}
	return s.primary
}

// other returns the backend not currently active.
func (s *Store) other() backend {
	if activeSlot(s.active.Load()) == slotFallback {
		return s.primary
	}
	return s.fallback
}

// recordFailure bumps consecutive_failures for b and re-evaluates
// selection per spec §4.1 step 3. It returns true if selection changed.
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

// recordSuccess clears consecutive_failures for b.
func (s *Store) recordSuccess(b backend) {
	s.healthMu.Lock()
	h := s.health[b.name()]
	h.ConsecutiveFailures = 0
	h.State = model.HealthHealthy
	h.LastProbeAt = time.Now()
	s.healthMu.Unlock()
}

// reevaluateSelection applies spec §4.1's selection policy: primary if
// Healthy, else fallback if Healthy. Forward switches are automatic;
// reverse switches (fallback -> primary) are NOT performed here — spec §9
// leaves auto-return out of scope, an operator-driven reconcile owns it.
// It returns true if the active backend changed.
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
		// already on fallback: stays on fallback until an operator-driven
		// drain+reconcile (out of scope, spec §9) promotes it back.
		after = slotFallback
	}

	if after != before {
		s.active.Store(int32(after))
		if s.metrics != nil {
			v := 0.0
			if after == slotFallback {
				v = 1.0
			}
			s.metrics.BackendActive.WithLabelValues("database").Set(v)
		}
		s.log.Warn("failover store: active backend changed",
			"from", before, "to", after)
		return true
	}
	return false
}

// withWrite implements spec §4.1's write semantics: attempt on active; on
// transport failure, bump the failure counter, re-evaluate selection, and
// retry once on the new active if it differs.
func withWrite[T any](s *Store, ctx context.Context, op func(backend) (T, error)) (T, error) {
	b := s.selected()
	res, err := op(b)
	if err == nil {
		s.recordSuccess(b)
		if b.name() == s.fallback.name() {
			s.fallbackWrites.Add(1)
		}
		return res, nil
	}
	if !isTransportFault(err) {
		var zero T
		return zero, err
	}

	changed := s.recordFailure(b, err)
	if !changed {
		var zero T
		return zero, apperrors.Wrap(apperrors.KindBackendUnavailable, "store backend unavailable", err)
	}

	retryB := s.selected()
	res, err = op(retryB)
	if err != nil {
		s.recordFailure(retryB, err)
		var zero T
		return zero, apperrors.Wrap(apperrors.KindBackendUnavailable, "both store backends unavailable", err)
	}
	s.recordSuccess(retryB)
	if retryB.name() == s.fallback.name() {
		s.fallbackWrites.Add(1)
	}
	return res, nil
}

// isTransportFault classifies whether err represents a transport-level
// fault eligible for failover retry, vs. a logical fault that must surface
// immediately (spec §4.1 step 3, §7).
func isTransportFault(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound, apperrors.KindConflict, apperrors.KindInvalidRequest:
		return false
	default:
		return true
	}
}

// RecordRequest persists a PreviewRequest (spec §4.9 step).
func (s *Store) RecordRequest(ctx context.Context, req *model.PreviewRequest) error {
	_, err := withWrite(s, ctx, func(b backend) (struct{}, error) {
		return struct{}{}, b.recordRequest(ctx, req)
	})
	return err
}

// GetRequest reads a PreviewRequest by internal ID.
func (s *Store) GetRequest(ctx context.Context, internalID string) (*model.PreviewRequest, error) {
	return withWrite(s, ctx, func(b backend) (*model.PreviewRequest, error) {
		return b.getRequest(ctx, internalID)
	})
}

// CreateJob creates the initial PreviewJob row, state Queued.
func (s *Store) CreateJob(ctx context.Context, job *model.PreviewJob) error {
	_, err := withWrite(s, ctx, func(b backend) (struct{}, error) {
		return struct{}{}, b.createJob(ctx, job)
	})
	return err
}

// GetJob reads a PreviewJob by internal ID.
func (s *Store) GetJob(ctx context.Context, internalID string) (*model.PreviewJob, error) {
	return withWrite(s, ctx, func(b backend) (*model.PreviewJob, error) {
		return b.getJob(ctx, internalID)
	})
}

// TransitionJob performs the CAS state transition described in spec §3's
// invariants and §4.1's concurrency section. mutate may set additional
// fields (e.g. LastError, LeaseOwner) atomically with the transition.
func (s *Store) TransitionJob(ctx context.Context, internalID string, from, to model.JobState, version int64, mutate func(*model.PreviewJob)) (*model.PreviewJob, error) {
	return withWrite(s, ctx, func(b backend) (*model.PreviewJob, error) {
		return b.casTransition(ctx, internalID, from, to, version, mutate)
	})
}

// PersistResult writes the MaterialResult set exactly once (spec §3
// invariant "at-most-one-result").
func (s *Store) PersistResult(ctx context.Context, result *model.JobResult) error {
	_, err := withWrite(s, ctx, func(b backend) (struct{}, error) {
		return struct{}{}, b.persistResult(ctx, result)
	})
	return err
}

// GetResult reads a persisted JobResult.
func (s *Store) GetResult(ctx context.Context, internalID string) (*model.JobResult, error) {
	return withWrite(s, ctx, func(b backend) (*model.JobResult, error) {
		return b.getResult(ctx, internalID)
	})
}

// ListRecords serves GET /preview/records.
func (s *Store) ListRecords(ctx context.Context, filter RecordFilter) ([]RecordSummary, int, error) {
	type page struct {
		rows  []RecordSummary
		total int
	}
	p, err := withWrite(s, ctx, func(b backend) (page, error) {
		rows, total, err := b.listRecords(ctx, filter)
		return page{rows, total}, err
	})
	return p.rows, p.total, err
}

// RuleConfig returns the cached, read-through RuleConfig for matterID
// (spec §3 "readers pin a version for the duration of a single job").
func (s *Store) RuleConfig(ctx context.Context, matterID string) (*model.RuleConfig, error) {
	return s.cache.get(ctx, matterID)
}

// InvalidateRuleConfig drops the cached entry for matterID, forcing the
// next RuleConfig call to reload (spec §3 "Cache invalidation on explicit
// reload command", SPEC_FULL.md §D POST /admin/rules/reload).
func (s *Store) InvalidateRuleConfig(matterID string) {
	s.cache.invalidate(matterID)
}

// InsertAPICall appends an audit row.
func (s *Store) InsertAPICall(ctx context.Context, rec *model.APICallRecord) error {
	_, err := withWrite(s, ctx, func(b backend) (struct{}, error) {
		return struct{}{}, b.insertAPICall(ctx, rec)
	})
	return err
}

// CreateSession persists an operator session token.
func (s *Store) CreateSession(ctx context.Context, sess *model.MonitorSession) error {
	_, err := withWrite(s, ctx, func(b backend) (struct{}, error) {
		return struct{}{}, b.createSession(ctx, sess)
	})
	return err
}

// GetSession reads an operator session by token.
func (s *Store) GetSession(ctx context.Context, token string) (*model.MonitorSession, error) {
	return withWrite(s, ctx, func(b backend) (*model.MonitorSession, error) {
		return b.getSession(ctx, token)
	})
}
