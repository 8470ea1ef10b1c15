package distfabric_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/distfabric"
	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// newTestMaster builds a Master against two real SQLite-backed stores (no
// Redis connection needed: the handler methods exercised below never touch
// m.rdb, only runSub's subscriber loops do, and those aren't started here).
func newTestMaster(t *testing.T) (*distfabric.Master, *failoverstore.Store) {
	t.Helper()
	log := obslog.New(obslog.Config{}, "test")
	primary, err := failoverstore.NewFallbackSQLiteBackend(filepath.Join(t.TempDir(), "primary.db"), log)
	require.NoError(t, err)
	fallback, err := failoverstore.NewFallbackSQLiteBackend(filepath.Join(t.TempDir(), "fallback.db"), log)
	require.NoError(t, err)
	store := failoverstore.New(primary, fallback, failoverstore.Config{}, log, nil)
	t.Cleanup(func() { _ = store.Close() })

	master := distfabric.NewMaster(nil, "ocr-test", store, log)
	return master, store
}

// TestMaster_HandleTransition_AppliesWorkerReportedCAS is the concrete
// expression of spec §4.8 "workers do not write job-state directly to the
// master's store": a worker-reported TransitionMessage must land on the
// master's own authoritative C1 store.
func TestMaster_HandleTransition_AppliesWorkerReportedCAS(t *testing.T) {
	master, store := newTestMaster(t)
	ctx := context.Background()

	job := &model.PreviewJob{InternalID: "job-1", State: model.JobQueued, Priority: model.PriorityNormal, EnqueuedAt: time.Now()}
	require.NoError(t, store.CreateJob(ctx, job))

	distfabric.ApplyTransitionForTest(master, distfabric.TransitionMessage{
		WorkerID:   "worker-a",
		InternalID: "job-1",
		From:       model.JobQueued,
		To:         model.JobRunning,
		Version:    0,
		Job:        model.PreviewJob{LeaseOwner: "worker-a"},
	})

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.State)
	assert.Equal(t, "worker-a", got.LeaseOwner)
}

// TestMaster_HandleTransition_ReplayIsIdempotent is the concrete expression
// of spec §8's "Idempotent duplicate delivery" scenario for the distribution
// fabric: redelivering an already-applied transition must not be treated as
// an error condition that corrupts job state further.
func TestMaster_HandleTransition_ReplayIsIdempotent(t *testing.T) {
	master, store := newTestMaster(t)
	ctx := context.Background()

	job := &model.PreviewJob{InternalID: "job-1", State: model.JobQueued, Priority: model.PriorityNormal, EnqueuedAt: time.Now()}
	require.NoError(t, store.CreateJob(ctx, job))

	msg := distfabric.TransitionMessage{
		WorkerID: "worker-a", InternalID: "job-1",
		From: model.JobQueued, To: model.JobRunning, Version: 0,
	}
	distfabric.ApplyTransitionForTest(master, msg)
	// Replay the exact same message: the underlying CAS now conflicts
	// (version/state moved on), which handleTransition must absorb silently
	// rather than attempt to apply it a second time.
	distfabric.ApplyTransitionForTest(master, msg)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.State)
	assert.Equal(t, int64(1), got.Version)
}

// TestMaster_HandleResult_IgnoresReplayAfterJobNoLongerRunning covers the
// other half of §8's idempotent-delivery property: once a job has left
// Running, a duplicate ResultMessage must be a no-op rather than overwrite
// an already-persisted result.
func TestMaster_HandleResult_IgnoresReplayAfterJobNoLongerRunning(t *testing.T) {
	master, store := newTestMaster(t)
	ctx := context.Background()

	job := &model.PreviewJob{InternalID: "job-1", State: model.JobRunning, Priority: model.PriorityNormal, EnqueuedAt: time.Now()}
	require.NoError(t, store.CreateJob(ctx, job))

	result := model.JobResult{InternalID: "job-1", Overall: model.StatusPassed}
	distfabric.ApplyResultForTest(master, distfabric.ResultMessage{WorkerID: "worker-a", Result: result})

	got, err := store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPassed, got.Overall)

	// Move the job out of Running, then replay a result with a different
	// verdict: handleResult must drop it and leave the stored result intact.
	_, err = store.TransitionJob(ctx, "job-1", model.JobRunning, model.JobCompleted, 0, nil)
	require.NoError(t, err)
	replay := model.JobResult{InternalID: "job-1", Overall: model.StatusFailed}
	distfabric.ApplyResultForTest(master, distfabric.ResultMessage{WorkerID: "worker-a", Result: replay})

	got, err = store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPassed, got.Overall)
}

// TestMaster_HandleHeartbeat_TracksWorkerAndRecoversFromDead covers spec
// §4.8's worker bookkeeping: a fresh heartbeat registers the worker, and a
// heartbeat arriving after the worker was marked Dead clears the flag.
func TestMaster_HandleHeartbeat_TracksWorkerAndRecoversFromDead(t *testing.T) {
	master, _ := newTestMaster(t)

	distfabric.ApplyHeartbeatForTest(master, distfabric.Heartbeat{WorkerID: "worker-a", Capacity: 4, StartedAt: time.Now()})
	workers := master.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-a", workers[0].WorkerID)
	assert.False(t, workers[0].Dead)
	assert.Equal(t, 4, workers[0].Capacity)

	distfabric.MarkDeadForTest(master, "worker-a")
	require.True(t, master.Workers()[0].Dead)

	distfabric.ApplyHeartbeatForTest(master, distfabric.Heartbeat{WorkerID: "worker-a", Capacity: 4, StartedAt: time.Now()})
	workers = master.Workers()
	require.Len(t, workers, 1)
	assert.False(t, workers[0].Dead)
}

// TestMaster_Workers_OrdersAliveFirstThenByCapacity covers the ranked
// reporting behavior SPEC_FULL.md §D describes for GET /queue/status's
// worker section.
func TestMaster_Workers_OrdersAliveFirstThenByCapacity(t *testing.T) {
	master, _ := newTestMaster(t)

	distfabric.ApplyHeartbeatForTest(master, distfabric.Heartbeat{WorkerID: "low-capacity", Capacity: 1, StartedAt: time.Now()})
	distfabric.ApplyHeartbeatForTest(master, distfabric.Heartbeat{WorkerID: "high-capacity", Capacity: 10, StartedAt: time.Now()})
	distfabric.MarkDeadForTest(master, "low-capacity")

	workers := master.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, "high-capacity", workers[0].WorkerID)
	assert.False(t, workers[0].Dead)
	assert.Equal(t, "low-capacity", workers[1].WorkerID)
	assert.True(t, workers[1].Dead)
}
