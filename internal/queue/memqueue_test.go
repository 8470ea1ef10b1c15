package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/queue"
)

func TestMemQueue_LeaseReturnsFalseWhenEmpty(t *testing.T) {
	q := queue.NewMemQueue()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	lease, ok, err := q.Lease(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, lease)
}

func TestMemQueue_EnqueueThenLeaseRoundTrips(t *testing.T) {
	q := queue.NewMemQueue()
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), queue.Item{InternalID: "job-1", Priority: model.PriorityNormal}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, ok, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", lease.InternalID)
	assert.NotEmpty(t, lease.Token)

	require.NoError(t, q.Ack(context.Background(), lease.Token))
	assert.Error(t, q.Ack(context.Background(), lease.Token)) // already acked, token gone
}

func TestMemQueue_NackWithRequeueMakesItemReleasableAgain(t *testing.T) {
	q := queue.NewMemQueue()
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), queue.Item{InternalID: "job-1", Priority: model.PriorityLow}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, ok, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Nack(context.Background(), lease.Token, true))

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	lease2, ok2, err := q.Lease(ctx2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, "job-1", lease2.InternalID)
}

func TestMemQueue_NackWithoutRequeueDropsItem(t *testing.T) {
	q := queue.NewMemQueue()
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), queue.Item{InternalID: "job-1", Priority: model.PriorityLow}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, ok, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Nack(context.Background(), lease.Token, false))

	depth, err := q.SizeByPriority(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth[model.PriorityLow])
}

// TestMemQueue_StrictPriorityWithStarvationAvoidance verifies spec §4.6 and
// the §8 priority-fairness property: with all three bands kept full, a
// window of >=9 consecutive dequeues must include at least one Low.
func TestMemQueue_StrictPriorityWithStarvationAvoidance(t *testing.T) {
	q := queue.NewMemQueue()
	defer q.Close()
	ctx := context.Background()

	// Keep High and Normal always non-empty by re-enqueuing as we go, so the
	// only way Low gets served is via the starvation-avoidance streak rule.
	refill := func(p model.Priority, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, q.Enqueue(ctx, queue.Item{InternalID: "h", Priority: p}))
		}
	}
	refill(model.PriorityHigh, 20)
	refill(model.PriorityNormal, 20)
	refill(model.PriorityLow, 1)

	seen := map[model.Priority]int{}
	for i := 0; i < 9; i++ {
		leaseCtx, cancel := context.WithTimeout(ctx, time.Second)
		lease, ok, err := q.Lease(leaseCtx, time.Minute)
		cancel()
		require.NoError(t, err)
		require.True(t, ok)
		seen[lease.Priority]++
		require.NoError(t, q.Ack(ctx, lease.Token))
		// Keep High/Normal topped up so they never run dry and mask the
		// starvation-avoidance behavior.
		if lease.Priority == model.PriorityHigh {
			refill(model.PriorityHigh, 1)
		} else if lease.Priority == model.PriorityNormal {
			refill(model.PriorityNormal, 1)
		}
	}

	assert.GreaterOrEqual(t, seen[model.PriorityLow], 1, "low priority must be served at least once in a 9-dequeue window")
}

func TestMemQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	q := queue.NewMemQueue()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Item{InternalID: "job-1", Priority: model.PriorityHigh}))

	leaseCtx, cancel := context.WithTimeout(ctx, time.Second)
	lease, ok, err := q.Lease(leaseCtx, 10*time.Millisecond)
	cancel()
	require.NoError(t, err)
	require.True(t, ok)
	_ = lease

	// Never ack/nack: the sweep loop should requeue it once the visibility
	// window (10ms) plus its 1s sweep tick passes.
	waitCtx, cancel2 := context.WithTimeout(ctx, 3*time.Second)
	defer cancel2()
	lease2, ok2, err := q.Lease(waitCtx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, "job-1", lease2.InternalID)
}
