package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// RedisQueue is the bus-backed Queue implementation used when the node's
// deployment role is master or worker (spec §4.8): each priority band is a
// durable Redis list, acting as the "durable pub/sub topic partitioned per
// priority" spec §4.6 calls for. Leases are tracked in a hash plus a
// sorted set scored by expiry, so a background sweeper can requeue
// lapsed leases without a central coordinator process.
type RedisQueue struct {
	rdb *redis.Client
	log *obslog.Logger

	keyPrefix string

	// streaks persists the starvation-avoidance counters across Lease
	// calls: each call only dequeues one item, so state that lived on a
	// call-local value (as it briefly did) would reset every lease and
	// the starvation-avoidance policy would never trigger.
	streaksMu sync.Mutex
	streaks   streakState

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type redisLeaseRecord struct {
	InternalID string         `json:"internalId"`
	Priority   model.Priority `json:"priority"`
}

// NewRedisQueue connects to the given Redis URL and starts the lease
// sweeper. keyPrefix namespaces keys when multiple queues share one Redis
// instance (e.g. "ocr:queue").
func NewRedisQueue(url, keyPrefix string, log *obslog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "queue: parse redis url", err)
	}

	q := &RedisQueue{
		rdb:       redis.NewClient(opts),
		log:       log,
		keyPrefix: keyPrefix,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go q.sweepLoop()
	return q, nil
}

func (q *RedisQueue) Close() error {
	close(q.sweepStop)
	<-q.sweepDone
	return q.rdb.Close()
}

func (q *RedisQueue) listKey(p model.Priority) string {
	return fmt.Sprintf("%s:list:%s", q.keyPrefix, p)
}
func (q *RedisQueue) leasesKey() string      { return q.keyPrefix + ":leases" }
func (q *RedisQueue) leaseExpiryKey() string { return q.keyPrefix + ":lease_expiry" }

func (q *RedisQueue) Enqueue(ctx context.Context, item Item) error {
	if err := q.rdb.LPush(ctx, q.listKey(item.Priority), item.InternalID).Err(); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis lpush", err)
	}
	return nil
}

// tryDequeue applies the same strict-priority-with-starvation-avoidance
// policy as MemQueue, implemented against Redis list lengths since Redis
// has no native weighted-priority pop.
func (q *RedisQueue) tryDequeue(ctx context.Context) (model.Priority, string, bool, error) {
	lengths := make(map[model.Priority]int64, len(bands))
	for _, b := range bands {
		n, err := q.rdb.LLen(ctx, q.listKey(b)).Result()
		if err != nil {
			return "", "", false, apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis llen", err)
		}
		lengths[b] = n
	}

	q.streaksMu.Lock()
	band, ok := q.streaks.pick(lengths)
	q.streaksMu.Unlock()
	if !ok {
		return "", "", false, nil
	}

	id, err := q.rdb.RPop(ctx, q.listKey(band)).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis rpop", err)
	}
	return band, id, true, nil
}

func (q *RedisQueue) Lease(ctx context.Context, visibility time.Duration) (*Lease, bool, error) {
	for {
		band, internalID, ok, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, false, err
		}
		if ok {
			token := uuid.NewString()
			rec := redisLeaseRecord{InternalID: internalID, Priority: band}
			data, _ := json.Marshal(rec)
			expiresAt := time.Now().Add(visibility)

			pipe := q.rdb.TxPipeline()
			pipe.HSet(ctx, q.leasesKey(), token, data)
			pipe.ZAdd(ctx, q.leaseExpiryKey(), redis.Z{Score: float64(expiresAt.Unix()), Member: token})
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, false, apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis record lease", err)
			}

			return &Lease{Item: Item{InternalID: internalID, Priority: band}, Token: token}, true, nil
		}

		// Nothing available in any band: block briefly on whichever list
		// gets an entry first, purely as a wake signal — the next loop
		// iteration re-applies the priority/starvation pick from scratch.
		waitKeys := make([]string, len(bands))
		for i, b := range bands {
			waitKeys[i] = q.listKey(b)
		}
		res, err := q.rdb.BLPop(ctx, 2*time.Second, waitKeys...).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return nil, false, nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, nil
			}
			return nil, false, apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis blpop", err)
		}
		// We popped an item via BLPop as a side effect of waiting; push it
		// back so the normal priority pick above leases it in order.
		if len(res) == 2 {
			key := res[0]
			val := res[1]
			if err := q.rdb.LPush(ctx, key, val).Err(); err != nil {
				return nil, false, apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis requeue after wake", err)
			}
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, token string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.leasesKey(), token)
	pipe.ZRem(ctx, q.leaseExpiryKey(), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis ack", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, token string, requeue bool) error {
	data, err := q.rdb.HGet(ctx, q.leasesKey(), token).Result()
	if err == redis.Nil {
		return apperrors.New(apperrors.KindNotFound, "queue: unknown lease token")
	}
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis nack lookup", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.leasesKey(), token)
	pipe.ZRem(ctx, q.leaseExpiryKey(), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis nack", err)
	}

	if requeue {
		var rec redisLeaseRecord
		if err := json.Unmarshal([]byte(data), &rec); err == nil {
			if err := q.rdb.LPush(ctx, q.listKey(rec.Priority), rec.InternalID).Err(); err != nil {
				return apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis requeue", err)
			}
		}
	}
	return nil
}

// Reprioritize removes one occurrence of internalID from the from band's
// list and pushes it onto the to band, if it is still waiting there.
func (q *RedisQueue) Reprioritize(ctx context.Context, internalID string, from, to model.Priority) error {
	removed, err := q.rdb.LRem(ctx, q.listKey(from), 1, internalID).Result()
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis lrem", err)
	}
	if removed == 0 {
		return apperrors.New(apperrors.KindNotFound, "queue: item not waiting in band "+string(from))
	}
	if err := q.rdb.LPush(ctx, q.listKey(to), internalID).Err(); err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis lpush reprioritize", err)
	}
	return nil
}

func (q *RedisQueue) SizeByPriority(ctx context.Context) (map[model.Priority]int, error) {
	out := make(map[model.Priority]int, len(bands))
	for _, b := range bands {
		n, err := q.rdb.LLen(ctx, q.listKey(b)).Result()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "queue: redis llen", err)
		}
		out[b] = int(n)
	}
	return out, nil
}

func (q *RedisQueue) sweepLoop() {
	defer close(q.sweepDone)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.sweepStop:
			return
		case <-ticker.C:
			q.reclaimExpired(ctx)
		}
	}
}

func (q *RedisQueue) reclaimExpired(ctx context.Context) {
	now := float64(time.Now().Unix())
	tokens, err := q.rdb.ZRangeByScore(ctx, q.leaseExpiryKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		q.log.Warn("queue: reclaim scan failed", "error", err)
		return
	}
	for _, token := range tokens {
		data, err := q.rdb.HGet(ctx, q.leasesKey(), token).Result()
		if err != nil {
			continue
		}
		var rec redisLeaseRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.LPush(ctx, q.listKey(rec.Priority), rec.InternalID)
		pipe.HDel(ctx, q.leasesKey(), token)
		pipe.ZRem(ctx, q.leaseExpiryKey(), token)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warn("queue: reclaim requeue failed", "token", token, "error", err)
		}
	}
}

// streakState holds the same starvation-avoidance counter as MemQueue,
// applied against Redis list lengths instead of in-process slices. A single
// shared streak counts consecutive dequeues served from above Low (spec
// §4.6); once it reaches starvationN, Low is forced ahead of whichever band
// would otherwise win strict priority, so steady High+Normal traffic can't
// starve it out indefinitely.
type streakState struct {
	streak int
}

func (s *streakState) pick(lengths map[model.Priority]int64) (model.Priority, bool) {
	nonEmpty := func(p model.Priority) bool { return lengths[p] > 0 }

	if s.streak >= starvationN {
		if nonEmpty(model.PriorityLow) {
			s.streak = 0
			return model.PriorityLow, true
		}
		if nonEmpty(model.PriorityNormal) {
			s.streak = 0
			return model.PriorityNormal, true
		}
	}

	if nonEmpty(model.PriorityHigh) {
		s.streak++
		return model.PriorityHigh, true
	}

	if nonEmpty(model.PriorityNormal) {
		s.streak++
		return model.PriorityNormal, true
	}

	if nonEmpty(model.PriorityLow) {
		s.streak = 0
		return model.PriorityLow, true
	}

	return "", false
}
