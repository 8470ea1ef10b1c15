package failoverstore

import (
	"context"
	"sync"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
)

// ruleCache is the read-through RuleConfig cache described in spec §5:
// "read-through with insertion behind a single-writer lock keyed by
// matter_id; concurrent readers of the same version share the cached graph
// (immutable after load)". A per-matter mutex (rather than one global lock)
// lets unrelated matters load concurrently.
type ruleCache struct {
	store *Store

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu     sync.Mutex // serializes loads for this matter_id only
	loaded bool
	cfg    *model.RuleConfig
	err    error
}

func newRuleCache(s *Store) *ruleCache {
	return &ruleCache{store: s, entries: make(map[string]*cacheEntry)}
}

func (c *ruleCache) entryFor(matterID string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[matterID]
	if !ok {
		e = &cacheEntry{}
		c.entries[matterID] = e
	}
	return e
}

func (c *ruleCache) get(ctx context.Context, matterID string) (*model.RuleConfig, error) {
	e := c.entryFor(matterID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return e.cfg, e.err
	}

	cfg, err := withWrite(c.store, ctx, func(b backend) (*model.RuleConfig, error) {
		return b.getRuleConfig(ctx, matterID)
	})
	if err == nil && (cfg == nil || !cfg.Enabled) {
		err = apperrors.New(apperrors.KindNotFound, "no enabled rule config for matter "+matterID)
	}

	// Only a definitive outcome (found, or genuinely absent/disabled) gets
	// cached. A transient lookup failure (e.g. both store backends briefly
	// unavailable) must not wedge every future job for this matter until
	// someone calls the reload endpoint — the next get retries instead.
	if err == nil || apperrors.Is(err, apperrors.KindNotFound) {
		e.loaded = true
		e.cfg = cfg
		e.err = err
	}
	return cfg, err
}

// invalidate drops the cached entry, forcing the next get to reload.
func (c *ruleCache) invalidate(matterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, matterID)
}
