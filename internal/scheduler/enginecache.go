package scheduler

import (
	"strconv"
	"sync"

	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/rules"
)

// engineCache memoizes compiled rule engines by (matterId, version), since
// compilation (cycle/operator validation, topo sort) is pure work that
// would otherwise repeat on every job for the same matter.
type engineCache struct {
	mu      sync.Mutex
	entries map[string]*rules.Engine // key: matterId + "@" + version
}

func newEngineCache() *engineCache {
	return &engineCache{entries: make(map[string]*rules.Engine)}
}

func (c *engineCache) get(cfg *model.RuleConfig) (*rules.Engine, error) {
	key := cfg.MatterID + "@" + strconv.FormatInt(cfg.Version, 10)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	e, err := rules.Compile(cfg.Graph)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e, nil
}
