package alerting

import (
	"sync"

	"github.com/google/uuid"

	"otc-settlement/internal/storage"
)

// RuleCache memoises alert rules by id and by name. It is advisory: a miss
// always falls back to the store.
type RuleCache struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]storage.AlertRule
	byName map[string]uuid.UUID
}

// NewRuleCache returns an empty cache.
func NewRuleCache() *RuleCache {
	return &RuleCache{
		byID:   make(map[uuid.UUID]storage.AlertRule),
		byName: make(map[string]uuid.UUID),
	}
}

func (c *RuleCache) Get(id uuid.UUID) (storage.AlertRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.byID[id]
	return rule, ok
}

func (c *RuleCache) GetByName(name string) (storage.AlertRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	if !ok {
		return storage.AlertRule{}, false
	}
	rule, ok := c.byID[id]
	return rule, ok
}

func (c *RuleCache) Put(rule storage.AlertRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[rule.ID] = rule
	c.byName[rule.Name] = rule.ID
}

func (c *RuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
