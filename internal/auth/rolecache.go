package auth

import "sync"

// Role cache events passed to the observer.
const (
	RoleCacheHit      = "hit"
	RoleCacheMiss     = "miss"
	RoleCacheCommit   = "commit"
	RoleCacheRollback = "rollback"
)

// RoleCache maps role names to ids process-wide. Entries are staged against
// the transaction that read or wrote them and only become visible to
// Lookup once that transaction commits. A rollback discards the staged
// entries and evicts the same names from the shared map.
type RoleCache struct {
	mu        sync.Mutex
	committed map[RoleName]string
	pending   map[TxHooks]map[RoleName]string
	observe   func(event string)
}

// NewRoleCache constructs an empty cache. observe may be nil.
func NewRoleCache(observe func(event string)) *RoleCache {
	if observe == nil {
		observe = func(string) {}
	}
	return &RoleCache{
		committed: make(map[RoleName]string),
		pending:   make(map[TxHooks]map[RoleName]string),
		observe:   observe,
	}
}

// Lookup returns a committed id for name.
func (c *RoleCache) Lookup(name RoleName) (string, bool) {
	c.mu.Lock()
	id, ok := c.committed[name]
	c.mu.Unlock()
	if ok {
		c.observe(RoleCacheHit)
	} else {
		c.observe(RoleCacheMiss)
	}
	return id, ok
}

// Stage records name→id for tx. Hooks are registered on first use of tx.
func (c *RoleCache) Stage(tx TxHooks, name RoleName, id string) {
	c.mu.Lock()
	staged, ok := c.pending[tx]
	if !ok {
		staged = make(map[RoleName]string)
		c.pending[tx] = staged
	}
	staged[name] = id
	c.mu.Unlock()
	if ok {
		return
	}
	tx.OnCommit(func() { c.commit(tx) })
	tx.OnRollback(func() { c.rollback(tx) })
}

func (c *RoleCache) commit(tx TxHooks) {
	c.mu.Lock()
	for name, id := range c.pending[tx] {
		c.committed[name] = id
	}
	delete(c.pending, tx)
	c.mu.Unlock()
	c.observe(RoleCacheCommit)
}

func (c *RoleCache) rollback(tx TxHooks) {
	c.mu.Lock()
	for name := range c.pending[tx] {
		delete(c.committed, name)
	}
	delete(c.pending, tx)
	c.mu.Unlock()
	c.observe(RoleCacheRollback)
}

// Len returns the number of committed entries.
func (c *RoleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed)
}
