package plancompiler

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
)

// Cache is a read-mostly, write-on-miss store for compiled plans keyed
// by plan_hash, mirroring the policy package's in-memory/persistent
// split: a Cache alone is process-local, and wrapping it with a
// PersistentCache adds durability across restarts the same way
// policy.PersistentStore layers SQLite atop policy.Store.
type Cache struct {
	mu    sync.RWMutex
	plans map[string]*ExecutablePlan
}

// NewCache builds an empty in-memory plan cache.
func NewCache() *Cache {
	return &Cache{plans: make(map[string]*ExecutablePlan)}
}

// Get returns the cached plan for hash, if present.
func (c *Cache) Get(hash string) (*ExecutablePlan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[hash]
	return p, ok
}

// Put stores plan under its own PlanHash.
func (c *Cache) Put(plan *ExecutablePlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[plan.PlanHash] = plan
}

// PersistentCache wraps a Cache with a Postgres-backed table so a
// restarted process does not have to recompile every plan it already
// produced; compiling is cheap but idempotent replay safety benefits
// from the process never losing a plan_hash -> plan mapping it has
// already handed a caller.
type PersistentCache struct {
	*Cache
	db *sql.DB
}

// NewPersistentCache wraps mem with db persistence. Callers should still
// go through Get/Put on the returned PersistentCache, not the embedded
// Cache directly, so writes reach storage.
func NewPersistentCache(mem *Cache, db *sql.DB) *PersistentCache {
	return &PersistentCache{Cache: mem, db: db}
}

// EnsureSchema creates the compiled_plans table if absent.
func (pc *PersistentCache) EnsureSchema(ctx context.Context) error {
	_, err := pc.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS compiled_plans (
		plan_hash  TEXT PRIMARY KEY,
		plan_json  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

// Get checks memory first, then falls back to Postgres, populating
// memory on a hit so subsequent lookups avoid the round trip.
func (pc *PersistentCache) Get(ctx context.Context, hash string) (*ExecutablePlan, bool, error) {
	if plan, ok := pc.Cache.Get(hash); ok {
		return plan, true, nil
	}

	var raw string
	err := pc.db.QueryRowContext(ctx, `SELECT plan_json FROM compiled_plans WHERE plan_hash = $1`, hash).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var plan ExecutablePlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, false, err
	}
	pc.Cache.Put(&plan)
	return &plan, true, nil
}

// Put writes through to both memory and Postgres, upserting so a
// recompile of the same capsule+inputs (same plan_hash) is a no-op
// rather than a constraint violation.
func (pc *PersistentCache) Put(ctx context.Context, plan *ExecutablePlan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	_, err = pc.db.ExecContext(ctx,
		`INSERT INTO compiled_plans (plan_hash, plan_json) VALUES ($1, $2)
		 ON CONFLICT (plan_hash) DO UPDATE SET plan_json = EXCLUDED.plan_json`,
		plan.PlanHash, string(raw))
	if err != nil {
		return err
	}
	pc.Cache.Put(plan)
	return nil
}
