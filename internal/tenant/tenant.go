// Copyright 2025 James Ross
// Package tenant resolves a tenant's service tier for queue routing. It
// wraps the relational tenant table with a short-lived in-memory cache so
// every message publish doesn't round-trip to Postgres, adapted from the
// corpus's Redis-backed tenant manager but backed directly by the tenant
// table since Tenant is already a first-class relational entity here.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/jmoiron/sqlx"
)

type cacheEntry struct {
	tier      store.TenantTier
	expiresAt time.Time
}

// Cache resolves tenant tiers with a bounded-staleness TTL cache in front of
// the tenant table.
type Cache struct {
	db  *sqlx.DB
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(db *sqlx.DB, ttl time.Duration) *Cache {
	return &Cache{db: db, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Tier returns tenantID's current service tier, consulting the cache first.
func (c *Cache) Tier(ctx context.Context, tenantID string) (store.TenantTier, error) {
	if tier, ok := c.lookup(tenantID); ok {
		return tier, nil
	}

	var tier store.TenantTier
	if err := c.db.GetContext(ctx, &tier, `SELECT tier FROM tenants WHERE id = $1`, tenantID); err != nil {
		return "", fmt.Errorf("lookup tenant %s tier: %w", tenantID, err)
	}

	c.mu.Lock()
	c.entries[tenantID] = cacheEntry{tier: tier, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return tier, nil
}

func (c *Cache) lookup(tenantID string) (store.TenantTier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tenantID]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.tier, true
}

// Invalidate forces the next Tier call for tenantID to hit the database,
// used after a tier change (e.g. a plan upgrade) so routing reacts within one
// request instead of waiting out the TTL.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// Get fetches the full tenant row, bypassing the tier cache, for admin and
// scheduler code paths that need more than the tier.
func Get(ctx context.Context, db *sqlx.DB, tenantID string) (*store.Tenant, error) {
	var t store.Tenant
	if err := db.GetContext(ctx, &t, `SELECT * FROM tenants WHERE id = $1`, tenantID); err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	return &t, nil
}
