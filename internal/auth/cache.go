package auth

import (
	"sync"
	"time"
)

// Cache default configuration constants.
const (
	// DefaultCacheTTLCeiling bounds how long a validation is reused.
	DefaultCacheTTLCeiling = 5 * time.Minute

	// DefaultCacheMaxEntries bounds the number of cached validations.
	DefaultCacheMaxEntries = 10000
)

// cacheEntry is a cached validation. sessions records every MCP session the
// credential was presented with so Logout can find it.
type cacheEntry struct {
	auth      *AuthContext
	expiresAt time.Time
	sessions  map[string]struct{}
}

// Cache holds successful validations keyed by credential hash. The raw
// credential is never stored.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	bySession  map[string]map[string]struct{}
	ttlCeiling time.Duration
	maxEntries int
}

// NewCache creates a Cache. Non-positive arguments select the defaults.
func NewCache(ttlCeiling time.Duration, maxEntries int) *Cache {
	if ttlCeiling <= 0 {
		ttlCeiling = DefaultCacheTTLCeiling
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		bySession:  make(map[string]map[string]struct{}),
		ttlCeiling: ttlCeiling,
		maxEntries: maxEntries,
	}
}

// Get returns the cached context for hash if it is still valid at now.
// A hit binds the entry to sessionID when it is not bound already.
func (c *Cache) Get(hash, sessionID string, now time.Time) (*AuthContext, bool) {
	c.mu.RLock()
	entry, ok := c.entries[hash]
	if !ok {
		c.mu.RUnlock()
		return nil, false
	}
	if !now.Before(entry.expiresAt) {
		c.mu.RUnlock()
		c.mu.Lock()
		if cur, ok := c.entries[hash]; ok && !now.Before(cur.expiresAt) {
			c.removeLocked(hash)
		}
		c.mu.Unlock()
		return nil, false
	}
	_, bound := entry.sessions[sessionID]
	authCtx := entry.auth
	c.mu.RUnlock()

	if sessionID != "" && !bound {
		c.mu.Lock()
		if cur, ok := c.entries[hash]; ok {
			c.bindLocked(hash, cur, sessionID)
		}
		c.mu.Unlock()
	}

	return authCtx, true
}

// Put caches authCtx under hash for min(expiry - now, ceiling). Nothing is
// cached when that window is not positive.
func (c *Cache) Put(hash, sessionID string, authCtx *AuthContext, now time.Time) {
	ttl := c.ttlCeiling
	if exp := authCtx.ExpiresAt(); !exp.IsZero() {
		if untilExp := exp.Sub(now); untilExp < ttl {
			ttl = untilExp
		}
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[hash]; ok {
		old.auth = authCtx
		old.expiresAt = now.Add(ttl)
		c.bindLocked(hash, old, sessionID)
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}

	entry := &cacheEntry{
		auth:      authCtx,
		expiresAt: now.Add(ttl),
		sessions:  make(map[string]struct{}, 1),
	}
	c.entries[hash] = entry
	c.bindLocked(hash, entry, sessionID)
}

// RevokeSubject removes every entry for subject and returns how many were
// removed.
func (c *Cache) RevokeSubject(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for hash, entry := range c.entries {
		if entry.auth.Subject() == subject {
			c.removeLocked(hash)
			removed++
		}
	}
	return removed
}

// RevokeSession removes every entry bound to sessionID and returns how many
// were removed.
func (c *Cache) RevokeSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes := c.bySession[sessionID]
	removed := len(hashes)
	for hash := range hashes {
		c.removeLocked(hash)
	}
	delete(c.bySession, sessionID)
	return removed
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) bindLocked(hash string, entry *cacheEntry, sessionID string) {
	if sessionID == "" {
		return
	}
	entry.sessions[sessionID] = struct{}{}
	hashes, ok := c.bySession[sessionID]
	if !ok {
		hashes = make(map[string]struct{}, 1)
		c.bySession[sessionID] = hashes
	}
	hashes[hash] = struct{}{}
}

func (c *Cache) removeLocked(hash string) {
	entry, ok := c.entries[hash]
	if !ok {
		return
	}
	delete(c.entries, hash)
	for sessionID := range entry.sessions {
		if hashes, ok := c.bySession[sessionID]; ok {
			delete(hashes, hash)
			if len(hashes) == 0 {
				delete(c.bySession, sessionID)
			}
		}
	}
}

// evictLocked drops expired entries, or the entry closest to expiry when
// none have expired.
func (c *Cache) evictLocked(now time.Time) {
	var (
		victim   string
		earliest time.Time
	)
	for hash, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			c.removeLocked(hash)
			continue
		}
		if victim == "" || entry.expiresAt.Before(earliest) {
			victim = hash
			earliest = entry.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && victim != "" {
		c.removeLocked(victim)
	}
}
