package pricecache

import (
	"sync"
	"time"
)

// DefaultTTL matches the refresh cadence of the upstream price feed; entries
// older than the TTL are reported stale but are never evicted, so callers can
// fall back to the last known snapshot when the oracle is unreachable.
const DefaultTTL = 30 * time.Second

// Snapshot is the last known market state for a token.
type Snapshot struct {
	TokenAddress string    `json:"token_address"`
	PriceUSD     float64   `json:"price_usd"`
	Volume24H    float64   `json:"volume_24h"`
	MarketCap    float64   `json:"market_cap"`
	CachedAt     time.Time `json:"cached_at"`
}

// Cache is a TTL-marking in-memory store of token price snapshots. Reads and
// writes are safe for concurrent use; writes are last-write-wins per key.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Snapshot
	ttl     time.Duration
	now     func() time.Time
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]Snapshot),
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewWithClock is New with an injected clock, for tests that simulate time.
func NewWithClock(ttl time.Duration, now func() time.Time) *Cache {
	c := New(ttl)
	c.now = now
	return c
}

func (c *Cache) Get(tokenAddress string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot, ok := c.entries[tokenAddress]
	return snapshot, ok
}

func (c *Cache) Set(tokenAddress string, snapshot Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot.TokenAddress = tokenAddress
	snapshot.CachedAt = c.now()
	c.entries[tokenAddress] = snapshot
}

// IsStale reports whether the entry is missing or older than the TTL. Stale
// entries remain readable through Get.
func (c *Cache) IsStale(tokenAddress string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot, ok := c.entries[tokenAddress]
	if !ok {
		return true
	}
	return c.now().Sub(snapshot.CachedAt) > c.ttl
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Snapshot)
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
