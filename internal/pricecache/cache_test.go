package pricecache

import (
	"sync"
	"testing"
	"time"
)

func TestCache_SetGet(t *testing.T) {
	cache := New(30 * time.Second)

	cache.Set("0xAbc", Snapshot{PriceUSD: 5, Volume24H: 1000, MarketCap: 50000})

	snapshot, ok := cache.Get("0xAbc")
	if !ok {
		t.Fatal("expected cached snapshot")
	}
	if snapshot.PriceUSD != 5 {
		t.Errorf("expected price 5, got %f", snapshot.PriceUSD)
	}
	if snapshot.TokenAddress != "0xAbc" {
		t.Errorf("expected token address to be stamped, got %q", snapshot.TokenAddress)
	}
	if snapshot.CachedAt.IsZero() {
		t.Error("expected cachedAt to be stamped")
	}

	if _, ok := cache.Get("missing"); ok {
		t.Error("expected miss for unknown token")
	}
}

func TestCache_Staleness(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	cache := NewWithClock(30*time.Second, func() time.Time { return current })

	if !cache.IsStale("0xAbc") {
		t.Error("missing entry must be stale")
	}

	cache.Set("0xAbc", Snapshot{PriceUSD: 5})
	if cache.IsStale("0xAbc") {
		t.Error("fresh entry must not be stale")
	}

	current = current.Add(30 * time.Second)
	if cache.IsStale("0xAbc") {
		t.Error("entry at exactly the TTL boundary must not be stale")
	}

	current = current.Add(1 * time.Second)
	if !cache.IsStale("0xAbc") {
		t.Error("entry after 31 simulated seconds must be stale")
	}

	// Stale entries stay readable so callers can serve last-known-good data.
	if _, ok := cache.Get("0xAbc"); !ok {
		t.Error("stale entry must still be returned by Get")
	}
}

func TestCache_OverwriteRefreshesTimestamp(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	cache := NewWithClock(30*time.Second, func() time.Time { return current })

	cache.Set("tok", Snapshot{PriceUSD: 1})
	current = current.Add(45 * time.Second)
	if !cache.IsStale("tok") {
		t.Fatal("expected stale before overwrite")
	}

	cache.Set("tok", Snapshot{PriceUSD: 2})
	if cache.IsStale("tok") {
		t.Error("overwrite must reset cachedAt")
	}
	snapshot, _ := cache.Get("tok")
	if snapshot.PriceUSD != 2 {
		t.Errorf("expected last write to win, got %f", snapshot.PriceUSD)
	}
}

func TestCache_Clear(t *testing.T) {
	cache := New(time.Second)
	cache.Set("a", Snapshot{PriceUSD: 1})
	cache.Set("b", Snapshot{PriceUSD: 2})

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", cache.Len())
	}
	if !cache.IsStale("a") {
		t.Error("cleared entries must read as stale")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := New(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cache.Set("tok", Snapshot{PriceUSD: float64(n)})
				cache.Get("tok")
				cache.IsStale("tok")
			}
		}(i)
	}
	wg.Wait()

	if _, ok := cache.Get("tok"); !ok {
		t.Fatal("expected snapshot after concurrent writes")
	}
}
