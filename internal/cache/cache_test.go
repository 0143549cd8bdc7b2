package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// fakeClock drives LRU expiry without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLRU(capacity int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := NewLRUCache(capacity)
	c.now = clock.now
	return c, clock
}

func sampleResult() *domain.AnalysisResult {
	return &domain.AnalysisResult{
		Identity: map[string]string{"name": "Jane Doe"},
		CreditTransactions: []domain.Transaction{{
			Date:        time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
			Description: "Salary",
			Amount:      decimal.RequireFromString("1234.56"),
		}},
		DebitTransactions: []domain.Transaction{},
		Metadata: domain.AnalysisMetadata{
			AccuracyScore:   85,
			FraudIndicators: []string{"Hidden annotations detected"},
		},
	}
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	const tenantID = "tenant-001"

	t.Run("SetGetDelete", func(t *testing.T) {
		c, _ := newTestLRU(10)

		if err := c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, tenantID, "key1")
		if err != nil || string(val) != "value1" {
			t.Fatalf("Get = %q, %v", val, err)
		}

		if err := c.Delete(ctx, tenantID, "key1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "key1"); val != nil {
			t.Errorf("expected miss after delete, got %q", val)
		}
		if err := c.Delete(ctx, tenantID, "never-set"); err != nil {
			t.Errorf("deleting a missing key failed: %v", err)
		}
	})

	t.Run("MissIsNil", func(t *testing.T) {
		c, _ := newTestLRU(10)
		val, err := c.Get(ctx, tenantID, "nonexistent")
		if err != nil || val != nil {
			t.Errorf("expected nil, nil; got %q, %v", val, err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		c, clock := newTestLRU(10)
		_ = c.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Second)

		clock.advance(9 * time.Second)
		if val, _ := c.Get(ctx, tenantID, "expiring"); val == nil {
			t.Fatal("expected value before expiry")
		}

		clock.advance(time.Second)
		if val, _ := c.Get(ctx, tenantID, "expiring"); val != nil {
			t.Error("expected miss at expiry")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expired entry should be evicted, size %d", size)
		}
	})

	t.Run("OverwriteRefreshesExpiry", func(t *testing.T) {
		c, clock := newTestLRU(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v1"), 10*time.Second)
		clock.advance(8 * time.Second)
		_ = c.Set(ctx, tenantID, "k", []byte("v2"), 10*time.Second)
		clock.advance(8 * time.Second)

		if val, _ := c.Get(ctx, tenantID, "k"); string(val) != "v2" {
			t.Errorf("Get = %q, want v2", val)
		}
		if size, _ := c.Stats(); size != 1 {
			t.Errorf("size = %d, want 1", size)
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		c, _ := newTestLRU(3)
		_ = c.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = c.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		_, _ = c.Get(ctx, tenantID, "a")
		_ = c.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := c.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected b to be evicted")
		}
		for _, k := range []string{"a", "c", "d"} {
			if val, _ := c.Get(ctx, tenantID, k); val == nil {
				t.Errorf("expected %s to remain", k)
			}
		}
		if size, capacity := c.Stats(); size != 3 || capacity != 3 {
			t.Errorf("Stats = %d, %d; want 3, 3", size, capacity)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c, _ := newTestLRU(10)
		_ = c.Set(ctx, "tenant-001", "shared-key", []byte("one"), time.Minute)
		_ = c.Set(ctx, "tenant-002", "shared-key", []byte("two"), time.Minute)

		v1, _ := c.Get(ctx, "tenant-001", "shared-key")
		v2, _ := c.Get(ctx, "tenant-002", "shared-key")
		if string(v1) != "one" || string(v2) != "two" {
			t.Errorf("got %q and %q", v1, v2)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c, _ := newTestLRU(10)
		checks := map[string]error{
			"Set":    c.Set(ctx, "", "key", []byte("value"), time.Minute),
			"Delete": c.Delete(ctx, "", "key"),
		}
		_, checks["Get"] = c.Get(ctx, "", "key")
		_, checks["IncrementCounter"] = c.IncrementCounter(ctx, "", "key", time.Minute)

		for op, err := range checks {
			if !errors.Is(err, ErrTenantRequired) {
				t.Errorf("%s error = %v, want ErrTenantRequired", op, err)
			}
		}
	})

	t.Run("CounterWindow", func(t *testing.T) {
		c, clock := newTestLRU(10)
		window := time.Hour

		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrementCounter(ctx, tenantID, "acct-1", window)
			if err != nil || got != want {
				t.Fatalf("IncrementCounter = %d, %v; want %d", got, err, want)
			}
		}

		if got, _ := c.IncrementCounter(ctx, "tenant-002", "acct-1", window); got != 1 {
			t.Errorf("other tenant counter = %d, want 1", got)
		}

		clock.advance(window)
		if got, _ := c.IncrementCounter(ctx, tenantID, "acct-1", window); got != 1 {
			t.Errorf("counter after window = %d, want 1", got)
		}
	})

	t.Run("CounterSweep", func(t *testing.T) {
		c, clock := newTestLRU(2)
		_, _ = c.IncrementCounter(ctx, tenantID, "a", time.Minute)
		_, _ = c.IncrementCounter(ctx, tenantID, "b", time.Minute)

		clock.advance(time.Minute)
		_, _ = c.IncrementCounter(ctx, tenantID, "c", time.Minute)

		if len(c.counters) != 1 {
			t.Errorf("expected expired counters swept, have %d", len(c.counters))
		}
	})

	t.Run("Results", func(t *testing.T) {
		c, _ := newTestLRU(10)
		result := sampleResult()

		miss, err := c.GetResult(ctx, tenantID, "digest-001")
		if err != nil || miss != nil {
			t.Fatalf("expected clean miss, got %v, %v", miss, err)
		}

		if err := c.SetResult(ctx, tenantID, "digest-001", result, time.Minute); err != nil {
			t.Fatalf("SetResult failed: %v", err)
		}
		got, err := c.GetResult(ctx, tenantID, "digest-001")
		if err != nil || got == nil {
			t.Fatalf("GetResult = %v, %v", got, err)
		}
		if got.Identity["name"] != "Jane Doe" || got.Metadata.AccuracyScore != 85 {
			t.Errorf("unexpected result: %+v", got)
		}
		if !got.CreditTransactions[0].Amount.Equal(result.CreditTransactions[0].Amount) {
			t.Errorf("amount = %s, want %s", got.CreditTransactions[0].Amount, result.CreditTransactions[0].Amount)
		}

		if other, _ := c.GetResult(ctx, "tenant-002", "digest-001"); other != nil {
			t.Error("results must be tenant scoped")
		}
	})

	t.Run("CorruptResult", func(t *testing.T) {
		c, _ := newTestLRU(10)
		_ = c.Set(ctx, tenantID, resultKey("bad"), []byte("{not json"), time.Minute)
		if _, err := c.GetResult(ctx, tenantID, "bad"); err == nil {
			t.Error("expected decode error")
		}
	})

	t.Run("Close", func(t *testing.T) {
		c, _ := newTestLRU(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		_, _ = c.IncrementCounter(ctx, tenantID, "n", time.Minute)

		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected entries cleared after close")
		}
		if got, _ := c.IncrementCounter(ctx, tenantID, "n", time.Minute); got != 1 {
			t.Errorf("expected counters cleared after close, got %d", got)
		}
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	const tenantID = "tenant-001"

	newTiers := func() (*TwoPhaseCache, *LRUCache, *LRUCache, *fakeClock) {
		local, clock := newTestLRU(10)
		remote, _ := newTestLRU(10)
		remote.now = clock.now
		return NewTwoPhaseCache(local, remote, time.Minute), local, remote, clock
	}

	t.Run("RemoteHitFillsLocal", func(t *testing.T) {
		c, local, remote, _ := newTiers()
		_ = remote.Set(ctx, tenantID, "k", []byte("v"), time.Hour)

		val, err := c.Get(ctx, tenantID, "k")
		if err != nil || string(val) != "v" {
			t.Fatalf("Get = %q, %v", val, err)
		}
		if val, _ := local.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Error("expected local tier to be filled")
		}
	})

	t.Run("LocalTTLCapped", func(t *testing.T) {
		c, local, remote, clock := newTiers()
		if err := c.Set(ctx, tenantID, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		clock.advance(2 * time.Minute)
		if val, _ := local.Get(ctx, tenantID, "k"); val != nil {
			t.Error("local entry should expire after localTTL")
		}
		if val, _ := remote.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Error("remote entry should keep the full ttl")
		}
		if val, _ := c.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Error("expected read-through from remote")
		}
	})

	t.Run("DeleteBothTiers", func(t *testing.T) {
		c, local, remote, _ := newTiers()
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Hour)

		if err := c.Delete(ctx, tenantID, "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		lv, _ := local.Get(ctx, tenantID, "k")
		rv, _ := remote.Get(ctx, tenantID, "k")
		if lv != nil || rv != nil {
			t.Error("expected key removed from both tiers")
		}
	})

	t.Run("ResultsAndCounters", func(t *testing.T) {
		c, _, remote, _ := newTiers()
		if err := c.SetResult(ctx, tenantID, "d1", sampleResult(), time.Hour); err != nil {
			t.Fatalf("SetResult failed: %v", err)
		}
		if got, _ := remote.GetResult(ctx, tenantID, "d1"); got == nil {
			t.Error("expected result in remote tier")
		}

		_, _ = c.IncrementCounter(ctx, tenantID, "acct", time.Hour)
		if got, _ := remote.IncrementCounter(ctx, tenantID, "acct", time.Hour); got != 2 {
			t.Errorf("counters must live in the remote tier, got %d", got)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		c := NewTwoPhaseCache(NewLRUCache(5), NewLRUCache(5), 0)
		if c.localTTL != defaultLocalTTL {
			t.Errorf("localTTL = %v, want %v", c.localTTL, defaultLocalTTL)
		}
		if size, capacity := c.Stats(); size != 0 || capacity != 5 {
			t.Errorf("Stats = %d, %d", size, capacity)
		}
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
}

func TestNewCache(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	lru, ok := c.(*LRUCache)
	if !ok {
		t.Fatalf("expected *LRUCache, got %T", c)
	}
	if _, capacity := lru.Stats(); capacity != 100 {
		t.Errorf("capacity = %d, want 100", capacity)
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestKeys(t *testing.T) {
	if got := redisKey("tenant-001", counterKey("acct")); got != "kestrel:tenant-001:counter:acct" {
		t.Errorf("redisKey = %q", got)
	}
	if lruKey("a:b", "c") == lruKey("a", "b:c") {
		t.Error("lru keys must not collide across tenants")
	}
}
