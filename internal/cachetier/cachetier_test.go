package cachetier

import "testing"

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	opts.DataDir = t.TempDir()
	c, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetRoundTripThroughL0(t *testing.T) {
	c := newTestCache(t, Options{})
	c.Put([]byte("k1"), []byte("small value"))
	v, ok := c.Get([]byte("k1"))
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(v) != "small value" {
		t.Fatalf("expected 'small value', got %q", v)
	}
}

func TestPutLargeValueGoesToL1(t *testing.T) {
	c := newTestCache(t, Options{L0MaxEntry: 8})
	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	c.Put([]byte("big"), big)
	if c.Len(L0) != 0 {
		t.Fatalf("expected nothing in L0 for oversized value")
	}
	if c.Len(L1) != 1 {
		t.Fatalf("expected entry in L1")
	}
	v, ok := c.Get([]byte("big"))
	if !ok || len(v) != len(big) {
		t.Fatalf("expected round-trip of large value")
	}
}

func TestGetFallsThroughToDiskTiers(t *testing.T) {
	c := newTestCache(t, Options{})
	c.Put([]byte("k1"), []byte("v1"))
	// Force eviction from memory tiers directly to simulate a cold L0/L1.
	deleteFromMem(c.l0, []byte("k1"))
	deleteFromMem(c.l1, []byte("k1"))

	v, ok := c.Get([]byte("k1"))
	if !ok {
		t.Fatalf("expected disk-tier hit after memory eviction")
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1 from disk tier, got %q", v)
	}
}

func TestDeleteInvalidatesAllTiers(t *testing.T) {
	c := newTestCache(t, Options{})
	c.Put([]byte("k1"), []byte("v1"))
	c.Delete([]byte("k1"))
	if _, ok := c.Get([]byte("k1")); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestEvictionCascadesToNextTier(t *testing.T) {
	c := newTestCache(t, Options{Capacities: [4]int{1, 1000, 1000, 1000}, CacheStripes: 1})
	c.Put([]byte("k1"), []byte("v1"))
	c.Put([]byte("k2"), []byte("v2"))
	if c.Len(L0) != 1 {
		t.Fatalf("expected L0 capped at 1 entry, got %d", c.Len(L0))
	}
	if c.Len(L1) != 1 {
		t.Fatalf("expected the evicted L0 entry demoted into L1, got %d L1 entries", c.Len(L1))
	}
}

func TestCompressedDiskValueRoundTrips(t *testing.T) {
	c := newTestCache(t, Options{CompressThreshold: 4})
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	c.Put([]byte("k1"), payload)
	deleteFromMem(c.l0, []byte("k1"))
	deleteFromMem(c.l1, []byte("k1"))
	v, ok := c.Get([]byte("k1"))
	if !ok || len(v) != len(payload) {
		t.Fatalf("expected compressed round trip, got len %d ok=%v", len(v), ok)
	}
	for i := range payload {
		if v[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}
