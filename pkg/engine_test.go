package warpengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Voskan/warpengine/internal/errs"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(
		WithDataRoot(t.TempDir()),
		WithNumShards(4),
		WithCheckpointIntervalS(3600),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return e
}

func TestOpenCreatesManifestAndIsReady(t *testing.T) {
	e := newTestEngine(t)
	if LifecycleState(e.state.Load()) != StateReady {
		t.Fatalf("expected Ready after Open, got %s", LifecycleState(e.state.Load()))
	}
	if _, err := os.Stat(filepath.Join(e.cfg.DataRoot, "manifest.json")); err != nil {
		t.Fatalf("expected manifest.json under the data root: %v", err)
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, []byte("user:1"), []byte("alice"), PutOpts{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := e.Get([]byte("user:1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(res.Value) != "alice" {
		t.Fatalf("expected alice, got %q", res.Value)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Get([]byte("nope")); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, []byte("k"), []byte("v"), PutOpts{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := e.Delete(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !res.Deleted {
		t.Fatalf("expected Deleted=true for an existing key")
	}
	if _, err := e.Get([]byte("k")); err == nil {
		t.Fatalf("expected NotFound after delete")
	}
}

func TestPutRejectsOversizedValue(t *testing.T) {
	e, err := Open(
		WithDataRoot(t.TempDir()),
		WithNumShards(2),
		WithMaxValueBytes(4),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	_, err = e.Put(context.Background(), []byte("k"), []byte("toolongvalue"), PutOpts{})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for a value over max_value_bytes, got %v", err)
	}
}

func TestEntangleThenQuantumGetFetchesNeighbors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, []byte("order:1"), []byte("primary"), PutOpts{}); err != nil {
		t.Fatalf("Put primary: %v", err)
	}
	if _, err := e.Put(ctx, []byte("invoice:1"), []byte("secondary"), PutOpts{}); err != nil {
		t.Fatalf("Put secondary: %v", err)
	}
	if err := e.Entangle(ctx, []byte("order:1"), []EntangleTarget{{Key: "invoice:1", Strength: 0.9}}); err != nil {
		t.Fatalf("Entangle: %v", err)
	}

	res, err := e.QuantumGet(ctx, []byte("order:1"), QuantumGetOpts{MinStrength: 0.1, BudgetUS: 50_000})
	if err != nil {
		t.Fatalf("QuantumGet: %v", err)
	}
	if string(res.Primary) != "primary" {
		t.Fatalf("expected primary value, got %q", res.Primary)
	}
	if v, ok := res.Entangled["invoice:1"]; !ok || string(v) != "secondary" {
		t.Fatalf("expected entangled invoice:1=secondary, got %v", res.Entangled)
	}
	if res.Metrics.FetchedEntangled != 1 {
		t.Fatalf("expected 1 fetched entangled value, got %d", res.Metrics.FetchedEntangled)
	}
}

func TestQuantumGetPrunesDanglingLinkOnNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, []byte("u:1"), []byte("alice"), PutOpts{}); err != nil {
		t.Fatalf("Put u:1: %v", err)
	}
	if _, err := e.Put(ctx, []byte("u:2"), []byte("bob"), PutOpts{}); err != nil {
		t.Fatalf("Put u:2: %v", err)
	}
	if err := e.Entangle(ctx, []byte("u:1"), []EntangleTarget{{Key: "u:2", Strength: 0.9}}); err != nil {
		t.Fatalf("Entangle: %v", err)
	}

	if _, err := e.Delete(ctx, []byte("u:2")); err != nil {
		t.Fatalf("Delete u:2: %v", err)
	}

	res, err := e.QuantumGet(ctx, []byte("u:1"), QuantumGetOpts{MinStrength: 0.1, BudgetUS: 50_000})
	if err != nil {
		t.Fatalf("QuantumGet (first, pruning) call: %v", err)
	}
	if _, ok := res.Entangled["u:2"]; ok {
		t.Fatalf("expected dangling u:2 to be absent from first QuantumGet, got %v", res.Entangled)
	}
	if res.Metrics.PrunedDangling != 1 {
		t.Fatalf("expected PrunedDangling=1 on first call, got %d", res.Metrics.PrunedDangling)
	}
	if res.Metrics.DroppedOverBudget != 0 {
		t.Fatalf("dangling link must not be counted as a budget drop, got %d", res.Metrics.DroppedOverBudget)
	}

	res2, err := e.QuantumGet(ctx, []byte("u:1"), QuantumGetOpts{MinStrength: 0.1, BudgetUS: 50_000})
	if err != nil {
		t.Fatalf("QuantumGet (second) call: %v", err)
	}
	if res2.Metrics.RequestedEntangled != 0 {
		t.Fatalf("expected dangling link to not be re-requested on second call, got %d", res2.Metrics.RequestedEntangled)
	}
	if res2.Metrics.PrunedDangling != 0 {
		t.Fatalf("expected no re-pruning on second call, got %d", res2.Metrics.PrunedDangling)
	}
}

func TestForceFlushAndForceCheckpointSucceed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, []byte("k"), []byte("v"), PutOpts{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.ForceFlush(ctx, nil); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if err := e.ForceCheckpoint(ctx, nil); err != nil {
		t.Fatalf("ForceCheckpoint: %v", err)
	}
}

func TestCloseIsIdempotentlySafeAndRejectsWritesAfter(t *testing.T) {
	e, err := Open(WithDataRoot(t.TempDir()), WithNumShards(2))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.Put(context.Background(), []byte("k"), []byte("v"), PutOpts{}); err == nil {
		t.Fatalf("expected writes to fail once the engine is closed")
	}
}

func TestReopenRecoversDataFromCheckpointAndWAL(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(WithDataRoot(dir), WithNumShards(2), WithCheckpointIntervalS(3600))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := e1.Put(context.Background(), []byte("durable"), []byte("old"), PutOpts{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e1.ForceFlush(context.Background(), nil); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	// The checkpoint holds "old"; the overwrite below lives only in the WAL tail.
	if err := e1.ForceCheckpoint(context.Background(), nil); err != nil {
		t.Fatalf("ForceCheckpoint: %v", err)
	}
	if _, err := e1.Put(context.Background(), []byte("durable"), []byte("yes"), PutOpts{}); err != nil {
		t.Fatalf("Put after checkpoint: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(WithDataRoot(dir), WithNumShards(2), WithCheckpointIntervalS(3600))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	res, err := e2.Get([]byte("durable"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(res.Value) != "yes" {
		t.Fatalf("expected recovered value 'yes', got %q", res.Value)
	}
}

func TestMetricsReportsShardLoads(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := e.Put(ctx, []byte{byte(i)}, []byte("v"), PutOpts{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	snap := e.Metrics()
	if len(snap.ShardLoads) != 4 {
		t.Fatalf("expected 4 shard load entries, got %d", len(snap.ShardLoads))
	}
}
