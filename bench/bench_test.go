// Package bench provides reproducible micro-benchmarks for warpengine.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks use a fixed-shape 64-byte value so results are comparable
// across versions:
//   1. Put         - write-only workload, durable WAL append included.
//   2. Get         - read-only workload after warm-up (cache tiers warm).
//   3. GetParallel - concurrent reads (b.RunParallel).
//   4. QuantumGet  - primary + entangled-neighbor fan-out.
//
// NOTE: Unit tests live in pkg/engine_test.go; this file is only for
// performance.
//
// © 2025 WarpEngine authors. MIT License.

package bench

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"

	warpengine "github.com/Voskan/warpengine/pkg"
)

const (
	shards = 16
	keys   = 1 << 16 // 65536 keys for the dataset
)

var val64Bytes = make([]byte, 64)

func newBenchEngine(b *testing.B) *warpengine.Engine {
	b.Helper()
	e, err := warpengine.Open(
		warpengine.WithDataRoot(b.TempDir()),
		warpengine.WithNumShards(shards),
		warpengine.WithCheckpointIntervalS(3600),
	)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	return e
}

var ds = func() [][]byte {
	arr := make([][]byte, keys)
	for i := range arr {
		k := make([]byte, 8)
		binary.LittleEndian.PutUint64(k, rand.Uint64())
		arr[i] = k
	}
	return arr
}()

func BenchmarkPut(b *testing.B) {
	e := newBenchEngine(b)
	defer e.Close()
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(keys-1)]
		if _, err := e.Put(ctx, key, val64Bytes, warpengine.PutOpts{Consistency: warpengine.Weak}); err != nil {
			b.Fatalf("put: %v", err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	e := newBenchEngine(b)
	defer e.Close()
	ctx := context.Background()

	for _, k := range ds {
		if _, err := e.Put(ctx, k, val64Bytes, warpengine.PutOpts{Consistency: warpengine.Weak}); err != nil {
			b.Fatalf("warmup put: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		if _, err := e.Get(k); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

func BenchmarkGetParallel(b *testing.B) {
	e := newBenchEngine(b)
	defer e.Close()
	ctx := context.Background()

	for _, k := range ds {
		if _, err := e.Put(ctx, k, val64Bytes, warpengine.PutOpts{Consistency: warpengine.Weak}); err != nil {
			b.Fatalf("warmup put: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			_, _ = e.Get(ds[idx])
		}
	})
}

func BenchmarkQuantumGet(b *testing.B) {
	e := newBenchEngine(b)
	defer e.Close()
	ctx := context.Background()

	for i, k := range ds {
		if _, err := e.Put(ctx, k, val64Bytes, warpengine.PutOpts{Consistency: warpengine.Weak}); err != nil {
			b.Fatalf("warmup put: %v", err)
		}
		if i > 0 {
			if err := e.Entangle(ctx, k, []warpengine.EntangleTarget{{Key: string(ds[i-1]), Strength: 0.8}}); err != nil {
				b.Fatalf("entangle: %v", err)
			}
		}
	}

	opts := warpengine.QuantumGetOpts{MaxEntangled: 4, MinStrength: 0.1, BudgetUS: 5000}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		if _, err := e.QuantumGet(ctx, k, opts); err != nil {
			b.Fatalf("quantum_get: %v", err)
		}
	}
}
