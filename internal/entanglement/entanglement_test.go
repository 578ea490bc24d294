package entanglement

import "testing"

func TestLinkCreatesAndReinforcesEdge(t *testing.T) {
	idx := New(Options{})
	idx.Link("a", "b", 0.5, 1000)
	neighbors := idx.Neighbors("a")
	if len(neighbors) != 1 || neighbors[0].To != "b" || neighbors[0].Strength != 0.5 {
		t.Fatalf("unexpected neighbors after first link: %+v", neighbors)
	}

	idx.Link("a", "b", 0.6, 2000)
	neighbors = idx.Neighbors("a")
	want := 0.6 + DefaultReinforcement
	if len(neighbors) != 1 || neighbors[0].Strength != want {
		t.Fatalf("expected reinforced strength %f, got %+v", want, neighbors)
	}
}

func TestLinkStrengthClampsAtOne(t *testing.T) {
	idx := New(Options{})
	idx.Link("a", "b", 0.99, 1000)
	idx.Link("a", "b", 0.99, 2000)
	neighbors := idx.Neighbors("a")
	if neighbors[0].Strength != 1.0 {
		t.Fatalf("expected strength clamped to 1.0, got %f", neighbors[0].Strength)
	}
}

func TestUnlinkRemovesEdge(t *testing.T) {
	idx := New(Options{})
	idx.Link("a", "b", 0.5, 1000)
	idx.Unlink("a", "b")
	if n := idx.Neighbors("a"); len(n) != 0 {
		t.Fatalf("expected no neighbors after unlink, got %+v", n)
	}
}

func TestNeighborsFiltersBelowFloorAndSortsDescending(t *testing.T) {
	idx := New(Options{LinkFloor: 0.1})
	idx.Link("a", "low", 0.05, 1000)
	idx.Link("a", "high", 0.9, 1000)
	idx.Link("a", "mid", 0.3, 1000)

	neighbors := idx.Neighbors("a")
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors above floor, got %d: %+v", len(neighbors), neighbors)
	}
	if neighbors[0].To != "high" || neighbors[1].To != "mid" {
		t.Fatalf("expected descending strength order, got %+v", neighbors)
	}
}

func TestNeighborsCapsAtMaxNeighbors(t *testing.T) {
	idx := New(Options{MaxNeighbors: 2})
	idx.Link("a", "x", 0.9, 1000)
	idx.Link("a", "y", 0.8, 1000)
	idx.Link("a", "z", 0.7, 1000)
	if n := idx.Neighbors("a"); len(n) != 2 {
		t.Fatalf("expected neighbors capped at 2, got %d", len(n))
	}
}

func TestApplyPatternsGeneratesLink(t *testing.T) {
	idx := New(Options{})
	idx.SetPatterns([]Pattern{
		{TriggerGlob: "user:*:profile", ToTemplate: "user:%s:settings", DefaultStrength: 0.7},
	})
	idx.ApplyPatterns("user:42:profile", 1000)
	neighbors := idx.Neighbors("user:42:profile")
	if len(neighbors) != 1 {
		t.Fatalf("expected pattern to generate one link, got %+v", neighbors)
	}
	if neighbors[0].Strength != 0.7 {
		t.Fatalf("expected default strength 0.7, got %f", neighbors[0].Strength)
	}
}

func TestDecayShrinksAndDropsEdges(t *testing.T) {
	idx := New(Options{LinkFloor: 0.4, DecayFactor: 0.5})
	idx.Link("a", "b", 0.9, 1000)
	idx.Link("a", "c", 0.41, 1000)

	idx.Decay()
	neighbors := idx.Neighbors("a")
	if len(neighbors) != 1 || neighbors[0].To != "b" {
		t.Fatalf("expected only b to survive decay, got %+v", neighbors)
	}
	want := 0.9 * 0.5
	if neighbors[0].Strength != want {
		t.Fatalf("expected decayed strength %f, got %f", want, neighbors[0].Strength)
	}
}
