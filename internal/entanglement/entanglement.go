// Package entanglement implements the Entanglement Index of spec.md §4.6:
// a from_key -> set of (to_key, strength) relationship graph with pattern-
// based auto-linking and periodic decay.
//
// The striped map + external-synchronization-by-caller shape is adapted
// from the teacher repo's internal/clockpro (metadata nodes owned by a
// caller-held stripe lock, see DESIGN.md); here the node payload is a link
// set instead of a cache entry's ring pointers.
//
// © 2025 WarpEngine authors. MIT License.
package entanglement

import (
	"path"
	"sort"
	"sync"
)

// Default tunables, per spec.md §4.6.
const (
	DefaultReinforcement  = 0.05
	DefaultLinkFloor      = 0.05
	DefaultMaxNeighbors   = 32
	DefaultDecayFactor    = 0.995
)

// Link is one directed entangled edge.
type Link struct {
	To               string
	Strength         float64
	LastReinforcedUS int64
}

// Pattern auto-generates links for newly-inserted keys matching
// TriggerGlob, per spec.md §4.6's apply_patterns.
type Pattern struct {
	TriggerGlob     string
	ToTemplate      string // "$1"-style capture is not supported by path.Match; see ApplyPatterns for the substitution rule used
	DefaultStrength float64
}

const numStripes = 64

type stripe struct {
	mu    sync.Mutex
	links map[string][]Link // from -> links
}

// Index is the process-wide entanglement graph, striped for concurrency.
type Index struct {
	reinforcement float64
	linkFloor     float64
	maxNeighbors  int
	decayFactor   float64

	stripes  [numStripes]*stripe
	patMu    sync.RWMutex
	patterns []Pattern
}

// Options configures an Index; zero values take spec.md §4.6 defaults.
type Options struct {
	Reinforcement float64
	LinkFloor     float64
	MaxNeighbors  int
	DecayFactor   float64
}

func (o *Options) setDefaults() {
	if o.Reinforcement == 0 {
		o.Reinforcement = DefaultReinforcement
	}
	if o.LinkFloor == 0 {
		o.LinkFloor = DefaultLinkFloor
	}
	if o.MaxNeighbors == 0 {
		o.MaxNeighbors = DefaultMaxNeighbors
	}
	if o.DecayFactor == 0 {
		o.DecayFactor = DefaultDecayFactor
	}
}

// New constructs an empty Index.
func New(opts Options) *Index {
	opts.setDefaults()
	idx := &Index{
		reinforcement: opts.Reinforcement,
		linkFloor:     opts.LinkFloor,
		maxNeighbors:  opts.MaxNeighbors,
		decayFactor:   opts.DecayFactor,
	}
	for i := range idx.stripes {
		idx.stripes[i] = &stripe{links: make(map[string][]Link)}
	}
	return idx
}

func (idx *Index) stripeFor(from string) *stripe {
	var h uint32
	for i := 0; i < len(from); i++ {
		h = h*31 + uint32(from[i])
	}
	return idx.stripes[h%numStripes]
}

// Link inserts or strengthens the from->to edge in memory. Callers that
// need durability should persist the link to their own WAL first and
// then call this to apply the in-memory effect (mirrors Shard Store's
// own WAL-then-apply ordering).
func (idx *Index) Link(from, to string, strength float64, nowUS int64) {
	st := idx.stripeFor(from)
	st.mu.Lock()
	defer st.mu.Unlock()

	links := st.links[from]
	for i := range links {
		if links[i].To == to {
			newStrength := links[i].Strength
			if strength > newStrength {
				newStrength = strength
			}
			newStrength += idx.reinforcement
			if newStrength > 1 {
				newStrength = 1
			}
			links[i].Strength = newStrength
			links[i].LastReinforcedUS = nowUS
			return
		}
	}
	st.links[from] = append(links, Link{To: to, Strength: clamp01(strength), LastReinforcedUS: nowUS})
}

// Unlink removes the from->to edge, if present.
func (idx *Index) Unlink(from, to string) {
	st := idx.stripeFor(from)
	st.mu.Lock()
	defer st.mu.Unlock()

	links := st.links[from]
	for i, l := range links {
		if l.To == to {
			st.links[from] = append(links[:i], links[i+1:]...)
			return
		}
	}
}

// Neighbors returns entries above LinkFloor, ordered by strength
// descending, capped at MaxNeighbors (spec.md §4.6).
func (idx *Index) Neighbors(from string) []Link {
	st := idx.stripeFor(from)
	st.mu.Lock()
	links := append([]Link(nil), st.links[from]...)
	st.mu.Unlock()

	filtered := links[:0]
	for _, l := range links {
		if l.Strength >= idx.linkFloor {
			filtered = append(filtered, l)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Strength > filtered[j].Strength })
	if len(filtered) > idx.maxNeighbors {
		filtered = filtered[:idx.maxNeighbors]
	}
	return filtered
}

// SetPatterns replaces the configured auto-link patterns evaluated by
// ApplyPatterns.
func (idx *Index) SetPatterns(patterns []Pattern) {
	idx.patMu.Lock()
	idx.patterns = append([]Pattern(nil), patterns...)
	idx.patMu.Unlock()
}

// ApplyPatterns evaluates configured patterns against newKey; any pattern
// whose TriggerGlob matches generates a candidate to_key by substituting
// the whole of newKey into ToTemplate's first "%s" placeholder (path.Match
// exposes no captures, so the part matched by a "*" is not extracted), and
// links newKey to it at DefaultStrength (spec.md §4.6).
func (idx *Index) ApplyPatterns(newKey string, nowUS int64) {
	idx.patMu.RLock()
	patterns := idx.patterns
	idx.patMu.RUnlock()

	for _, p := range patterns {
		matched, err := path.Match(p.TriggerGlob, newKey)
		if err != nil || !matched {
			continue
		}
		target := substituteTemplate(p.ToTemplate, newKey)
		idx.Link(newKey, target, p.DefaultStrength, nowUS)
	}
}

// substituteTemplate replaces the first "%s" in template with the matched
// key, or returns template unchanged if it has no placeholder.
func substituteTemplate(template, matched string) string {
	const placeholder = "%s"
	idx := indexOf(template, placeholder)
	if idx < 0 {
		return template
	}
	return template[:idx] + matched + template[idx+len(placeholder):]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// Decay applies the multiplicative decay factor to every edge and drops
// edges that fall below LinkFloor, run on each entropy tick (spec.md
// §4.6, §4.9).
func (idx *Index) Decay() {
	for _, st := range idx.stripes {
		st.mu.Lock()
		for from, links := range st.links {
			kept := links[:0]
			for _, l := range links {
				l.Strength *= idx.decayFactor
				if l.Strength >= idx.linkFloor {
					kept = append(kept, l)
				}
			}
			if len(kept) == 0 {
				delete(st.links, from)
			} else {
				st.links[from] = kept
			}
		}
		st.mu.Unlock()
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
