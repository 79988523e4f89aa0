package selector

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/prefgraph"
	"github.com/INLOpen/nexuspref/reward"
)

// Candidate is a segment pair under consideration, with both feature
// vectors resolved so policies never touch the buffer.
type Candidate struct {
	A, B                 core.SegmentID
	FeaturesA, FeaturesB []float64
}

// SelectionPolicy orders candidate pairs, most informative first.
// Policies must not mutate the candidates.
type SelectionPolicy interface {
	Name() string
	Rank(candidates []Candidate) []Candidate
}

// UniformPolicy selects pairs uniformly at random.
type UniformPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewUniformPolicy creates a uniform policy. seed 0 derives a random
// seed.
func NewUniformPolicy(seed int64) *UniformPolicy {
	if seed == 0 {
		seed = rand.Int63()
	}
	return &UniformPolicy{rng: rand.New(rand.NewSource(seed))}
}

func (p *UniformPolicy) Name() string { return "uniform" }

func (p *UniformPolicy) Rank(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	p.mu.Lock()
	p.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	p.mu.Unlock()
	return out
}

// DisagreementPolicy favors pairs where the current reward model is
// least confident: the smaller the predicted score difference, the less
// the model knows about the ordering, and the more one human judgment is
// worth. Falls back to uniform before the first version is published.
type DisagreementPolicy struct {
	// ScorerFn returns the active scorer, or nil when none is published.
	ScorerFn func() reward.Scorer
	fallback *UniformPolicy
}

func NewDisagreementPolicy(scorerFn func() reward.Scorer) *DisagreementPolicy {
	return &DisagreementPolicy{
		ScorerFn: scorerFn,
		fallback: NewUniformPolicy(0),
	}
}

func (p *DisagreementPolicy) Name() string { return "disagreement" }

func (p *DisagreementPolicy) Rank(candidates []Candidate) []Candidate {
	scorer := p.ScorerFn()
	if scorer == nil {
		return p.fallback.Rank(candidates)
	}
	type scored struct {
		c   Candidate
		gap float64
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		gap := math.Abs(scorer.Predict(c.FeaturesA) - scorer.Predict(c.FeaturesB))
		ranked[i] = scored{c: c, gap: gap}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].gap < ranked[j].gap })
	out := make([]Candidate, len(ranked))
	for i := range ranked {
		out[i] = ranked[i].c
	}
	return out
}

// SortInsertionPolicy ranks new segments by binary search against the
// preference graph's topological order: it favors pairs that compare an
// unranked segment against the current median, halving the unknown
// region with each answer. Pairs of two ranked or two unranked segments
// come last, shuffled.
type SortInsertionPolicy struct {
	Graph    *prefgraph.Graph
	fallback *UniformPolicy
}

func NewSortInsertionPolicy(graph *prefgraph.Graph) *SortInsertionPolicy {
	return &SortInsertionPolicy{
		Graph:    graph,
		fallback: NewUniformPolicy(0),
	}
}

func (p *SortInsertionPolicy) Name() string { return "sort-insertion" }

func (p *SortInsertionPolicy) Rank(candidates []Candidate) []Candidate {
	order := p.Graph.TopoOrder()
	if len(order) == 0 {
		return p.fallback.Rank(candidates)
	}
	position := make(map[core.SegmentID]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	median := len(order) / 2

	// Distance of the pair's ranked member from the pivot; pairs with
	// exactly one ranked member sort first.
	type scored struct {
		c    Candidate
		dist int
	}
	ranked := make([]scored, 0, len(candidates))
	rest := make([]Candidate, 0)
	for _, c := range candidates {
		posA, okA := position[c.A]
		posB, okB := position[c.B]
		if okA != okB {
			pos := posA
			if okB {
				pos = posB
			}
			d := pos - median
			if d < 0 {
				d = -d
			}
			ranked = append(ranked, scored{c: c, dist: d})
		} else {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })

	out := make([]Candidate, 0, len(candidates))
	for i := range ranked {
		out = append(out, ranked[i].c)
	}
	out = append(out, p.fallback.Rank(rest)...)
	return out
}

// NewPolicy builds a policy by config name.
func NewPolicy(name string, scorerFn func() reward.Scorer, graph *prefgraph.Graph) SelectionPolicy {
	switch name {
	case "disagreement":
		return NewDisagreementPolicy(scorerFn)
	case "sort-insertion":
		return NewSortInsertionPolicy(graph)
	default:
		return NewUniformPolicy(0)
	}
}
