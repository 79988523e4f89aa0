package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/prefgraph"
	"github.com/INLOpen/nexuspref/reward"
)

// firstFeatureScorer scores a segment by its first feature.
type firstFeatureScorer struct{}

func (firstFeatureScorer) Predict(features []float64) float64 { return features[0] }

func candidate(a, b core.SegmentID, fa, fb float64) Candidate {
	return Candidate{A: a, B: b, FeaturesA: []float64{fa}, FeaturesB: []float64{fb}}
}

func pairSet(candidates []Candidate) map[[2]core.SegmentID]bool {
	set := make(map[[2]core.SegmentID]bool, len(candidates))
	for _, c := range candidates {
		set[[2]core.SegmentID{c.A, c.B}] = true
	}
	return set
}

func TestUniformPolicy_PermutesWithoutLoss(t *testing.T) {
	p := NewUniformPolicy(1)
	in := []Candidate{
		candidate(1, 2, 0, 0),
		candidate(3, 4, 0, 0),
		candidate(5, 6, 0, 0),
		candidate(7, 8, 0, 0),
	}
	out := p.Rank(in)
	require.Len(t, out, len(in))
	assert.Equal(t, pairSet(in), pairSet(out))

	// The input slice is left untouched.
	assert.Equal(t, core.SegmentID(1), in[0].A)
	assert.Equal(t, core.SegmentID(3), in[1].A)
}

func TestDisagreementPolicy_SmallestGapFirst(t *testing.T) {
	p := NewDisagreementPolicy(func() reward.Scorer { return firstFeatureScorer{} })

	in := []Candidate{
		candidate(1, 2, 0, 10),  // gap 10
		candidate(3, 4, 5, 5.5), // gap 0.5
		candidate(5, 6, -1, 2),  // gap 3
	}
	out := p.Rank(in)
	require.Len(t, out, 3)
	assert.Equal(t, core.SegmentID(3), out[0].A, "closest scores are most informative")
	assert.Equal(t, core.SegmentID(5), out[1].A)
	assert.Equal(t, core.SegmentID(1), out[2].A)
}

func TestDisagreementPolicy_FallsBackBeforeFirstModel(t *testing.T) {
	p := NewDisagreementPolicy(func() reward.Scorer { return nil })
	in := []Candidate{
		candidate(1, 2, 0, 10),
		candidate(3, 4, 5, 5.5),
	}
	out := p.Rank(in)
	require.Len(t, out, 2)
	assert.Equal(t, pairSet(in), pairSet(out))
}

func TestSortInsertionPolicy_MedianComparisonsFirst(t *testing.T) {
	g := prefgraph.New()
	// Strict chain 1 > 2 > 3 gives topo order [1 2 3] with median 2.
	require.NoError(t, g.AddPreference(&core.Preference{QueryID: 1, SegmentA: 1, SegmentB: 2, Outcome: core.OutcomeA}))
	require.NoError(t, g.AddPreference(&core.Preference{QueryID: 2, SegmentA: 2, SegmentB: 3, Outcome: core.OutcomeA}))

	p := NewSortInsertionPolicy(g)
	in := []Candidate{
		candidate(1, 3, 0, 0), // both ranked
		candidate(1, 9, 0, 0), // unranked 9 vs endpoint
		candidate(2, 9, 0, 0), // unranked 9 vs median
	}
	out := p.Rank(in)
	require.Len(t, out, 3)
	assert.Equal(t, [2]core.SegmentID{2, 9}, [2]core.SegmentID{out[0].A, out[0].B},
		"unranked against the median halves the unknown region")
	assert.Equal(t, [2]core.SegmentID{1, 9}, [2]core.SegmentID{out[1].A, out[1].B})
	assert.Equal(t, [2]core.SegmentID{1, 3}, [2]core.SegmentID{out[2].A, out[2].B})
}

func TestSortInsertionPolicy_EmptyGraphFallsBack(t *testing.T) {
	p := NewSortInsertionPolicy(prefgraph.New())
	in := []Candidate{
		candidate(1, 2, 0, 0),
		candidate(3, 4, 0, 0),
	}
	out := p.Rank(in)
	require.Len(t, out, 2)
	assert.Equal(t, pairSet(in), pairSet(out))
}

func TestNewPolicy_ByName(t *testing.T) {
	assert.Equal(t, "disagreement", NewPolicy("disagreement", func() reward.Scorer { return nil }, nil).Name())
	assert.Equal(t, "sort-insertion", NewPolicy("sort-insertion", nil, prefgraph.New()).Name())
	assert.Equal(t, "uniform", NewPolicy("uniform", nil, nil).Name())
	assert.Equal(t, "uniform", NewPolicy("", nil, nil).Name())
}
