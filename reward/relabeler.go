package reward

import (
	"sync/atomic"

	"github.com/INLOpen/nexuspref/core"
)

// active pairs a published version with a scorer loaded from its
// parameters. Both are immutable after publication, so readers never need
// a lock.
type active struct {
	version *core.RewardModelVersion
	scorer  Scorer
}

// RelabelerOptions configures reward blending.
type RelabelerOptions struct {
	// BlendFactor mixes learned and native reward:
	// beta*learned + (1-beta)*native. 1.0 (pure replacement) is the
	// default.
	BlendFactor float64
}

// Relabeler scores transitions with the currently active reward model
// version. Label is lock-free: version publication is a single atomic
// pointer swap, and no transition ever observes a mix of two versions.
type Relabeler struct {
	state atomic.Pointer[active]
	beta  float64
}

// NewRelabeler creates a relabeler with no active version. Until the
// first Publish, Label passes the native reward through unchanged.
func NewRelabeler(opts RelabelerOptions) *Relabeler {
	beta := opts.BlendFactor
	if beta <= 0 || beta > 1 {
		beta = 1.0
	}
	return &Relabeler{beta: beta}
}

// Label returns the reward for a transition with the given segment
// features. Non-blocking; safe on the stepping loop's hot path.
func (r *Relabeler) Label(features []float64, nativeReward float64) float64 {
	s := r.state.Load()
	if s == nil {
		return nativeReward
	}
	learned := s.scorer.Predict(features)
	if r.beta == 1.0 {
		return learned
	}
	return r.beta*learned + (1-r.beta)*nativeReward
}

// Publish atomically activates a version. Publishing an older version is
// an explicit rollback and is allowed; the relabeler itself never reverts
// on its own.
func (r *Relabeler) Publish(version *core.RewardModelVersion, scorer Scorer) {
	r.state.Store(&active{version: version, scorer: scorer})
}

// ActiveVersion returns the currently active version, or nil before the
// first publication.
func (r *Relabeler) ActiveVersion() *core.RewardModelVersion {
	s := r.state.Load()
	if s == nil {
		return nil
	}
	return s.version
}

// ActiveScorer returns the active scorer for read-side consumers like the
// disagreement selector policy, or nil before the first publication.
func (r *Relabeler) ActiveScorer() Scorer {
	s := r.state.Load()
	if s == nil {
		return nil
	}
	return s.scorer
}
