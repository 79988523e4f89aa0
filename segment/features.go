package segment

import (
	"fmt"
	"time"

	"github.com/INLOpen/nexuspref/core"
)

// PoolFeatures computes the fixed-length feature vector for a run of
// steps: the per-dimension mean of the observations with the mean action
// appended. Pooling happens once at capture time so the vector outlives
// the segment in the buffer.
func PoolFeatures(steps []core.Step) ([]float64, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("pool features: no steps")
	}
	dims := len(steps[0].Obs)
	features := make([]float64, dims+1)
	for i, step := range steps {
		if len(step.Obs) != dims {
			return nil, fmt.Errorf("pool features: step %d has %d observation dims, want %d", i, len(step.Obs), dims)
		}
		for d, v := range step.Obs {
			features[d] += v
		}
		features[dims] += float64(step.Action)
	}
	n := float64(len(steps))
	for d := range features {
		features[d] /= n
	}
	return features, nil
}

// Build assembles an immutable Segment from captured steps, pooling the
// feature vector and summing the native reward.
func Build(id core.SegmentID, episodeID uint64, startIndex int, steps []core.Step, now time.Time) (*core.Segment, error) {
	features, err := PoolFeatures(steps)
	if err != nil {
		return nil, err
	}
	var nativeSum float64
	for _, step := range steps {
		nativeSum += step.Reward
	}
	copied := make([]core.Step, len(steps))
	copy(copied, steps)
	return &core.Segment{
		ID:              id,
		EpisodeID:       episodeID,
		StartIndex:      startIndex,
		Steps:           copied,
		NativeRewardSum: nativeSum,
		Features:        features,
		CreatedAt:       now,
	}, nil
}
