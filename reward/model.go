package reward

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/INLOpen/nexuspref/core"
)

// Scorer is the read side of a reward model: the relabeler and the
// disagreement selector policy only need Predict.
type Scorer interface {
	// Predict returns the scalar reward score for a segment feature
	// vector.
	Predict(features []float64) float64
}

// Model is the trainable reward model. The trainer treats it as opaque:
// swapping numeric backends must not change the trainer's contract.
type Model interface {
	Scorer
	// FitStep performs one optimization step over the batch and returns
	// the mean loss.
	FitStep(batch []core.Preference) (float64, error)
	// Serialize returns the model parameters as an opaque blob.
	Serialize() ([]byte, error)
	// Deserialize restores parameters from a blob produced by Serialize.
	Deserialize(data []byte) error
}

// LossFamily selects the link function for the pairwise comparison loss.
type LossFamily string

const (
	// BradleyTerry assumes score differences follow a logistic
	// distribution.
	BradleyTerry LossFamily = "bradley-terry"
	// Thurstone assumes score differences follow a Gaussian distribution
	// (probit link).
	Thurstone LossFamily = "thurstone"
)

const linearModelMagic uint32 = 0x4E504C4D // "NPLM"

// LinearModelOptions configures a LinearModel.
type LinearModelOptions struct {
	LearningRate float64
	Family       LossFamily
	// SmoothingEps pulls preference targets off the 0/1 boundary
	// (Laplace smoothing), so a single decisive rater cannot drive
	// weights to infinity.
	SmoothingEps float64
}

// LinearModel scores a segment as the dot product of its feature vector
// with a learned weight vector. A bias term would cancel in the pairwise
// score difference, so there is none.
type LinearModel struct {
	weights []float64
	opts    LinearModelOptions
}

var _ Model = (*LinearModel)(nil)

// NewLinearModel creates a zero-initialized linear model over dims
// features.
func NewLinearModel(dims int, opts LinearModelOptions) *LinearModel {
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.05
	}
	if opts.Family == "" {
		opts.Family = BradleyTerry
	}
	if opts.SmoothingEps <= 0 {
		opts.SmoothingEps = 0.125
	}
	return &LinearModel{
		weights: make([]float64, dims),
		opts:    opts,
	}
}

func (m *LinearModel) Predict(features []float64) float64 {
	var score float64
	n := len(features)
	if len(m.weights) < n {
		n = len(m.weights)
	}
	for i := 0; i < n; i++ {
		score += m.weights[i] * features[i]
	}
	return score
}

// FitStep performs one full-batch gradient step of the pairwise
// comparison loss. The target probability for outcome a/b/tie is 1/0/0.5
// before smoothing; unknown outcomes must be filtered by the caller.
func (m *LinearModel) FitStep(batch []core.Preference) (float64, error) {
	if len(batch) == 0 {
		return 0, core.ErrInsufficientData
	}

	grad := make([]float64, len(m.weights))
	var totalLoss float64

	for i := range batch {
		p := &batch[i]
		y, ok := targetProb(p.Outcome)
		if !ok {
			return 0, fmt.Errorf("outcome %s is not trainable", p.Outcome)
		}
		// Laplace smoothing toward 0.5.
		eps := m.opts.SmoothingEps
		y = (y + eps) / (1 + 2*eps)

		z := m.Predict(p.FeaturesA) - m.Predict(p.FeaturesB)
		prob, dz := linkGrad(m.opts.Family, z, y)
		totalLoss += -y*math.Log(clampProb(prob)) - (1-y)*math.Log(clampProb(1-prob))

		for j := range grad {
			var diff float64
			if j < len(p.FeaturesA) {
				diff += p.FeaturesA[j]
			}
			if j < len(p.FeaturesB) {
				diff -= p.FeaturesB[j]
			}
			grad[j] += dz * diff
		}
	}

	scale := m.opts.LearningRate / float64(len(batch))
	for j := range m.weights {
		m.weights[j] -= scale * grad[j]
	}
	return totalLoss / float64(len(batch)), nil
}

// Serialize encodes the weight vector with a magic prefix.
func (m *LinearModel) Serialize() ([]byte, error) {
	buf := make([]byte, 4+4+8*len(m.weights))
	binary.LittleEndian.PutUint32(buf[0:], linearModelMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(m.weights)))
	off := 8
	for _, w := range m.weights {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(w))
		off += 8
	}
	return buf, nil
}

// Deserialize restores the weight vector. The dimension must match the
// model's; a mismatch means the feature schema changed and warm starting
// is not possible.
func (m *LinearModel) Deserialize(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("linear model blob too short: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:]); magic != linearModelMagic {
		return fmt.Errorf("invalid linear model magic: got %x, want %x", magic, linearModelMagic)
	}
	dims := int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) < 8+8*dims {
		return fmt.Errorf("linear model blob truncated: want %d weights", dims)
	}
	if dims != len(m.weights) {
		return fmt.Errorf("dimension mismatch: blob has %d weights, model has %d", dims, len(m.weights))
	}
	off := 8
	for j := 0; j < dims; j++ {
		m.weights[j] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	return nil
}

// targetProb maps an outcome to the probability that segment A is
// preferred. Ties contribute a neutral 0.5 target.
func targetProb(o core.Outcome) (float64, bool) {
	switch o {
	case core.OutcomeA:
		return 1, true
	case core.OutcomeB:
		return 0, true
	case core.OutcomeTie:
		return 0.5, true
	default:
		return 0, false
	}
}

// linkGrad returns the link probability P(a > b | z) and the loss
// gradient with respect to z.
func linkGrad(family LossFamily, z, y float64) (prob, dz float64) {
	switch family {
	case Thurstone:
		prob = normCDF(z)
		phi := normPDF(z)
		p := clampProb(prob)
		dz = phi * (p - y) / (p * (1 - p))
	default: // BradleyTerry
		prob = 1 / (1 + math.Exp(-z))
		dz = prob - y
	}
	return prob, dz
}

func clampProb(p float64) float64 {
	const floor = 1e-12
	if p < floor {
		return floor
	}
	if p > 1-floor {
		return 1 - floor
	}
	return p
}

func normCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

func normPDF(z float64) float64 {
	return math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
}
