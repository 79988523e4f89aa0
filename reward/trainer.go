package reward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/INLOpen/nexuspref/core"
)

// TrainerOptions holds configuration for the trainer.
type TrainerOptions struct {
	Epochs       int
	LearningRate float64
	Family       LossFamily
	SmoothingEps float64
	Logger       *slog.Logger

	// Versions allocates monotonic version ids. Shared with the snapshot
	// store so ids stay monotonic across restarts.
	Versions *core.IDAllocator

	// NewModel builds the model to fit. Defaults to a LinearModel over
	// the snapshot's feature dimension.
	NewModel func(dims int) Model
}

// Trainer fits a reward model to a preference snapshot and produces an
// immutable, versioned result. Training is fallible; the caller keeps the
// previous version active on any error.
type Trainer struct {
	opts   TrainerOptions
	logger *slog.Logger

	testingOnlyInjectFitError error
}

// NewTrainer creates a trainer.
func NewTrainer(opts TrainerOptions) *Trainer {
	if opts.Epochs <= 0 {
		opts.Epochs = 200
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.05
	}
	if opts.Family == "" {
		opts.Family = BradleyTerry
	}
	if opts.SmoothingEps <= 0 {
		opts.SmoothingEps = 0.125
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "Trainer")
	if opts.Versions == nil {
		opts.Versions = &core.IDAllocator{}
	}
	t := &Trainer{opts: opts, logger: opts.Logger}
	if opts.NewModel == nil {
		t.opts.NewModel = func(dims int) Model {
			return NewLinearModel(dims, LinearModelOptions{
				LearningRate: opts.LearningRate,
				Family:       opts.Family,
				SmoothingEps: opts.SmoothingEps,
			})
		}
	}
	return t
}

// Train fits a model to the snapshot, optionally warm-started from the
// previous version's parameters. The snapshot is an immutable copy, so a
// long run never blocks appends or relabeling.
func (t *Trainer) Train(ctx context.Context, snap []core.Preference, prev *core.RewardModelVersion) (*core.RewardModelVersion, error) {
	usable := usablePreferences(snap)
	if len(usable) < 2 {
		return nil, fmt.Errorf("training needs at least 2 usable preferences, have %d: %w",
			len(usable), core.ErrInsufficientData)
	}

	dims, err := featureDims(usable)
	if err != nil {
		return nil, err
	}

	model := t.opts.NewModel(dims)
	if prev != nil && len(prev.Params) > 0 {
		if err := model.Deserialize(prev.Params); err != nil {
			// Feature schema changed or blob is foreign; cold start.
			t.logger.Warn("Warm start failed, training from scratch",
				"previous_version", prev.ID, "error", err)
		}
	}

	start := time.Now()
	var loss float64
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if t.testingOnlyInjectFitError != nil {
			return nil, t.testingOnlyInjectFitError
		}
		loss, err = model.FitStep(usable)
		if err != nil {
			return nil, fmt.Errorf("fit step failed at epoch %d: %w", epoch, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return nil, &core.TrainingDivergedError{Epoch: epoch, Loss: loss}
		}
	}

	params, err := model.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize trained model: %w", err)
	}

	version := &core.RewardModelVersion{
		ID:                   core.VersionID(t.opts.Versions.Next()),
		Params:               params,
		TrainedOnPreferences: len(snap),
		LossFamily:           string(t.opts.Family),
		FinalLoss:            loss,
		CreatedAt:            time.Now(),
	}
	t.logger.Info("Training complete",
		"version", version.ID, "preferences", len(snap), "usable", len(usable),
		"final_loss", loss, "duration", time.Since(start))
	return version, nil
}

// LoadScorer reconstructs a Scorer from a published version's parameters.
func (t *Trainer) LoadScorer(version *core.RewardModelVersion) (Scorer, error) {
	if version == nil {
		return nil, fmt.Errorf("nil version")
	}
	if len(version.Params) < 8 {
		return nil, fmt.Errorf("version %d has no parameters", version.ID)
	}
	dims := int(binaryDims(version.Params))
	model := t.opts.NewModel(dims)
	if err := model.Deserialize(version.Params); err != nil {
		return nil, fmt.Errorf("failed to load version %d: %w", version.ID, err)
	}
	return model, nil
}

// usablePreferences filters out unknown outcomes, which are persisted for
// audit but carry no training signal.
func usablePreferences(snap []core.Preference) []core.Preference {
	usable := make([]core.Preference, 0, len(snap))
	for i := range snap {
		if snap[i].Outcome == core.OutcomeUnknown {
			continue
		}
		usable = append(usable, snap[i])
	}
	return usable
}

func featureDims(prefs []core.Preference) (int, error) {
	dims := len(prefs[0].FeaturesA)
	if dims == 0 {
		return 0, fmt.Errorf("preference %d has empty feature vector", prefs[0].QueryID)
	}
	for i := range prefs {
		if len(prefs[i].FeaturesA) != dims || len(prefs[i].FeaturesB) != dims {
			return 0, fmt.Errorf("inconsistent feature dimensions in snapshot: want %d, preference %d has %d/%d",
				dims, prefs[i].QueryID, len(prefs[i].FeaturesA), len(prefs[i].FeaturesB))
		}
	}
	return dims, nil
}

func binaryDims(params []byte) uint32 {
	return uint32(params[4]) | uint32(params[5])<<8 | uint32(params[6])<<16 | uint32(params[7])<<24
}
