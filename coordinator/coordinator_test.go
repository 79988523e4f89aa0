package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/exchange"
	"github.com/INLOpen/nexuspref/hooks"
	"github.com/INLOpen/nexuspref/prefgraph"
	"github.com/INLOpen/nexuspref/prefstore"
	"github.com/INLOpen/nexuspref/reward"
	"github.com/INLOpen/nexuspref/segment"
	"github.com/INLOpen/nexuspref/selector"
	"github.com/INLOpen/nexuspref/snapshot"
)

type testHarness struct {
	coord     *Coordinator
	buffer    *segment.Buffer
	store     *prefstore.Store
	versions  *snapshot.Store
	exchange  *exchange.Exchange
	relabeler *reward.Relabeler
	graph     *prefgraph.Graph
	clock     *core.MockClock
	hooks     hooks.HookManager
	metrics   *Metrics
}

// newTestHarness wires a full coordinator the way cmd/nexuspref does.
// Empty dirs get fresh temp directories; passing an existing version dir
// simulates a process restart over persisted versions.
func newTestHarness(t *testing.T, versionDir string) *testHarness {
	t.Helper()

	if versionDir == "" {
		versionDir = t.TempDir()
	}
	buffer := segment.NewBuffer(segment.Options{Capacity: 64})
	store, err := prefstore.Open(prefstore.Options{
		Dir:      t.TempDir(),
		SyncMode: prefstore.SyncDisabled,
	})
	require.NoError(t, err)
	versions, err := snapshot.Open(snapshot.Options{Dir: versionDir})
	require.NoError(t, err)

	clock := core.NewMockClock(time.Unix(1_700_000_000, 0))
	hm := hooks.NewHookManager(nil)

	var sel *selector.Selector
	ex, err := exchange.New(exchange.Options{
		TTL:         10 * time.Minute,
		Clock:       clock,
		Buffer:      buffer,
		Store:       store,
		HookManager: hm,
		OnTerminal: func(q core.Query, answered bool) {
			sel.OnQueryTerminal(q, answered)
		},
	})
	require.NoError(t, err)
	sel, err = selector.New(selector.Options{
		Buffer:   buffer,
		Exchange: ex,
		Clock:    clock,
		Seed:     42,
	})
	require.NoError(t, err)

	relabeler := reward.NewRelabeler(reward.RelabelerOptions{})
	trainer := reward.NewTrainer(reward.TrainerOptions{
		Epochs:   80,
		Versions: versions.Versions,
	})
	graph := prefgraph.New()
	metrics := NewMetrics(false, "")

	coord, err := New(Options{
		Buffer:            buffer,
		Selector:          sel,
		Exchange:          ex,
		Store:             store,
		Trainer:           trainer,
		Relabeler:         relabeler,
		Versions:          versions,
		Graph:             graph,
		TargetPending:     3,
		TrainingIncrement: 4,
		Clock:             clock,
		HookManager:       hm,
		Metrics:           metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })

	return &testHarness{
		coord:     coord,
		buffer:    buffer,
		store:     store,
		versions:  versions,
		exchange:  ex,
		relabeler: relabeler,
		graph:     graph,
		clock:     clock,
		hooks:     hm,
		metrics:   metrics,
	}
}

// seedPreferences appends n consistent preferences: the segment with the
// larger first feature always wins, with the winner alternating sides.
func seedPreferences(t *testing.T, store *prefstore.Store, start, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		hi := []float64{1 + 0.25*float64(i%3), 1}
		lo := []float64{-1 - 0.5*float64(i%2), 1}
		p := &core.Preference{
			QueryID:  core.QueryID(start + i),
			SegmentA: core.SegmentID(2 * (start + i)),
			SegmentB: core.SegmentID(2*(start+i) + 1),
		}
		if i%2 == 0 {
			p.FeaturesA, p.FeaturesB, p.Outcome = hi, lo, core.OutcomeA
		} else {
			p.FeaturesA, p.FeaturesB, p.Outcome = lo, hi, core.OutcomeB
		}
		require.NoError(t, store.Append(p))
	}
}

func TestCoordinator_NewValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Buffer")
}

func TestCoordinator_TriggerTrainingPublishes(t *testing.T) {
	h := newTestHarness(t, "")
	seedPreferences(t, h.store, 1, 8)

	require.Nil(t, h.relabeler.ActiveVersion())
	h.coord.TriggerTraining(context.Background())

	version := h.relabeler.ActiveVersion()
	require.NotNil(t, version)
	assert.Equal(t, 8, version.TrainedOnPreferences)
	assert.Equal(t, int64(1), h.metrics.TrainingRunsTotal.Value())
	assert.Equal(t, int64(version.ID), h.metrics.ActiveVersion.Value())

	// The version is durable.
	persisted, err := h.versions.Latest()
	require.NoError(t, err)
	assert.Equal(t, version.ID, persisted.ID)

	// Labeling now reflects the learned ordering.
	assert.Greater(t,
		h.coord.Label([]float64{1.5, 1}, 0),
		h.coord.Label([]float64{-1.5, 1}, 0))
}

func TestCoordinator_TrainingFailureKeepsPrevious(t *testing.T) {
	h := newTestHarness(t, "")
	seedPreferences(t, h.store, 1, 1)

	h.coord.TriggerTraining(context.Background())

	assert.Nil(t, h.relabeler.ActiveVersion())
	assert.Equal(t, int64(0), h.metrics.TrainingRunsTotal.Value())
	assert.Equal(t, int64(1), h.metrics.TrainingFailuresTotal.Value())
	_, err := h.versions.Latest()
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCoordinator_TrainingTrigger(t *testing.T) {
	h := newTestHarness(t, "")
	ctx := context.Background()

	// Below the increment and never trained: nothing happens, even after
	// a long wait. The first run holds out for a full increment.
	seedPreferences(t, h.store, 1, 3)
	h.clock.Advance(time.Hour)
	h.coord.maybeTrain(ctx)
	assert.Equal(t, int64(0), h.metrics.TrainingRunsTotal.Value())

	// A full increment triggers the first run.
	seedPreferences(t, h.store, 4, 1)
	h.coord.maybeTrain(ctx)
	assert.Equal(t, int64(1), h.metrics.TrainingRunsTotal.Value())

	// One straggler is below the increment and the interval is fresh.
	seedPreferences(t, h.store, 5, 1)
	h.coord.maybeTrain(ctx)
	assert.Equal(t, int64(1), h.metrics.TrainingRunsTotal.Value())

	// Once the max interval elapses the trickle is flushed anyway.
	h.clock.Advance(16 * time.Minute)
	h.coord.maybeTrain(ctx)
	assert.Equal(t, int64(2), h.metrics.TrainingRunsTotal.Value())

	// No new preferences at all: overdue or not, there is nothing to do.
	h.clock.Advance(16 * time.Minute)
	h.coord.maybeTrain(ctx)
	assert.Equal(t, int64(2), h.metrics.TrainingRunsTotal.Value())
}

func TestCoordinator_RestoresVersionOnStart(t *testing.T) {
	versionDir := t.TempDir()

	first := newTestHarness(t, versionDir)
	seedPreferences(t, first.store, 1, 8)
	first.coord.TriggerTraining(context.Background())
	saved := first.relabeler.ActiveVersion()
	require.NotNil(t, saved)
	require.NoError(t, first.coord.Close())

	// A new process over the same version directory resumes labeling with
	// the persisted model.
	second := newTestHarness(t, versionDir)
	require.Nil(t, second.relabeler.ActiveVersion())
	require.NoError(t, second.coord.Start(context.Background()))

	restored := second.relabeler.ActiveVersion()
	require.NotNil(t, restored)
	assert.Equal(t, saved.ID, restored.ID)
	assert.Equal(t, saved.TrainedOnPreferences, restored.TrainedOnPreferences)
	assert.Equal(t, int64(saved.ID), second.metrics.ActiveVersion.Value())
	require.NoError(t, second.coord.Close())
}

func TestCoordinator_StartLifecycle(t *testing.T) {
	h := newTestHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx))
	err := h.coord.Start(ctx)
	require.Error(t, err, "double start must fail")

	require.NoError(t, h.coord.Close())
	require.NoError(t, h.coord.Close(), "close is idempotent")

	err = h.coord.Start(ctx)
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestCoordinator_RefillTopsUpExchange(t *testing.T) {
	h := newTestHarness(t, "")
	for id := core.SegmentID(1); id <= 4; id++ {
		require.NoError(t, h.coord.PushSegment(&core.Segment{
			ID:       id,
			Features: []float64{float64(id), 1},
		}))
	}

	h.coord.refill(context.Background())
	assert.Equal(t, 3, h.exchange.PendingCount())

	// At target depth the refill is a no-op.
	h.coord.refill(context.Background())
	assert.Equal(t, 3, h.exchange.PendingCount())
}

type breachRecorder struct {
	mu       sync.Mutex
	payloads []hooks.CoherenceBreachPayload
}

func (r *breachRecorder) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := event.Payload().(hooks.CoherenceBreachPayload); ok {
		r.payloads = append(r.payloads, p)
	}
	return nil
}

func (r *breachRecorder) Priority() int { return 100 }
func (r *breachRecorder) IsAsync() bool { return false }

func TestCoordinator_GraphListenerDetectsIncoherence(t *testing.T) {
	h := newTestHarness(t, "")
	recorder := &breachRecorder{}
	h.hooks.Register(hooks.EventOnCoherenceBreach, recorder)

	answer := func(id core.QueryID, a, b core.SegmentID) {
		h.hooks.Trigger(context.Background(), hooks.NewPostAnswerEvent(hooks.AnswerPayload{
			QueryID: id, SegmentA: a, SegmentB: b, Outcome: core.OutcomeA,
		}))
	}
	answer(1, 1, 2)
	answer(2, 2, 3)
	require.Empty(t, recorder.payloads)

	// 3 > 1 closes a strict cycle through 1 > 2 > 3.
	answer(3, 3, 1)
	require.Len(t, recorder.payloads, 1)
	assert.Equal(t, core.QueryID(3), recorder.payloads[0].QueryID)
	assert.NotEmpty(t, recorder.payloads[0].Cycle)

	// The incoherent edge stayed out of the relation.
	assert.Equal(t, []core.SegmentID{1, 2, 3}, h.graph.TopoOrder())
}
