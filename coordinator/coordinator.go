package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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

const (
	DefaultTargetPending         = 16
	DefaultRefillInterval        = 10 * time.Second
	DefaultTrainingIncrement     = 32
	DefaultTrainingMaxInterval   = 15 * time.Minute
	DefaultTrainingCheckInterval = 30 * time.Second
)

// Options configures a Coordinator. Buffer, Selector, Exchange, Store,
// Trainer, Relabeler and Versions are required; the rest gets defaults.
type Options struct {
	Buffer    *segment.Buffer
	Selector  *selector.Selector
	Exchange  *exchange.Exchange
	Store     *prefstore.Store
	Trainer   *reward.Trainer
	Relabeler *reward.Relabeler
	Versions  *snapshot.Store
	Graph     *prefgraph.Graph

	// TargetPending is the pending-query depth the refill loop keeps the
	// exchange topped up to.
	TargetPending  int
	RefillInterval time.Duration

	// TrainingIncrement triggers a run once that many new preferences
	// accumulated since the last run; TrainingMaxInterval triggers one on
	// elapsed time regardless, so a trickle of feedback still reaches the
	// model.
	TrainingIncrement     int
	TrainingMaxInterval   time.Duration
	TrainingCheckInterval time.Duration

	Logger      *slog.Logger
	Clock       core.Clock
	HookManager hooks.HookManager
	Metrics     *Metrics
}

// Coordinator owns the background refill and training loops and ties
// the components into one lifecycle.
type Coordinator struct {
	mu      sync.Mutex
	started bool
	closed  bool

	buffer    *segment.Buffer
	selector  *selector.Selector
	exchange  *exchange.Exchange
	store     *prefstore.Store
	trainer   *reward.Trainer
	relabeler *reward.Relabeler
	versions  *snapshot.Store
	graph     *prefgraph.Graph

	targetPending  int
	refillInterval time.Duration
	trainIncrement int
	trainMaxWait   time.Duration
	trainCheck     time.Duration

	// Training trigger state, guarded by trainMu so a slow run never
	// blocks Stats or Close bookkeeping.
	trainMu          sync.Mutex
	trainBusy        bool
	lastTrainedCount int
	lastTrainedAt    time.Time

	logger  *slog.Logger
	clock   core.Clock
	hooks   hooks.HookManager
	metrics *Metrics

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New validates the options and assembles a Coordinator. The components
// must already be wired to each other (exchange OnTerminal to the
// selector, shared hook manager and so on); New only checks presence.
func New(opts Options) (*Coordinator, error) {
	if opts.Buffer == nil {
		return nil, errors.New("coordinator: Buffer is required")
	}
	if opts.Selector == nil {
		return nil, errors.New("coordinator: Selector is required")
	}
	if opts.Exchange == nil {
		return nil, errors.New("coordinator: Exchange is required")
	}
	if opts.Store == nil {
		return nil, errors.New("coordinator: Store is required")
	}
	if opts.Trainer == nil {
		return nil, errors.New("coordinator: Trainer is required")
	}
	if opts.Relabeler == nil {
		return nil, errors.New("coordinator: Relabeler is required")
	}
	if opts.Versions == nil {
		return nil, errors.New("coordinator: Versions is required")
	}
	if opts.TargetPending <= 0 {
		opts.TargetPending = DefaultTargetPending
	}
	if opts.RefillInterval <= 0 {
		opts.RefillInterval = DefaultRefillInterval
	}
	if opts.TrainingIncrement <= 0 {
		opts.TrainingIncrement = DefaultTrainingIncrement
	}
	if opts.TrainingMaxInterval <= 0 {
		opts.TrainingMaxInterval = DefaultTrainingMaxInterval
	}
	if opts.TrainingCheckInterval <= 0 {
		opts.TrainingCheckInterval = DefaultTrainingCheckInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NoopHookManager{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(false, "")
	}

	c := &Coordinator{
		buffer:         opts.Buffer,
		selector:       opts.Selector,
		exchange:       opts.Exchange,
		store:          opts.Store,
		trainer:        opts.Trainer,
		relabeler:      opts.Relabeler,
		versions:       opts.Versions,
		graph:          opts.Graph,
		targetPending:  opts.TargetPending,
		refillInterval: opts.RefillInterval,
		trainIncrement: opts.TrainingIncrement,
		trainMaxWait:   opts.TrainingMaxInterval,
		trainCheck:     opts.TrainingCheckInterval,
		logger:         opts.Logger.With("component", "Coordinator"),
		clock:          opts.Clock,
		hooks:          opts.HookManager,
		metrics:        opts.Metrics,
	}
	if c.graph != nil {
		c.hooks.Register(hooks.EventPostAnswer, newGraphListener(c.graph, c.hooks, c.logger))
	}
	return c, nil
}

// Start restores the latest persisted reward model version, launches
// the background loops and starts the exchange sweeper. It is an error
// to start twice.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator: already started")
	}
	if c.closed {
		return core.ErrClosed
	}

	if err := c.hooks.Trigger(ctx, hooks.NewPreStartEvent()); err != nil {
		return fmt.Errorf("coordinator: start cancelled by hook: %w", err)
	}

	if err := c.restoreActiveVersion(); err != nil {
		return fmt.Errorf("coordinator: restore active version: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = g

	c.exchange.Start()
	g.Go(func() error {
		c.refillLoop(gctx)
		return nil
	})
	g.Go(func() error {
		c.trainingLoop(gctx)
		return nil
	})

	c.started = true
	c.logger.Info("Coordinator started.",
		"target_pending", c.targetPending,
		"training_increment", c.trainIncrement)
	c.hooks.Trigger(context.Background(), hooks.NewPostStartEvent())
	return nil
}

// restoreActiveVersion loads the most recent persisted version, if any,
// and publishes it so labeling resumes where the previous process left
// off. A missing version store directory is a fresh start, not an error.
func (c *Coordinator) restoreActiveVersion() error {
	version, err := c.versions.Latest()
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			c.logger.Info("No persisted reward model version found, starting fresh.")
			return nil
		}
		return err
	}
	scorer, err := c.trainer.LoadScorer(version)
	if err != nil {
		return fmt.Errorf("load scorer for version %d: %w", version.ID, err)
	}
	c.relabeler.Publish(version, scorer)
	c.metrics.ActiveVersion.Set(int64(version.ID))

	c.trainMu.Lock()
	c.lastTrainedCount = version.TrainedOnPreferences
	c.lastTrainedAt = c.clock.Now()
	c.trainMu.Unlock()

	c.logger.Info("Restored active reward model version.",
		"version_id", version.ID,
		"trained_on", version.TrainedOnPreferences)
	return nil
}

func (c *Coordinator) refillLoop(ctx context.Context) {
	ticker := time.NewTicker(c.refillInterval)
	defer ticker.Stop()
	c.refill(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refill(ctx)
		}
	}
}

// refill tops the exchange back up to the target pending depth.
func (c *Coordinator) refill(ctx context.Context) {
	pending := c.exchange.PendingCount()
	if pending >= c.targetPending {
		return
	}
	want := c.targetPending - pending
	issued, err := c.selector.SelectBatch(ctx, want)
	if err != nil {
		if errors.Is(err, core.ErrInsufficientData) {
			c.logger.Debug("Not enough candidate segments to issue queries.", "wanted", want)
			return
		}
		c.logger.Error("Query refill failed.", "error", err)
		return
	}
	if len(issued) > 0 {
		c.logger.Debug("Issued preference queries.", "count", len(issued), "pending", pending+len(issued))
	}
}

func (c *Coordinator) trainingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.trainCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maybeTrain(ctx)
		}
	}
}

// maybeTrain starts a training run when either enough new preferences
// accumulated or too much time passed since the last run. Only one run
// is ever in flight.
func (c *Coordinator) maybeTrain(ctx context.Context) {
	count := c.store.Count()

	c.trainMu.Lock()
	if c.trainBusy {
		c.trainMu.Unlock()
		return
	}
	newPrefs := count - c.lastTrainedCount
	if newPrefs <= 0 {
		c.trainMu.Unlock()
		return
	}
	// The first run ever waits for a full increment; after that an
	// overdue interval flushes whatever trickle arrived.
	overdue := !c.lastTrainedAt.IsZero() && c.clock.Now().Sub(c.lastTrainedAt) >= c.trainMaxWait
	if newPrefs < c.trainIncrement && !overdue {
		c.trainMu.Unlock()
		return
	}
	c.trainBusy = true
	c.trainMu.Unlock()

	defer func() {
		c.trainMu.Lock()
		c.trainBusy = false
		c.trainMu.Unlock()
	}()
	c.runTraining(ctx, count)
}

// runTraining executes one full snapshot/train/persist/publish cycle.
// A failed run leaves the active version untouched.
func (c *Coordinator) runTraining(ctx context.Context, count int) {
	snap := c.store.Snapshot()
	job := core.TrainingJob{
		SnapshotSize: len(snap),
		StartedAt:    c.clock.Now(),
	}
	if err := c.hooks.Trigger(ctx, hooks.NewPreTrainEvent(hooks.TrainPayload{Job: job})); err != nil {
		c.logger.Warn("Training run cancelled by hook.", "error", err)
		return
	}

	version, err := c.trainer.Train(ctx, snap, c.relabeler.ActiveVersion())
	if err != nil {
		job.Err = err
		job.Duration = c.clock.Now().Sub(job.StartedAt)
		c.metrics.TrainingFailuresTotal.Add(1)
		c.logger.Warn("Training run failed, keeping previous reward model.",
			"preferences", len(snap), "error", err)
		c.hooks.Trigger(context.Background(), hooks.NewTrainingFailureEvent(hooks.TrainPayload{Job: job}))
		return
	}

	if err := c.versions.Save(version); err != nil {
		job.Err = err
		job.Duration = c.clock.Now().Sub(job.StartedAt)
		c.metrics.TrainingFailuresTotal.Add(1)
		c.logger.Error("Failed to persist reward model version.",
			"version_id", version.ID, "error", err)
		c.hooks.Trigger(context.Background(), hooks.NewTrainingFailureEvent(hooks.TrainPayload{Job: job}))
		return
	}

	scorer, err := c.trainer.LoadScorer(version)
	if err != nil {
		c.metrics.TrainingFailuresTotal.Add(1)
		c.logger.Error("Failed to reload trained scorer.", "version_id", version.ID, "error", err)
		return
	}
	c.relabeler.Publish(version, scorer)
	c.metrics.TrainingRunsTotal.Add(1)
	c.metrics.ActiveVersion.Set(int64(version.ID))

	c.trainMu.Lock()
	c.lastTrainedCount = count
	c.lastTrainedAt = c.clock.Now()
	c.trainMu.Unlock()

	job.ResultVersion = version.ID
	job.Duration = c.clock.Now().Sub(job.StartedAt)
	c.logger.Info("Published new reward model version.",
		"version_id", version.ID,
		"trained_on", version.TrainedOnPreferences,
		"final_loss", version.FinalLoss,
		"duration", job.Duration)
	c.hooks.Trigger(context.Background(), hooks.NewPostPublishEvent(hooks.PublishPayload{
		VersionID:            version.ID,
		TrainedOnPreferences: version.TrainedOnPreferences,
	}))
	c.hooks.Trigger(context.Background(), hooks.NewPostTrainEvent(hooks.TrainPayload{Job: job}))
}

// PushSegment hands a finished segment to the buffer.
func (c *Coordinator) PushSegment(seg *core.Segment) error {
	return c.buffer.Push(seg)
}

// Label scores a segment's features with the active reward model,
// blended with the native reward per the relabeler's configuration.
func (c *Coordinator) Label(features []float64, native float64) float64 {
	return c.relabeler.Label(features, native)
}

// Exchange exposes the feedback exchange for transport layers.
func (c *Coordinator) Exchange() *exchange.Exchange { return c.exchange }

// Buffer exposes the segment buffer for transport layers.
func (c *Coordinator) Buffer() *segment.Buffer { return c.buffer }

// Relabeler exposes the reward relabeler for transport layers.
func (c *Coordinator) Relabeler() *reward.Relabeler { return c.relabeler }

// TriggerTraining forces one training cycle outside the schedule.
// Used by the admin endpoint and tests.
func (c *Coordinator) TriggerTraining(ctx context.Context) {
	count := c.store.Count()
	c.trainMu.Lock()
	if c.trainBusy {
		c.trainMu.Unlock()
		return
	}
	c.trainBusy = true
	c.trainMu.Unlock()
	defer func() {
		c.trainMu.Lock()
		c.trainBusy = false
		c.trainMu.Unlock()
	}()
	c.runTraining(ctx, count)
}

// Close stops the background loops, drains the exchange and closes the
// persistent stores. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.hooks.Trigger(context.Background(), hooks.NewPreCloseEvent())

	if started {
		c.cancel()
		_ = c.group.Wait()
		c.exchange.Stop()
	}

	var firstErr error
	if err := c.store.Close(); err != nil {
		firstErr = fmt.Errorf("close preference store: %w", err)
	}

	c.hooks.Trigger(context.Background(), hooks.NewPostCloseEvent())
	c.hooks.Stop()
	c.logger.Info("Coordinator closed.")
	return firstErr
}
