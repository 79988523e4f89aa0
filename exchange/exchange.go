// Package exchange is the asynchronous boundary between the coordinator
// and the external feedback UI. It owns the query state machine:
// pending -> in_flight -> {answered, expired}.
package exchange

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/hooks"
	"github.com/INLOpen/nexuspref/prefstore"
	"github.com/INLOpen/nexuspref/segment"
)

const (
	// DefaultTTL is how long a query may sit unanswered (pending or in
	// flight) before it expires and releases its segment references.
	DefaultTTL = 30 * time.Minute
	// DefaultSweepInterval is how often the expiry sweeper runs.
	DefaultSweepInterval = 15 * time.Second

	appendRetries      = 5
	appendRetryBackoff = 20 * time.Millisecond
)

// Options holds configuration for the exchange.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         core.Clock
	Logger        *slog.Logger
	HookManager   hooks.HookManager

	Buffer *segment.Buffer
	Store  *prefstore.Store

	// OnTerminal is invoked after a query reaches a terminal state, with
	// answered=true only for recorded answers. The selector uses it to
	// maintain its issued/answered pair sets.
	OnTerminal func(q core.Query, answered bool)

	Dispatched *expvar.Int
	Answered   *expvar.Int
	Expired    *expvar.Int
}

// Stats is a point-in-time summary of exchange activity.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Answered int `json:"answered"`
	Expired  int `json:"expired"`

	// Human answer latency quantiles in seconds, from dispatch to submit.
	LatencyP50 float64 `json:"latency_p50_seconds"`
	LatencyP90 float64 `json:"latency_p90_seconds"`
	LatencyP99 float64 `json:"latency_p99_seconds"`
}

// Exchange tracks all live queries in one table guarded by a single
// mutex. Every transition is an O(1) map operation, so the shared lock
// never holds up either the feedback clients or the refill loop.
type Exchange struct {
	mu      sync.Mutex
	opts    Options
	queries map[core.QueryID]*core.Query
	pending []core.QueryID // FIFO dispatch order

	// submitting guards the window where an answer is being persisted
	// outside the lock, so a concurrent duplicate cannot append twice.
	submitting map[core.QueryID]struct{}

	answered int
	expired  int
	latency  *tdigest.TDigest

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	clock       core.Clock
	logger      *slog.Logger
	hookManager hooks.HookManager
}

// New creates an exchange. Buffer and Store are required.
func New(opts Options) (*Exchange, error) {
	if opts.Buffer == nil || opts.Store == nil {
		return nil, fmt.Errorf("exchange requires a segment buffer and a preference store")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "FeedbackExchange")
	if opts.HookManager == nil {
		opts.HookManager = hooks.NoopHookManager{}
	}
	if opts.Dispatched == nil {
		opts.Dispatched = new(expvar.Int)
	}
	if opts.Answered == nil {
		opts.Answered = new(expvar.Int)
	}
	if opts.Expired == nil {
		opts.Expired = new(expvar.Int)
	}

	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}

	return &Exchange{
		opts:        opts,
		queries:     make(map[core.QueryID]*core.Query),
		submitting:  make(map[core.QueryID]struct{}),
		latency:     td,
		done:        make(chan struct{}),
		clock:       opts.Clock,
		logger:      opts.Logger,
		hookManager: opts.HookManager,
	}, nil
}

// Start launches the expiry sweeper.
func (e *Exchange) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
}

func (e *Exchange) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Register adds a freshly selected query in the pending state. The caller
// (selector) has already pinned both segments.
func (e *Exchange) Register(q *core.Query) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrClosed
	}
	if _, ok := e.queries[q.ID]; ok {
		return fmt.Errorf("query %d already registered", q.ID)
	}
	cp := *q
	cp.State = core.QueryPending
	e.queries[q.ID] = &cp
	e.pending = append(e.pending, q.ID)
	return nil
}

// FetchNext hands the oldest pending query to a feedback client and marks
// it in flight. Concurrent callers never receive the same query: the pop
// and the state transition happen under one lock. Returns ErrEmptyQueue
// when nothing is pending.
func (e *Exchange) FetchNext(ctx context.Context) (core.Query, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.Query{}, core.ErrClosed
	}
	var q *core.Query
	for len(e.pending) > 0 {
		id := e.pending[0]
		e.pending = e.pending[1:]
		cand, ok := e.queries[id]
		if ok && cand.State == core.QueryPending {
			q = cand
			break
		}
		// Expired while queued; skip.
	}
	if q == nil {
		e.mu.Unlock()
		return core.Query{}, core.ErrEmptyQueue
	}
	q.State = core.QueryInFlight
	q.DispatchedAt = e.clock.Now()
	cp := *q
	e.mu.Unlock()

	e.opts.Dispatched.Add(1)
	e.hookManager.Trigger(ctx, hooks.NewPostDispatchEvent(hooks.QueryPayload{
		QueryID: cp.ID, SegmentA: cp.SegmentA, SegmentB: cp.SegmentB,
	}))
	return cp, nil
}

// Submit records the outcome for an in-flight query with exactly-once
// semantics. The preference is durably appended before the query reaches
// the answered state; on persistent append failure the query stays in
// flight so the client (or a later retry) can resubmit.
func (e *Exchange) Submit(ctx context.Context, id core.QueryID, outcome core.Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("invalid outcome %q", outcome)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.ErrClosed
	}
	q, ok := e.queries[id]
	if !ok {
		e.mu.Unlock()
		return &core.UnknownQueryError{ID: id}
	}
	switch q.State {
	case core.QueryAnswered:
		e.mu.Unlock()
		return &core.AlreadyAnsweredError{ID: id}
	case core.QueryInFlight:
		// fallthrough to record
	default:
		// Pending or expired queries were never assigned to this client.
		e.mu.Unlock()
		return &core.UnknownQueryError{ID: id}
	}
	if _, busy := e.submitting[id]; busy {
		// A concurrent submit is already persisting an answer for this
		// query; this duplicate is rejected, not recorded.
		e.mu.Unlock()
		return &core.AlreadyAnsweredError{ID: id}
	}
	e.submitting[id] = struct{}{}
	cp := *q
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.submitting, id)
		e.mu.Unlock()
	}()

	pref, err := e.buildPreference(&cp, outcome)
	if err != nil {
		return err
	}
	if err := e.appendWithRetry(ctx, pref); err != nil {
		e.logger.Error("Failed to durably record preference", "query_id", id, "error", err)
		return fmt.Errorf("preference append failed for query %d: %w", id, err)
	}

	e.mu.Lock()
	q, ok = e.queries[id]
	if !ok || q.State != core.QueryInFlight {
		// Raced with expiry or a duplicate submit after the append. The
		// preference is durable either way; duplicates are rejected.
		state := core.QueryExpired
		if ok {
			state = q.State
		}
		e.mu.Unlock()
		if state == core.QueryAnswered {
			return &core.AlreadyAnsweredError{ID: id}
		}
		e.logger.Warn("Answer recorded for query that expired during append", "query_id", id)
		return nil
	}
	q.State = core.QueryAnswered
	e.answered++
	latency := e.clock.Now().Sub(q.DispatchedAt)
	if latency > 0 {
		if err := e.latency.Add(latency.Seconds()); err != nil {
			e.logger.Warn("tdigest Add failed", "error", err)
		}
	}
	final := *q
	delete(e.queries, id)
	e.mu.Unlock()

	e.opts.Answered.Add(1)
	e.releaseRefs(&final)
	if e.opts.OnTerminal != nil {
		e.opts.OnTerminal(final, true)
	}
	e.hookManager.Trigger(ctx, hooks.NewPostAnswerEvent(hooks.AnswerPayload{
		QueryID: id, SegmentA: final.SegmentA, SegmentB: final.SegmentB,
		Outcome: outcome, Latency: latency,
	}))
	return nil
}

// buildPreference resolves both segments' feature vectors while the pins
// are still held.
func (e *Exchange) buildPreference(q *core.Query, outcome core.Outcome) (*core.Preference, error) {
	segA, err := e.opts.Buffer.Get(q.SegmentA)
	if err != nil {
		return nil, fmt.Errorf("segment %d vanished while pinned: %w", q.SegmentA, err)
	}
	segB, err := e.opts.Buffer.Get(q.SegmentB)
	if err != nil {
		return nil, fmt.Errorf("segment %d vanished while pinned: %w", q.SegmentB, err)
	}
	return &core.Preference{
		QueryID:    q.ID,
		SegmentA:   q.SegmentA,
		SegmentB:   q.SegmentB,
		Outcome:    outcome,
		FeaturesA:  segA.Features,
		FeaturesB:  segB.Features,
		RecordedAt: e.clock.Now(),
	}, nil
}

// appendWithRetry retries transient durability errors with exponential
// backoff. Preference loss is unacceptable, so the final error is
// returned to the caller rather than swallowed.
func (e *Exchange) appendWithRetry(ctx context.Context, pref *core.Preference) error {
	var err error
	backoff := appendRetryBackoff
	for attempt := 0; attempt < appendRetries; attempt++ {
		if err = e.opts.Store.Append(pref); err == nil {
			return nil
		}
		e.logger.Warn("Preference append failed, retrying",
			"query_id", pref.QueryID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// Sweep expires every query older than the TTL. Expired queries release
// their segment references and are not retried automatically; the
// selector may re-issue the pair as a fresh query.
func (e *Exchange) Sweep() {
	now := e.clock.Now()
	e.mu.Lock()
	var victims []core.Query
	for id, q := range e.queries {
		if _, busy := e.submitting[id]; busy {
			continue // an answer for this query is being persisted
		}
		age := now.Sub(q.CreatedAt)
		if q.State == core.QueryInFlight {
			age = now.Sub(q.DispatchedAt)
		}
		if age >= e.opts.TTL {
			q.State = core.QueryExpired
			victims = append(victims, *q)
			delete(e.queries, id)
			e.expired++
		}
	}
	e.mu.Unlock()

	for i := range victims {
		q := victims[i]
		e.opts.Expired.Add(1)
		e.releaseRefs(&q)
		if e.opts.OnTerminal != nil {
			e.opts.OnTerminal(q, false)
		}
		e.logger.Info("Query expired", "query_id", q.ID)
		e.hookManager.Trigger(context.Background(), hooks.NewQueryExpiredEvent(hooks.QueryPayload{
			QueryID: q.ID, SegmentA: q.SegmentA, SegmentB: q.SegmentB,
		}))
	}
}

func (e *Exchange) releaseRefs(q *core.Query) {
	e.opts.Buffer.Unpin(q.SegmentA)
	e.opts.Buffer.Unpin(q.SegmentB)
}

// Abandon marks every non-terminal query expired immediately. Called on
// shutdown so no segment reference is leaked. Queries whose answer is
// mid-append keep their pins; the racing Submit releases them when it
// finishes.
func (e *Exchange) Abandon() {
	e.mu.Lock()
	var victims []core.Query
	for id, q := range e.queries {
		if _, busy := e.submitting[id]; busy {
			continue // an answer for this query is being persisted
		}
		q.State = core.QueryExpired
		victims = append(victims, *q)
		delete(e.queries, id)
		e.expired++
	}
	e.pending = nil
	e.mu.Unlock()

	for i := range victims {
		e.releaseRefs(&victims[i])
		if e.opts.OnTerminal != nil {
			e.opts.OnTerminal(victims[i], false)
		}
	}
	if len(victims) > 0 {
		e.logger.Info("Abandoned in-flight queries on shutdown", "count", len(victims))
	}
}

// PendingCount returns the number of queries waiting for dispatch.
func (e *Exchange) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, q := range e.queries {
		if q.State == core.QueryPending {
			n++
		}
	}
	return n
}

// State returns the live state of a query id, for tests and diagnostics.
// Terminal queries are removed from the table; ok is false for them.
func (e *Exchange) State(id core.QueryID) (core.QueryState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[id]
	if !ok {
		return 0, false
	}
	return q.State, true
}

// Stats summarizes exchange activity.
func (e *Exchange) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Answered: e.answered, Expired: e.expired}
	for _, q := range e.queries {
		switch q.State {
		case core.QueryPending:
			s.Pending++
		case core.QueryInFlight:
			s.InFlight++
		}
	}
	if e.latency.Count() > 0 {
		s.LatencyP50 = e.latency.Quantile(0.50)
		s.LatencyP90 = e.latency.Quantile(0.90)
		s.LatencyP99 = e.latency.Quantile(0.99)
	}
	return s
}

// Stop shuts down the sweeper and abandons remaining queries.
func (e *Exchange) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	e.Abandon()
}
