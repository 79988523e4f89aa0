package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/prefstore"
	"github.com/INLOpen/nexuspref/segment"
)

type testFixture struct {
	buffer   *segment.Buffer
	store    *prefstore.Store
	clock    *core.MockClock
	exchange *Exchange
}

func newTestFixture(t *testing.T, onTerminal func(core.Query, bool)) *testFixture {
	t.Helper()

	buffer := segment.NewBuffer(segment.Options{Capacity: 64})
	store, err := prefstore.Open(prefstore.Options{
		Dir:      t.TempDir(),
		SyncMode: prefstore.SyncDisabled,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewMockClock(time.Unix(1_700_000_000, 0))
	ex, err := New(Options{
		TTL:        10 * time.Minute,
		Clock:      clock,
		Buffer:     buffer,
		Store:      store,
		OnTerminal: onTerminal,
	})
	require.NoError(t, err)

	return &testFixture{buffer: buffer, store: store, clock: clock, exchange: ex}
}

// registerQuery pushes and pins both segments, then registers a pending
// query the way the selector does.
func (f *testFixture) registerQuery(t *testing.T, id core.QueryID, a, b core.SegmentID) {
	t.Helper()
	for _, sid := range []core.SegmentID{a, b} {
		if _, err := f.buffer.Get(sid); err != nil {
			require.NoError(t, f.buffer.Push(&core.Segment{
				ID:       sid,
				Features: []float64{float64(sid), 1},
			}))
		}
		require.NoError(t, f.buffer.Pin(sid))
	}
	require.NoError(t, f.exchange.Register(&core.Query{
		ID: id, SegmentA: a, SegmentB: b, CreatedAt: f.clock.Now(),
	}))
}

func TestExchange_FetchEmptyQueue(t *testing.T) {
	f := newTestFixture(t, nil)
	_, err := f.exchange.FetchNext(context.Background())
	assert.ErrorIs(t, err, core.ErrEmptyQueue)
}

func TestExchange_HappyPath(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)

	state, ok := f.exchange.State(1)
	require.True(t, ok)
	assert.Equal(t, core.QueryPending, state)
	assert.Equal(t, 1, f.exchange.PendingCount())

	q, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.QueryID(1), q.ID)
	assert.Equal(t, core.QueryInFlight, q.State)
	assert.Equal(t, 0, f.exchange.PendingCount())

	f.clock.Advance(90 * time.Second)
	require.NoError(t, f.exchange.Submit(context.Background(), 1, core.OutcomeA))

	// Terminal queries leave the table and release their pins.
	_, ok = f.exchange.State(1)
	assert.False(t, ok)
	assert.Equal(t, 0, f.buffer.Refs(10))
	assert.Equal(t, 0, f.buffer.Refs(11))

	// The preference is durable with the features resolved at submit time.
	snap := f.store.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, core.QueryID(1), snap[0].QueryID)
	assert.Equal(t, core.OutcomeA, snap[0].Outcome)
	assert.Equal(t, []float64{10, 1}, snap[0].FeaturesA)
	assert.Equal(t, []float64{11, 1}, snap[0].FeaturesB)

	stats := f.exchange.Stats()
	assert.Equal(t, 1, stats.Answered)
	assert.InDelta(t, 90.0, stats.LatencyP50, 1.0, "Latency quantiles track dispatch-to-submit time")
}

func TestExchange_FIFODispatch(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	f.registerQuery(t, 2, 12, 13)

	q1, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)
	q2, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.QueryID(1), q1.ID)
	assert.Equal(t, core.QueryID(2), q2.ID)
}

func TestExchange_SubmitUnknownQuery(t *testing.T) {
	f := newTestFixture(t, nil)
	err := f.exchange.Submit(context.Background(), 99, core.OutcomeA)
	require.Error(t, err)
	assert.True(t, core.IsUnknownQuery(err))
}

func TestExchange_SubmitPendingQueryRejected(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)

	// Answering a query that was never dispatched is a protocol error.
	err := f.exchange.Submit(context.Background(), 1, core.OutcomeA)
	require.Error(t, err)
	assert.True(t, core.IsUnknownQuery(err))
}

func TestExchange_SubmitInvalidOutcome(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	err = f.exchange.Submit(context.Background(), 1, core.Outcome('x'))
	require.Error(t, err)
	assert.False(t, core.IsUnknownQuery(err))
}

func TestExchange_ExactlyOnce(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.exchange.Submit(context.Background(), 1, core.OutcomeA))

	err = f.exchange.Submit(context.Background(), 1, core.OutcomeB)
	require.Error(t, err, "A second answer for the same query must be rejected")
	assert.True(t, core.IsAlreadyAnswered(err))

	assert.Equal(t, 1, f.store.Count(), "Exactly one preference may be recorded per query")
}

func TestExchange_ConcurrentSubmitsSingleAppend(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.exchange.Submit(context.Background(), 1, core.OutcomeA)
		}(i)
	}
	wg.Wait()

	var okCount int
	for _, err := range errs {
		if err == nil {
			okCount++
		} else {
			assert.True(t, core.IsAlreadyAnswered(err), "losers must see AlreadyAnswered, got %v", err)
		}
	}
	assert.Equal(t, 1, okCount, "Exactly one racer may win")
	assert.Equal(t, 1, f.store.Count())
	assert.Equal(t, 0, f.buffer.Refs(10), "Pins must be released exactly once")
}

func TestExchange_SweepExpiresByAge(t *testing.T) {
	var terminal []core.Query
	var answeredFlags []bool
	f := newTestFixture(t, func(q core.Query, answered bool) {
		terminal = append(terminal, q)
		answeredFlags = append(answeredFlags, answered)
	})

	f.registerQuery(t, 1, 10, 11) // stays pending
	f.registerQuery(t, 2, 12, 13) // dispatched
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	// Not old enough yet.
	f.clock.Advance(5 * time.Minute)
	f.exchange.Sweep()
	assert.Equal(t, 1, f.exchange.PendingCount())

	// Beyond the TTL both queries expire: the pending one by CreatedAt,
	// the in-flight one by DispatchedAt.
	f.clock.Advance(6 * time.Minute)
	f.exchange.Sweep()

	assert.Equal(t, 0, f.exchange.PendingCount())
	assert.Len(t, terminal, 2)
	assert.Equal(t, []bool{false, false}, answeredFlags)
	for _, sid := range []core.SegmentID{10, 11, 12, 13} {
		assert.Equal(t, 0, f.buffer.Refs(sid), "Expiry must release segment %d", sid)
	}
	assert.Equal(t, 0, f.store.Count(), "Expired queries record nothing")

	// Fetching now finds nothing; the stale pending entry was skipped.
	_, err = f.exchange.FetchNext(context.Background())
	assert.ErrorIs(t, err, core.ErrEmptyQueue)
}

func TestExchange_SubmitAfterExpiry(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	f.exchange.Sweep()

	err = f.exchange.Submit(context.Background(), 1, core.OutcomeA)
	require.Error(t, err, "Expired queries are gone; a late answer is unknown")
	assert.True(t, core.IsUnknownQuery(err))
}

func TestExchange_AppendFailureKeepsQueryInFlight(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.store.Close(), "Force every append to fail")

	err = f.exchange.Submit(context.Background(), 1, core.OutcomeA)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrClosed)

	state, ok := f.exchange.State(1)
	require.True(t, ok, "The query must survive a failed append for a later retry")
	assert.Equal(t, core.QueryInFlight, state)
	assert.Equal(t, 1, f.buffer.Refs(10), "Pins are held until a terminal state")
}

func TestExchange_AbandonReleasesEverything(t *testing.T) {
	var terminalCount int
	f := newTestFixture(t, func(q core.Query, answered bool) {
		terminalCount++
		assert.False(t, answered)
	})
	f.registerQuery(t, 1, 10, 11)
	f.registerQuery(t, 2, 12, 13)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	f.exchange.Stop()

	assert.Equal(t, 2, terminalCount)
	for _, sid := range []core.SegmentID{10, 11, 12, 13} {
		assert.Equal(t, 0, f.buffer.Refs(sid))
	}

	err = f.exchange.Register(&core.Query{ID: 3, SegmentA: 10, SegmentB: 12})
	assert.ErrorIs(t, err, core.ErrClosed, "A stopped exchange accepts no new queries")
}

func TestExchange_RequiresBufferAndStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestExchange_StatsStateCounts(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	f.registerQuery(t, 2, 12, 13)
	f.registerQuery(t, 3, 14, 15)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	stats := f.exchange.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 0, stats.Answered)
}

func TestExchange_SweepSkipsSubmitting(t *testing.T) {
	// A query whose answer is mid-append must not be expired out from
	// under the submit; the injected error keeps Submit inside its
	// retry loop long enough for the sweep to run.
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	blocked := errors.New("transient")
	f.store.SetTestingOnlyAppendError(blocked)

	submitDone := make(chan error, 1)
	go func() {
		submitDone <- f.exchange.Submit(context.Background(), 1, core.OutcomeA)
	}()

	// Give the submit a moment to claim the query, then expire.
	time.Sleep(10 * time.Millisecond)
	f.clock.Advance(11 * time.Minute)
	f.exchange.Sweep()

	state, ok := f.exchange.State(1)
	require.True(t, ok, "A submitting query must be skipped by the sweeper")
	assert.Equal(t, core.QueryInFlight, state)

	f.store.SetTestingOnlyAppendError(nil)
	require.NoError(t, <-submitDone, "The submit should eventually succeed once appends recover")
	assert.Equal(t, 1, f.store.Count())
}

func TestExchange_AbandonSkipsSubmitting(t *testing.T) {
	// Shutdown must not release the pins of a query whose answer is
	// mid-append; the racing submit owns them until it finishes.
	f := newTestFixture(t, nil)
	f.registerQuery(t, 1, 10, 11)
	_, err := f.exchange.FetchNext(context.Background())
	require.NoError(t, err)

	blocked := errors.New("transient")
	f.store.SetTestingOnlyAppendError(blocked)

	submitDone := make(chan error, 1)
	go func() {
		submitDone <- f.exchange.Submit(context.Background(), 1, core.OutcomeB)
	}()

	time.Sleep(10 * time.Millisecond)
	f.exchange.Abandon()

	state, ok := f.exchange.State(1)
	require.True(t, ok, "A submitting query must survive Abandon")
	assert.Equal(t, core.QueryInFlight, state)
	assert.Equal(t, 1, f.buffer.Refs(10))
	assert.Equal(t, 1, f.buffer.Refs(11))

	f.store.SetTestingOnlyAppendError(nil)
	require.NoError(t, <-submitDone)

	// The submit completed the query and released the pins exactly once.
	_, ok = f.exchange.State(1)
	assert.False(t, ok)
	assert.Equal(t, 0, f.buffer.Refs(10))
	assert.Equal(t, 0, f.buffer.Refs(11))
	assert.Equal(t, 1, f.store.Count())
}

func TestExchange_ConcurrentFetchDistinctIDs(t *testing.T) {
	// More fetchers than pending queries: each query is dispatched to
	// exactly one fetcher and the rest drain on the empty queue.
	f := newTestFixture(t, nil)
	const queries = 8
	const fetchers = 16
	for i := 1; i <= queries; i++ {
		f.registerQuery(t, core.QueryID(i), core.SegmentID(2*i), core.SegmentID(2*i+1))
	}

	ids := make([]core.QueryID, fetchers)
	errs := make([]error, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := f.exchange.FetchNext(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = q.ID
		}(i)
	}
	wg.Wait()

	got := make(map[core.QueryID]int)
	var empty int
	for i := 0; i < fetchers; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], core.ErrEmptyQueue, "losers must drain on the empty queue")
			empty++
			continue
		}
		got[ids[i]]++
	}

	assert.Equal(t, fetchers-queries, empty)
	require.Len(t, got, queries, "Every pending query is dispatched exactly once")
	for id, n := range got {
		assert.Equal(t, 1, n, "query %d dispatched more than once", id)
	}
	assert.Equal(t, 0, f.exchange.PendingCount())
}
