package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/exchange"
	"github.com/INLOpen/nexuspref/prefstore"
	"github.com/INLOpen/nexuspref/segment"
)

type testFixture struct {
	buffer   *segment.Buffer
	exchange *exchange.Exchange
	clock    *core.MockClock
	selector *Selector
}

func newTestFixture(t *testing.T, policy SelectionPolicy) *testFixture {
	t.Helper()

	buffer := segment.NewBuffer(segment.Options{Capacity: 64})
	store, err := prefstore.Open(prefstore.Options{
		Dir:      t.TempDir(),
		SyncMode: prefstore.SyncDisabled,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewMockClock(time.Unix(1_700_000_000, 0))

	// The exchange's terminal callback feeds the selector, the same loop
	// the coordinator wires in production.
	var sel *Selector
	ex, err := exchange.New(exchange.Options{
		TTL:    10 * time.Minute,
		Clock:  clock,
		Buffer: buffer,
		Store:  store,
		OnTerminal: func(q core.Query, answered bool) {
			sel.OnQueryTerminal(q, answered)
		},
	})
	require.NoError(t, err)

	sel, err = New(Options{
		Buffer:   buffer,
		Exchange: ex,
		Policy:   policy,
		Clock:    clock,
		Seed:     42,
	})
	require.NoError(t, err)

	return &testFixture{buffer: buffer, exchange: ex, clock: clock, selector: sel}
}

func (f *testFixture) pushSegments(t *testing.T, ids ...core.SegmentID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.buffer.Push(&core.Segment{
			ID:       id,
			Features: []float64{float64(id), 1},
		}))
	}
}

func TestSelector_NewValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Buffer: segment.NewBuffer(segment.Options{})})
	require.Error(t, err)
}

func TestSelector_ZeroBatch(t *testing.T) {
	f := newTestFixture(t, nil)
	queries, err := f.selector.SelectBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, queries)
}

func TestSelector_InsufficientSegments(t *testing.T) {
	f := newTestFixture(t, nil)

	_, err := f.selector.SelectBatch(context.Background(), 4)
	assert.ErrorIs(t, err, core.ErrInsufficientData)

	f.pushSegments(t, 1)
	_, err = f.selector.SelectBatch(context.Background(), 4)
	assert.ErrorIs(t, err, core.ErrInsufficientData)
}

func TestSelector_SelectBatchIssuesAndPins(t *testing.T) {
	f := newTestFixture(t, nil)
	f.pushSegments(t, 1, 2, 3, 4)

	queries, err := f.selector.SelectBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, 2, f.selector.IssuedCount())
	assert.Equal(t, 2, f.exchange.PendingCount())

	seen := make(map[core.QueryID]bool)
	for _, q := range queries {
		assert.False(t, seen[q.ID], "query ids must be unique")
		seen[q.ID] = true
		assert.NotEqual(t, q.SegmentA, q.SegmentB)
		assert.Equal(t, core.QueryPending, q.State)

		// Both members are pinned for the lifetime of the query.
		assert.GreaterOrEqual(t, f.buffer.Refs(q.SegmentA), 1)
		assert.GreaterOrEqual(t, f.buffer.Refs(q.SegmentB), 1)

		state, ok := f.exchange.State(q.ID)
		require.True(t, ok)
		assert.Equal(t, core.QueryPending, state)
	}
}

func TestSelector_NoDuplicatePairsAcrossBatches(t *testing.T) {
	f := newTestFixture(t, nil)
	f.pushSegments(t, 1, 2, 3)

	// Three segments make exactly three unordered pairs.
	issued := make(map[[2]core.SegmentID]bool)
	queries, err := f.selector.SelectBatch(context.Background(), 10)
	require.NoError(t, err)
	for _, q := range queries {
		a, b := canonical(q.SegmentA, q.SegmentB)
		key := [2]core.SegmentID{a, b}
		assert.False(t, issued[key], "pair (%d,%d) issued twice", a, b)
		issued[key] = true
	}

	for len(issued) < 3 {
		more, err := f.selector.SelectBatch(context.Background(), 10)
		require.NoError(t, err)
		require.NotEmpty(t, more)
		for _, q := range more {
			a, b := canonical(q.SegmentA, q.SegmentB)
			key := [2]core.SegmentID{a, b}
			assert.False(t, issued[key], "pair (%d,%d) issued twice", a, b)
			issued[key] = true
		}
	}

	// All pairs are now in flight; nothing novel remains.
	_, err = f.selector.SelectBatch(context.Background(), 1)
	assert.ErrorIs(t, err, core.ErrInsufficientData)
	assert.Equal(t, 3, f.selector.IssuedCount())
}

func TestSelector_AnsweredPairNeverReissued(t *testing.T) {
	f := newTestFixture(t, nil)
	f.pushSegments(t, 1, 2)

	queries, err := f.selector.SelectBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, queries, 1)

	_, err = f.exchange.FetchNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.exchange.Submit(context.Background(), queries[0].ID, core.OutcomeA))

	assert.Equal(t, 0, f.selector.IssuedCount())
	_, err = f.selector.SelectBatch(context.Background(), 1)
	assert.ErrorIs(t, err, core.ErrInsufficientData,
		"an answered pair is permanently ineligible")
}

func TestSelector_ExpiredPairReissuable(t *testing.T) {
	f := newTestFixture(t, nil)
	f.pushSegments(t, 1, 2)

	first, err := f.selector.SelectBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	f.clock.Advance(11 * time.Minute)
	f.exchange.Sweep()
	assert.Equal(t, 0, f.selector.IssuedCount())

	second, err := f.selector.SelectBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Greater(t, second[0].ID, first[0].ID, "re-issue allocates a fresh query id")
	assert.Equal(t, first[0].SegmentA, second[0].SegmentA)
	assert.Equal(t, first[0].SegmentB, second[0].SegmentB)
}

func TestSelector_SkipsEvictedSegments(t *testing.T) {
	f := newTestFixture(t, nil)

	// Overflow capacity so old segments are gone by selection time.
	small := segment.NewBuffer(segment.Options{Capacity: 4})
	store, err := prefstore.Open(prefstore.Options{Dir: t.TempDir(), SyncMode: prefstore.SyncDisabled})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ex, err := exchange.New(exchange.Options{TTL: time.Minute, Clock: f.clock, Buffer: small, Store: store})
	require.NoError(t, err)
	sel, err := New(Options{Buffer: small, Exchange: ex, Seed: 7})
	require.NoError(t, err)

	for id := core.SegmentID(1); id <= 8; id++ {
		require.NoError(t, small.Push(&core.Segment{ID: id, Features: []float64{float64(id)}}))
	}

	queries, err := sel.SelectBatch(context.Background(), 2)
	require.NoError(t, err)
	live := make(map[core.SegmentID]bool)
	for _, id := range small.LiveIDs() {
		live[id] = true
	}
	for _, q := range queries {
		assert.True(t, live[q.SegmentA], "segment %d is not resident", q.SegmentA)
		assert.True(t, live[q.SegmentB], "segment %d is not resident", q.SegmentB)
	}
}

func TestCanonicalAndPairHash(t *testing.T) {
	a, b := canonical(9, 3)
	assert.Equal(t, core.SegmentID(3), a)
	assert.Equal(t, core.SegmentID(9), b)

	assert.Equal(t, pairHash(3, 9), pairHash(3, 9))
	assert.NotEqual(t, pairHash(3, 9), pairHash(9, 3), "hash is order sensitive; callers canonicalize first")
	assert.NotEqual(t, pairHash(3, 9), pairHash(3, 10))
}
