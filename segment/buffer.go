package segment

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/hooks"
)

const (
	// DefaultCapacity is the default number of resident segments.
	DefaultCapacity = 4096
	// DefaultOverflowSlack is how far past capacity the buffer may grow
	// when every evictable candidate is pinned by an outstanding query.
	DefaultOverflowSlack = 256
)

// Options holds configuration for the segment buffer.
type Options struct {
	Capacity      int
	OverflowSlack int
	Logger        *slog.Logger
	HookManager   hooks.HookManager

	// Metrics counters. Optional; nil counters are allocated unpublished.
	Pushes    *expvar.Int
	Evictions *expvar.Int
	Rejected  *expvar.Int
}

// entry wraps a resident segment with its outstanding query reference
// count. A segment with refs > 0 is never evicted.
type entry struct {
	seg  *core.Segment
	refs int
}

// Buffer is a capacity-bounded FIFO buffer of immutable trajectory
// segments. Push, Get, Pin and Unpin are O(1); eviction on push is O(1)
// amortized (the scan for an unpinned head resumes where it left off).
type Buffer struct {
	mu    sync.Mutex
	opts  Options
	elems map[core.SegmentID]*entry
	order []core.SegmentID // FIFO arrival order; may contain evicted ids
	head  int              // index of the oldest live position in order

	pinned int // number of resident segments with refs > 0

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// NewBuffer creates a segment buffer.
func NewBuffer(opts Options) *Buffer {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.OverflowSlack <= 0 {
		opts.OverflowSlack = DefaultOverflowSlack
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "SegmentBuffer")
	if opts.HookManager == nil {
		opts.HookManager = hooks.NoopHookManager{}
	}
	if opts.Pushes == nil {
		opts.Pushes = new(expvar.Int)
	}
	if opts.Evictions == nil {
		opts.Evictions = new(expvar.Int)
	}
	if opts.Rejected == nil {
		opts.Rejected = new(expvar.Int)
	}
	return &Buffer{
		opts:        opts,
		elems:       make(map[core.SegmentID]*entry, opts.Capacity),
		logger:      opts.Logger,
		hookManager: opts.HookManager,
	}
}

// Push adds a segment to the buffer, evicting the oldest unreferenced
// segment if the buffer is at capacity. When every resident segment is
// pinned the buffer grows into its overflow slack instead of corrupting
// in-flight queries; past the slack, Push fails with ErrBufferFull and
// the stepping loop is expected to drop the segment.
func (b *Buffer) Push(seg *core.Segment) error {
	if seg == nil {
		return fmt.Errorf("nil segment")
	}
	b.mu.Lock()

	if _, ok := b.elems[seg.ID]; ok {
		b.mu.Unlock()
		return fmt.Errorf("segment %d already buffered", seg.ID)
	}

	var evicted []core.SegmentID
	if len(b.elems) >= b.opts.Capacity {
		if id, ok := b.evictOldestLocked(); ok {
			evicted = append(evicted, id)
		} else if len(b.elems) >= b.opts.Capacity+b.opts.OverflowSlack {
			resident, pinned := len(b.elems), b.pinned
			b.mu.Unlock()
			b.opts.Rejected.Add(1)
			b.logger.Warn("Push rejected: buffer full of referenced segments",
				"segment_id", seg.ID, "resident", resident, "pinned", pinned)
			b.hookManager.Trigger(context.Background(), hooks.NewOnBackPressureEvent(hooks.BackPressurePayload{
				SegmentID: seg.ID, Resident: resident, Pinned: pinned,
			}))
			return core.ErrBufferFull
		} else {
			// Growing into overflow. Signal back-pressure so the operator
			// can see a stalled feedback pipeline before pushes fail.
			b.logger.Warn("Buffer over capacity, all evictable segments are referenced",
				"resident", len(b.elems), "pinned", b.pinned, "capacity", b.opts.Capacity)
		}
	}

	b.elems[seg.ID] = &entry{seg: seg}
	b.order = append(b.order, seg.ID)
	b.mu.Unlock()

	b.opts.Pushes.Add(1)
	for _, id := range evicted {
		b.opts.Evictions.Add(1)
		b.hookManager.Trigger(context.Background(), hooks.NewOnEvictionEvent(hooks.EvictionPayload{SegmentID: id}))
	}
	return nil
}

// evictOldestLocked removes the oldest zero-ref segment. Returns false if
// every resident segment is pinned.
func (b *Buffer) evictOldestLocked() (core.SegmentID, bool) {
	for i := b.head; i < len(b.order); i++ {
		id := b.order[i]
		e, ok := b.elems[id]
		if !ok {
			// Already evicted on an earlier pass; compact the head.
			if i == b.head {
				b.head++
			}
			continue
		}
		if e.refs == 0 {
			delete(b.elems, id)
			if i == b.head {
				b.head++
			} else {
				b.order[i] = 0 // tombstone, skipped on later scans
			}
			b.maybeCompactLocked()
			return id, true
		}
	}
	return 0, false
}

// maybeCompactLocked reclaims the order slice once the dead prefix
// dominates it.
func (b *Buffer) maybeCompactLocked() {
	if b.head < len(b.order)/2 || b.head < 1024 {
		return
	}
	live := b.order[b.head:]
	compacted := make([]core.SegmentID, 0, len(live))
	for _, id := range live {
		if _, ok := b.elems[id]; ok {
			compacted = append(compacted, id)
		}
	}
	b.order = compacted
	b.head = 0
}

// Get returns the segment with the given id, or ErrNotFound if it was
// never pushed or has been evicted.
func (b *Buffer) Get(id core.SegmentID) (*core.Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.elems[id]
	if !ok {
		return nil, fmt.Errorf("segment %d: %w", id, core.ErrNotFound)
	}
	return e.seg, nil
}

// Pin increments the query reference count on a segment, protecting it
// from eviction. Fails with ErrNotFound if the segment is gone.
func (b *Buffer) Pin(id core.SegmentID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.elems[id]
	if !ok {
		return fmt.Errorf("pin segment %d: %w", id, core.ErrNotFound)
	}
	e.refs++
	if e.refs == 1 {
		b.pinned++
	}
	return nil
}

// Unpin decrements the reference count. Unpinning an unknown or
// unreferenced segment is a programming error and is logged, not fatal.
func (b *Buffer) Unpin(id core.SegmentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.elems[id]
	if !ok {
		// The segment may have been legitimately evicted after its last
		// reference was dropped, but an unpin for a live count should
		// always find its entry.
		return
	}
	if e.refs == 0 {
		b.logger.Error("Unpin on unreferenced segment", "segment_id", id)
		return
	}
	e.refs--
	if e.refs == 0 {
		b.pinned--
	}
}

// Refs returns the current reference count for a segment, or 0 if gone.
func (b *Buffer) Refs(id core.SegmentID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.elems[id]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of resident segments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.elems)
}

// LiveIDs returns the ids of all resident segments in arrival order. The
// selector uses this to build candidate pairs.
func (b *Buffer) LiveIDs() []core.SegmentID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]core.SegmentID, 0, len(b.elems))
	for _, id := range b.order[b.head:] {
		if _, ok := b.elems[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
