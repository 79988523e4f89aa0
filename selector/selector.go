// Package selector picks unanswered segment pairs to present for human
// comparison. It guarantees no pair is in flight twice concurrently and
// never re-issues an already answered pair.
package selector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/exchange"
	"github.com/INLOpen/nexuspref/hooks"
	"github.com/INLOpen/nexuspref/segment"
)

// maxCandidates bounds the candidate sample per SelectBatch so selection
// stays cheap even with thousands of resident segments.
const maxCandidates = 256

// Options holds configuration for the selector.
type Options struct {
	Buffer      *segment.Buffer
	Exchange    *exchange.Exchange
	Policy      SelectionPolicy
	Queries     *core.IDAllocator
	Clock       core.Clock
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Seed        int64
}

// Selector builds queries from buffered segments. Issued and answered
// pair identities live in roaring bitmaps keyed by a canonical 64-bit
// pair hash; membership checks are O(1) and the sets stay compact over
// long runs.
type Selector struct {
	mu       sync.Mutex
	issued   *roaring64.Bitmap // pairs currently pending or in flight
	answered *roaring64.Bitmap // pairs with a recorded outcome
	rng      *rand.Rand

	opts        Options
	logger      *slog.Logger
	hookManager hooks.HookManager
}

// New creates a selector.
func New(opts Options) (*Selector, error) {
	if opts.Buffer == nil || opts.Exchange == nil {
		return nil, fmt.Errorf("selector requires a segment buffer and an exchange")
	}
	if opts.Policy == nil {
		opts.Policy = NewUniformPolicy(opts.Seed)
	}
	if opts.Queries == nil {
		opts.Queries = &core.IDAllocator{}
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "QuerySelector", "policy", opts.Policy.Name())
	if opts.HookManager == nil {
		opts.HookManager = hooks.NoopHookManager{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Selector{
		issued:      roaring64.New(),
		answered:    roaring64.New(),
		rng:         rand.New(rand.NewSource(seed)),
		opts:        opts,
		logger:      opts.Logger,
		hookManager: opts.HookManager,
	}, nil
}

// SelectBatch creates up to n new queries and registers them with the
// exchange, pinning both segments of each. Fails with
// ErrInsufficientData when fewer than 2 eligible segments exist or no
// novel pair can be formed.
func (s *Selector) SelectBatch(ctx context.Context, n int) ([]core.Query, error) {
	if n <= 0 {
		return nil, nil
	}

	ids := s.opts.Buffer.LiveIDs()
	if len(ids) < 2 {
		return nil, fmt.Errorf("%d live segments: %w", len(ids), core.ErrInsufficientData)
	}

	candidates := s.sampleCandidates(ids)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no novel pair among %d segments: %w", len(ids), core.ErrInsufficientData)
	}

	ranked := s.opts.Policy.Rank(candidates)

	queries := make([]core.Query, 0, n)
	for _, c := range ranked {
		if len(queries) == n {
			break
		}
		q, err := s.issue(ctx, c)
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				s.logger.Warn("Failed to issue query", "segment_a", c.A, "segment_b", c.B, "error", err)
			}
			continue // segment evicted between sampling and pinning
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no issuable pair: %w", core.ErrInsufficientData)
	}
	return queries, nil
}

// sampleCandidates draws a bounded random sample of novel pairs and
// resolves their feature vectors.
func (s *Selector) sampleCandidates(ids []core.SegmentID) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(ids) * (len(ids) - 1) / 2
	budget := maxCandidates
	if total < budget {
		budget = total
	}

	seen := make(map[uint64]struct{}, budget)
	candidates := make([]Candidate, 0, budget)
	// Rejection-sample random pairs; with the budget far below the pair
	// count this terminates quickly, and for tiny buffers the attempt
	// bound guarantees it.
	for attempts := 0; len(candidates) < budget && attempts < budget*8; attempts++ {
		i := s.rng.Intn(len(ids))
		j := s.rng.Intn(len(ids))
		if i == j {
			continue
		}
		a, b := canonical(ids[i], ids[j])
		h := pairHash(a, b)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if s.issued.Contains(h) || s.answered.Contains(h) {
			continue
		}
		segA, errA := s.opts.Buffer.Get(a)
		segB, errB := s.opts.Buffer.Get(b)
		if errA != nil || errB != nil {
			continue
		}
		candidates = append(candidates, Candidate{
			A: a, B: b,
			FeaturesA: segA.Features,
			FeaturesB: segB.Features,
		})
	}
	return candidates
}

// issue pins both segments, allocates a query id and registers the query
// with the exchange. Any failure unwinds the pins.
func (s *Selector) issue(ctx context.Context, c Candidate) (core.Query, error) {
	if err := s.opts.Buffer.Pin(c.A); err != nil {
		return core.Query{}, err
	}
	if err := s.opts.Buffer.Pin(c.B); err != nil {
		s.opts.Buffer.Unpin(c.A)
		return core.Query{}, err
	}

	h := pairHash(c.A, c.B)
	s.mu.Lock()
	if s.issued.Contains(h) || s.answered.Contains(h) {
		// Raced with a concurrent SelectBatch for the same pair.
		s.mu.Unlock()
		s.opts.Buffer.Unpin(c.A)
		s.opts.Buffer.Unpin(c.B)
		return core.Query{}, fmt.Errorf("pair (%d,%d) no longer novel: %w", c.A, c.B, core.ErrNotFound)
	}
	s.issued.Add(h)
	s.mu.Unlock()

	q := core.Query{
		ID:        core.QueryID(s.opts.Queries.Next()),
		SegmentA:  c.A,
		SegmentB:  c.B,
		State:     core.QueryPending,
		CreatedAt: s.opts.Clock.Now(),
	}
	if err := s.opts.Exchange.Register(&q); err != nil {
		s.mu.Lock()
		s.issued.Remove(h)
		s.mu.Unlock()
		s.opts.Buffer.Unpin(c.A)
		s.opts.Buffer.Unpin(c.B)
		return core.Query{}, err
	}

	s.hookManager.Trigger(ctx, hooks.NewPostQueryCreateEvent(hooks.QueryPayload{
		QueryID: q.ID, SegmentA: q.SegmentA, SegmentB: q.SegmentB,
	}))
	return q, nil
}

// OnQueryTerminal is wired as the exchange's terminal callback. Answered
// pairs become permanently ineligible; expired pairs return to the
// eligible pool and may be re-issued as fresh queries.
func (s *Selector) OnQueryTerminal(q core.Query, answered bool) {
	a, b := canonical(q.SegmentA, q.SegmentB)
	h := pairHash(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued.Remove(h)
	if answered {
		s.answered.Add(h)
	}
}

// IssuedCount returns the number of pairs currently issued, for tests
// and diagnostics.
func (s *Selector) IssuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.issued.GetCardinality())
}

func canonical(a, b core.SegmentID) (core.SegmentID, core.SegmentID) {
	if a > b {
		return b, a
	}
	return a, b
}

// pairHash maps a canonical pair to a 64-bit key via splitmix64 mixing.
// Collisions are possible in principle; at realistic pair counts the
// probability is negligible, and a collision only suppresses one extra
// candidate pair.
func pairHash(a, b core.SegmentID) uint64 {
	return splitmix64(uint64(a)) ^ splitmix64(splitmix64(uint64(b))+0x9E3779B97F4A7C15)
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}
