package prefstore

import (
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/nexuspref/compressors"
	"github.com/INLOpen/nexuspref/core"
)

// SyncMode defines how appends are synced to disk.
type SyncMode string

const (
	// SyncAlways syncs after every append. Preferences are the sole
	// training signal, so this is the default.
	SyncAlways SyncMode = "always"
	// SyncDisabled skips fsync. For tests and benchmarks only.
	SyncDisabled SyncMode = "disabled"
)

// Options holds configuration for the preference store.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	Compressor     core.Compressor
	Logger         *slog.Logger

	AppendsTotal *expvar.Int
	BytesWritten *expvar.Int
}

// Store is the durable, append-only record of preferences. Appends and
// snapshots share one mutex: a snapshot is a copy of the applied slice
// taken under the lock, so a concurrently appending writer can never be
// observed half-written (snapshot isolation).
type Store struct {
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64
	applied        []core.Preference

	closed bool
	logger *slog.Logger

	testingOnlyInjectAppendError error
}

// Open creates or opens a preference store directory, replaying every
// existing segment to rebuild the in-memory applied list.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "PreferenceStore")
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = MaxSegmentSize
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewSnappyCompressor()
	}
	if opts.AppendsTotal == nil {
		opts.AppendsTotal = new(expvar.Int)
	}
	if opts.BytesWritten == nil {
		opts.BytesWritten = new(expvar.Int)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create preference store directory %s: %w", opts.Dir, err)
	}

	s := &Store{
		opts:   opts,
		logger: opts.Logger,
	}

	if err := s.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load preference log segments: %w", err)
	}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("preference log recovery failed: %w", err)
	}
	if err := s.openForAppend(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open preference log for appending: %w", err)
	}

	s.logger.Info("Preference store opened",
		"dir", opts.Dir, "recovered", len(s.applied), "segments", len(s.segmentIndexes))
	return s, nil
}

// loadSegments scans the store directory and populates segmentIndexes.
func (s *Store) loadSegments() error {
	files, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		index, err := parseSegmentFileName(f.Name())
		if err != nil {
			continue // not a log segment, ignore
		}
		s.segmentIndexes = append(s.segmentIndexes, index)
	}
	sort.Slice(s.segmentIndexes, func(i, j int) bool { return s.segmentIndexes[i] < s.segmentIndexes[j] })
	return nil
}

// recover replays all segments in order. A torn trailing record in the
// final segment is a crash mid-append: the file is truncated back to the
// last clean record so it replays without complaint on every later open,
// once it is no longer the final segment. Corruption anywhere else is an
// error.
func (s *Store) recover() error {
	for i, index := range s.segmentIndexes {
		isLast := i == len(s.segmentIndexes)-1
		path := filepath.Join(s.opts.Dir, formatSegmentFileName(index))

		reader, err := OpenSegmentForRead(path, compressors.New)
		if err != nil {
			return err
		}

		for {
			payload, err := reader.ReadRecord()
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				if isLast {
					clean := reader.CleanOffset()
					reader.Close()
					if err := os.Truncate(path, clean); err != nil {
						return fmt.Errorf("failed to truncate torn segment %d: %w", index, err)
					}
					s.logger.Warn("Torn record at end of last segment, truncated",
						"segment", index, "offset", clean)
					break
				}
				reader.Close()
				return fmt.Errorf("torn record in non-final segment %d", index)
			}
			if err != nil {
				reader.Close()
				return err
			}

			pref, err := core.DecodePreference(payload)
			if err != nil {
				reader.Close()
				return fmt.Errorf("segment %d: %w", index, err)
			}
			s.applied = append(s.applied, *pref)
		}
		reader.Close()
	}
	return nil
}

// openForAppend creates a fresh active segment after the highest existing
// index.
func (s *Store) openForAppend() error {
	nextIndex := uint64(1)
	if n := len(s.segmentIndexes); n > 0 {
		nextIndex = s.segmentIndexes[n-1] + 1
	}
	writer, err := CreateSegment(s.opts.Dir, nextIndex, s.opts.Compressor.Type())
	if err != nil {
		return err
	}
	s.activeSegment = writer
	s.segmentIndexes = append(s.segmentIndexes, nextIndex)
	return nil
}

// Append durably records one preference. On any I/O failure the record is
// not applied in memory and the error is returned to the caller, which
// must retry or escalate; losing a preference is unacceptable.
func (s *Store) Append(pref *core.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrClosed
	}
	if s.testingOnlyInjectAppendError != nil {
		return s.testingOnlyInjectAppendError
	}

	payload, err := s.opts.Compressor.Compress(core.EncodePreference(pref))
	if err != nil {
		return fmt.Errorf("failed to compress preference record: %w", err)
	}

	n, err := s.activeSegment.WriteRecord(payload)
	if err != nil {
		return fmt.Errorf("failed to append preference: %w", err)
	}
	if s.opts.SyncMode == SyncAlways {
		if err := s.activeSegment.Sync(); err != nil {
			return fmt.Errorf("failed to sync preference log: %w", err)
		}
	}

	s.applied = append(s.applied, *pref)
	s.opts.AppendsTotal.Add(1)
	s.opts.BytesWritten.Add(int64(n))

	if err := s.maybeRotateLocked(); err != nil {
		// The record itself is durable; rotation failure only blocks
		// future appends, so surface it without unwinding.
		return fmt.Errorf("preference log rotation failed: %w", err)
	}
	return nil
}

func (s *Store) maybeRotateLocked() error {
	size, err := s.activeSegment.Size()
	if err != nil {
		return err
	}
	if size < s.opts.MaxSegmentSize {
		return nil
	}
	if err := s.activeSegment.Close(); err != nil {
		return err
	}
	oldIndex := s.activeSegment.index
	if err := s.openForAppend(); err != nil {
		return err
	}
	s.logger.Info("Rotated preference log segment",
		"old_segment", oldIndex, "new_segment", s.activeSegment.index)
	return nil
}

// SetTestingOnlyAppendError forces subsequent appends to fail with err
// until cleared. Fault-injection hook for tests.
func (s *Store) SetTestingOnlyAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testingOnlyInjectAppendError = err
}

// Snapshot returns a stable copy of all preferences applied as of the
// call. The copy is immutable regardless of concurrent appends.
func (s *Store) Snapshot() []core.Preference {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make([]core.Preference, len(s.applied))
	copy(snap, s.applied)
	return snap
}

// Count returns the number of applied preferences.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// Close syncs and closes the active segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.activeSegment != nil {
		return s.activeSegment.Close()
	}
	return nil
}
