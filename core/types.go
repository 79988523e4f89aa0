package core

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// SegmentID uniquely identifies a trajectory segment. IDs are allocated
// monotonically and are never reused within a process lifetime.
type SegmentID uint64

// QueryID uniquely identifies a comparison query.
type QueryID uint64

// VersionID uniquely identifies a published reward model version.
// Monotonicity survives restarts: the snapshot store seeds the allocator
// from the highest version found on disk.
type VersionID uint64

// Step is a single (observation, action) pair captured during environment
// stepping. Reward is the environment's native reward for the step, kept
// for diagnostics only.
type Step struct {
	Obs    []float64 `json:"obs"`
	Action int       `json:"action"`
	Reward float64   `json:"reward"`
	Done   bool      `json:"done"`
}

// Segment is a fixed-length slice of one episode. Immutable once created.
// Features is the pooled feature vector the reward model consumes; it is
// computed at capture time so preferences remain trainable after the
// segment itself is evicted from the buffer.
type Segment struct {
	ID              SegmentID
	EpisodeID       uint64
	StartIndex      int
	Steps           []Step
	NativeRewardSum float64
	Features        []float64
	CreatedAt       time.Time
}

// QueryState tracks a query through its lifecycle. The only legal
// transitions are Pending -> InFlight -> {Answered, Expired}.
type QueryState int

const (
	QueryPending QueryState = iota
	QueryInFlight
	QueryAnswered
	QueryExpired
)

func (s QueryState) String() string {
	switch s {
	case QueryPending:
		return "pending"
	case QueryInFlight:
		return "in_flight"
	case QueryAnswered:
		return "answered"
	case QueryExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Query is an unordered pair of segments presented for human comparison.
type Query struct {
	ID           QueryID
	SegmentA     SegmentID
	SegmentB     SegmentID
	State        QueryState
	CreatedAt    time.Time
	DispatchedAt time.Time
}

// Outcome is the recorded human judgment over a query.
type Outcome byte

const (
	OutcomeA       Outcome = 'a'
	OutcomeB       Outcome = 'b'
	OutcomeTie     Outcome = 't'
	OutcomeUnknown Outcome = 'u'
)

func (o Outcome) String() string {
	switch o {
	case OutcomeA:
		return "a"
	case OutcomeB:
		return "b"
	case OutcomeTie:
		return "tie"
	case OutcomeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("invalid(%d)", byte(o))
	}
}

// Valid reports whether o is one of the four defined outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeA, OutcomeB, OutcomeTie, OutcomeUnknown:
		return true
	}
	return false
}

// ParseOutcome converts a wire string ("a", "b", "tie", "unknown") to an
// Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "a":
		return OutcomeA, nil
	case "b":
		return OutcomeB, nil
	case "tie":
		return OutcomeTie, nil
	case "unknown":
		return OutcomeUnknown, nil
	default:
		return 0, fmt.Errorf("unrecognized outcome %q", s)
	}
}

// Preference is an immutable record of one answered query. It carries both
// segments' feature vectors inline so the training set does not depend on
// buffer contents or require a restart protocol for segments.
type Preference struct {
	QueryID    QueryID
	SegmentA   SegmentID
	SegmentB   SegmentID
	Outcome    Outcome
	FeaturesA  []float64
	FeaturesB  []float64
	RecordedAt time.Time
}

// RewardModelVersion is a published, immutable reward model snapshot.
// Params is an opaque serialized blob owned by the model implementation.
type RewardModelVersion struct {
	ID                   VersionID
	Params               []byte
	TrainedOnPreferences int
	LossFamily           string
	FinalLoss            float64
	CreatedAt            time.Time
}

// TrainingJob describes one retraining pass for reporting purposes.
type TrainingJob struct {
	SnapshotSize  int
	StartedAt     time.Time
	Duration      time.Duration
	ResultVersion VersionID
	Err           error
}

// CompressionType identifies the compression algorithm used for a stored
// blob. The tag is persisted on disk so readers know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// Compressor defines the interface for compression algorithms used when
// persisting preference records and model parameter blobs.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) (io.ReadCloser, error)
	Type() CompressionType
}

// byteReadCloser adapts an in-memory byte slice to io.ReadCloser.
type byteReadCloser struct {
	*bytes.Reader
}

func (b *byteReadCloser) Close() error { return nil }

// NewByteReadCloser wraps data in a no-op-close reader. Shared by the
// compressor implementations, which all decompress into memory.
func NewByteReadCloser(data []byte) io.ReadCloser {
	return &byteReadCloser{Reader: bytes.NewReader(data)}
}
