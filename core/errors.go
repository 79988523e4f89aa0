package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a segment or version is not retrievable.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientData is returned when fewer than two eligible segments
	// exist for pairing, or a training snapshot is too small to fit.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrEmptyQueue is returned by FetchNext when no query is pending.
	ErrEmptyQueue = errors.New("no pending query")
	// ErrBufferFull is returned when the segment buffer cannot accept a
	// push because every resident segment is pinned and the overflow slack
	// is exhausted.
	ErrBufferFull = errors.New("segment buffer full")
	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")
)

// UnknownQueryError reports a submit against a query id that is not
// currently in flight.
type UnknownQueryError struct {
	ID QueryID
}

func (e *UnknownQueryError) Error() string {
	return fmt.Sprintf("unknown query %d: not in flight", e.ID)
}

// AlreadyAnsweredError reports a duplicate submit. The original answer is
// preserved; duplicates are rejected, never overwritten.
type AlreadyAnsweredError struct {
	ID QueryID
}

func (e *AlreadyAnsweredError) Error() string {
	return fmt.Sprintf("query %d already answered", e.ID)
}

// EvictionBlockedError reports an attempt to evict a segment that is still
// referenced by a pending or in-flight query.
type EvictionBlockedError struct {
	ID   SegmentID
	Refs int
}

func (e *EvictionBlockedError) Error() string {
	return fmt.Sprintf("segment %d has %d outstanding query references", e.ID, e.Refs)
}

// TrainingDivergedError reports numerical divergence during a training
// pass. The previously published version remains active.
type TrainingDivergedError struct {
	Epoch int
	Loss  float64
}

func (e *TrainingDivergedError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d: loss=%v", e.Epoch, e.Loss)
}

// CoherenceViolationError reports that a strict preference would create a
// cycle in the preference graph. The stored preference is untouched; the
// edge is simply kept out of the strict relation.
type CoherenceViolationError struct {
	Cycle []SegmentID
}

func (e *CoherenceViolationError) Error() string {
	return fmt.Sprintf("strict preference cycle through %v", e.Cycle)
}

// IsUnknownQuery checks if an error (or any error in its chain) is an
// UnknownQueryError.
func IsUnknownQuery(err error) bool {
	var uq *UnknownQueryError
	return errors.As(err, &uq)
}

// IsAlreadyAnswered checks if an error is an AlreadyAnsweredError.
func IsAlreadyAnswered(err error) bool {
	var aa *AlreadyAnsweredError
	return errors.As(err, &aa)
}

// IsCoherenceViolation checks if an error is a CoherenceViolationError.
func IsCoherenceViolation(err error) bool {
	var cv *CoherenceViolationError
	return errors.As(err, &cv)
}
