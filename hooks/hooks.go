package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexuspref/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Query lifecycle events
	EventPostQueryCreate EventType = "PostQueryCreate"
	EventPostDispatch    EventType = "PostDispatch"
	EventPostAnswer      EventType = "PostAnswer"
	EventQueryExpired    EventType = "QueryExpired"

	// Segment buffer events
	EventOnEviction     EventType = "OnEviction"
	EventOnBackPressure EventType = "OnBackPressure"

	// Training lifecycle events
	EventPreTrain          EventType = "PreTrain"
	EventPostTrain         EventType = "PostTrain"
	EventTrainingFailure   EventType = "TrainingFailure"
	EventPostPublish       EventType = "PostPublish"
	EventOnCoherenceBreach EventType = "OnCoherenceBreach"

	// Coordinator lifecycle events
	EventPreStart  EventType = "PreStart"
	EventPostStart EventType = "PostStart"
	EventPreClose  EventType = "PreClose"
	EventPostClose EventType = "PostClose"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. Pre-events
	// run synchronously and may cancel the operation; Post-events run sync
	// or async based on the listener's preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener defines the interface for components listening to events.
type HookListener interface {
	// OnEvent is called when a registered event is triggered. Returning an
	// error from a "Pre" hook cancels the operation; errors from "Post"
	// hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers run first.
	Priority() int
	// IsAsync indicates if the listener should run asynchronously for
	// Post-events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// QueryPayload carries query identity for dispatch/create/expiry events.
type QueryPayload struct {
	QueryID  core.QueryID
	SegmentA core.SegmentID
	SegmentB core.SegmentID
}

func NewPostQueryCreateEvent(payload QueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostQueryCreate, payload: payload}
}

func NewPostDispatchEvent(payload QueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostDispatch, payload: payload}
}

func NewQueryExpiredEvent(payload QueryPayload) HookEvent {
	return &BaseEvent{eventType: EventQueryExpired, payload: payload}
}

// AnswerPayload carries the recorded preference and the human response
// latency for a completed query.
type AnswerPayload struct {
	QueryID  core.QueryID
	SegmentA core.SegmentID
	SegmentB core.SegmentID
	Outcome  core.Outcome
	Latency  time.Duration
}

func NewPostAnswerEvent(payload AnswerPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAnswer, payload: payload}
}

// EvictionPayload identifies the segment removed from the buffer.
type EvictionPayload struct {
	SegmentID core.SegmentID
}

func NewOnEvictionEvent(payload EvictionPayload) HookEvent {
	return &BaseEvent{eventType: EventOnEviction, payload: payload}
}

// BackPressurePayload reports a push rejected because the buffer is full
// of referenced segments.
type BackPressurePayload struct {
	SegmentID core.SegmentID
	Resident  int
	Pinned    int
}

func NewOnBackPressureEvent(payload BackPressurePayload) HookEvent {
	return &BaseEvent{eventType: EventOnBackPressure, payload: payload}
}

// TrainPayload describes one training pass.
type TrainPayload struct {
	Job core.TrainingJob
}

func NewPreTrainEvent(payload TrainPayload) HookEvent {
	return &BaseEvent{eventType: EventPreTrain, payload: payload}
}

func NewPostTrainEvent(payload TrainPayload) HookEvent {
	return &BaseEvent{eventType: EventPostTrain, payload: payload}
}

func NewTrainingFailureEvent(payload TrainPayload) HookEvent {
	return &BaseEvent{eventType: EventTrainingFailure, payload: payload}
}

// PublishPayload identifies a newly activated reward model version.
type PublishPayload struct {
	VersionID            core.VersionID
	TrainedOnPreferences int
}

func NewPostPublishEvent(payload PublishPayload) HookEvent {
	return &BaseEvent{eventType: EventPostPublish, payload: payload}
}

// CoherenceBreachPayload carries the strict-preference cycle detected in
// the preference graph.
type CoherenceBreachPayload struct {
	QueryID core.QueryID
	Cycle   []core.SegmentID
}

func NewOnCoherenceBreachEvent(payload CoherenceBreachPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCoherenceBreach, payload: payload}
}

func NewPreStartEvent() HookEvent  { return &BaseEvent{eventType: EventPreStart} }
func NewPostStartEvent() HookEvent { return &BaseEvent{eventType: EventPostStart} }
func NewPreCloseEvent() HookEvent  { return &BaseEvent{eventType: EventPreClose} }
func NewPostCloseEvent() HookEvent { return &BaseEvent{eventType: EventPostClose} }

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listener slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining
// priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority
// order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// NoopHookManager discards all events. Used where no listener wiring is
// needed, to avoid nil checks at every trigger site.
type NoopHookManager struct{}

func (NoopHookManager) Register(EventType, HookListener)         {}
func (NoopHookManager) Trigger(context.Context, HookEvent) error { return nil }
func (NoopHookManager) Stop()                                    {}
