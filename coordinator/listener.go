package coordinator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/hooks"
	"github.com/INLOpen/nexuspref/prefgraph"
)

// graphListener folds every answered query into the preference graph
// and reports coherence breaches. It runs synchronously so the graph is
// current before the next selection round.
type graphListener struct {
	graph  *prefgraph.Graph
	hooks  hooks.HookManager
	logger *slog.Logger
}

func newGraphListener(g *prefgraph.Graph, hm hooks.HookManager, logger *slog.Logger) *graphListener {
	return &graphListener{graph: g, hooks: hm, logger: logger.With("component", "GraphListener")}
}

func (l *graphListener) Priority() int { return 10 }
func (l *graphListener) IsAsync() bool { return false }

func (l *graphListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.AnswerPayload)
	if !ok {
		return nil
	}
	err := l.graph.AddPreference(&core.Preference{
		QueryID:  payload.QueryID,
		SegmentA: payload.SegmentA,
		SegmentB: payload.SegmentB,
		Outcome:  payload.Outcome,
	})
	if err == nil {
		return nil
	}
	var cv *core.CoherenceViolationError
	if errors.As(err, &cv) {
		l.logger.Warn("Preference contradicts established ordering.",
			"query_id", payload.QueryID,
			"segment_a", payload.SegmentA,
			"segment_b", payload.SegmentB,
			"cycle", cv.Cycle)
		l.hooks.Trigger(ctx, hooks.NewOnCoherenceBreachEvent(hooks.CoherenceBreachPayload{
			QueryID: payload.QueryID,
			Cycle:   cv.Cycle,
		}))
		return nil
	}
	l.logger.Error("Failed to record preference in graph.",
		"query_id", payload.QueryID, "error", err)
	return nil
}
