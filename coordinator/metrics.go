package coordinator

import "expvar"

// Metrics holds all expvar variables for one coordinator instance. The
// counters are shared into the sub-components' options so every layer
// reports into one namespace.
type Metrics struct {
	PublishedGlobally bool

	SegmentPushesTotal    *expvar.Int
	SegmentEvictionsTotal *expvar.Int
	SegmentRejectedTotal  *expvar.Int

	QueriesDispatchedTotal *expvar.Int
	QueriesAnsweredTotal   *expvar.Int
	QueriesExpiredTotal    *expvar.Int

	PreferenceAppendsTotal *expvar.Int
	PreferenceBytesTotal   *expvar.Int

	TrainingRunsTotal     *expvar.Int
	TrainingFailuresTotal *expvar.Int
	ActiveVersion         *expvar.Int
}

// NewMetrics creates and initializes a Metrics struct. When
// publishGlobally is false the variables stay unregistered, which tests
// rely on to avoid expvar name collisions.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	if publishGlobally {
		newInt = func(name string) *expvar.Int { return expvar.NewInt(name) }
	}

	return &Metrics{
		PublishedGlobally:      publishGlobally,
		SegmentPushesTotal:     newInt(prefix + "segment_pushes_total"),
		SegmentEvictionsTotal:  newInt(prefix + "segment_evictions_total"),
		SegmentRejectedTotal:   newInt(prefix + "segment_rejected_total"),
		QueriesDispatchedTotal: newInt(prefix + "queries_dispatched_total"),
		QueriesAnsweredTotal:   newInt(prefix + "queries_answered_total"),
		QueriesExpiredTotal:    newInt(prefix + "queries_expired_total"),
		PreferenceAppendsTotal: newInt(prefix + "preference_appends_total"),
		PreferenceBytesTotal:   newInt(prefix + "preference_bytes_total"),
		TrainingRunsTotal:      newInt(prefix + "training_runs_total"),
		TrainingFailuresTotal:  newInt(prefix + "training_failures_total"),
		ActiveVersion:          newInt(prefix + "active_version"),
	}
}
