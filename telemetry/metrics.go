package telemetry

// PollFragmentsBuckets for fragments returned by a single poll
var PollFragmentsBuckets = []float64{0, 1, 2, 5, 10, 20, 50, 100, 250, 500, 1000}

// Subscription / poll metrics
var (
	// PollsTotal counts agent poll calls by subscription channel
	PollsTotal CounterVec = noopCounterVec{}

	// FragmentsReadTotal counts fragments delivered to handlers by subscription channel
	FragmentsReadTotal CounterVec = noopCounterVec{}

	// PollFragments observes fragments returned per non-idle poll
	PollFragments Histogram = NoopStat{}

	// ConcurrentPollRejectedTotal counts polls rejected because another poll was in progress
	ConcurrentPollRejectedTotal Counter = NoopStat{}
)

// Conductor metrics
var (
	// SubscriptionsActive tracks open subscriptions
	SubscriptionsActive Gauge = NoopStat{}

	// SnapshotsInstalledTotal counts image snapshots installed
	SnapshotsInstalledTotal Counter = NoopStat{}

	// SnapshotsPrunedTotal counts snapshots released by pruning
	SnapshotsPrunedTotal Counter = NoopStat{}

	// SnapshotChainLength tracks snapshots still chained per subscription
	SnapshotChainLength GaugeVec = noopGaugeVec{}

	// SubscriptionImages tracks images in the current snapshot per subscription
	SubscriptionImages GaugeVec = noopGaugeVec{}

	// SnapshotVersionLag tracks head version minus the reader's last observed version
	SnapshotVersionLag GaugeVec = noopGaugeVec{}

	// ImageEventsTotal counts image availability events by kind (available, unavailable)
	ImageEventsTotal CounterVec = noopCounterVec{}

	// LingeringImages tracks removed images waiting to be closed
	LingeringImages Gauge = NoopStat{}

	// ConductorCommandsDroppedTotal counts commands rejected because the conductor was stopped
	ConductorCommandsDroppedTotal Counter = NoopStat{}
)

// Transport metrics
var (
	// TransportFramesTotal counts frames received by transport and result (ok, decode_error, dropped)
	TransportFramesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	PollsTotal = NewCounterVec(
		"polls_total",
		"Total subscription polls by channel",
		[]string{"channel"},
	)
	FragmentsReadTotal = NewCounterVec(
		"fragments_read_total",
		"Total fragments delivered by channel",
		[]string{"channel"},
	)
	PollFragments = NewHistogramWithBuckets(
		"poll_fragments",
		"Fragments returned per productive poll",
		PollFragmentsBuckets,
	)
	ConcurrentPollRejectedTotal = NewCounter(
		"concurrent_poll_rejected_total",
		"Polls rejected because another poll on the subscription was in progress",
	)

	SubscriptionsActive = NewGauge(
		"subscriptions_active",
		"Number of open subscriptions",
	)
	SnapshotsInstalledTotal = NewCounter(
		"snapshots_installed_total",
		"Total image snapshots installed",
	)
	SnapshotsPrunedTotal = NewCounter(
		"snapshots_pruned_total",
		"Total image snapshots released by pruning",
	)
	SnapshotChainLength = NewGaugeVec(
		"snapshot_chain_length",
		"Snapshots still chained per subscription",
		[]string{"registration_id"},
	)
	SubscriptionImages = NewGaugeVec(
		"subscription_images",
		"Images in the current snapshot per subscription",
		[]string{"registration_id"},
	)
	SnapshotVersionLag = NewGaugeVec(
		"snapshot_version_lag",
		"Head snapshot version minus last version observed by the reader",
		[]string{"registration_id"},
	)
	ImageEventsTotal = NewCounterVec(
		"image_events_total",
		"Image availability events by kind",
		[]string{"kind"},
	)
	LingeringImages = NewGauge(
		"lingering_images",
		"Removed images waiting for their linger timeout",
	)
	ConductorCommandsDroppedTotal = NewCounter(
		"conductor_commands_dropped_total",
		"Commands rejected because the conductor was stopped",
	)

	TransportFramesTotal = NewCounterVec(
		"transport_frames_total",
		"Frames received by transport and result",
		[]string{"transport", "result"},
	)
}
