package telemetry

import (
	"strconv"
	"sync"
	"time"
)

// SubscriptionStats is a point-in-time view of one subscription's snapshot chain
type SubscriptionStats struct {
	RegistrationID      int64  `json:"registration_id"`
	Channel             string `json:"channel"`
	StreamID            int32  `json:"stream_id"`
	Version             int64  `json:"version"`
	LastObservedVersion int64  `json:"last_observed_version"`
	ChainLength         int    `json:"chain_length"`
	Images              int    `json:"images"`
	Closed              bool   `json:"closed"`
}

// StatsProvider supplies subscription stats (implemented by the conductor)
type StatsProvider interface {
	SubscriptionStats() []SubscriptionStats
	LingeringImageCount() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	stats := mc.provider.SubscriptionStats()
	open := 0
	for _, s := range stats {
		if s.Closed {
			continue
		}
		open++

		id := strconv.FormatInt(s.RegistrationID, 10)
		SnapshotChainLength.With(id).Set(float64(s.ChainLength))
		SubscriptionImages.With(id).Set(float64(s.Images))
		SnapshotVersionLag.With(id).Set(float64(VersionLag(s)))
	}

	SubscriptionsActive.Set(float64(open))
	LingeringImages.Set(float64(mc.provider.LingeringImageCount()))
}

// VersionLag is how many snapshots the reader is behind head. A reader that
// has never polled is behind by every installed snapshot.
func VersionLag(s SubscriptionStats) int64 {
	if s.Version < 0 {
		return 0
	}
	return s.Version - s.LastObservedVersion
}
