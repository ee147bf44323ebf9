package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxErrorSamples caps how many distinct error messages are kept
const maxErrorSamples = 10

// Stats tracks publish statistics using atomic operations.
type Stats struct {
	published uint64
	bytes     uint64
	errors    uint64

	// Latency tracking (microseconds)
	mu           sync.Mutex
	latencies    []int64
	errorSamples map[string]uint64
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies:    make([]int64, 0, 100000),
		errorSamples: make(map[string]uint64),
	}
}

// RecordPublish records a successful publish.
func (s *Stats) RecordPublish(size int, latency time.Duration) {
	atomic.AddUint64(&s.published, 1)
	atomic.AddUint64(&s.bytes, uint64(size))

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a failed publish.
func (s *Stats) RecordError(msg string) {
	atomic.AddUint64(&s.errors, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.errorSamples[msg]; ok || len(s.errorSamples) < maxErrorSamples {
		s.errorSamples[msg]++
	}
}

// GetLatencyPercentiles returns p50, p90, p95, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*95/100], sorted[n*99/100]
}

// Snapshot returns a copy of current counters.
type Snapshot struct {
	Published uint64
	Bytes     uint64
	Errors    uint64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Published: atomic.LoadUint64(&s.published),
		Bytes:     atomic.LoadUint64(&s.bytes),
		Errors:    atomic.LoadUint64(&s.errors),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	snap := s.GetSnapshot()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f frames/sec\n", float64(snap.Published)/elapsed.Seconds())
	fmt.Printf("Bandwidth:     %.2f KiB/sec\n", float64(snap.Bytes)/1024/elapsed.Seconds())
	fmt.Printf("Published:     %d\n", snap.Published)
	fmt.Println()

	if snap.Errors > 0 {
		fmt.Printf("Errors:        %d\n", snap.Errors)
		s.mu.Lock()
		for msg, n := range s.errorSamples {
			fmt.Printf("  %6d  %s\n", n, msg)
		}
		s.mu.Unlock()
		fmt.Println()
	}

	p50, p90, p95, p99 := s.GetLatencyPercentiles()
	fmt.Println("Publish latency (microseconds):")
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)
}
