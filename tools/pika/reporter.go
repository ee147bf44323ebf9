package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSnapshot Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] frames/sec: %7d | total: %9d | errors: %4d | throughput: %.1f frames/sec\n",
				elapsed.Seconds(),
				snapshot.Published-lastSnapshot.Published,
				snapshot.Published,
				snapshot.Errors,
				float64(snapshot.Published)/elapsed.Seconds(),
			)

			lastSnapshot = snapshot
		}
	}
}
