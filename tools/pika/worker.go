package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/maxpert/fanin/encoding"
)

// Worker publishes frames for one publisher session.
type Worker struct {
	id        int
	session   string
	sessionID int32
	streamID  int32
	sink      Sink
	stats     *Stats
	payload   int
	compress  bool
	interval  time.Duration
	rng       *rand.Rand
}

// NewWorker creates a new worker.
func NewWorker(id int, cfg *Config, sink Sink, stats *Stats) *Worker {
	var interval time.Duration
	if cfg.Rate > 0 {
		interval = time.Second / time.Duration(cfg.Rate)
	}
	return &Worker{
		id:        id,
		session:   fmt.Sprintf("pika-%d", id),
		sessionID: int32(id + 1),
		streamID:  int32(cfg.StreamID),
		sink:      sink,
		stats:     stats,
		payload:   cfg.PayloadLen,
		compress:  cfg.Compress,
		interval:  interval,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Run publishes count frames, or until ctx is done when count is 0.
func (w *Worker) Run(ctx context.Context, count int, wg *sync.WaitGroup) {
	defer wg.Done()

	var ticker *time.Ticker
	if w.interval > 0 {
		ticker = time.NewTicker(w.interval)
		defer ticker.Stop()
	}

	for seq := int64(0); count == 0 || seq < int64(count); seq++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		data, err := w.frame(seq)
		if err != nil {
			w.stats.RecordError(err.Error())
			continue
		}

		start := time.Now()
		err = w.sink.Publish(ctx, w.session, data)
		latency := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.stats.RecordError(err.Error())
			continue
		}
		w.stats.RecordPublish(len(data), latency)
	}
}

func (w *Worker) frame(seq int64) ([]byte, error) {
	payload := make([]byte, w.payload)
	w.rng.Read(payload)

	return encoding.EncodeFrame(encoding.Frame{
		SessionID: w.sessionID,
		StreamID:  w.streamID,
		Flags:     encoding.FlagUnfragmented,
		Sequence:  seq,
		Payload:   payload,
	}, w.compress)
}

// executeRun fans sessions out over workers and prints the results.
func executeRun(ctx context.Context, cfg *Config, sink Sink) error {
	stats := NewStats()

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	fmt.Printf("Publishing to %s: %d sessions, stream %d, %d byte payloads\n",
		cfg.Channel, cfg.Sessions, cfg.StreamID, cfg.PayloadLen)

	reportCtx, stopReport := context.WithCancel(ctx)
	go reportProgress(reportCtx, stats)

	// Split messages across sessions
	perSession := 0
	remainder := 0
	if cfg.Messages > 0 {
		perSession = cfg.Messages / cfg.Sessions
		remainder = cfg.Messages % cfg.Sessions
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Sessions; i++ {
		count := perSession
		if i < remainder {
			count++
		}
		if cfg.Messages > 0 && count == 0 {
			continue
		}
		wg.Add(1)
		go NewWorker(i, cfg, sink, stats).Run(ctx, count, &wg)
	}
	wg.Wait()
	stopReport()

	stats.PrintFinal(time.Since(start))
	return nil
}
