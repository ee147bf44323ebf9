package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runPublish(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - fanin frame publisher

Usage:
  pika <command> [options]

Commands:
  run       Publish frames to a channel from concurrent sessions
  version   Print version
  help      Show this help

Run Options:
  --channel       Target channel URI, nats:<subject> or kafka:<topic> (default: nats:fanin.bench)
  --nats-url      NATS server URL (default: nats://127.0.0.1:4222)
  --brokers       Comma-separated Kafka brokers (overrides ?brokers= on the channel)
  --sessions      Number of concurrent publisher sessions (default: 4)
  --messages      Total frames to publish across sessions (default: 10000)
  --duration      Duration to run (e.g., 60s); with --messages=0 runs until elapsed
  --rate          Frames per second per session (default: 0 = unlimited)
  --stream        Stream ID stamped on every frame (default: 1)
  --payload       Payload size in bytes (default: 64)
  --compress      Compress payloads with zstd (default: false)

Examples:
  pika run --channel=nats:prices.eu --sessions=8 --messages=100000
  pika run --channel=kafka:trades --brokers=127.0.0.1:9092 --messages=0 --duration=30s --rate=500`)
}

func runPublish(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	fs.StringVar(&cfg.Channel, "channel", "nats:fanin.bench", "Target channel URI")
	fs.StringVar(&cfg.NATSURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	fs.StringVar(&cfg.Brokers, "brokers", "", "Comma-separated Kafka brokers")
	fs.IntVar(&cfg.Sessions, "sessions", 4, "Number of concurrent publisher sessions")
	fs.IntVar(&cfg.Messages, "messages", 10000, "Total frames to publish")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run")
	fs.IntVar(&cfg.Rate, "rate", 0, "Frames per second per session (0 = unlimited)")
	fs.IntVar(&cfg.StreamID, "stream", 1, "Stream ID stamped on every frame")
	fs.IntVar(&cfg.PayloadLen, "payload", 64, "Payload size in bytes")
	fs.BoolVar(&cfg.Compress, "compress", false, "Compress payloads with zstd")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := newSink(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create sink: %v\n", err)
		os.Exit(1)
	}

	runErr := executeRun(ctx, cfg, sink)
	if err := sink.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close sink: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Publish failed: %v\n", runErr)
		os.Exit(1)
	}
}
