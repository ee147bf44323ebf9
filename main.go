package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/maxpert/fanin/admin"
	"github.com/maxpert/fanin/agent"
	"github.com/maxpert/fanin/cfg"
	"github.com/maxpert/fanin/conductor"
	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/notify"
	"github.com/maxpert/fanin/subscription"
	"github.com/maxpert/fanin/telemetry"
	"github.com/maxpert/fanin/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Fanin - multi-image subscription client")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub()
	defer hub.Close()

	// Client conductor: sole writer of every subscription's snapshot chain
	sources := make(map[string]conductor.SourceProvider)
	clientConductor, err := conductor.New(conductor.Config{
		ClientID:       cfg.Config.ClientID,
		DutyCycle:      time.Duration(cfg.Config.Conductor.DutyCycleMS) * time.Millisecond,
		PruneInterval:  time.Duration(cfg.Config.Conductor.PruneIntervalMS) * time.Millisecond,
		ResourceLinger: time.Duration(cfg.Config.Conductor.ResourceLingerMS) * time.Millisecond,
		CommandBuffer:  cfg.Config.Conductor.CommandBuffer,
		Hub:            hub,
		Sources:        sources,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create conductor")
		return
	}

	transports := startTransports(clientConductor, sources)
	defer closeTransports(transports)

	if err := clientConductor.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start conductor")
		return
	}
	defer clientConductor.Stop()

	collector := telemetry.NewMetricsCollector(
		clientConductor,
		time.Duration(cfg.Config.Conductor.StatsIntervalMS)*time.Millisecond,
	)
	collector.Start()
	defer collector.Stop()

	agents := &agentSet{agents: make(map[string]*agent.Agent)}
	for _, sc := range cfg.Config.Subscriptions {
		if err := agents.subscribe(ctx, clientConductor, sc); err != nil {
			log.Fatal().Err(err).Str("channel", sc.Channel).Msg("Failed to add subscription")
			return
		}
	}
	defer agents.stopAll()

	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		adminServer = startAdminServer(clientConductor, hub, agents)
	}

	log.Info().
		Int("subscriptions", len(cfg.Config.Subscriptions)).
		Strs("transports", transport.Schemes()).
		Msg("Fanin started successfully")

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		shutdownCancel()
	}
	cancel()
}

// startTransports creates the transports configured subscriptions need and registers them as conductor sources
func startTransports(c *conductor.Conductor, sources map[string]conductor.SourceProvider) []transport.Transport {
	opts := transport.OptionsFromConfig(c)

	var started []transport.Transport
	for _, scheme := range transport.Schemes() {
		if !subscribesTo(scheme) {
			continue
		}

		t, err := transport.New(scheme, opts)
		if err != nil {
			log.Fatal().Err(err).Str("transport", scheme).Msg("Failed to create transport")
		}
		sources[scheme] = t
		started = append(started, t)
		log.Info().Str("transport", scheme).Msg("Transport ready")
	}
	return started
}

func subscribesTo(scheme string) bool {
	for _, sc := range cfg.Config.Subscriptions {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(sc.Channel)), scheme+":") {
			return true
		}
	}
	return false
}

func closeTransports(transports []transport.Transport) {
	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close transport")
		}
	}
}

// agentSet owns the poll agents started for configured subscriptions
type agentSet struct {
	mu     sync.Mutex
	agents map[string]*agent.Agent
}

func (s *agentSet) subscribe(ctx context.Context, c *conductor.Conductor, sc cfg.SubscriptionConfiguration) error {
	name := fmt.Sprintf("%s#%d", sc.Channel, sc.StreamID)

	onAvailable := func(img image.Image) {
		log.Info().
			Str("subscription", name).
			Int32("session_id", img.SessionID()).
			Str("source", img.SourceIdentity()).
			Msg("Image available")
	}
	onUnavailable := func(img image.Image) {
		log.Info().
			Str("subscription", name).
			Int32("session_id", img.SessionID()).
			Str("source", img.SourceIdentity()).
			Msg("Image unavailable")
	}

	sub, err := c.AddSubscription(sc.Channel, sc.StreamID, onAvailable, onUnavailable).Get()
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		Name:          name,
		Subscription:  sub,
		Handler:       fragmentLogger(sub),
		FragmentLimit: cfg.Config.Subscriber.FragmentLimit,
		Idle:          agent.NewIdleStrategy(cfg.Config.Subscriber),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.agents[name] = a
	s.mu.Unlock()

	a.Start(ctx)
	return nil
}

func (s *agentSet) stats() map[string]agent.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]agent.Stats, len(s.agents))
	for name, a := range s.agents {
		out[name] = a.Stats()
	}
	return out
}

func (s *agentSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		a.Stop()
	}
}

func fragmentLogger(sub *subscription.Subscription) image.FragmentHandler {
	if !cfg.Config.Subscriber.LogFragments {
		return func([]byte, *image.Header) {}
	}
	channel := sub.Channel()
	return func(data []byte, header *image.Header) {
		log.Debug().
			Str("channel", channel).
			Int32("session_id", header.SessionID).
			Int64("position", header.Position).
			Int("length", len(data)).
			Msg("Fragment")
	}
}

func startAdminServer(c *conductor.Conductor, hub *notify.Hub, agents *agentSet) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(c, hub, agents.stats))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return server
}
