package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// IdleStrategyType selects how an agent waits when a poll returns no fragments
type IdleStrategyType string

const (
	IdleBackoff  IdleStrategyType = "backoff"  // spin, then yield, then park with exponential backoff
	IdleSleeping IdleStrategyType = "sleeping" // fixed sleep period
)

// SubscriberConfiguration controls application poll agents
type SubscriberConfiguration struct {
	FragmentLimit  int              `toml:"fragment_limit"` // Max fragments per poll
	IdleStrategy   IdleStrategyType `toml:"idle_strategy"`
	MaxSpins       int              `toml:"max_spins"`
	MaxYields      int              `toml:"max_yields"`
	MinParkUS      int              `toml:"min_park_us"`
	MaxParkUS      int              `toml:"max_park_us"`
	SleepPeriodUS  int              `toml:"sleep_period_us"`
	LogFragments   bool             `toml:"log_fragments"` // Debug-log every fragment received
	ImageRingSlots int              `toml:"image_ring_slots"`
}

// ConductorConfiguration controls the client conductor duty cycle
type ConductorConfiguration struct {
	DutyCycleMS            int `toml:"duty_cycle_ms"`
	PruneIntervalMS        int `toml:"prune_interval_ms"`
	ResourceLingerMS       int `toml:"resource_linger_ms"`        // How long removed images stay open
	ImageLivenessTimeoutMS int `toml:"image_liveness_timeout_ms"` // Idle time before a transport session is unavailable
	CommandBuffer          int `toml:"command_buffer"`
	StatsIntervalMS        int `toml:"stats_interval_ms"`
}

// SubscriptionConfiguration declares a subscription created at startup
type SubscriptionConfiguration struct {
	Channel  string `toml:"channel"`
	StreamID int32  `toml:"stream_id"`
}

// NATSConfiguration for the NATS transport
type NATSConfiguration struct {
	URL           string `toml:"url"`
	SessionHeader string `toml:"session_header"`
}

// KafkaConfiguration for the Kafka transport
type KafkaConfiguration struct {
	Brokers  []string `toml:"brokers"`
	GroupID  string   `toml:"group_id"`
	MinBytes int      `toml:"min_bytes"`
	MaxBytes int      `toml:"max_bytes"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin HTTP server (also serves /metrics)
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables admin auth
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID uint64 `toml:"client_id"`

	Subscriber    SubscriberConfiguration     `toml:"subscriber"`
	Conductor     ConductorConfiguration      `toml:"conductor"`
	Subscriptions []SubscriptionConfiguration `toml:"subscriptions"`
	NATS          NATSConfiguration           `toml:"nats"`
	Kafka         KafkaConfiguration          `toml:"kafka"`
	Logging       LoggingConfiguration        `toml:"logging"`
	Prometheus    PrometheusConfiguration     `toml:"prometheus"`
	Admin         AdminConfiguration          `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	ClientIDFlag   = flag.Uint64("client-id", 0, "Client ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	NATSURLFlag    = flag.String("nats-url", "", "NATS server URL (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ClientID: 0, // Auto-generate

	Subscriber: SubscriberConfiguration{
		FragmentLimit:  10,
		IdleStrategy:   IdleBackoff,
		MaxSpins:       10,
		MaxYields:      5,
		MinParkUS:      1,
		MaxParkUS:      1000,
		SleepPeriodUS:  100,
		ImageRingSlots: 1024,
	},

	Conductor: ConductorConfiguration{
		DutyCycleMS:            10,
		PruneIntervalMS:        100,
		ResourceLingerMS:       3000,
		ImageLivenessTimeoutMS: 10000,
		CommandBuffer:          1024,
		StatsIntervalMS:        5000,
	},

	Subscriptions: []SubscriptionConfiguration{},

	NATS: NATSConfiguration{
		URL:           "nats://127.0.0.1:4222",
		SessionHeader: "Fanin-Session",
	},

	Kafka: KafkaConfiguration{
		Brokers:  []string{},
		GroupID:  "fanin",
		MinBytes: 1,
		MaxBytes: 10 << 20, // 10MB
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *ClientIDFlag != 0 {
		Config.ClientID = *ClientIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *NATSURLFlag != "" {
		Config.NATS.URL = *NATSURLFlag
	}

	if Config.ClientID == 0 {
		var err error
		Config.ClientID, err = generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		log.Info().Uint64("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	return nil
}

// generateClientID creates a stable client ID based on machine ID
func generateClientID() (uint64, error) {
	id, err := machineid.ProtectedID("fanin")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// IsAdminAuthEnabled returns true if admin endpoints require a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Subscriber.FragmentLimit < 1 {
		return fmt.Errorf("subscriber fragment limit must be >= 1")
	}

	switch Config.Subscriber.IdleStrategy {
	case IdleBackoff:
		if Config.Subscriber.MaxSpins < 0 || Config.Subscriber.MaxYields < 0 {
			return fmt.Errorf("backoff spins and yields must be >= 0")
		}
		if Config.Subscriber.MinParkUS < 1 {
			return fmt.Errorf("backoff min park must be >= 1us")
		}
		if Config.Subscriber.MaxParkUS < Config.Subscriber.MinParkUS {
			return fmt.Errorf("backoff max park (%dus) must be >= min park (%dus)",
				Config.Subscriber.MaxParkUS, Config.Subscriber.MinParkUS)
		}
	case IdleSleeping:
		if Config.Subscriber.SleepPeriodUS < 1 {
			return fmt.Errorf("sleep period must be >= 1us")
		}
	default:
		return fmt.Errorf("invalid idle strategy: %s", Config.Subscriber.IdleStrategy)
	}

	if Config.Subscriber.ImageRingSlots < 1 {
		return fmt.Errorf("image ring slots must be >= 1")
	}

	if Config.Conductor.DutyCycleMS < 1 {
		return fmt.Errorf("conductor duty cycle must be >= 1ms")
	}

	if Config.Conductor.PruneIntervalMS < Config.Conductor.DutyCycleMS {
		return fmt.Errorf("conductor prune interval must be >= duty cycle")
	}

	if Config.Conductor.ResourceLingerMS < 0 {
		return fmt.Errorf("conductor resource linger must be >= 0")
	}

	if Config.Conductor.ImageLivenessTimeoutMS < 1 {
		return fmt.Errorf("image liveness timeout must be >= 1ms")
	}

	if Config.Conductor.CommandBuffer < 1 {
		return fmt.Errorf("conductor command buffer must be >= 1")
	}

	if Config.Conductor.StatsIntervalMS < 1 {
		return fmt.Errorf("stats interval must be >= 1ms")
	}

	for i, sub := range Config.Subscriptions {
		if strings.TrimSpace(sub.Channel) == "" {
			return fmt.Errorf("subscription %d: channel is required", i)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
