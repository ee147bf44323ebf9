package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/fanin/channel"
)

type Config struct {
	// Target
	Channel string
	Brokers string // Kafka only; overrides the channel's brokers parameter
	NATSURL string

	// Run options
	Sessions   int
	Messages   int
	Duration   time.Duration
	Rate       int // Messages per second per session (0 = unlimited)
	StreamID   int
	PayloadLen int
	Compress   bool

	// Derived
	uri        *channel.URI
	brokerList []string
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Channel) == "" {
		return fmt.Errorf("channel cannot be empty")
	}

	uri, err := channel.Parse(c.Channel)
	if err != nil {
		return err
	}
	if uri.IsPattern() {
		return fmt.Errorf("cannot publish to a pattern: %s", uri.Endpoint())
	}
	c.uri = uri

	switch uri.Scheme() {
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("nats-url cannot be empty")
		}
	case "kafka":
		c.brokerList = uri.ParamList("brokers")
		if c.Brokers != "" {
			c.brokerList = nil
			for _, b := range strings.Split(c.Brokers, ",") {
				if b = strings.TrimSpace(b); b != "" {
					c.brokerList = append(c.brokerList, b)
				}
			}
		}
		if len(c.brokerList) == 0 {
			return fmt.Errorf("kafka channels need brokers")
		}
	default:
		return fmt.Errorf("unsupported scheme: %s (must be nats|kafka)", uri.Scheme())
	}

	if c.Sessions < 1 {
		return fmt.Errorf("sessions must be at least 1")
	}

	if c.Messages < 0 {
		return fmt.Errorf("messages must be non-negative")
	}

	if c.Rate < 0 {
		return fmt.Errorf("rate must be non-negative")
	}

	if c.PayloadLen < 0 {
		return fmt.Errorf("payload length must be non-negative")
	}

	if c.Messages == 0 && c.Duration <= 0 {
		return fmt.Errorf("either messages or duration must be set")
	}

	return nil
}

func (c *Config) URI() *channel.URI {
	return c.uri
}

func (c *Config) BrokerList() []string {
	return c.brokerList
}
