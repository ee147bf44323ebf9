// Package transport feeds subscriptions with images read from external
// messaging systems. Each transport registers a factory for its channel
// scheme; the conductor asks the transport for a channel's images when a
// subscription is added.
package transport

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/fanin/cfg"
	"github.com/maxpert/fanin/channel"
	"github.com/maxpert/fanin/image"
)

const (
	DefaultLivenessTimeout = 10 * time.Second
	DefaultRingSlots       = image.DefaultCapacity
)

// Listener receives image lifecycle events (implemented by the conductor)
type Listener interface {
	NextCorrelationID() int64
	ImageAvailable(registrationID int64, sourceChannel string, img image.Image) bool
	ImageUnavailable(registrationID int64, correlationID int64) bool
}

// Transport turns a channel into images for one subscription at a time
type Transport interface {
	Subscribe(registrationID int64, uri *channel.URI, streamID int32) error
	Unsubscribe(registrationID int64) error
	Close() error
}

// Options are handed to every transport factory
type Options struct {
	Listener        Listener
	RingSlots       int
	LivenessTimeout time.Duration
	NATS            cfg.NATSConfiguration
	Kafka           cfg.KafkaConfiguration
}

// OptionsFromConfig builds Options from the global configuration
func OptionsFromConfig(listener Listener) Options {
	return Options{
		Listener:        listener,
		RingSlots:       cfg.Config.Subscriber.ImageRingSlots,
		LivenessTimeout: time.Duration(cfg.Config.Conductor.ImageLivenessTimeoutMS) * time.Millisecond,
		NATS:            cfg.Config.NATS,
		Kafka:           cfg.Config.Kafka,
	}
}

func (o *Options) applyDefaults() {
	if o.RingSlots <= 0 {
		o.RingSlots = DefaultRingSlots
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = DefaultLivenessTimeout
	}
}

// Factory creates a Transport
type Factory func(opts Options) (Transport, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a transport factory for a channel scheme
func Register(scheme string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[scheme] = factory
}

// New creates the transport registered for scheme
func New(scheme string, opts Options) (Transport, error) {
	factoryMu.RLock()
	factory, exists := factories[scheme]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transport: %s", scheme)
	}
	if opts.Listener == nil {
		return nil, fmt.Errorf("transport %s requires a listener", scheme)
	}

	opts.applyDefaults()
	return factory(opts)
}

// Schemes lists registered transport schemes in sorted order
func Schemes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	schemes := make([]string, 0, len(factories))
	for scheme := range factories {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}
