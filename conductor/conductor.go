package conductor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/fanin/channel"
	"github.com/maxpert/fanin/id"
	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/notify"
	"github.com/maxpert/fanin/subscription"
	"github.com/maxpert/fanin/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	// Default interval between duty cycles
	DefaultDutyCycle = 10 * time.Millisecond
	// Default interval between snapshot pruning passes
	DefaultPruneInterval = 100 * time.Millisecond
	// Default time a removed image stays open before it is closed
	DefaultResourceLinger = 3 * time.Second
	// Default capacity of the command queue
	DefaultCommandBuffer = 1024
)

var (
	// ErrConductorStopped is returned for commands issued after Stop
	ErrConductorStopped = errors.New("conductor stopped")
	// ErrConductorRunning is returned by Start on a running conductor
	ErrConductorRunning = errors.New("conductor already running")
	// ErrUnknownSubscription is returned when a registration ID is not registered
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// SourceProvider feeds images for subscriptions on one channel scheme.
// Implementations report images back through ImageAvailable/ImageUnavailable.
type SourceProvider interface {
	Subscribe(registrationID int64, uri *channel.URI, streamID int32) error
	Unsubscribe(registrationID int64) error
}

// Config configures the conductor
type Config struct {
	ClientID       uint64
	DutyCycle      time.Duration
	PruneInterval  time.Duration
	ResourceLinger time.Duration
	CommandBuffer  int
	Hub            *notify.Hub               // Optional: receives image events
	Sources        map[string]SourceProvider // Keyed by channel scheme
}

type registration struct {
	sub      *subscription.Subscription
	uri      *channel.URI
	provider SourceProvider
}

type lingeringImage struct {
	img      image.Image
	deadline time.Time
}

// Conductor is the single writer for every subscription it owns. All snapshot
// installs and prunes run on its duty-cycle goroutine; other goroutines
// interact through the command queue.
type Conductor struct {
	config Config
	ids    id.Generator
	now    func() time.Time

	registry *xsync.MapOf[int64, *registration]
	commands chan command

	// Owned by the duty-cycle goroutine
	lingering []lingeringImage
	lastPrune time.Time

	statsMu     sync.RWMutex
	stats       []telemetry.SubscriptionStats
	lingerCount int

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	stopped     atomic.Bool
	lifecycleMu sync.Mutex
	enqueueMu   sync.RWMutex // held for reading across the stopped check and the send
}

// New creates a conductor. Call Start to begin the duty cycle.
func New(config Config) (*Conductor, error) {
	if config.DutyCycle <= 0 {
		config.DutyCycle = DefaultDutyCycle
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultPruneInterval
	}
	if config.ResourceLinger < 0 {
		return nil, fmt.Errorf("resource linger must be >= 0, got %s", config.ResourceLinger)
	}
	if config.CommandBuffer <= 0 {
		config.CommandBuffer = DefaultCommandBuffer
	}
	if config.Sources == nil {
		config.Sources = make(map[string]SourceProvider)
	}

	return &Conductor{
		config:   config,
		ids:      id.NewCorrelationGenerator(config.ClientID),
		now:      time.Now,
		registry: xsync.NewMapOf[int64, *registration](),
		commands: make(chan command, config.CommandBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// NextCorrelationID hands out an ID for a new image
func (c *Conductor) NextCorrelationID() int64 {
	return c.ids.NextID()
}

// Start starts the duty-cycle goroutine
func (c *Conductor) Start() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.stopped.Load() {
		return ErrConductorStopped
	}
	if c.running.Load() {
		return ErrConductorRunning
	}

	c.running.Store(true)
	c.lastPrune = c.now()

	log.Info().
		Dur("duty_cycle", c.config.DutyCycle).
		Dur("prune_interval", c.config.PruneInterval).
		Msg("Starting client conductor")

	go c.run()
	return nil
}

// Stop closes every subscription and image and waits for the duty cycle to exit.
// Pending commands fail with ErrConductorStopped.
func (c *Conductor) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	log.Info().Msg("Stopping client conductor")
	close(c.stopCh)

	// Wait out enqueues that passed the stopped check. They return promptly
	// now that stopCh is closed.
	c.enqueueMu.Lock()
	c.enqueueMu.Unlock()

	if c.running.Load() {
		<-c.doneCh
		c.running.Store(false)
		// Commands sent while the loop was shutting down
		c.failQueued()
	} else {
		c.shutdown()
	}

	log.Info().Msg("Client conductor stopped")
}

// AddSubscription registers a subscription. The future resolves once the
// duty cycle has created it and installed its initial snapshot.
func (c *Conductor) AddSubscription(
	channelURI string,
	streamID int32,
	onAvailable subscription.AvailableImageHandler,
	onUnavailable subscription.UnavailableImageHandler,
) *future.Future[*subscription.Subscription] {
	p := future.NewPromise[*subscription.Subscription]()

	uri, err := channel.Parse(channelURI)
	if err != nil {
		p.Set(nil, err)
		return p.Future()
	}

	c.enqueue(&addSubscriptionCmd{
		uri:           uri,
		streamID:      streamID,
		onAvailable:   onAvailable,
		onUnavailable: onUnavailable,
		promise:       p,
	}, func(err error) { p.Set(nil, err) })

	return p.Future()
}

// CloseSubscription closes and deletes a subscription. Its images are
// reported unavailable and lingered before being closed.
func (c *Conductor) CloseSubscription(registrationID int64) *future.Future[struct{}] {
	p := future.NewPromise[struct{}]()
	c.enqueue(&closeSubscriptionCmd{
		registrationID: registrationID,
		promise:        p,
	}, func(err error) { p.Set(struct{}{}, err) })
	return p.Future()
}

// ImageAvailable adds img to the subscription's image set. sourceChannel is
// the concrete channel the image reads from and must be covered by the
// subscription's channel. Blocks only while the command queue is full;
// returns false and closes img once the conductor is stopped.
func (c *Conductor) ImageAvailable(registrationID int64, sourceChannel string, img image.Image) bool {
	cmd := &imageAvailableCmd{
		registrationID: registrationID,
		sourceChannel:  sourceChannel,
		img:            img,
	}
	return c.enqueue(cmd, cmd.fail)
}

// ImageUnavailable removes the image with correlationID from the subscription
func (c *Conductor) ImageUnavailable(registrationID int64, correlationID int64) bool {
	return c.enqueue(&imageUnavailableCmd{
		registrationID: registrationID,
		correlationID:  correlationID,
	}, nil)
}

// FindSubscription returns a registered subscription
func (c *Conductor) FindSubscription(registrationID int64) (*subscription.Subscription, bool) {
	reg, ok := c.registry.Load(registrationID)
	if !ok {
		return nil, false
	}
	return reg.sub, true
}

// Subscriptions returns every registered subscription ordered by registration ID
func (c *Conductor) Subscriptions() []*subscription.Subscription {
	var subs []*subscription.Subscription
	c.registry.Range(func(_ int64, reg *registration) bool {
		subs = append(subs, reg.sub)
		return true
	})
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].RegistrationID() < subs[j].RegistrationID()
	})
	return subs
}

// SubscriptionStats returns the stats gathered on the last duty cycle
func (c *Conductor) SubscriptionStats() []telemetry.SubscriptionStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()

	out := make([]telemetry.SubscriptionStats, len(c.stats))
	copy(out, c.stats)
	return out
}

// LingeringImageCount returns the number of removed images not yet closed
func (c *Conductor) LingeringImageCount() int {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.lingerCount
}

// enqueue hands a command to the duty cycle. onStopped (optional) is called
// instead when the conductor has been stopped.
func (c *Conductor) enqueue(cmd command, onStopped func(error)) bool {
	c.enqueueMu.RLock()
	defer c.enqueueMu.RUnlock()

	if c.stopped.Load() {
		telemetry.ConductorCommandsDroppedTotal.Inc()
		if onStopped != nil {
			onStopped(ErrConductorStopped)
		}
		return false
	}

	select {
	case c.commands <- cmd:
		return true
	case <-c.stopCh:
		telemetry.ConductorCommandsDroppedTotal.Inc()
		if onStopped != nil {
			onStopped(ErrConductorStopped)
		}
		return false
	}
}

func (c *Conductor) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.DutyCycle)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.shutdown()
			return
		case cmd := <-c.commands:
			cmd.apply(c)
			c.refreshStats()
		case <-ticker.C:
			c.dutyCycle(c.now())
		}
	}
}

// dutyCycle prunes snapshots, closes expired lingering images and refreshes stats
func (c *Conductor) dutyCycle(now time.Time) {
	if now.Sub(c.lastPrune) >= c.config.PruneInterval {
		c.pruneAll()
		c.lastPrune = now
	}
	c.expireLingering(now, false)
	c.refreshStats()
}

func (c *Conductor) pruneAll() int {
	total := 0
	c.registry.Range(func(_ int64, reg *registration) bool {
		total += reg.sub.Prune()
		return true
	})
	if total > 0 {
		telemetry.SnapshotsPrunedTotal.Add(float64(total))
		log.Debug().Int("released", total).Msg("Pruned image snapshots")
	}
	return total
}

func (c *Conductor) linger(img image.Image) {
	c.lingering = append(c.lingering, lingeringImage{
		img:      img,
		deadline: c.now().Add(c.config.ResourceLinger),
	})
}

// expireLingering closes lingering images past their deadline, or all of them when force is set
func (c *Conductor) expireLingering(now time.Time, force bool) {
	kept := c.lingering[:0]
	for _, l := range c.lingering {
		if !force && now.Before(l.deadline) {
			kept = append(kept, l)
			continue
		}
		if err := l.img.Close(); err != nil {
			log.Warn().Err(err).Int64("correlation_id", l.img.CorrelationID()).Msg("Failed to close image")
		}
	}
	for i := len(kept); i < len(c.lingering); i++ {
		c.lingering[i] = lingeringImage{}
	}
	c.lingering = kept
}

func (c *Conductor) refreshStats() {
	var stats []telemetry.SubscriptionStats
	c.registry.Range(func(_ int64, reg *registration) bool {
		sub := reg.sub
		stats = append(stats, telemetry.SubscriptionStats{
			RegistrationID:      sub.RegistrationID(),
			Channel:             sub.Channel(),
			StreamID:            sub.StreamID(),
			Version:             sub.Version(),
			LastObservedVersion: sub.LastObservedVersion(),
			ChainLength:         len(sub.SnapshotVersions()),
			Images:              sub.ImageCount(),
			Closed:              sub.IsClosed(),
		})
		return true
	})
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].RegistrationID < stats[j].RegistrationID
	})

	c.statsMu.Lock()
	c.stats = stats
	c.lingerCount = len(c.lingering)
	c.statsMu.Unlock()
}

func (c *Conductor) shutdown() {
	c.failQueued()

	c.registry.Range(func(registrationID int64, _ *registration) bool {
		c.removeSubscription(registrationID)
		return true
	})
	c.expireLingering(c.now(), true)
	c.refreshStats()
}

// failQueued fails every command still in the queue
func (c *Conductor) failQueued() {
	for {
		select {
		case cmd := <-c.commands:
			telemetry.ConductorCommandsDroppedTotal.Inc()
			cmd.fail(ErrConductorStopped)
		default:
			return
		}
	}
}

// removeSubscription closes and deletes a subscription, lingering its images
func (c *Conductor) removeSubscription(registrationID int64) bool {
	reg, ok := c.registry.LoadAndDelete(registrationID)
	if !ok {
		return false
	}
	sub := reg.sub

	if reg.provider != nil {
		if err := reg.provider.Unsubscribe(registrationID); err != nil {
			log.Warn().Err(err).Int64("registration_id", registrationID).Msg("Failed to unsubscribe source")
		}
	}

	sub.Close()
	images := sub.Images()
	for _, img := range images {
		c.linger(img)
		c.notifyImage(notify.ImageUnavailable, sub, img)
		c.callUnavailable(sub, img)
	}

	c.pruneAll()
	if err := sub.Delete(); err != nil {
		log.Error().Err(err).Int64("registration_id", registrationID).Msg("Failed to delete subscription")
	}

	log.Info().
		Int64("registration_id", registrationID).
		Int("images", len(images)).
		Msg("Subscription closed")
	return true
}

func (c *Conductor) notifyImage(kind notify.EventKind, sub *subscription.Subscription, img image.Image) {
	telemetry.ImageEventsTotal.With(kind.String()).Inc()
	if c.config.Hub == nil {
		return
	}
	c.config.Hub.Publish(notify.ImageEvent{
		Kind:           kind,
		RegistrationID: sub.RegistrationID(),
		CorrelationID:  img.CorrelationID(),
		SessionID:      img.SessionID(),
		StreamID:       sub.StreamID(),
		Channel:        sub.Channel(),
		SourceIdentity: img.SourceIdentity(),
	})
}

func (c *Conductor) callAvailable(sub *subscription.Subscription, img image.Image) {
	if handler := sub.OnAvailableImage(); handler != nil {
		c.safeCallback("available", sub, img, func() { handler(img) })
	}
}

func (c *Conductor) callUnavailable(sub *subscription.Subscription, img image.Image) {
	if handler := sub.OnUnavailableImage(); handler != nil {
		c.safeCallback("unavailable", sub, img, func() { handler(img) })
	}
}

// safeCallback keeps a panicking application callback from killing the duty cycle
func (c *Conductor) safeCallback(kind string, sub *subscription.Subscription, img image.Image, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("callback", kind).
				Int64("registration_id", sub.RegistrationID()).
				Int64("correlation_id", img.CorrelationID()).
				Msg("Image callback panicked")
		}
	}()
	fn()
}
