package conductor

import (
	"fmt"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/fanin/channel"
	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/notify"
	"github.com/maxpert/fanin/subscription"
	"github.com/maxpert/fanin/telemetry"
	"github.com/rs/zerolog/log"
)

// command is applied on the duty-cycle goroutine
type command interface {
	apply(c *Conductor)
	fail(err error)
}

type addSubscriptionCmd struct {
	uri           *channel.URI
	streamID      int32
	onAvailable   subscription.AvailableImageHandler
	onUnavailable subscription.UnavailableImageHandler
	promise       *future.Promise[*subscription.Subscription]
}

func (cmd *addSubscriptionCmd) apply(c *Conductor) {
	registrationID := c.ids.NextID()

	sub, err := subscription.New(cmd.uri.String(), cmd.streamID, registrationID, cmd.onAvailable, cmd.onUnavailable)
	if err != nil {
		cmd.promise.Set(nil, err)
		return
	}

	// Readers never see a nil head once the subscription is handed out
	sub.InstallSnapshot(nil)
	telemetry.SnapshotsInstalledTotal.Inc()

	reg := &registration{sub: sub, uri: cmd.uri}
	if provider, ok := c.config.Sources[cmd.uri.Scheme()]; ok {
		if err := provider.Subscribe(registrationID, cmd.uri, cmd.streamID); err != nil {
			sub.Close()
			_ = sub.Delete()
			cmd.promise.Set(nil, fmt.Errorf("subscribe %s: %w", cmd.uri, err))
			return
		}
		reg.provider = provider
	} else {
		log.Debug().
			Str("scheme", cmd.uri.Scheme()).
			Msg("No source registered for scheme, images must be added directly")
	}

	c.registry.Store(registrationID, reg)

	log.Info().
		Int64("registration_id", registrationID).
		Str("channel", sub.Channel()).
		Int32("stream_id", sub.StreamID()).
		Msg("Subscription added")

	cmd.promise.Set(sub, nil)
}

func (cmd *addSubscriptionCmd) fail(err error) {
	cmd.promise.Set(nil, err)
}

type closeSubscriptionCmd struct {
	registrationID int64
	promise        *future.Promise[struct{}]
}

func (cmd *closeSubscriptionCmd) apply(c *Conductor) {
	if !c.removeSubscription(cmd.registrationID) {
		cmd.promise.Set(struct{}{}, fmt.Errorf("%w: %d", ErrUnknownSubscription, cmd.registrationID))
		return
	}
	cmd.promise.Set(struct{}{}, nil)
}

func (cmd *closeSubscriptionCmd) fail(err error) {
	cmd.promise.Set(struct{}{}, err)
}

type imageAvailableCmd struct {
	registrationID int64
	sourceChannel  string
	img            image.Image
}

func (cmd *imageAvailableCmd) apply(c *Conductor) {
	reg, ok := c.registry.Load(cmd.registrationID)
	if !ok || reg.sub.IsClosed() {
		log.Debug().
			Int64("registration_id", cmd.registrationID).
			Int64("correlation_id", cmd.img.CorrelationID()).
			Msg("Image for unknown subscription, closing")
		c.linger(cmd.img)
		return
	}

	if cmd.sourceChannel != "" {
		matched, err := channel.Match(reg.uri.String(), cmd.sourceChannel)
		if err != nil || !matched {
			log.Warn().
				Err(err).
				Str("subscription", reg.uri.String()).
				Str("source", cmd.sourceChannel).
				Msg("Image source does not match subscription channel")
			c.linger(cmd.img)
			return
		}
	}

	sub := reg.sub
	current := sub.Snapshot()
	for _, existing := range current.Images() {
		if existing.CorrelationID() == cmd.img.CorrelationID() {
			return
		}
	}

	snap := sub.InstallSnapshot(current.With(cmd.img))
	telemetry.SnapshotsInstalledTotal.Inc()

	log.Debug().
		Int64("registration_id", sub.RegistrationID()).
		Int64("correlation_id", cmd.img.CorrelationID()).
		Int32("session_id", cmd.img.SessionID()).
		Int64("version", snap.Version()).
		Msg("Image available")

	c.notifyImage(notify.ImageAvailable, sub, cmd.img)
	c.callAvailable(sub, cmd.img)
}

func (cmd *imageAvailableCmd) fail(error) {
	if err := cmd.img.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close image")
	}
}

type imageUnavailableCmd struct {
	registrationID int64
	correlationID  int64
}

func (cmd *imageUnavailableCmd) apply(c *Conductor) {
	reg, ok := c.registry.Load(cmd.registrationID)
	if !ok {
		return
	}

	sub := reg.sub
	images, removed := sub.Snapshot().Without(cmd.correlationID)
	if removed == nil {
		return
	}

	snap := sub.InstallSnapshot(images)
	telemetry.SnapshotsInstalledTotal.Inc()
	c.linger(removed)

	log.Debug().
		Int64("registration_id", sub.RegistrationID()).
		Int64("correlation_id", cmd.correlationID).
		Int64("version", snap.Version()).
		Msg("Image unavailable")

	c.notifyImage(notify.ImageUnavailable, sub, removed)
	c.callUnavailable(sub, removed)
}

func (cmd *imageUnavailableCmd) fail(error) {}
