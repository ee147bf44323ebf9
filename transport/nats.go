package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/fanin/channel"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	// SchemeNATS is the channel scheme served by the NATS transport
	SchemeNATS = "nats"

	defaultSession = "default"
)

func init() {
	Register(SchemeNATS, func(opts Options) (Transport, error) {
		if opts.NATS.URL == "" {
			return nil, fmt.Errorf("nats transport requires url")
		}
		return NewNATSTransport(opts)
	})
}

// NATSTransport subscribes to NATS subjects. Core subjects use a plain
// subscription; channels with a stream parameter read through a JetStream
// ordered consumer.
type NATSTransport struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	routes *routes
	header string

	mu   sync.Mutex
	subs map[int64]func() error
}

// NewNATSTransport connects to NATS
func NewNATSTransport(opts Options) (*NATSTransport, error) {
	nc, err := nats.Connect(opts.NATS.URL,
		nats.Name("fanin"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return newNATSTransport(nc, js, opts), nil
}

func newNATSTransport(nc *nats.Conn, js jetstream.JetStream, opts Options) *NATSTransport {
	opts.applyDefaults()
	header := opts.NATS.SessionHeader
	if header == "" {
		header = "Fanin-Session"
	}
	return &NATSTransport{
		nc:     nc,
		js:     js,
		routes: newRoutes(SchemeNATS, opts),
		header: header,
		subs:   make(map[int64]func() error),
	}
}

// Subscribe starts delivering the subject's frames to the subscription
func (t *NATSTransport) Subscribe(registrationID int64, uri *channel.URI, streamID int32) error {
	subject := natsSubject(uri.Endpoint())
	route := t.routes.add(registrationID, streamID)

	var (
		unsubscribe func() error
		err         error
	)
	if stream := uri.Param("stream", ""); stream != "" {
		unsubscribe, err = t.consumeStream(route, stream, subject)
	} else {
		unsubscribe, err = t.subscribeCore(route, subject)
	}
	if err != nil {
		t.routes.remove(registrationID)
		return err
	}

	t.mu.Lock()
	t.subs[registrationID] = unsubscribe
	t.mu.Unlock()

	log.Info().
		Int64("registration_id", registrationID).
		Str("subject", subject).
		Msg("NATS subscription started")
	return nil
}

func (t *NATSTransport) subscribeCore(route *Route, subject string) (func() error, error) {
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		t.handle(route, msg.Subject, t.sessionKey(msg.Header, msg.Reply), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func (t *NATSTransport) consumeStream(route *Route, stream, subject string) (func() error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cons, err := t.js.OrderedConsumer(ctx, stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer on stream %s: %w", stream, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		// Reply subjects are per-message acks on JetStream, so only the header names a session
		t.handle(route, msg.Subject(), t.sessionKey(msg.Headers(), ""), msg.Data())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume stream %s: %w", stream, err)
	}

	return func() error {
		cc.Stop()
		return nil
	}, nil
}

func (t *NATSTransport) handle(route *Route, subject, sessionKey string, data []byte) {
	if err := route.Deliver(sessionKey, SchemeNATS+":"+subject, data, time.Now()); err != nil {
		log.Debug().
			Err(err).
			Str("subject", subject).
			Int64("registration_id", route.RegistrationID()).
			Msg("Dropped NATS frame")
	}
}

// sessionKey picks the publisher session: header, then reply subject, then the default session
func (t *NATSTransport) sessionKey(header nats.Header, reply string) string {
	if header != nil {
		if v := header.Get(t.header); v != "" {
			return v
		}
	}
	if reply != "" {
		return reply
	}
	return defaultSession
}

// Unsubscribe stops delivering frames to the subscription
func (t *NATSTransport) Unsubscribe(registrationID int64) error {
	t.mu.Lock()
	unsubscribe, ok := t.subs[registrationID]
	delete(t.subs, registrationID)
	t.mu.Unlock()

	t.routes.remove(registrationID)
	if !ok {
		return nil
	}
	return unsubscribe()
}

// Close unsubscribes everything and closes the connection
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[int64]func() error)
	t.mu.Unlock()

	for registrationID, unsubscribe := range subs {
		if err := unsubscribe(); err != nil {
			log.Warn().Err(err).Int64("registration_id", registrationID).Msg("Failed to unsubscribe")
		}
	}
	t.routes.stop()

	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}

// natsSubject maps a channel endpoint onto a NATS subject. "**" is accepted
// as a spelling of the ">" tail wildcard.
func natsSubject(endpoint string) string {
	if endpoint == "**" {
		return ">"
	}
	if len(endpoint) > 3 && endpoint[len(endpoint)-3:] == ".**" {
		return endpoint[:len(endpoint)-2] + ">"
	}
	return endpoint
}
