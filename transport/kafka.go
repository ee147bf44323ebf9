package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/fanin/channel"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	// SchemeKafka is the channel scheme served by the Kafka transport
	SchemeKafka = "kafka"

	kafkaRetryInitial = 100 * time.Millisecond
	kafkaRetryMax     = 5 * time.Second
)

func init() {
	Register(SchemeKafka, func(opts Options) (Transport, error) {
		return NewKafkaTransport(opts), nil
	})
}

// MessageReader is the part of *kafka.Reader the transport consumes
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReaderFactory opens a reader for a topic
type ReaderFactory func(config kafka.ReaderConfig) MessageReader

type kafkaConsumer struct {
	reader MessageReader
	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaTransport reads topics with kafka-go. Each partition of a topic is
// one session and therefore one image.
type KafkaTransport struct {
	opts      Options
	routes    *routes
	newReader ReaderFactory

	mu        sync.Mutex
	consumers map[int64]*kafkaConsumer
	stopping  sync.WaitGroup
}

// NewKafkaTransport creates a Kafka transport. Readers are opened per subscription.
func NewKafkaTransport(opts Options) *KafkaTransport {
	return newKafkaTransport(opts, func(config kafka.ReaderConfig) MessageReader {
		return kafka.NewReader(config)
	})
}

func newKafkaTransport(opts Options, newReader ReaderFactory) *KafkaTransport {
	opts.applyDefaults()
	return &KafkaTransport{
		opts:      opts,
		routes:    newRoutes(SchemeKafka, opts),
		newReader: newReader,
		consumers: make(map[int64]*kafkaConsumer),
	}
}

// readerConfig resolves brokers and group from the channel, falling back to configuration
func (t *KafkaTransport) readerConfig(uri *channel.URI) (kafka.ReaderConfig, error) {
	if uri.IsPattern() {
		return kafka.ReaderConfig{}, fmt.Errorf("kafka topic cannot be a pattern: %s", uri.Endpoint())
	}

	brokers := uri.ParamList("brokers")
	if len(brokers) == 0 {
		brokers = t.opts.Kafka.Brokers
	}
	if len(brokers) == 0 {
		return kafka.ReaderConfig{}, fmt.Errorf("kafka transport requires at least one broker address")
	}

	config := kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  uri.Param("group", t.opts.Kafka.GroupID),
		Topic:    uri.Endpoint(),
		MinBytes: t.opts.Kafka.MinBytes,
		MaxBytes: t.opts.Kafka.MaxBytes,
	}
	if config.MinBytes <= 0 {
		config.MinBytes = 1
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 10 << 20 // 10MB
	}
	return config, nil
}

// Subscribe opens a reader for the topic and starts its consume loop
func (t *KafkaTransport) Subscribe(registrationID int64, uri *channel.URI, streamID int32) error {
	config, err := t.readerConfig(uri)
	if err != nil {
		return err
	}

	route := t.routes.add(registrationID, streamID)
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &kafkaConsumer{
		reader: t.newReader(config),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.consumers[registrationID] = consumer
	t.mu.Unlock()

	log.Info().
		Int64("registration_id", registrationID).
		Str("topic", config.Topic).
		Strs("brokers", config.Brokers).
		Str("group", config.GroupID).
		Msg("Kafka subscription started")

	go t.consumeLoop(ctx, route, consumer)
	return nil
}

func (t *KafkaTransport) consumeLoop(ctx context.Context, route *Route, consumer *kafkaConsumer) {
	defer close(consumer.done)

	delay := kafkaRetryInitial
	for {
		msg, err := consumer.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}

			log.Warn().
				Err(err).
				Int64("registration_id", route.RegistrationID()).
				Dur("retry_delay", delay).
				Msg("Failed to read from Kafka, retrying")

			if !sleepCtx(ctx, delay) {
				return
			}
			delay *= 2
			if delay > kafkaRetryMax {
				delay = kafkaRetryMax
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}
		delay = kafkaRetryInitial
		t.handle(route, msg)
	}
}

func (t *KafkaTransport) handle(route *Route, msg kafka.Message) {
	sessionKey := msg.Topic + "/" + strconv.Itoa(msg.Partition)
	if err := route.Deliver(sessionKey, SchemeKafka+":"+msg.Topic, msg.Value, time.Now()); err != nil {
		log.Debug().
			Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Dropped Kafka frame")
	}
}

// Unsubscribe cancels the subscription's reader without waiting for its
// consume loop, which may itself be waiting on the caller. The reader is
// closed once the loop exits.
func (t *KafkaTransport) Unsubscribe(registrationID int64) error {
	t.mu.Lock()
	consumer, ok := t.consumers[registrationID]
	delete(t.consumers, registrationID)
	if ok {
		t.stopping.Add(1)
	}
	t.mu.Unlock()

	t.routes.remove(registrationID)
	if !ok {
		return nil
	}

	consumer.cancel()
	go func() {
		defer t.stopping.Done()
		if err := stopConsumer(consumer); err != nil {
			log.Warn().Err(err).Int64("registration_id", registrationID).Msg("Failed to close Kafka reader")
		}
	}()
	return nil
}

// Close stops every reader and waits for them. Call it after the listener
// has stopped accepting images.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	consumers := t.consumers
	t.consumers = make(map[int64]*kafkaConsumer)
	t.mu.Unlock()

	t.routes.stop()

	var errs []error
	for _, consumer := range consumers {
		consumer.cancel()
	}
	for _, consumer := range consumers {
		if err := stopConsumer(consumer); err != nil {
			errs = append(errs, err)
		}
	}
	t.stopping.Wait()
	return errors.Join(errs...)
}

func stopConsumer(consumer *kafkaConsumer) error {
	<-consumer.done
	return consumer.reader.Close()
}

// sleepCtx sleeps for d. Returns false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
