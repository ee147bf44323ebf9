package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/fanin/cfg"
	"github.com/maxpert/fanin/channel"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	schemes := Schemes()
	assert.Contains(t, schemes, SchemeNATS)
	assert.Contains(t, schemes, SchemeKafka)

	_, err := New("carrier-pigeon", Options{Listener: &fakeListener{}})
	require.Error(t, err)

	_, err = New(SchemeKafka, Options{})
	require.Error(t, err, "listener is required")

	tr, err := New(SchemeKafka, Options{Listener: &fakeListener{}})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
}

func TestOptionsFromConfig(t *testing.T) {
	l := &fakeListener{}
	opts := OptionsFromConfig(l)

	assert.Same(t, l, opts.Listener)
	assert.Equal(t, cfg.Config.Subscriber.ImageRingSlots, opts.RingSlots)
	assert.Equal(t, time.Duration(cfg.Config.Conductor.ImageLivenessTimeoutMS)*time.Millisecond, opts.LivenessTimeout)
	assert.Equal(t, cfg.Config.NATS.URL, opts.NATS.URL)
}

func TestNATS_SessionKey(t *testing.T) {
	tr := newNATSTransport(nil, nil, Options{Listener: &fakeListener{}})
	defer tr.Close()

	header := nats.Header{}
	header.Set("Fanin-Session", "publisher-1")

	assert.Equal(t, "publisher-1", tr.sessionKey(header, "_INBOX.abc"))
	assert.Equal(t, "_INBOX.abc", tr.sessionKey(nats.Header{}, "_INBOX.abc"))
	assert.Equal(t, "default", tr.sessionKey(nil, ""))
}

func TestNATS_CustomSessionHeader(t *testing.T) {
	opts := Options{Listener: &fakeListener{}}
	opts.NATS.SessionHeader = "X-Source"
	tr := newNATSTransport(nil, nil, opts)
	defer tr.Close()

	header := nats.Header{}
	header.Set("X-Source", "edge-3")
	assert.Equal(t, "edge-3", tr.sessionKey(header, ""))
}

func TestNATS_HandleDeliversToRoute(t *testing.T) {
	l := &fakeListener{}
	tr := newNATSTransport(nil, nil, Options{Listener: l})
	defer tr.Close()

	route := tr.routes.add(1, 2)
	tr.handle(route, "prices.eu", "publisher-1", frame(t, 3, 2, "tick"))
	tr.handle(route, "prices.eu", "publisher-1", []byte("garbage"))

	images := l.images()
	require.Len(t, images, 1)
	assert.Equal(t, []string{"nats:prices.eu"}, l.sources)
	assert.Equal(t, []string{"tick"}, drain(images[0]))
}

func TestNATS_Subject(t *testing.T) {
	assert.Equal(t, "prices.eu", natsSubject("prices.eu"))
	assert.Equal(t, "prices.*", natsSubject("prices.*"))
	assert.Equal(t, "prices.>", natsSubject("prices.**"))
	assert.Equal(t, ">", natsSubject("**"))
}

func TestNATS_UnsubscribeUnknown(t *testing.T) {
	tr := newNATSTransport(nil, nil, Options{Listener: &fakeListener{}})
	defer tr.Close()
	require.NoError(t, tr.Unsubscribe(99))
}

// fakeReader serves messages pushed on a channel
type fakeReader struct {
	config   kafka.ReaderConfig
	messages chan kafka.Message
	errs     chan error

	mu     sync.Mutex
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case err := <-r.errs:
		return kafka.Message{}, err
	case msg := <-r.messages:
		return msg, nil
	}
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func newFakeKafka(t *testing.T, opts Options) (*KafkaTransport, chan *fakeReader) {
	t.Helper()
	readers := make(chan *fakeReader, 4)
	tr := newKafkaTransport(opts, func(config kafka.ReaderConfig) MessageReader {
		r := &fakeReader{
			config:   config,
			messages: make(chan kafka.Message, 16),
			errs:     make(chan error, 1),
		}
		readers <- r
		return r
	})
	t.Cleanup(func() { _ = tr.Close() })
	return tr, readers
}

func TestKafka_ReaderConfig(t *testing.T) {
	opts := Options{Listener: &fakeListener{}}
	opts.Kafka = cfg.KafkaConfiguration{Brokers: []string{"cfg:9092"}, GroupID: "fanin"}
	tr, _ := newFakeKafka(t, opts)

	uri, err := channel.Parse("kafka:orders")
	require.NoError(t, err)
	config, err := tr.readerConfig(uri)
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg:9092"}, config.Brokers)
	assert.Equal(t, "fanin", config.GroupID)
	assert.Equal(t, "orders", config.Topic)
	assert.Equal(t, 1, config.MinBytes)
	assert.Equal(t, 10<<20, config.MaxBytes)

	uri, err = channel.Parse("kafka:orders?brokers=a:9092,b:9092&group=billing")
	require.NoError(t, err)
	config, err = tr.readerConfig(uri)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, config.Brokers)
	assert.Equal(t, "billing", config.GroupID)
}

func TestKafka_ReaderConfigErrors(t *testing.T) {
	tr, _ := newFakeKafka(t, Options{Listener: &fakeListener{}})

	uri, err := channel.Parse("kafka:orders")
	require.NoError(t, err)
	_, err = tr.readerConfig(uri)
	require.Error(t, err, "no brokers")

	uri, err = channel.Parse("kafka:orders.*?brokers=a:9092")
	require.NoError(t, err)
	_, err = tr.readerConfig(uri)
	require.Error(t, err, "patterns are not topics")
}

func TestKafka_PartitionsBecomeImages(t *testing.T) {
	l := &fakeListener{}
	tr, readers := newFakeKafka(t, Options{Listener: l})

	uri, err := channel.Parse("kafka:orders?brokers=a:9092")
	require.NoError(t, err)
	require.NoError(t, tr.Subscribe(1, uri, 4))
	reader := <-readers

	reader.messages <- kafka.Message{Topic: "orders", Partition: 0, Value: frame(t, 0, 4, "p0-a")}
	reader.messages <- kafka.Message{Topic: "orders", Partition: 1, Value: frame(t, 0, 4, "p1-a")}
	reader.messages <- kafka.Message{Topic: "orders", Partition: 0, Value: frame(t, 0, 4, "p0-b")}

	require.Eventually(t, func() bool {
		images := l.images()
		return len(images) == 2 && images[0].(interface{ Len() int }).Len() == 2
	}, 2*time.Second, 5*time.Millisecond)

	images := l.images()
	assert.Equal(t, "orders/0", images[0].SourceIdentity())
	assert.Equal(t, "orders/1", images[1].SourceIdentity())
	assert.Equal(t, []string{"p0-a", "p0-b"}, drain(images[0]))
	assert.Equal(t, []string{"p1-a"}, drain(images[1]))
	assert.Equal(t, []string{"kafka:orders", "kafka:orders"}, l.sources)

	require.NoError(t, tr.Unsubscribe(1))
	require.Eventually(t, reader.isClosed, 2*time.Second, 5*time.Millisecond)
}

func TestKafka_RetriesReadErrors(t *testing.T) {
	l := &fakeListener{}
	tr, readers := newFakeKafka(t, Options{Listener: l})

	uri, err := channel.Parse("kafka:orders?brokers=a:9092")
	require.NoError(t, err)
	require.NoError(t, tr.Subscribe(1, uri, 0))
	reader := <-readers

	reader.errs <- errors.New("broker unavailable")
	reader.messages <- kafka.Message{Topic: "orders", Partition: 0, Value: frame(t, 0, 0, "after retry")}

	require.Eventually(t, func() bool { return len(l.images()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestKafka_CloseStopsReaders(t *testing.T) {
	tr, readers := newFakeKafka(t, Options{Listener: &fakeListener{}})

	for i := int64(1); i <= 2; i++ {
		uri, err := channel.Parse("kafka:orders?brokers=a:9092")
		require.NoError(t, err)
		require.NoError(t, tr.Subscribe(i, uri, 0))
	}
	a, b := <-readers, <-readers

	require.NoError(t, tr.Close())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}
