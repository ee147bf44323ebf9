package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// sessionHeader names the publisher session on NATS messages
const sessionHeader = "Fanin-Session"

// Sink publishes encoded frames for one session
type Sink interface {
	Publish(ctx context.Context, session string, frame []byte) error
	Close() error
}

// NatsSink publishes frames on a core NATS subject
type NatsSink struct {
	nc      *nats.Conn
	subject string
}

// NewNatsSink connects to NATS
func NewNatsSink(url, subject string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("pika"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsSink{nc: nc, subject: subject}, nil
}

func (n *NatsSink) Publish(_ context.Context, session string, frame []byte) error {
	msg := &nats.Msg{
		Subject: n.subject,
		Data:    frame,
		Header:  nats.Header{sessionHeader: []string{session}},
	}
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (n *NatsSink) Close() error {
	if n.nc == nil {
		return nil
	}
	err := n.nc.Flush()
	n.nc.Close()
	return err
}

// KafkaSink writes frames to a topic. The session is the message key, so a
// session's frames stay on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a synchronous writer
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchSize:              100,
		BatchBytes:             1 << 20, // 1MB
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer}, nil
}

func (k *KafkaSink) Publish(ctx context.Context, session string, frame []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(session),
		Value: frame,
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func newSink(cfg *Config) (Sink, error) {
	uri := cfg.URI()
	switch uri.Scheme() {
	case "nats":
		return NewNatsSink(cfg.NATSURL, uri.Endpoint())
	case "kafka":
		return NewKafkaSink(cfg.BrokerList(), uri.Endpoint())
	}
	return nil, fmt.Errorf("unsupported scheme: %s", uri.Scheme())
}
