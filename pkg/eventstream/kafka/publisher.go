// Package kafka publishes counsel events to a Kafka topic through a
// shared kafka-go writer.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/counselhq/counsel/pkg/eventstream"
)

// Options configures a Kafka publisher.
type Options struct {
	// Brokers is the list of bootstrap broker addresses.
	Brokers []string

	// Topic is the topic all events are written to.
	Topic string
}

// Publisher writes events to a Kafka topic, hash-partitioned by event key
// so one case's events stay in order.
type Publisher struct {
	writer *kafkago.Writer
}

// NewPublisher creates a Kafka-backed eventstream publisher. The writer
// dials lazily, so construction succeeds without a reachable broker.
func NewPublisher(o *Options) (*Publisher, error) {
	if o == nil {
		return nil, fmt.Errorf("nil options")
	}

	if len(o.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}

	if o.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(o.Brokers...),
		Topic:        o.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		// Events arrive one at a time; the default one-second batch
		// window would hold each publish open for the full window.
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Publisher{writer: writer}, nil
}

// Publish marshals the event and writes it keyed by Event.Key.
func (p *Publisher) Publish(ctx context.Context, event *eventstream.Event) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafkago.Message{
		Key:   []byte(event.Key()),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// Close flushes any buffered messages and releases the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
