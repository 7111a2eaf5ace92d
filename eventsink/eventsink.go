// Package eventsink mirrors host events to a Kafka topic, keyed by event type.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/segmentio/kafka-go"

	"github.com/fornellas/printhost/events"
)

// Writer is implemented by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer for topic on the given brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
	}
}

// Sink writes events from the bus to a Writer.
type Sink struct {
	bus     *events.Bus
	writer  Writer
	eventCh <-chan events.Event
}

const streamName = "eventsink"

// New creates a sink receiving every event fired from now on.
func New(bus *events.Bus, writer Writer) *Sink {
	return &Sink{
		bus:     bus,
		writer:  writer,
		eventCh: bus.Stream(streamName, 1024),
	}
}

func Message(event events.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("eventsink: %s: %w", event.Type, err)
	}
	return kafka.Message{
		Key:   []byte(event.Type),
		Value: value,
		Time:  event.Time,
	}, nil
}

// Worker writes events until ctx is done or the bus stops, then closes the writer. Failed writes
// are logged and the event is dropped.
func (s *Sink) Worker(ctx context.Context) (err error) {
	ctx, logger := log.MustWithGroup(ctx, "Event Sink")
	defer s.bus.Unstream(streamName)
	defer func() {
		if closeErr := s.writer.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("eventsink: close: %w", closeErr))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case event, ok := <-s.eventCh:
			if !ok {
				return nil
			}
			msg, err := Message(event)
			if err != nil {
				logger.Error("Failed to encode event", "err", err)
				continue
			}
			if err := s.writer.WriteMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					continue
				}
				logger.Warn("Failed to write event", "type", event.Type, "err", err)
			}
		}
	}
}
