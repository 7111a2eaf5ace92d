package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/fornellas/printhost/events"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	fail     bool
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		w.fail = false
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message{}, w.messages...)
}

func TestSink(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus()
	writer := &recordingWriter{fail: true}
	sink := New(bus, writer)

	busDone := make(chan error, 1)
	go func() { busDone <- bus.Worker(ctx) }()
	sinkDone := make(chan error, 1)
	go func() { sinkDone <- sink.Worker(ctx) }()

	bus.Fire(events.Connected, nil)
	bus.Fire(events.PrintStarted, events.Payload{events.KeyFile: "cube.gcode"})
	bus.Fire(events.PrintDone, events.Payload{events.KeyFile: "cube.gcode"})

	require.Eventually(t, func() bool { return len(writer.Messages()) == 2 }, 5*time.Second, 10*time.Millisecond)
	messages := writer.Messages()
	require.Equal(t, string(events.PrintStarted), string(messages[0].Key))
	require.Equal(t, string(events.PrintDone), string(messages[1].Key))

	var event events.Event
	require.NoError(t, json.Unmarshal(messages[0].Value, &event))
	require.Equal(t, events.PrintStarted, event.Type)
	require.Equal(t, "cube.gcode", event.Payload[events.KeyFile])

	cancel()
	require.NoError(t, <-sinkDone)
	require.NoError(t, <-busDone)
	require.True(t, writer.closed)
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "printhost-events")
	require.Equal(t, "printhost-events", w.Topic)
	require.Equal(t, "localhost:9092", w.Addr.String())
	require.NoError(t, w.Close())
}
