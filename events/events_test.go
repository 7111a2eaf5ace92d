package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T) *Bus {
	ctx := log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(ctx)
	bus := NewBus()
	errCh := make(chan error, 1)
	go func() { errCh <- bus.Worker(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return bus
}

func TestBusHandlers(t *testing.T) {
	bus := startBus(t)

	var mu sync.Mutex
	var got []string
	unsubscribe := bus.Subscribe(PrintStarted, func(ctx context.Context, event Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event.Payload[KeyFilename].(string))
	})
	bus.Subscribe(PrintDone, func(ctx context.Context, event Event) {
		panic("handler failure must not stop delivery")
	})

	bus.Fire(PrintStarted, Payload{KeyFilename: "a.gcode"})
	bus.Fire(PrintDone, nil)
	bus.Fire(PrintStarted, Payload{KeyFilename: "b.gcode"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"a.gcode", "b.gcode"}, got)
	mu.Unlock()

	unsubscribe()
	stream := bus.Stream("test", 10)
	bus.Fire(PrintStarted, Payload{KeyFilename: "c.gcode"})
	event := <-stream
	require.Equal(t, PrintStarted, event.Type)
	mu.Lock()
	require.Len(t, got, 2)
	mu.Unlock()
}

func TestBusStreamOrder(t *testing.T) {
	bus := startBus(t)
	stream := bus.Stream("ordered", 100)

	types := []Type{ClientOpened, Connected, FileSelected, PrintStarted, PrintPaused, PrintResumed, PrintDone}
	for _, eventType := range types {
		bus.Fire(eventType, nil)
	}
	for _, eventType := range types {
		select {
		case event := <-stream:
			require.Equal(t, eventType, event.Type)
			require.NotEmpty(t, event.ID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}

	bus.Unstream("ordered")
	_, ok := <-stream
	require.False(t, ok)
}
