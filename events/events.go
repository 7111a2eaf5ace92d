package events

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/google/uuid"

	"github.com/fornellas/printhost/broker"
	"github.com/fornellas/printhost/queue"
)

type Type string

const (
	ClientOpened             Type = "ClientOpened"
	ClientClosed             Type = "ClientClosed"
	Connected                Type = "Connected"
	Disconnected             Type = "Disconnected"
	Error                    Type = "Error"
	FileSelected             Type = "FileSelected"
	PrintStarted             Type = "PrintStarted"
	PrintPaused              Type = "PrintPaused"
	PrintResumed             Type = "PrintResumed"
	PrintCancelled           Type = "PrintCancelled"
	PrintCancelledDeleteFile Type = "PrintCancelledDeleteFile"
	PrintDone                Type = "PrintDone"
	PrintFailed              Type = "PrintFailed"
	PowerOff                 Type = "PowerOff"
	FirmwareUpdateAvailable  Type = "FirmwareUpdateAvailable"
	FirmwareUpdateStarted    Type = "FirmwareUpdateStarted"
	FirmwareUpdateFinished   Type = "FirmwareUpdateFinished"
)

// Payload keys.
const (
	KeyRemoteAddress = "remoteAddress"
	KeyFile          = "file"
	KeyFilename      = "filename"
	KeyOrigin        = "origin"
	KeyTime          = "time"
	KeyError         = "error"
	KeyVersion       = "version"
	KeyResult        = "result"
	KeyPort          = "port"
	KeyBaudrate      = "baudrate"
	KeyPrinterName   = "printerName"
)

// Payload is a flat key/value map attached to an event.
type Payload map[string]any

type Event struct {
	ID      uuid.UUID `json:"id"`
	Type    Type      `json:"type"`
	Payload Payload   `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s%v", e.Type, map[string]any(e.Payload))
}

// Handler processes an event. Handlers run on the bus worker goroutine, one at a time, in the
// order events were fired.
type Handler func(ctx context.Context, event Event)

// Bus delivers lifecycle events to handlers subscribed by type and to named streams that receive
// every event. Fire never blocks.
type Bus struct {
	queue  *queue.Queue[Event]
	broker *broker.Broker[Event]

	mu            sync.Mutex
	handlers      map[Type]map[uint64]Handler
	nextHandlerID uint64
}

func NewBus() *Bus {
	return &Bus{
		queue:    queue.New[Event](),
		broker:   broker.NewBroker[Event](),
		handlers: map[Type]map[uint64]Handler{},
	}
}

// Fire enqueues a new event for delivery and returns it.
func (b *Bus) Fire(eventType Type, payload Payload) Event {
	event := Event{
		ID:      uuid.New(),
		Type:    eventType,
		Payload: payload,
		Time:    time.Now(),
	}
	b.queue.Put(event)
	return event
}

// Subscribe registers a handler for the given event type. The returned function removes it.
func (b *Bus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextHandlerID
	b.nextHandlerID++
	if _, ok := b.handlers[eventType]; !ok {
		b.handlers[eventType] = map[uint64]Handler{}
	}
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Stream returns a channel receiving every event fired after the call. Events are dropped for
// a stream whose buffer is full.
func (b *Bus) Stream(name string, size int) <-chan Event {
	return b.broker.Subscribe(name, size)
}

// Unstream closes the named stream.
func (b *Bus) Unstream(name string) {
	b.broker.Unsubscribe(name)
}

func (b *Bus) handlersFor(eventType Type) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := make([]Handler, 0, len(b.handlers[eventType]))
	for _, id := range slices.Sorted(maps.Keys(b.handlers[eventType])) {
		handlers = append(handlers, b.handlers[eventType][id])
	}
	return handlers
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	logger := log.MustLogger(ctx)
	logger.Debug("Event", "type", event.Type, "payload", event.Payload)

	for _, handler := range b.handlersFor(event.Type) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Handler panic", "type", event.Type, "recovered", r, "stack", string(debug.Stack()))
				}
			}()
			handler(ctx, event)
		}()
	}

	if err := b.broker.Publish(event); err != nil && !errors.Is(err, broker.ErrNoSubscribers) {
		logger.Error("Failed to publish event", "err", err)
	}
}

// Worker delivers fired events until ctx is done. Streams are closed when it returns.
func (b *Bus) Worker(ctx context.Context) (err error) {
	ctx, _ = log.MustWithGroup(ctx, "Event Bus")
	defer b.broker.Close()
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case <-b.queue.Ready():
			for {
				event, ok := b.queue.TryGet()
				if !ok {
					break
				}
				b.dispatch(ctx, event)
			}
		}
	}
}
