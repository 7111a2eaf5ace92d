// Package push streams host events to websocket clients. Clients attaching and detaching are
// reported as ClientOpened and ClientClosed events, which drive the printer connection.
package push

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/gorilla/websocket"

	"github.com/fornellas/printhost/events"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	readLimit      = 64 * 1024
	streamName     = "push"
)

type MessageType string

const (
	MessageTypeEvent   MessageType = "event"
	MessageTypeCurrent MessageType = "current"
)

// Message is the JSON document sent to clients.
type Message struct {
	Type    MessageType   `json:"type"`
	Event   *events.Event `json:"event,omitempty"`
	Current any           `json:"current,omitempty"`
}

type Options struct {
	// Current returns a snapshot of the host state, sent to clients on attach and at every
	// CurrentInterval.
	Current         func() any
	CurrentInterval time.Duration
}

type client struct {
	id     uint64
	conn   *websocket.Conn
	sendCh chan Message
	once   sync.Once
	done   chan struct{}
}

func (c *client) send(logger *slog.Logger, msg Message) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		logger.Warn("Dropping message, client send buffer full", "client", c.id)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub is an http.Handler upgrading requests to websockets.
type Hub struct {
	logger   *slog.Logger
	bus      *events.Bus
	eventCh  <-chan events.Event
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64
}

func NewHub(ctx context.Context, bus *events.Bus, opts Options) *Hub {
	if opts.CurrentInterval == 0 {
		opts.CurrentInterval = time.Second
	}
	_, logger := log.MustWithGroup(ctx, "Push")
	return &Hub{
		logger:  logger,
		bus:     bus,
		eventCh: bus.Stream(streamName, 256),
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[uint64]*client{},
	}
}

// Clients returns the number of attached clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.send(h.logger, msg)
	}
}

func (h *Hub) current() (Message, bool) {
	if h.opts.Current == nil {
		return Message{}, false
	}
	return Message{Type: MessageTypeCurrent, Current: h.opts.Current()}, true
}

func (h *Hub) readPump(c *client, logger *slog.Logger) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("Read failed", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Warn("Write failed", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", "remoteAddress", r.RemoteAddr, "err", err)
		return
	}

	h.mu.Lock()
	h.nextID++
	c := &client{
		id:     h.nextID,
		conn:   conn,
		sendCh: make(chan Message, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	logger := h.logger.With("client", c.id, "remoteAddress", r.RemoteAddr)
	logger.Info("Client attached")
	h.bus.Fire(events.ClientOpened, events.Payload{events.KeyRemoteAddress: r.RemoteAddr})

	if msg, ok := h.current(); ok {
		c.send(logger, msg)
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		h.writePump(c, logger)
	}()
	h.readPump(c, logger)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	<-writeDone

	logger.Info("Client detached")
	h.bus.Fire(events.ClientClosed, events.Payload{events.KeyRemoteAddress: r.RemoteAddr})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}

// Worker forwards bus events, fired since NewHub was called, and periodic snapshots to all
// clients until ctx is done, when all clients are disconnected.
func (h *Hub) Worker(ctx context.Context) (err error) {
	defer h.bus.Unstream(streamName)
	defer h.closeAll()

	ticker := time.NewTicker(h.opts.CurrentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case event, ok := <-h.eventCh:
			if !ok {
				return nil
			}
			h.broadcast(Message{Type: MessageTypeEvent, Event: &event})
		case <-ticker.C:
			if msg, ok := h.current(); ok {
				h.broadcast(msg)
			}
		}
	}
}
