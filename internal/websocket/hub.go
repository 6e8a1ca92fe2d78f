package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"fleetwatch/internal/live"
	"fleetwatch/internal/tracking"
)

// Outbound message types.
const (
	MessageDrivers   = "drivers"
	MessageFitBounds = "fit_bounds"
	MessageStatus    = "status"
	MessagePong      = "pong"
)

// Session is the part of the tracker the hub serves to viewers.
type Session interface {
	Markers() []tracking.Marker
	Status() tracking.SessionStatus
	MapReady()
	SelectDriver(driverID string)
	Subscribe(l tracking.Listener) func()
}

// Hub maintains active viewer connections and fans tracker changes out to them
type Hub struct {
	session Session

	// Registered clients (client id -> Client)
	clients map[string]*Client

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// Mutex for thread-safe client map access
	mu  sync.RWMutex
	log zerolog.Logger
}

func NewHub(session Session, log zerolog.Logger) *Hub {
	return &Hub{
		session:    session,
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.session.Subscribe(h.onChange)
	defer func() {
		unsubscribe()
		close(h.done)
		h.mu.Lock()
		for id, c := range h.clients {
			close(c.send)
			delete(h.clients, id)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.greet(client)
			h.log.Info().
				Str("client_id", client.ID).
				Str("user_id", client.UserID).
				Int("clients", total).
				Msg("✅ viewer connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info().
					Str("client_id", client.ID).
					Int("clients", len(h.clients)).
					Msg("🔴 viewer disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client buffer full, disconnect
					close(client.send)
					delete(h.clients, id)
					h.log.Warn().Str("client_id", id).Msg("⚠️ viewer buffer full, disconnecting")
				}
			}
			h.mu.Unlock()
		}
	}
}

// greet sends a new viewer the current drivers and, once centered, the
// recorded bounds.
func (h *Hub) greet(c *Client) {
	if data, err := encode(MessageDrivers, h.session.Markers()); err == nil {
		c.send <- data
	}
	st := h.session.Status()
	if st.Bounds != nil {
		if data, err := encode(MessageFitBounds, st.Bounds); err == nil {
			c.send <- data
		}
	}
	if data, err := encode(MessageStatus, st); err == nil {
		c.send <- data
	}
}

func (h *Hub) onChange(c tracking.Change) {
	switch c.Kind {
	case tracking.ChangeFitBounds:
		if c.Bounds != nil {
			h.Broadcast(MessageFitBounds, c.Bounds)
		}
	case tracking.ChangeChannel, tracking.ChangeError:
		h.Broadcast(MessageStatus, h.session.Status())
	case tracking.ChangeScope, tracking.ChangeSnapshot:
		h.Broadcast(MessageDrivers, h.session.Markers())
		h.Broadcast(MessageStatus, h.session.Status())
	default:
		h.Broadcast(MessageDrivers, h.session.Markers())
	}
}

// Broadcast sends a typed message to every connected viewer.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	payload, err := encode(msgType, data)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("❌ failed to marshal broadcast message")
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// reply queues data for one client if the hub still holds it.
func (h *Hub) reply(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(msgType string, data interface{}) ([]byte, error) {
	env, err := live.NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
