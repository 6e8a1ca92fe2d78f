package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("live channel not connected")
	ErrClosed       = errors.New("live channel closed")
)

// Transport moves envelopes over a concrete connection (websocket, mqtt).
// Implementations call deliver for every inbound envelope and deliver an
// EventConnected envelope after each successful (re)connect.
type Transport interface {
	Start(ctx context.Context, deliver func(Envelope)) error
	Send(env Envelope) error
	Close() error
}

// Handler receives decoded events. Handlers run on the transport's read
// goroutine, in arrival order.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	kind EventKind
	id   uint64
}

// Channel is the session-level push connection: it remembers the
// authentication and joined routes and replays them after reconnects.
type Channel struct {
	transport Transport
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	handlers  map[EventKind]map[uint64]Handler
	nextID    uint64
	started   bool
	closed    bool
	auth      *AuthenticatePayload
	joined    map[string]struct{}
	joinOrder []string
}

func NewChannel(transport Transport, log zerolog.Logger) *Channel {
	return &Channel{
		transport: transport,
		log:       log.With().Str("component", "live").Logger(),
		now:       time.Now,
		handlers:  make(map[EventKind]map[uint64]Handler),
		joined:    make(map[string]struct{}),
	}
}

// Connect starts the transport. Calling it again is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.transport.Start(ctx, c.deliver); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// Authenticate identifies the session. When the transport is down the
// message is sent on the next connect.
func (c *Channel) Authenticate(userID, organizationID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.auth = &AuthenticatePayload{UserID: userID, OrganizationID: organizationID}
	auth := *c.auth
	c.mu.Unlock()

	return c.send(MessageAuthenticate, auth)
}

// JoinRoute subscribes to route-scoped updates. Joining a route twice
// sends nothing the second time.
func (c *Channel) JoinRoute(routeID string) error {
	if routeID == "" {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.joined[routeID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.joined[routeID] = struct{}{}
	c.joinOrder = append(c.joinOrder, routeID)
	c.mu.Unlock()

	return c.send(MessageJoinRoute, JoinRoutePayload{RouteID: routeID})
}

// Joined lists joined routes in join order.
func (c *Channel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joinOrder...)
}

func (c *Channel) On(kind EventKind, h Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[uint64]Handler)
	}
	c.handlers[kind][c.nextID] = h
	return Subscription{kind: kind, id: c.nextID}
}

func (c *Channel) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[sub.kind], sub.id)
}

// Disconnect drops every handler and closes the transport. The channel
// can't be reused afterwards.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[EventKind]map[uint64]Handler)
	c.mu.Unlock()

	return c.transport.Close()
}

func (c *Channel) send(msgType string, payload any) error {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	err = c.transport.Send(env)
	if errors.Is(err, ErrNotConnected) {
		c.log.Debug().Str("type", msgType).Msg("transport down, message deferred to reconnect")
		return nil
	}
	return err
}

func (c *Channel) replay() {
	c.mu.Lock()
	var auth *AuthenticatePayload
	if c.auth != nil {
		a := *c.auth
		auth = &a
	}
	routes := append([]string(nil), c.joinOrder...)
	c.mu.Unlock()

	if auth != nil {
		if err := c.send(MessageAuthenticate, *auth); err != nil {
			c.log.Warn().Err(err).Msg("replaying authenticate failed")
		}
	}
	for _, id := range routes {
		if err := c.send(MessageJoinRoute, JoinRoutePayload{RouteID: id}); err != nil {
			c.log.Warn().Err(err).Str("route_id", id).Msg("replaying join_route failed")
		}
	}
	if auth != nil || len(routes) > 0 {
		c.log.Info().Int("routes", len(routes)).Msg("session replayed after connect")
	}
}

func (c *Channel) deliver(env Envelope) {
	if EventKind(env.Type) == EventConnected {
		c.replay()
	}

	ev, err := DecodeEvent(env, c.now())
	if err != nil {
		if errors.Is(err, ErrUnknownMessage) {
			c.log.Debug().Str("type", env.Type).Msg("ignoring message")
		} else {
			c.log.Warn().Err(err).Msg("dropping message")
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	hs := make([]Handler, 0, len(c.handlers[ev.Kind]))
	for _, h := range c.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}
