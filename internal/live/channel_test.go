package live

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	deliver   func(Envelope)
	connected bool
	sent      []Envelope
	closed    bool
}

func (f *fakeTransport) Start(_ context.Context, deliver func(Envelope)) error {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// connect simulates the transport coming up.
func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.connected = true
	deliver := f.deliver
	f.mu.Unlock()
	deliver(Envelope{Type: string(EventConnected)})
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) push(env Envelope) {
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	deliver(env)
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, e := range f.sent {
		out = append(out, e.Type)
	}
	return out
}

func TestChannel_ReplaysSessionAfterReconnect(t *testing.T) {
	tr := &fakeTransport{}
	ch := NewChannel(tr, zerolog.Nop())
	require.NoError(t, ch.Connect(context.Background()))

	// Issued before the transport is up: deferred, not failed
	require.NoError(t, ch.Authenticate("u1", "org-1"))
	require.NoError(t, ch.JoinRoute("r1"))
	assert.Empty(t, tr.types())

	tr.connect()
	assert.Equal(t, []string{MessageAuthenticate, MessageJoinRoute}, tr.types())

	tr.drop()
	tr.connect()
	assert.Equal(t, []string{MessageAuthenticate, MessageJoinRoute, MessageAuthenticate, MessageJoinRoute}, tr.types())

	var auth AuthenticatePayload
	require.NoError(t, json.Unmarshal(tr.sent[2].Data, &auth))
	assert.Equal(t, AuthenticatePayload{UserID: "u1", OrganizationID: "org-1"}, auth)
}

func TestChannel_JoinRouteIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	ch := NewChannel(tr, zerolog.Nop())
	require.NoError(t, ch.Connect(context.Background()))
	tr.connect()

	require.NoError(t, ch.JoinRoute("r1"))
	require.NoError(t, ch.JoinRoute("r1"))
	require.NoError(t, ch.JoinRoute("r2"))

	assert.Equal(t, []string{MessageJoinRoute, MessageJoinRoute}, tr.types())
	assert.Equal(t, []string{"r1", "r2"}, ch.Joined())
}

func TestChannel_DispatchAndOff(t *testing.T) {
	tr := &fakeTransport{}
	ch := NewChannel(tr, zerolog.Nop())
	require.NoError(t, ch.Connect(context.Background()))
	tr.connect()

	var got []string
	sub := ch.On(EventOrganizationDriverUpdate, func(ev Event) { got = append(got, ev.DriverID()) })

	msg := Envelope{
		Type: string(EventOrganizationDriverUpdate),
		Data: json.RawMessage(`{"driverId":"d1","location":{"latitude":1,"longitude":1}}`),
	}
	tr.push(msg)
	tr.push(Envelope{Type: "something_else"})
	ch.Off(sub)
	tr.push(msg)

	assert.Equal(t, []string{"d1"}, got)
}

func TestChannel_DisconnectDropsHandlers(t *testing.T) {
	tr := &fakeTransport{}
	ch := NewChannel(tr, zerolog.Nop())
	require.NoError(t, ch.Connect(context.Background()))
	tr.connect()

	calls := 0
	ch.On(EventDriverTransmission, func(Event) { calls++ })
	require.NoError(t, ch.Disconnect())

	tr.push(Envelope{Type: string(EventDriverTransmission), Data: json.RawMessage(`{"driverId":"d1"}`)})
	assert.Zero(t, calls)
	assert.True(t, tr.closed)

	assert.ErrorIs(t, ch.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, ch.JoinRoute("r1"), ErrClosed)
}
