package live

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker stands in for the paho client. Connect runs the OnConnect
// handler synchronously.
type fakeBroker struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	handlers     map[string]mqtt.MessageHandler
	subscribed   []string
	subscribeErr error
	disconnected bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) IsConnected() bool      { return true }
func (b *fakeBroker) IsConnectionOpen() bool { return true }

func (b *fakeBroker) Connect() mqtt.Token {
	b.reconnect()
	return &fakeToken{}
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}

func (b *fakeBroker) Publish(string, byte, bool, interface{}) mqtt.Token {
	return &fakeToken{}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return &fakeToken{err: b.subscribeErr}
	}
	b.handlers[topic] = callback
	b.subscribed = append(b.subscribed, topic)
	return &fakeToken{}
}

func (b *fakeBroker) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (b *fakeBroker) Unsubscribe(...string) mqtt.Token { return &fakeToken{} }

func (b *fakeBroker) AddRoute(string, mqtt.MessageHandler) {}

func (b *fakeBroker) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (b *fakeBroker) reconnect() {
	b.mu.Lock()
	onConnect := b.opts.OnConnect
	b.mu.Unlock()
	if onConnect != nil {
		onConnect(b)
	}
}

func (b *fakeBroker) lose(err error) {
	b.mu.Lock()
	onLost := b.opts.OnConnectionLost
	b.mu.Unlock()
	if onLost != nil {
		onLost(b, err)
	}
}

func (b *fakeBroker) publish(topic, payload string) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(b, &fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func (b *fakeBroker) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

type envelopeSink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (s *envelopeSink) deliver(env Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *envelopeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.envs))
	for i, e := range s.envs {
		out[i] = e.Type
	}
	return out
}

func newBrokerTransport(t *testing.T) (*MQTTTransport, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	m := NewMQTTTransport(MQTTOptions{BrokerURL: "tcp://broker:1883", TopicPrefix: "ops"}, zerolog.Nop())
	m.newClient = func(o *mqtt.ClientOptions) mqtt.Client {
		broker.mu.Lock()
		broker.opts = o
		broker.mu.Unlock()
		return broker
	}
	return m, broker
}

func startBrokerTransport(t *testing.T, m *MQTTTransport, deliver func(Envelope)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.Start(ctx, deliver))
}

func mustEnvelope(t *testing.T, msgType string, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func TestMQTTTransport_Topics(t *testing.T) {
	m := NewMQTTTransport(MQTTOptions{BrokerURL: "tcp://localhost:1883"}, zerolog.Nop())
	assert.Equal(t, "fleet/organizations/org-1/drivers", m.OrganizationDriversTopic("org-1"))
	assert.Equal(t, "fleet/organizations/org-1/transmissions", m.OrganizationTransmissionsTopic("org-1"))
	assert.Equal(t, "fleet/routes/r1/drivers", m.RouteDriversTopic("r1"))
	assert.ErrorIs(t, m.Send(Envelope{Type: MessageAuthenticate}), ErrNotConnected)
	assert.True(t, strings.HasPrefix(m.opts.ClientID, "fleetwatch-"))
}

func TestMQTTTransport_SendSubscribes(t *testing.T) {
	m, broker := newBrokerTransport(t)
	sink := &envelopeSink{}
	startBrokerTransport(t, m, sink.deliver)
	assert.Equal(t, []string{string(EventConnected)}, sink.types())

	require.NoError(t, m.Send(mustEnvelope(t, MessageAuthenticate, AuthenticatePayload{UserID: "u1", OrganizationID: "org-1"})))
	assert.Equal(t, []string{
		"ops/organizations/org-1/drivers",
		"ops/organizations/org-1/transmissions",
	}, broker.topics())

	require.NoError(t, m.Send(mustEnvelope(t, MessageJoinRoute, JoinRoutePayload{RouteID: "r7"})))
	assert.Equal(t, "ops/routes/r7/drivers", broker.topics()[2])

	assert.Error(t, m.Send(mustEnvelope(t, MessageAuthenticate, AuthenticatePayload{UserID: "u1"})))
	assert.ErrorIs(t, m.Send(Envelope{Type: "ping"}), ErrUnknownMessage)
	assert.Len(t, broker.topics(), 3)

	broker.mu.Lock()
	broker.subscribeErr = errors.New("not authorized")
	broker.mu.Unlock()
	err := m.Send(mustEnvelope(t, MessageJoinRoute, JoinRoutePayload{RouteID: "r8"}))
	assert.ErrorContains(t, err, "ops/routes/r8/drivers")
	assert.ErrorContains(t, err, "not authorized")

	assert.Error(t, m.Start(context.Background(), sink.deliver))
}

func TestMQTTTransport_UntypedPayloadTakesTopicKind(t *testing.T) {
	m, broker := newBrokerTransport(t)
	sink := &envelopeSink{}
	startBrokerTransport(t, m, sink.deliver)
	require.NoError(t, m.Send(mustEnvelope(t, MessageAuthenticate, AuthenticatePayload{UserID: "u1", OrganizationID: "org-1"})))
	require.NoError(t, m.Send(mustEnvelope(t, MessageJoinRoute, JoinRoutePayload{RouteID: "r1"})))

	broker.publish("ops/organizations/org-1/drivers", `{"data":{"driverId":"d1","location":{"latitude":1,"longitude":2}}}`)
	broker.publish("ops/organizations/org-1/transmissions", `{"data":{"driverId":"d1","batteryLevel":40}}`)
	broker.publish("ops/routes/r1/drivers", `{"data":{"driverId":"d2","routeId":"r1","location":{"latitude":3,"longitude":4}}}`)
	// An explicit type wins over the topic
	broker.publish("ops/routes/r1/drivers", `{"type":"driver_transmission","data":{"driverId":"d2"}}`)
	broker.publish("ops/routes/r1/drivers", `not json`)

	assert.Equal(t, []string{
		string(EventConnected),
		string(EventOrganizationDriverUpdate),
		string(EventDriverTransmission),
		string(EventRouteDriverUpdate),
		string(EventDriverTransmission),
	}, sink.types())

	sink.mu.Lock()
	env := sink.envs[3]
	sink.mu.Unlock()
	ev, err := DecodeEvent(env, time.Now())
	require.NoError(t, err)
	require.NotNil(t, ev.Position)
	assert.Equal(t, "d2", ev.Position.DriverID)
	assert.Equal(t, "r1", ev.Position.RouteID)
}

func TestMQTTTransport_ReconnectReplaysSession(t *testing.T) {
	m, broker := newBrokerTransport(t)
	ch := NewChannel(m, zerolog.Nop())

	var mu sync.Mutex
	connects := 0
	ch.On(EventConnected, func(Event) {
		mu.Lock()
		connects++
		mu.Unlock()
	})
	var positions []Event
	ch.On(EventRouteDriverUpdate, func(ev Event) {
		mu.Lock()
		positions = append(positions, ev)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, ch.Connect(ctx))
	require.NoError(t, ch.Authenticate("u1", "org-1"))
	require.NoError(t, ch.JoinRoute("r1"))

	want := []string{
		"ops/organizations/org-1/drivers",
		"ops/organizations/org-1/transmissions",
		"ops/routes/r1/drivers",
	}
	assert.Equal(t, want, broker.topics())

	// Joins while the broker is away are deferred, not failed
	broker.lose(errors.New("network down"))
	assert.ErrorIs(t, m.Send(mustEnvelope(t, MessageJoinRoute, JoinRoutePayload{RouteID: "r2"})), ErrNotConnected)
	require.NoError(t, ch.JoinRoute("r2"))
	assert.Len(t, broker.topics(), 3)

	broker.reconnect()
	replayed := broker.topics()[len(want):]
	assert.Equal(t, []string{
		"ops/organizations/org-1/drivers",
		"ops/organizations/org-1/transmissions",
		"ops/routes/r1/drivers",
		"ops/routes/r2/drivers",
	}, replayed)

	broker.publish("ops/routes/r2/drivers", `{"data":{"driverId":"d5","routeId":"r2","location":{"latitude":5,"longitude":6}}}`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, connects)
	require.Len(t, positions, 1)
	assert.Equal(t, "d5", positions[0].Position.DriverID)

	require.NoError(t, ch.Disconnect())
	broker.mu.Lock()
	assert.True(t, broker.disconnected)
	broker.mu.Unlock()
}

func TestMQTTTransport_OptionsDefaults(t *testing.T) {
	m := NewMQTTTransport(MQTTOptions{QoS: 2, MaxReconnect: time.Millisecond}, zerolog.Nop())
	assert.Equal(t, byte(1), m.opts.QoS)
	assert.Equal(t, time.Second, m.opts.MinReconnect)
	assert.Equal(t, 30*time.Second, m.opts.MaxReconnect)
	assert.Equal(t, "fleet", m.opts.TopicPrefix)
}
