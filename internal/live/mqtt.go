package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type MQTTOptions struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	TopicPrefix  string
	QoS          byte
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// MQTTTransport maps the session protocol onto broker topics:
// authenticate subscribes to the organization topics and join_route to
// the route topic. Payloads on every topic are JSON envelopes.
type MQTTTransport struct {
	opts      MQTTOptions
	log       zerolog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.Mutex
	client    mqtt.Client
	connected bool
	deliver   func(Envelope)
}

func NewMQTTTransport(opts MQTTOptions, log zerolog.Logger) *MQTTTransport {
	if opts.ClientID == "" {
		opts.ClientID = "fleetwatch-" + uuid.NewString()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "fleet"
	}
	if opts.QoS > 1 {
		opts.QoS = 1
	}
	if opts.MinReconnect <= 0 {
		opts.MinReconnect = time.Second
	}
	if opts.MaxReconnect < opts.MinReconnect {
		opts.MaxReconnect = 30 * time.Second
	}
	return &MQTTTransport{
		opts:      opts,
		log:       log.With().Str("transport", "mqtt").Logger(),
		newClient: mqtt.NewClient,
	}
}

func (m *MQTTTransport) OrganizationDriversTopic(orgID string) string {
	return fmt.Sprintf("%s/organizations/%s/drivers", m.opts.TopicPrefix, orgID)
}

func (m *MQTTTransport) OrganizationTransmissionsTopic(orgID string) string {
	return fmt.Sprintf("%s/organizations/%s/transmissions", m.opts.TopicPrefix, orgID)
}

func (m *MQTTTransport) RouteDriversTopic(routeID string) string {
	return fmt.Sprintf("%s/routes/%s/drivers", m.opts.TopicPrefix, routeID)
}

func (m *MQTTTransport) Start(ctx context.Context, deliver func(Envelope)) error {
	m.mu.Lock()
	if m.client != nil {
		m.mu.Unlock()
		return errors.New("mqtt transport already started")
	}
	m.deliver = deliver

	o := mqtt.NewClientOptions().
		AddBroker(m.opts.BrokerURL).
		SetClientID(m.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(m.opts.MinReconnect).
		SetMaxReconnectInterval(m.opts.MaxReconnect).
		SetOrderMatters(true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)
	if m.opts.Username != "" {
		o.SetUsername(m.opts.Username)
		o.SetPassword(m.opts.Password)
	}
	m.client = m.newClient(o)
	client := m.client
	m.mu.Unlock()

	// With ConnectRetry the token only completes once connected, so the
	// onConnect handler signals readiness instead.
	client.Connect()

	go func() {
		<-ctx.Done()
		m.Close()
	}()
	return nil
}

func (m *MQTTTransport) onConnect(c mqtt.Client) {
	m.mu.Lock()
	m.connected = true
	deliver := m.deliver
	m.mu.Unlock()

	m.log.Info().Str("broker", m.opts.BrokerURL).Msg("connected")
	if deliver != nil {
		deliver(Envelope{Type: string(EventConnected)})
	}
}

func (m *MQTTTransport) onConnectionLost(c mqtt.Client, err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.log.Warn().Err(err).Msg("connection lost")
}

func (m *MQTTTransport) Send(env Envelope) error {
	m.mu.Lock()
	client, connected := m.client, m.connected
	m.mu.Unlock()
	if client == nil || !connected {
		return ErrNotConnected
	}

	switch env.Type {
	case MessageAuthenticate:
		var p AuthenticatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decoding authenticate: %w", err)
		}
		if p.OrganizationID == "" {
			return errors.New("authenticate without organization id")
		}
		if err := m.subscribe(client, m.OrganizationDriversTopic(p.OrganizationID), EventOrganizationDriverUpdate); err != nil {
			return err
		}
		return m.subscribe(client, m.OrganizationTransmissionsTopic(p.OrganizationID), EventDriverTransmission)

	case MessageJoinRoute:
		var p JoinRoutePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decoding join_route: %w", err)
		}
		return m.subscribe(client, m.RouteDriversTopic(p.RouteID), EventRouteDriverUpdate)
	}

	return fmt.Errorf("%w: %q cannot be sent over mqtt", ErrUnknownMessage, env.Type)
}

// subscribe registers a topic. Payloads without a type get fallback.
func (m *MQTTTransport) subscribe(client mqtt.Client, topic string, fallback EventKind) error {
	token := client.Subscribe(topic, m.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		var env Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			m.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("invalid message format")
			return
		}
		if strings.TrimSpace(env.Type) == "" {
			env.Type = string(fallback)
		}
		m.mu.Lock()
		deliver := m.deliver
		m.mu.Unlock()
		if deliver != nil {
			deliver(env)
		}
	})
	if !token.WaitTimeout(writeWait) {
		return fmt.Errorf("subscribing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	m.log.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

func (m *MQTTTransport) Close() error {
	m.mu.Lock()
	client := m.client
	m.connected = false
	m.deliver = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(250)
	return nil
}
