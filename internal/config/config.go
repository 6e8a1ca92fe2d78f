package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

type HTTPConfig struct {
	Port int
	// AllowedOrigins applies to CORS and websocket upgrades.
	AllowedOrigins []string
}

type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type SessionConfig struct {
	UserID         string
	OrganizationID string
}

type LiveConfig struct {
	Transport       string
	URL             string
	ActivationDelay time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	MQTT            MQTTConfig
}

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

type TrackingConfig struct {
	OfflineThreshold time.Duration
	StalenessTick    time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type FirebaseConfig struct {
	CredentialsBase64 string
	CredentialsFile   string
	AlertTokens       []string
}

type Config struct {
	Environment       string
	LogLevel          string
	HTTP              HTTPConfig
	API               APIConfig
	Session           SessionConfig
	Live              LiveConfig
	Tracking          TrackingConfig
	Auth              AuthConfig
	DatabaseURL       string
	Firebase          FirebaseConfig
	RouteOptimizerURL string
}

// LoadDotEnv reads .env files into the environment. A missing file is not
// an error; it reports whether one was loaded.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// Load reads configuration from the environment (and an optional app.env
// file) and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	setDefaults(v)

	_ = v.ReadInConfig()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_BASE_URL", "http://localhost:3000")
	v.SetDefault("API_TIMEOUT", "15s")
	v.SetDefault("LIVE_TRANSPORT", TransportWebSocket)
	v.SetDefault("LIVE_URL", "ws://localhost:3000/ws")
	v.SetDefault("LIVE_ACTIVATION_DELAY", "500ms")
	v.SetDefault("LIVE_RECONNECT_MIN", "1s")
	v.SetDefault("LIVE_RECONNECT_MAX", "30s")
	v.SetDefault("MQTT_BROKER_URL", "tcp://localhost:1883")
	v.SetDefault("MQTT_TOPIC_PREFIX", "fleet")
	v.SetDefault("OFFLINE_THRESHOLD", "70m")
	v.SetDefault("STALENESS_TICK", "30s")
	v.SetDefault("FIREBASE_CREDENTIALS_FILE", "")

	// AutomaticEnv only sees keys viper already knows about
	for _, key := range []string{
		"API_TOKEN", "SESSION_USER_ID", "SESSION_ORGANIZATION_ID",
		"MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD",
		"APP_JWT_SECRET", "DATABASE_URL", "FIREBASE_CREDENTIALS_BASE64",
		"ALERT_FCM_TOKENS", "ROUTE_OPTIMIZER_URL", "ALLOWED_ORIGINS",
	} {
		v.SetDefault(key, "")
	}
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		HTTP: HTTPConfig{
			Port:           v.GetInt("PORT"),
			AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		},
		API: APIConfig{
			BaseURL: v.GetString("API_BASE_URL"),
			Token:   v.GetString("API_TOKEN"),
			Timeout: v.GetDuration("API_TIMEOUT"),
		},
		Session: SessionConfig{
			UserID:         v.GetString("SESSION_USER_ID"),
			OrganizationID: v.GetString("SESSION_ORGANIZATION_ID"),
		},
		Live: LiveConfig{
			Transport:       strings.ToLower(v.GetString("LIVE_TRANSPORT")),
			URL:             v.GetString("LIVE_URL"),
			ActivationDelay: v.GetDuration("LIVE_ACTIVATION_DELAY"),
			ReconnectMin:    v.GetDuration("LIVE_RECONNECT_MIN"),
			ReconnectMax:    v.GetDuration("LIVE_RECONNECT_MAX"),
			MQTT: MQTTConfig{
				BrokerURL:   v.GetString("MQTT_BROKER_URL"),
				ClientID:    v.GetString("MQTT_CLIENT_ID"),
				Username:    v.GetString("MQTT_USERNAME"),
				Password:    v.GetString("MQTT_PASSWORD"),
				TopicPrefix: v.GetString("MQTT_TOPIC_PREFIX"),
			},
		},
		Tracking: TrackingConfig{
			OfflineThreshold: v.GetDuration("OFFLINE_THRESHOLD"),
			StalenessTick:    v.GetDuration("STALENESS_TICK"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("APP_JWT_SECRET"),
		},
		DatabaseURL: v.GetString("DATABASE_URL"),
		Firebase: FirebaseConfig{
			CredentialsBase64: v.GetString("FIREBASE_CREDENTIALS_BASE64"),
			CredentialsFile:   v.GetString("FIREBASE_CREDENTIALS_FILE"),
			AlertTokens:       splitList(v.GetString("ALERT_FCM_TOKENS")),
		},
		RouteOptimizerURL: v.GetString("ROUTE_OPTIMIZER_URL"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs locally.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

func validate(cfg *Config) error {
	if cfg.Session.UserID == "" {
		return fmt.Errorf("SESSION_USER_ID is required")
	}
	if cfg.Session.OrganizationID == "" {
		return fmt.Errorf("SESSION_ORGANIZATION_ID is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("APP_JWT_SECRET is required")
	}
	switch cfg.Live.Transport {
	case TransportWebSocket:
		if cfg.Live.URL == "" {
			return fmt.Errorf("LIVE_URL is required for the websocket transport")
		}
	case TransportMQTT:
		if cfg.Live.MQTT.BrokerURL == "" {
			return fmt.Errorf("MQTT_BROKER_URL is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("LIVE_TRANSPORT must be %q or %q, got %q", TransportWebSocket, TransportMQTT, cfg.Live.Transport)
	}
	if cfg.Tracking.OfflineThreshold <= 0 {
		return fmt.Errorf("OFFLINE_THRESHOLD must be positive")
	}
	if cfg.Live.ReconnectMax < cfg.Live.ReconnectMin {
		return fmt.Errorf("LIVE_RECONNECT_MAX must not be below LIVE_RECONNECT_MIN")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("PORT %d is out of range", cfg.HTTP.Port)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
