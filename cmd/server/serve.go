package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/handlers"
	"fleetwatch/internal/live"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/middleware"
	"fleetwatch/internal/services"
	"fleetwatch/internal/snapshot"
	"fleetwatch/internal/tracking"
	"fleetwatch/internal/websocket"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking session and the viewer API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

// loadConfig reads .env and the environment and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	dotenv := config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)
	if !dotenv {
		log.Warn().Msg("⚠️ .env file not found, using environment variables from system")
	}
	return cfg, log, nil
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("organization_id", cfg.Session.OrganizationID).
		Str("transport", cfg.Live.Transport).
		Msg("🚀 fleetwatch starting")

	positionLog := database.NewPositionLog(nil, cfg.Session.OrganizationID)
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		positionLog = database.NewPositionLog(db, cfg.Session.OrganizationID)
		log.Info().Msg("✅ position log enabled")
	} else {
		log.Warn().Msg("⚠️ DATABASE_URL not set, position history disabled")
	}

	opts := tracking.Options{
		UserID:           cfg.Session.UserID,
		OrganizationID:   cfg.Session.OrganizationID,
		OfflineThreshold: cfg.Tracking.OfflineThreshold,
		TickInterval:     cfg.Tracking.StalenessTick,
		ActivationDelay:  cfg.Live.ActivationDelay,
		Logger:           log,
	}
	if positionLog.Enabled() {
		opts.Recorder = positionLog
	}
	if alerts := newAlertService(ctx, cfg, log); alerts != nil {
		opts.Notifier = alerts
	}

	loader := snapshot.NewClient(snapshot.Options{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	}, log)
	channel := live.NewChannel(newTransport(cfg, log), log)
	tracker := tracking.NewTracker(loader, channel, opts)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := websocket.NewHub(tracker, log)
	go hub.Run(hubCtx)

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Session.OrganizationID, log)
	router := handlers.NewRouter(handlers.RouterConfig{
		Session:        tracker,
		History:        positionLog,
		Optimizer:      services.NewRouteOptimizer(cfg.RouteOptimizerURL, 0, log),
		Viewers:        hub,
		Auth:           auth,
		WebSocket:      websocket.HandleWebSocket(hub, auth, cfg.HTTP.AllowedOrigins),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         log,
	})

	if err := tracker.Start(ctx); err != nil {
		// The tracker keeps running; POST /api/scope/refresh retries.
		log.Error().Err(err).Msg("❌ initial snapshot failed")
	}
	defer tracker.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("🔌 ready to accept requests")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newTransport(cfg *config.Config, log zerolog.Logger) live.Transport {
	if cfg.Live.Transport == config.TransportMQTT {
		return live.NewMQTTTransport(live.MQTTOptions{
			BrokerURL:    cfg.Live.MQTT.BrokerURL,
			ClientID:     cfg.Live.MQTT.ClientID,
			Username:     cfg.Live.MQTT.Username,
			Password:     cfg.Live.MQTT.Password,
			TopicPrefix:  cfg.Live.MQTT.TopicPrefix,
			QoS:          1,
			MinReconnect: cfg.Live.ReconnectMin,
			MaxReconnect: cfg.Live.ReconnectMax,
		}, log)
	}
	return live.NewWebSocketTransport(live.WebSocketOptions{
		URL:          cfg.Live.URL,
		Token:        cfg.API.Token,
		MinReconnect: cfg.Live.ReconnectMin,
		MaxReconnect: cfg.Live.ReconnectMax,
	}, log)
}

// newAlertService returns nil when Firebase is not configured or fails to
// initialize; offline alerts are optional.
func newAlertService(ctx context.Context, cfg *config.Config, log zerolog.Logger) *services.AlertService {
	if len(cfg.Firebase.AlertTokens) == 0 {
		return nil
	}

	var (
		client services.Multicaster
		err    error
	)
	switch {
	case cfg.Firebase.CredentialsBase64 != "":
		client, err = services.NewFCMClientFromBase64(ctx, cfg.Firebase.CredentialsBase64)
	case cfg.Firebase.CredentialsFile != "":
		client, err = services.NewFCMClient(ctx, cfg.Firebase.CredentialsFile)
	default:
		log.Warn().Msg("⚠️ ALERT_FCM_TOKENS set without Firebase credentials, offline alerts disabled")
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ failed to initialize FCM, offline alerts disabled")
		return nil
	}

	log.Info().Int("devices", len(cfg.Firebase.AlertTokens)).Msg("✅ Firebase Cloud Messaging initialized")
	return services.NewAlertService(client, cfg.Firebase.AlertTokens, log)
}
