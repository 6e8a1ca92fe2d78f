package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"fleetwatch/internal/models"
)

// Multicaster is the part of the FCM messaging client alerts use.
type Multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// NewFCMClient creates a messaging client from a credentials file.
func NewFCMClient(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	return newMessagingClient(ctx, option.WithCredentialsFile(credentialsFile))
}

// NewFCMClientFromBase64 creates a messaging client from base64-encoded
// credentials, for deployments where mounting a file is awkward.
func NewFCMClientFromBase64(ctx context.Context, credentialsBase64 string) (*messaging.Client, error) {
	credentialsJSON, err := base64.StdEncoding.DecodeString(credentialsBase64)
	if err != nil {
		return nil, fmt.Errorf("error decoding base64 credentials: %w", err)
	}
	return newMessagingClient(ctx, option.WithCredentialsJSON(credentialsJSON))
}

func newMessagingClient(ctx context.Context, opt option.ClientOption) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return client, nil
}

// AlertService pushes operator notifications when drivers go offline.
type AlertService struct {
	client Multicaster
	tokens []string
	log    zerolog.Logger
}

func NewAlertService(client Multicaster, tokens []string, log zerolog.Logger) *AlertService {
	return &AlertService{
		client: client,
		tokens: tokens,
		log:    log.With().Str("component", "alerts").Logger(),
	}
}

// DriverOffline notifies every configured device that p stopped reporting.
func (s *AlertService) DriverOffline(ctx context.Context, p models.DriverPosition) error {
	if len(s.tokens) == 0 {
		return nil
	}

	response, err := s.client.SendEachForMulticast(ctx, OfflineMessage(s.tokens, p))
	if err != nil {
		return fmt.Errorf("error sending multicast message: %w", err)
	}

	s.log.Info().
		Str("driver_id", p.DriverID).
		Int("success", response.SuccessCount).
		Int("failures", response.FailureCount).
		Msg("✅ offline alert sent")
	return nil
}

// OfflineMessage builds the multicast for an offline driver.
func OfflineMessage(tokens []string, p models.DriverPosition) *messaging.MulticastMessage {
	name := p.DriverName
	if name == "" {
		name = p.DriverID
	}

	body := fmt.Sprintf("%s has stopped reporting its position.", name)
	lastSeen := ""
	if t, ok := p.LastSeen().Time(); ok {
		lastSeen = t.UTC().Format(time.RFC3339)
		body = fmt.Sprintf("%s has not reported since %s.", name, t.UTC().Format("15:04 MST"))
	}

	data := map[string]string{
		"type":      "driver_offline",
		"driver_id": p.DriverID,
	}
	if lastSeen != "" {
		data["last_seen"] = lastSeen
	}
	if p.RouteID != "" {
		data["route_id"] = p.RouteID
	}

	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: "Driver offline",
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	}
}
