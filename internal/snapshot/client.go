package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch/internal/models"
)

const (
	organizationPath = "/driver-positions/organizations/%s/drivers/last-positions"
	routesPath       = "/driver-positions/routes/drivers/last-positions"

	// maxBodySize caps how much of a response is read
	maxBodySize = 16 << 20
)

// LoadError is returned for every failed snapshot request.
type LoadError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *LoadError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

// Temporary reports whether retrying later might succeed: network failures
// and 5xx/429 responses.
func (e *LoadError) Temporary() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client loads last-known driver positions from the fleet REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		log:     log.With().Str("component", "snapshot").Logger(),
	}
}

type response struct {
	Success bool                    `json:"success"`
	Data    []models.DriverPosition `json:"data"`
	Error   string                  `json:"error"`
	Message string                  `json:"message"`
}

// LoadForOrganization fetches the last position of every driver in orgID.
func (c *Client) LoadForOrganization(ctx context.Context, orgID string) ([]models.DriverPosition, error) {
	const op = "load organization positions"
	if orgID == "" {
		return nil, &LoadError{Op: op, Message: "organization id is required"}
	}
	endpoint := c.baseURL + fmt.Sprintf(organizationPath, url.PathEscape(orgID))

	positions, err := c.do(ctx, op, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	return tag(positions, orgID, models.SourceOrganization), nil
}

// LoadForRoutes fetches positions for all routeIDs in one request. No ids
// means the organization endpoint.
func (c *Client) LoadForRoutes(ctx context.Context, orgID string, routeIDs []string) ([]models.DriverPosition, error) {
	const op = "load route positions"
	if len(routeIDs) == 0 {
		return c.LoadForOrganization(ctx, orgID)
	}
	body := map[string][]string{"routeIds": routeIDs}
	headers := map[string]string{"organization-id": orgID}

	positions, err := c.do(ctx, op, http.MethodPost, c.baseURL+routesPath, body, headers)
	if err != nil {
		return nil, err
	}
	return tag(positions, orgID, models.SourceRoute), nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, headers map[string]string) ([]models.DriverPosition, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, &LoadError{Op: op, Message: "marshaling request body", Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &LoadError{Op: op, Message: "creating request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &LoadError{Op: op, Message: "executing request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &LoadError{Op: op, Message: "reading response", Err: err}
	}

	var parsed response
	decodeErr := json.Unmarshal(data, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &LoadError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, &LoadError{Op: op, Message: "decoding response", Err: decodeErr}
	}
	if !parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = "request was not successful"
		}
		return nil, &LoadError{Op: op, Message: msg}
	}

	c.log.Debug().
		Str("method", method).
		Str("url", endpoint).
		Int("drivers", len(parsed.Data)).
		Dur("took", time.Since(start)).
		Msg("📡 snapshot fetched")
	return parsed.Data, nil
}

// tag fills source and organization on entries that lack them and drops
// entries without a driver id.
func tag(positions []models.DriverPosition, orgID string, source models.Source) []models.DriverPosition {
	out := positions[:0]
	for _, p := range positions {
		if p.DriverID == "" {
			continue
		}
		if p.Source == "" {
			p.Source = source
		}
		if p.OrganizationID == "" {
			p.OrganizationID = orgID
		}
		out = append(out, p)
	}
	return out
}
