package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch/internal/models"
)

// averageSpeedKmh is used to estimate durations for locally planned routes
const averageSpeedKmh = 35.0

var ErrInvalidRouteRequest = errors.New("invalid route request")

// Waypoint is a stop to visit.
type Waypoint struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (w Waypoint) location() models.Location {
	return models.Location{Latitude: w.Latitude, Longitude: w.Longitude}
}

type OptimizeRequest struct {
	Origin        models.Location  `json:"origin"`
	Destination   *models.Location `json:"destination,omitempty"`
	Waypoints     []Waypoint       `json:"waypoints"`
	DepartureTime *time.Time       `json:"departureTime,omitempty"`
}

type RouteSummary struct {
	DurationSeconds     int `json:"durationSeconds"`
	DistanceMeters      int `json:"distanceMeters"`
	TrafficDelaySeconds int `json:"trafficDelaySeconds"`
}

type OptimizeResult struct {
	Stops    []Waypoint   `json:"stops"`
	Geometry [][2]float64 `json:"geometry"`
	Summary  RouteSummary `json:"summary"`
	Provider string       `json:"provider"`
}

// RouteOptimizer orders waypoints for a preview. With an endpoint it asks
// the remote optimization service; without one it plans a nearest
// neighbour tour locally.
type RouteOptimizer struct {
	endpoint string
	http     *http.Client
	cache    *RouteCache
	log      zerolog.Logger
}

func NewRouteOptimizer(endpoint string, timeout time.Duration, log zerolog.Logger) *RouteOptimizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RouteOptimizer{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		cache:    NewRouteCache(0, 0),
		log:      log.With().Str("component", "route_optimizer").Logger(),
	}
}

func (o *RouteOptimizer) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if o.endpoint == "" {
		return o.optimizeLocal(req), nil
	}
	return o.optimizeRemote(ctx, req)
}

func validateRequest(req OptimizeRequest) error {
	if !req.Origin.IsValid() {
		return fmt.Errorf("%w: origin has invalid coordinates", ErrInvalidRouteRequest)
	}
	if req.Destination != nil && !req.Destination.IsValid() {
		return fmt.Errorf("%w: destination has invalid coordinates", ErrInvalidRouteRequest)
	}
	if len(req.Waypoints) == 0 {
		return fmt.Errorf("%w: at least one waypoint is required", ErrInvalidRouteRequest)
	}
	seen := make(map[string]struct{}, len(req.Waypoints))
	for i, wp := range req.Waypoints {
		if wp.ID == "" {
			return fmt.Errorf("%w: waypoint %d has no id", ErrInvalidRouteRequest, i)
		}
		if _, dup := seen[wp.ID]; dup {
			return fmt.Errorf("%w: duplicate waypoint %s", ErrInvalidRouteRequest, wp.ID)
		}
		seen[wp.ID] = struct{}{}
		if !wp.location().IsValid() {
			return fmt.Errorf("%w: waypoint %s has invalid coordinates", ErrInvalidRouteRequest, wp.ID)
		}
	}
	return nil
}

func (o *RouteOptimizer) optimizeRemote(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	signature := Signature(req)
	if cached, ok := o.cache.Get(signature); ok {
		o.log.Debug().Str("signature", signature).Msg("route served from cache")
		return cached, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	o.log.Debug().Int("waypoints", len(req.Waypoints)).Msg("📡 calling route optimizer")
	resp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("route optimizer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result OptimizeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding route optimizer response: %w", err)
	}
	if err := checkPermutation(req.Waypoints, result.Stops); err != nil {
		return nil, err
	}
	if result.Provider == "" {
		result.Provider = "remote"
	}
	o.cache.Set(signature, &result)
	return &result, nil
}

func (o *RouteOptimizer) CacheStats() CacheStats {
	return o.cache.Stats()
}

// checkPermutation makes sure the optimizer returned each input stop once.
func checkPermutation(in, out []Waypoint) error {
	if len(in) != len(out) {
		return fmt.Errorf("route optimizer returned %d stops for %d waypoints", len(out), len(in))
	}
	want := make(map[string]int, len(in))
	for _, wp := range in {
		want[wp.ID]++
	}
	for _, wp := range out {
		if want[wp.ID] == 0 {
			return fmt.Errorf("route optimizer returned unexpected stop %q", wp.ID)
		}
		want[wp.ID]--
	}
	return nil
}

// optimizeLocal always visits the closest remaining waypoint next.
func (o *RouteOptimizer) optimizeLocal(req OptimizeRequest) *OptimizeResult {
	remaining := make([]Waypoint, len(req.Waypoints))
	copy(remaining, req.Waypoints)
	stops := make([]Waypoint, 0, len(remaining))

	current := req.Origin
	totalKm := 0.0
	geometry := [][2]float64{{current.Latitude, current.Longitude}}

	for len(remaining) > 0 {
		bestIdx := 0
		bestDistance := math.MaxFloat64
		for i, wp := range remaining {
			d := haversineDistance(current.Latitude, current.Longitude, wp.Latitude, wp.Longitude)
			if d < bestDistance {
				bestDistance = d
				bestIdx = i
			}
		}

		best := remaining[bestIdx]
		stops = append(stops, best)
		totalKm += bestDistance
		current = best.location()
		geometry = append(geometry, [2]float64{best.Latitude, best.Longitude})
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	if req.Destination != nil {
		totalKm += haversineDistance(current.Latitude, current.Longitude, req.Destination.Latitude, req.Destination.Longitude)
		geometry = append(geometry, [2]float64{req.Destination.Latitude, req.Destination.Longitude})
	}

	o.log.Debug().Int("stops", len(stops)).Float64("distance_km", totalKm).Msg("✅ route planned locally")
	return &OptimizeResult{
		Stops:    stops,
		Geometry: geometry,
		Summary: RouteSummary{
			DurationSeconds: int(math.Round(totalKm / averageSpeedKmh * 3600)),
			DistanceMeters:  int(math.Round(totalKm * 1000)),
		},
		Provider: "local",
	}
}

// haversineDistance calculates the distance between two GPS coordinates in kilometers
func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371.0

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}
