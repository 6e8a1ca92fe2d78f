package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL + "/", Token: "tok"}, zerolog.Nop())
}

func TestLoadForOrganization(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/driver-positions/organizations/org-1/drivers/last-positions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"success":true,"data":[
			{"driverId":"d1","location":{"latitude":1,"longitude":2},"status":"DRIVING","timestamp":"2025-01-01T00:00:00Z"},
			{"driverId":"","location":{"latitude":1,"longitude":2}}
		]}`))
	})

	got, err := c.LoadForOrganization(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DriverID)
	assert.Equal(t, models.SourceOrganization, got[0].Source)
	assert.Equal(t, "org-1", got[0].OrganizationID)
}

func TestLoadForRoutes_SingleBatchRequest(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/driver-positions/routes/drivers/last-positions", r.URL.Path)
		assert.Equal(t, "org-1", r.Header.Get("organization-id"))

		var body struct {
			RouteIDs []string `json:"routeIds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a", "b", "c"}, body.RouteIDs)

		w.Write([]byte(`{"success":true,"data":[{"driverId":"d1","routeId":"a","routeName":"Harbor","location":{"latitude":1,"longitude":2}}]}`))
	})

	got, err := c.LoadForRoutes(context.Background(), "org-1", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, got, 1)
	assert.Equal(t, models.SourceRoute, got[0].Source)
	assert.Equal(t, "Harbor", got[0].RouteName)
}

func TestLoadForRoutes_EmptyUsesOrganizationEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"success":true,"data":[]}`))
	})
	got, err := c.LoadForRoutes(context.Background(), "org-1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("non-2xx with message", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"success":false,"error":"upstream unavailable"}`))
		})
		_, err := c.LoadForOrganization(context.Background(), "org-1")

		var le *LoadError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, http.StatusBadGateway, le.StatusCode)
		assert.Equal(t, "upstream unavailable", le.Message)
		assert.True(t, le.Temporary())
	})

	t.Run("non-2xx without body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		_, err := c.LoadForOrganization(context.Background(), "org-1")

		var le *LoadError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, "Forbidden", le.Message)
		assert.False(t, le.Temporary())
	})

	t.Run("success false", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"error":"organization not found"}`))
		})
		_, err := c.LoadForOrganization(context.Background(), "org-1")
		assert.ErrorContains(t, err, "organization not found")
	})

	t.Run("network", func(t *testing.T) {
		c := NewClient(Options{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
		_, err := c.LoadForOrganization(context.Background(), "org-1")

		var le *LoadError
		require.True(t, errors.As(err, &le))
		assert.Zero(t, le.StatusCode)
		assert.True(t, le.Temporary())
	})
}
