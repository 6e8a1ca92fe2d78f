package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"fleetwatch/internal/models"
	"fleetwatch/pkg/utils"
)

type ScopeRequest struct {
	RouteIDs []string `json:"routeIds"`
}

type StatusFilterRequest struct {
	Statuses []string `json:"statuses"`
}

type SelectionRequest struct {
	DriverID string `json:"driverId"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Viewers int    `json:"viewers"`
	Drivers int    `json:"drivers"`
}

func Health(session Session, viewers ViewerCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Viewers: viewers.ClientCount(),
			Drivers: session.Status().Drivers,
		})
	}
}

func GetScope(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.RespondSuccess(w, http.StatusOK, session.Scope())
	}
}

// PutScope switches the session to a route set; an empty list selects
// the whole organization.
func PutScope(session Session, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScopeRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := session.SetRoutes(r.Context(), req.RouteIDs); err != nil {
			log.Error().Err(err).Strs("route_ids", req.RouteIDs).Msg("❌ scope change failed")
			respondLoadError(w, err)
			return
		}
		utils.RespondSuccess(w, http.StatusOK, session.Scope())
	}
}

func RefreshScope(session Session, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := session.Refresh(r.Context()); err != nil {
			log.Error().Err(err).Msg("❌ refresh failed")
			respondLoadError(w, err)
			return
		}
		utils.RespondSuccess(w, http.StatusOK, session.Status())
	}
}

func PutStatusFilter(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StatusFilterRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		statuses, err := parseStatuses(req.Statuses)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}

		session.SetStatusFilter(statuses)
		if statuses == nil {
			statuses = []models.Status{}
		}
		utils.RespondSuccess(w, http.StatusOK, map[string]interface{}{"statuses": statuses})
	}
}

// PutSelection selects a driver; an empty id clears the selection.
func PutSelection(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectionRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.DriverID != "" {
			if _, ok := session.Driver(req.DriverID); !ok {
				utils.RespondError(w, http.StatusNotFound, "driver not found")
				return
			}
		}

		session.SelectDriver(req.DriverID)
		utils.RespondSuccess(w, http.StatusOK, req)
	}
}

func MapReady(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session.MapReady()
		utils.RespondSuccess(w, http.StatusAccepted, session.Status())
	}
}

// GetBounds returns the box around the visible drivers.
func GetBounds(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := session.Bounds()
		if !ok {
			utils.RespondError(w, http.StatusNotFound, "no visible drivers")
			return
		}
		utils.RespondSuccess(w, http.StatusOK, b)
	}
}

func GetStatus(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.RespondSuccess(w, http.StatusOK, session.Status())
	}
}
