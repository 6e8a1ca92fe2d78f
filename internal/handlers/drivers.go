package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"fleetwatch/internal/database"
	"fleetwatch/internal/models"
	"fleetwatch/internal/tracking"
	"fleetwatch/pkg/utils"
)

type DriversResponse struct {
	Markers []tracking.Marker        `json:"markers"`
	Drivers []tracking.VisibleDriver `json:"drivers"`
}

// GetDrivers returns the visible drivers and their markers. An explicit
// ?status= list overrides the session filter for this request only.
func GetDrivers(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var visible []tracking.VisibleDriver
		if raw := r.URL.Query().Get("status"); raw != "" {
			statuses, err := parseStatuses(strings.Split(raw, ","))
			if err != nil {
				utils.RespondError(w, http.StatusBadRequest, err.Error())
				return
			}
			visible = session.VisibleWith(tracking.NewStatusFilter(statuses...))
		} else {
			visible = session.Visible()
		}

		utils.RespondSuccess(w, http.StatusOK, DriversResponse{
			Markers: tracking.Markers(visible, session.Status().SelectedDriverID),
			Drivers: nonNil(visible),
		})
	}
}

// GetAllDrivers returns every store entry, ignoring filter and scope.
func GetAllDrivers(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.RespondSuccess(w, http.StatusOK, nonNil(session.All()))
	}
}

func GetDriver(session Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID := chi.URLParam(r, "id")
		d, ok := session.Driver(driverID)
		if !ok {
			utils.RespondError(w, http.StatusNotFound, "driver not found")
			return
		}
		utils.RespondSuccess(w, http.StatusOK, d)
	}
}

// GetDriverHistory returns the most recent recorded events for a driver.
func GetDriverHistory(store HistoryStore, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !store.Enabled() {
			utils.RespondError(w, http.StatusServiceUnavailable, "position history is not configured")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		driverID := chi.URLParam(r, "id")
		events, err := store.History(r.Context(), driverID, database.ClampLimit(limit))
		if err != nil {
			log.Error().Err(err).Str("driver_id", driverID).Msg("❌ failed to load position history")
			utils.RespondError(w, http.StatusInternalServerError, "failed to load position history")
			return
		}

		out := make([]database.PositionEventResponse, len(events))
		for i := range events {
			out[i] = events[i].ToResponse()
		}
		utils.RespondSuccess(w, http.StatusOK, out)
	}
}

func parseStatuses(raw []string) ([]models.Status, error) {
	out := make([]models.Status, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		status, ok := models.ParseStatus(s)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		out = append(out, status)
	}
	return out, nil
}

func nonNil(v []tracking.VisibleDriver) []tracking.VisibleDriver {
	if v == nil {
		return []tracking.VisibleDriver{}
	}
	return v
}
