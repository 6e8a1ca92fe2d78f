package handlers

import (
	"context"
	"errors"
	"net/http"

	"fleetwatch/internal/database"
	"fleetwatch/internal/models"
	"fleetwatch/internal/services"
	"fleetwatch/internal/snapshot"
	"fleetwatch/internal/tracking"
	"fleetwatch/pkg/utils"
)

// Session is the tracker surface the HTTP API exposes.
type Session interface {
	Visible() []tracking.VisibleDriver
	VisibleWith(filter tracking.StatusFilter) []tracking.VisibleDriver
	Markers() []tracking.Marker
	All() []tracking.VisibleDriver
	Driver(driverID string) (tracking.VisibleDriver, bool)
	Scope() models.Scope
	SetRoutes(ctx context.Context, routeIDs []string) error
	Refresh(ctx context.Context) error
	SetStatusFilter(statuses []models.Status)
	SelectDriver(driverID string)
	MapReady()
	Bounds() (tracking.Bounds, bool)
	Status() tracking.SessionStatus
}

// HistoryStore reads recorded position events.
type HistoryStore interface {
	Enabled() bool
	History(ctx context.Context, driverID string, limit int) ([]database.PositionEvent, error)
}

type RouteOptimizer interface {
	Optimize(ctx context.Context, req services.OptimizeRequest) (*services.OptimizeResult, error)
}

// ViewerCounter reports connected hub viewers.
type ViewerCounter interface {
	ClientCount() int
}

// respondLoadError maps tracker and snapshot failures to HTTP statuses.
func respondLoadError(w http.ResponseWriter, err error) {
	var loadErr *snapshot.LoadError
	switch {
	case errors.Is(err, tracking.ErrNotStarted), errors.Is(err, tracking.ErrClosed):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		utils.RespondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &loadErr):
		utils.RespondError(w, http.StatusBadGateway, loadErr.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
