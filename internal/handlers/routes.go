package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"fleetwatch/internal/services"
	"fleetwatch/pkg/utils"
)

// OptimizeRoutePreview orders waypoints without persisting anything.
func OptimizeRoutePreview(optimizer RouteOptimizer, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req services.OptimizeRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := optimizer.Optimize(r.Context(), req)
		if err != nil {
			if errors.Is(err, services.ErrInvalidRouteRequest) {
				utils.RespondError(w, http.StatusBadRequest, err.Error())
				return
			}
			log.Error().Err(err).Int("waypoints", len(req.Waypoints)).Msg("❌ route optimization failed")
			utils.RespondError(w, http.StatusBadGateway, "route optimization failed")
			return
		}

		utils.RespondSuccess(w, http.StatusOK, result)
	}
}
