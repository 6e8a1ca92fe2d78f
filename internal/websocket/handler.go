package websocket

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"fleetwatch/internal/middleware"
	"fleetwatch/pkg/utils"
)

// newUpgrader accepts the listed origins, or any origin when the list has
// "*". With an empty list only same-host pages may connect. Requests
// without an Origin header are always accepted.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) == 0 {
		// nil CheckOrigin is gorilla's same-host check
		return u
	}

	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			u.CheckOrigin = func(*http.Request) bool { return true }
			return u
		}
		allowed[normalizeOrigin(o)] = struct{}{}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[normalizeOrigin(origin)]
		return ok
	}
	return u
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

// HandleWebSocket authenticates a viewer and upgrades the connection.
// Browsers cannot set headers on websocket requests, so the token is
// taken from ?token= first and the request context second.
func HandleWebSocket(hub *Hub, auth *middleware.Authenticator, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := middleware.GetUserFromContext(r)
		if tokenString := r.URL.Query().Get("token"); tokenString != "" || !ok {
			var err error
			user, err = auth.ParseToken(tokenString)
			if err != nil {
				status := middleware.StatusFor(err)
				hub.log.Warn().Err(err).Int("status", status).Msg("❌ viewer rejected")
				utils.RespondError(w, status, http.StatusText(status))
				return
			}
		}

		// Upgrade answers 403 itself when the origin is refused.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Error().Err(err).Str("origin", r.Header.Get("Origin")).Msg("❌ websocket upgrade failed")
			return
		}

		client := NewClient(user.UserID, conn, hub)
		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
