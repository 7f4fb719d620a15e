package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// HandleWebSocket upgrades the request and streams the events of the team
// named by the {teamID} route parameter. originPatterns lists extra hosts
// allowed to connect cross-origin.
func HandleWebSocket(hub *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		teamID := chi.URLParam(r, "teamID")
		if teamID == "" {
			http.Error(w, "team id required", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			hub.logger.Warn("accept websocket", "team_id", teamID, "error", err)
			return
		}

		hub.logger.Debug("dashboard connected", "team_id", teamID)
		NewClient(hub, conn, teamID).Run(r.Context())
		hub.logger.Debug("dashboard disconnected", "team_id", teamID, slog.Int("remaining", hub.TeamClientCount(teamID)))
	}
}
