package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/courier/internal/middleware"
)

// HandleWebSocket returns an HTTP handler that upgrades connections and
// serves them on the hub. The credential may be passed as a token query
// parameter or bearer header; otherwise the first frame must carry it.
// With no origin patterns any origin is accepted.
func HandleWebSocket(hub *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns:     originPatterns,
			InsecureSkipVerify: len(originPatterns) == 0,
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}
		hub.ServeConn(r.Context(), conn, requestToken(r))
	}
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return middleware.BearerToken(r)
}
