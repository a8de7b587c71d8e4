package server

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"refeed/internal/engine"
	"refeed/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// registerWebsocket serves GET <base>/ws. Browsers cannot set headers on the upgrade,
// so the token may also come from the query string.
func registerWebsocket(r chi.Router, basePath string, e engine.Engine, reg notify.Registry, log *zap.Logger) {
	r.Get(path.Join(basePath, "ws"), func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimSpace(req.URL.Query().Get("token"))
		if token == "" {
			token, _ = bearerToken(req.Header.Get("Authorization"))
		}
		if token == "" {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		caller, err := e.Authenticate(token)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade already replied.
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		notify.NewClient(reg, conn, caller.UserID, log).Serve()
	})
}
