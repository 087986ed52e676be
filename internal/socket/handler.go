package socket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/chatwire/go-chat-transport/internal/sysutil"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Identity and origin policy live in the gateway in front of us.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades HTTP requests into socket sessions.
type Handler struct {
	hub  *Hub
	deps Deps
}

// NewHandler binds the session dependencies to the upgrade endpoint.
func NewHandler(hub *Hub, deps Deps) *Handler {
	return &Handler{hub: hub, deps: deps}
}

// Serve is the gin endpoint for GET /ws. It blocks for the lifetime of the
// connection. The user identity comes from the user_id query parameter or
// the gateway-injected X-User-ID header; when both are absent, from an auth
// frame sent within the handshake window.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.deps.Log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	identity := sysutil.FirstNonEmpty(c.Query("user_id"), c.GetHeader("X-User-ID"))
	s := newSession(conn, h.hub, h.deps)
	s.run(c.Request.Context(), identity, c.Request.UserAgent())
}
