package chat

import (
	"net/http"
	"strconv"

	"github.com/ageniuscoder/gymchat/internal/auth"
	"github.com/ageniuscoder/gymchat/internal/httpx"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// RegisterWS mounts GET /socket for authenticated clients.
// Auth works via:
// 1) Query:  ?user_id=<id>&token=<JWT>
// 2) Header: Authorization: Bearer <JWT>
// When user_id is given it must match the token's user.
func RegisterWS(r gin.IRoutes, hub *Hub, jwtSecret string, origins []string) {
	upgrader := newUpgrader(origins)
	r.GET("/socket", func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			httpx.Err(c, http.StatusUnauthorized, "missing token")
			return
		}
		cl, err := auth.ParseToken(jwtSecret, token)
		if err != nil {
			httpx.Err(c, http.StatusUnauthorized, "invalid token")
			return
		}
		if raw := c.Query("user_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id != cl.UserId {
				httpx.Err(c, http.StatusUnauthorized, "token does not match user_id")
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Debug("upgrade failed", "err", err)
			return
		}

		client := newClient(hub, conn, cl.UserId)
		if !hub.registerClient(client) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	})
}
