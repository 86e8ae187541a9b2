package sync

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: restrict origins once the web client's domain is fixed
	},
}

// WSHandler upgrades the request and parks the connection on the hub. The
// stream is one-way; anything the client sends is drained and ignored.
func WSHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		hub.AddWS(ws)
		log.Printf("[sync] ws client connected: %s", c.Request.RemoteAddr)

		_ = ws.WriteMessage(
			websocket.TextMessage,
			[]byte(`{"type":"welcome","service":"mangatrack","transport":"websocket"}`+"\n"),
		)

		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		hub.RemoveWS(ws)
		log.Printf("[sync] ws client disconnected: %s", c.Request.RemoteAddr)
	}
}
