package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/campusnet/pkg/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native programs, not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the socket as one more
// session. Frames travel as binary messages.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.admit(wsconn.New(ws), "websocket")
}
