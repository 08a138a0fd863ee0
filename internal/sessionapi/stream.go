package sessionapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/ermct/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// device clients connect from a native shell without a stable origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket and pushes every published snapshot
// as a JSON text frame until the client disconnects or the session closes.
// Inbound frames are read only to notice the disconnect.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		a.logger.Warn(r.Context(), "websocket upgrade failed", "session_id", h.ID(), "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	snaps, cancel := h.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go readPump(conn, gone, a.opts.PingInterval)

	a.logger.Info(r.Context(), "snapshot stream opened", "session_id", h.ID())
	a.writePump(conn, snaps, gone)
	a.logger.Info(r.Context(), "snapshot stream closed", "session_id", h.ID())
}

func readPump(conn *websocket.Conn, gone chan<- struct{}, ping time.Duration) {
	defer close(gone)
	conn.SetReadLimit(maxInboundSize)
	pongWait := ping + writeWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (a *API) writePump(conn *websocket.Conn, snaps <-chan session.Snapshot, gone <-chan struct{}) {
	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-snaps:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := conn.WriteJSON(s); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
