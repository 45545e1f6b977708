package alerts

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nvr-ai/go-behavior/logger"
)

const writeWait = 5 * time.Second

// Notification is the payload pushed to websocket listeners.
type Notification struct {
	Message  string `json:"message"`
	Detector string `json:"detector,omitempty"`
}

// WebSocketHandler upgrades each request and pushes one Notification per
// event until the client goes away.
type WebSocketHandler struct {
	hub      *Hub
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler subscribed to hub per connection.
func NewWebSocketHandler(hub *Hub, log *logger.Logger) *WebSocketHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &WebSocketHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	id := "ws-" + uuid.NewString()
	events, cancel, err := h.hub.Subscribe(id)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		return
	}
	defer cancel()

	h.log.Debug().Str("listener", id).Str("remote", r.RemoteAddr).Msg("alert listener connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			h.log.Debug().Str("listener", id).Msg("alert listener disconnected")
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Notification{Message: e.Message, Detector: e.Detector}); err != nil {
				h.log.Debug().Err(err).Str("listener", id).Msg("alert write failed")
				return
			}
		}
	}
}
