package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// subscribeMessage is the first frame a client sends to scope its stream.
type subscribeMessage struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	Replay      bool     `json:"replay,omitempty"`
}

// WSGateway bridges the EventHub to WebSocket clients. Each connection
// subscribes with an optional filter and receives matching events as JSON
// frames until it disconnects.
type WSGateway struct {
	hub      EventHub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSGateway creates a gateway over the given hub.
func NewWSGateway(hub EventHub, logger *slog.Logger) *WSGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSGateway{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and streams events. The client may send
// a single subscribe frame immediately after connecting; absent one, all
// events are streamed.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := EventFilter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		Replay:      r.URL.Query().Get("replay") == "true",
	}

	// Optional subscribe frame: wait briefly, then fall back to the query
	// filter alone.
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var sub subscribeMessage
	if err := conn.ReadJSON(&sub); err == nil {
		if sub.ExecutionID != "" {
			filter.ExecutionID = sub.ExecutionID
		}
		filter.EventTypes = sub.EventTypes
		filter.Replay = filter.Replay || sub.Replay
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe, err := g.hub.Subscribe(ctx, filter)
	if err != nil {
		g.logger.Warn("subscribe failed", "error", err)
		return
	}
	defer unsubscribe()

	// Reader goroutine: we only care about pongs and close frames.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
