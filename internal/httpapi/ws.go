package httpapi

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/swarmguard/amsab/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a gorilla/websocket connection to eventbus.Subscriber.
// gorilla connections are not safe for concurrent writes, so every Send is
// serialised through a mutex.
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscriber) Send(ev eventbus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(map[string]any{
		"event":   ev.Kind,
		"plan_id": ev.PlanID,
		"data":    ev.Data,
	})
}

// handleWS upgrades to a WebSocket, replays the plan's last 50 log lines so
// late joiners catch up, then relays live events until the client
// disconnects. Grounded on ws.py's plan_websocket: the bus itself keeps no
// history and never replays it — that responsibility lives
// here, at the transport boundary, exactly as in the original's route
// handler reading db.get_logs before entering ws_manager's live loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("plan_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws upgrade failed", "plan_id", planID, "error", err)
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn}

	logs, err := s.store.GetLogs(planID, 50)
	if err != nil {
		slog.Debug("ws replay: failed to load logs", "plan_id", planID, "error", err)
	}
	for _, log := range logs {
		if werr := sub.Send(eventbus.Event{Kind: eventbus.KindLogLine, PlanID: planID, Data: map[string]any{"log": log}}); werr != nil {
			conn.Close()
			return
		}
	}

	bus := s.engine.Bus()
	bus.Subscribe(planID, sub)
	defer bus.Unsubscribe(planID, sub)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "ping" {
			sub.mu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			sub.mu.Unlock()
		}
	}
}
