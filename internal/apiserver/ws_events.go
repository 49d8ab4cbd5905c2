package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/orchestrator/internal/eventbus"
)

const (
	wsEventsWriteWait  = 10 * time.Second
	wsEventsPingPeriod = 30 * time.Second
)

// eventNames is every topic a /ws/events caller is subscribed to. Unlike
// the teacher's bidirectional control plane, this is a read-only fan-out:
// the caller authenticates, upgrades, and receives frames until it
// disconnects.
var eventNames = []string{
	"skill.dispatch.start", "skill.dispatch.complete",
	"job/cron.execute", "job/background.execute",
}

// eventSubscriber is the subset of eventbus.Bus the Public API depends on.
type eventSubscriber interface {
	Subscribe(name string, buffer int) (<-chan eventbus.Event, func())
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsFrame is one line of the /ws/events stream.
type wsFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// handleWSEvents upgrades to a WebSocket and streams every published
// skill-dispatch and task-queue event until the client disconnects or
// the server shuts down. Used by operators watching a live run rather
// than polling GET /status.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	merged := make(chan wsFrame, 64)
	var stops []func()
	for _, name := range eventNames {
		ch, stop := s.cfg.Events.Subscribe(name, 16)
		stops = append(stops, stop)
		go func(evtName string, ch <-chan eventbus.Event) {
			for evt := range ch {
				select {
				case merged <- wsFrame{Event: evtName, Payload: evt.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}(name, ch)
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	ticker := time.NewTicker(wsEventsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-merged:
			_ = conn.SetWriteDeadline(time.Now().Add(wsEventsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsEventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
