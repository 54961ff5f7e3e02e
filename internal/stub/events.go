package stub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/qbanksync/internal/collection"
)

const subscriberBuffer = 32

// hub fans change events out to websocket subscribers. Slow subscribers
// drop events rather than block writers.
type hub struct {
	mu     sync.Mutex
	subs   map[chan collection.ChangeEvent]struct{}
	logger *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{subs: map[chan collection.ChangeEvent]struct{}{}, logger: logger}
}

func (h *hub) subscribe() chan collection.ChangeEvent {
	ch := make(chan collection.ChangeEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan collection.ChangeEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) publish(event collection.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping change event for slow subscriber", zap.String("type", event.Type), zap.Int64("id", event.ID))
		}
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	events := s.hub.subscribe()
	defer s.hub.unsubscribe(events)

	// Clients never send; CloseRead surfaces their close frame as ctx.Done.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
