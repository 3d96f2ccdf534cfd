package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/chief-of-staff/internal/syncstore"
)

// Websocket stream tuning.
const (
	subscriberBuffer = 16
	eventWriteTime   = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// hub fans sync changes out to websocket subscribers. A subscriber that
// falls behind loses changes rather than stalling writers.
type hub struct {
	mu     sync.Mutex
	subs   map[chan syncstore.Change]struct{}
	closed bool
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		subs:   make(map[chan syncstore.Change]struct{}),
		logger: logger,
	}
}

// subscribe returns a channel of changes, or nil once the hub is closed.
func (h *hub) subscribe() chan syncstore.Change {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	ch := make(chan syncstore.Change, subscriberBuffer)
	h.subs[ch] = struct{}{}

	return ch
}

func (h *hub) unsubscribe(ch chan syncstore.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) publish(c syncstore.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- c:
		default:
			h.logger.Debug("event subscriber lagging, change dropped",
				slog.String("collection", c.Collection),
			)
		}
	}
}

// close ends every subscription; later subscribe calls return nil.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// handleEvents upgrades to a websocket and streams syncstore.Change values
// as JSON until the client goes away or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// The listener's write timeout would cut a long-lived stream.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		// Accept has already written the failure response.
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	changes := s.hub.subscribe()
	if changes == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.hub.unsubscribe(changes)

	ctx := conn.CloseRead(r.Context())

	s.logger.Info("event stream opened", slog.String("request_id", requestID(r.Context())))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}

			if err := s.writeEvent(ctx, conn, c); err != nil {
				s.logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, eventWriteTime)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, c syncstore.Change) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTime)
	defer cancel()

	return wsjson.Write(ctx, conn, c)
}
