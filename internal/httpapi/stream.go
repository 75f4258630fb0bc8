package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fiscalgw/adapter/internal/store"
)

// statusHeartbeatFloor is the minimum push interval for the WebSocket
// status stream even when no Buffer Event occurs, per SPEC_FULL.md §4.10.
const statusHeartbeatFloor = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The status stream is read by the operator's own tooling across
	// origins (e.g. a locally-served dashboard); it carries no
	// credential beyond what the underlying HTTP connection already
	// required to reach this handler.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusHub fans a *store.BufferEvent-triggered status recompute out to
// every connected WebSocket client, plus a floor-interval heartbeat so an
// idle terminal's stream doesn't go silent.
type statusHub struct {
	buf *store.Store

	mu      sync.Mutex
	clients map[chan struct{}]struct{}
}

func newStatusHub(buf *store.Store) *statusHub {
	h := &statusHub{buf: buf, clients: make(map[chan struct{}]struct{})}
	buf.OnEvent(func(store.BufferEvent) { h.notifyAll() })
	return h
}

func (h *statusHub) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *statusHub) unsubscribe(ch chan struct{}) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *statusHub) notifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- struct{}{}:
		default: // client already has a pending wakeup queued
		}
	}
}

// handleBufferStatusStream upgrades to a WebSocket and pushes the
// composite buffer status on every Buffer Event and at the heartbeat
// floor, per SPEC_FULL.md §4.10. It never blocks fiscalization: a slow or
// disconnected client only drops its own pushes.
func (s *Server) handleBufferStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	wake := s.hub.subscribe()
	defer s.hub.unsubscribe(wake)

	ticker := time.NewTicker(statusHeartbeatFloor)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		if err := s.pushStatus(conn); err != nil {
			return
		}
		select {
		case <-wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) pushStatus(conn *websocket.Conn) error {
	status, err := s.buf.Status(context.Background())
	if err != nil {
		return conn.WriteJSON(map[string]string{"error": err.Error()})
	}
	return conn.WriteJSON(bufferStatusResponse{BufferStatus: status, CircuitBreakerState: s.cb.State().String()})
}
