package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// eventHub fans state Events out to websocket subscribers. A subscriber
// that cannot keep up with the bus stream is dropped rather than allowed
// to stall delivery for everyone else.
type eventHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*wsSession]struct{}

	join   chan *wsSession
	leave  chan *wsSession
	events chan Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsSession struct {
	conn *websocket.Conn
	out  chan []byte
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		logger: logger,
		subs:   make(map[*wsSession]struct{}),
		join:   make(chan *wsSession),
		leave:  make(chan *wsSession),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Run owns the subscriber set until Stop. Each event is marshalled once
// and the same bytes go to every subscriber.
func (h *eventHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for sess := range h.subs {
				close(sess.out)
				delete(h.subs, sess)
			}
			h.mu.Unlock()
			return

		case sess := <-h.join:
			h.mu.Lock()
			h.subs[sess] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber joined", "subscribers", n)

		case sess := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[sess]; ok {
				delete(h.subs, sess)
				close(sess.out)
			}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber left", "subscribers", n)

		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("ws event marshal", "type", ev.Type, "err", err)
				continue
			}
			h.mu.Lock()
			for sess := range h.subs {
				select {
				case sess.out <- data:
				default:
					delete(h.subs, sess)
					close(sess.out)
					h.logger.Warn("ws subscriber evicted", "type", ev.Type)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and closes every subscriber. Safe to call
// more than once.
func (h *eventHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Publish queues an event for delivery. Drops when the hub itself is
// backlogged so gateway listeners never block on the web layer.
func (h *eventHub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws event queue full, dropping", "type", ev.Type)
	}
}

func (h *eventHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	sess := &wsSession{
		conn: conn,
		out:  make(chan []byte, 64),
	}

	select {
	case s.wsHub.join <- sess:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(sess)
	s.wsReadPump(sess)
}

func (s *Server) wsWritePump(sess *wsSession) {
	for msg := range sess.out {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sess.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	sess.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(sess *wsSession) {
	defer func() {
		select {
		case s.wsHub.leave <- sess:
		case <-s.wsHub.done:
			// Hub already shut down; close connection directly.
			sess.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the read when the hub shuts down.
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clients only listen; inbound frames are drained and ignored.
	for {
		_, _, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
