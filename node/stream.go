package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	streamSendSize = 256
)

type streamConn struct {
	wc   *websocket.Conn
	send chan []byte
}

// EventHub fans newly accepted events out to websocket subscribers.
// Publish is meant to be used as mdip.Options.OnEvent.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "stream"),
		conns:  make(map[*streamConn]struct{}),
	}
}

func (h *EventHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Publish queues the event for every subscriber. Subscribers that can't keep up are disconnected.
func (h *EventHub) Publish(event mdip.Event) {
	b, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "err", err)
		return
	}
	h.broadcast(b)
}

func (h *EventHub) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- b:
		default:
			h.logger.Warn("dropping slow stream subscriber", "remote", c.wc.RemoteAddr().String())
			delete(h.conns, c)
			close(c.send)
		}
	}
}

func (h *EventHub) add(c *streamConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	StreamClientsGauge.Record(context.Background(), int64(n))
}

func (h *EventHub) remove(c *streamConn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	n := len(h.conns)
	h.mu.Unlock()
	StreamClientsGauge.Record(context.Background(), int64(n))
}

// ServeHTTP handles GET /api/v1/events/stream
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &streamConn{wc: wc, send: make(chan []byte, streamSendSize)}
	h.add(c)
	h.logger.Info("stream subscriber connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go h.write(c, done)

	// subscribers don't send anything, but reading is needed to see pongs and close frames
	for {
		if _, _, err := wc.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	<-done
	h.logger.Info("stream subscriber disconnected", "remote", r.RemoteAddr)
}

func (h *EventHub) write(c *streamConn, done chan<- struct{}) {
	defer close(done)
	defer c.wc.Close()

	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.wc.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.wc.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-t.C:
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
