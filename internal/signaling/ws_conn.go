package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/presence"
)

const wsWriteWait = 5 * time.Second

// wsConn owns the write side of one WebSocket. All data frames go through
// send and are written by writePump; only control frames are written from
// other goroutines.
type wsConn struct {
	id   presence.ConnID
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(id presence.ConnID, ws *websocket.Conn, queueSize int) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// trySend queues data without blocking. It reports false when the queue is
// full or the connection is closing.
func (c *wsConn) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	writeClose(c.ws, code, reason)
	c.shutdown()
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// hub is the Outbox backed by live WebSocket connections.
type hub struct {
	metrics *metrics.Metrics
	log     *slog.Logger

	mu           sync.RWMutex
	conns        map[presence.ConnID]*wsConn
	shuttingDown bool
}

func newHub(m *metrics.Metrics, logger *slog.Logger) *hub {
	return &hub{
		metrics: m,
		log:     logger,
		conns:   make(map[presence.ConnID]*wsConn),
	}
}

func (h *hub) add(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shuttingDown {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *hub) remove(id presence.ConnID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shuttingDown
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// closeAll marks the hub closed and returns the connections that were open.
func (h *hub) closeAll() []*wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shuttingDown = true
	out := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) Send(id presence.ConnID, data []byte) {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver(c, data)
}

func (h *hub) Broadcast(data []byte) {
	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
}

func (h *hub) deliver(c *wsConn, data []byte) {
	if c.trySend(data) || c.closed() {
		return
	}
	h.metrics.Inc(metrics.SendBackpressure)
	h.log.Warn("dropping signaling message for slow connection", "conn_id", c.id, "queue", cap(c.send))
}
