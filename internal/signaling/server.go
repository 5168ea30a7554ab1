package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/ratelimit"
)

const (
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueSize        = 64
)

type Config struct {
	Registry    *presence.Registry
	Credentials CredentialIssuer
	TURNURLs    []string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// AllowedOrigins is applied to the WebSocket upgrade. Empty means same
	// host only.
	AllowedOrigins []string

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int

	Clock ratelimit.Clock
}

func (c Config) wsIdleTimeout() time.Duration {
	if c.WSIdleTimeout <= 0 {
		return DefaultWSIdleTimeout
	}
	return c.WSIdleTimeout
}

func (c Config) wsPingInterval() time.Duration {
	interval := c.WSPingInterval
	if interval <= 0 {
		interval = DefaultWSPingInterval
	}
	if idle := c.wsIdleTimeout(); interval >= idle {
		interval = idle / 2
	}
	return interval
}

func (c Config) maxMessageBytes() int64 {
	if c.MaxMessageBytes <= 0 {
		return DefaultMaxMessageBytes
	}
	return c.MaxMessageBytes
}

func (c Config) maxMessagesPerSecond() int {
	if c.MaxMessagesPerSecond <= 0 {
		return DefaultMaxMessagesPerSecond
	}
	return c.MaxMessagesPerSecond
}

func (c Config) sendQueueSize() int {
	if c.SendQueueSize <= 0 {
		return DefaultSendQueueSize
	}
	return c.SendQueueSize
}

// Server accepts signaling WebSocket connections and owns the Engine that
// processes their messages.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	engine   *Engine
	hub      *hub
	origins  origin.Policy
	upgrader websocket.Upgrader

	closeOnce sync.Once
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		cfg.Registry = presence.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		origins: origin.NewPolicy(cfg.AllowedOrigins),
	}
	s.hub = newHub(cfg.Metrics, cfg.Logger)

	engine, err := NewEngine(EngineConfig{
		Registry:    cfg.Registry,
		Outbox:      s.hub,
		Credentials: cfg.Credentials,
		TURNURLs:    cfg.TURNURLs,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := s.origins.CheckRequest(r)
			return ok
		},
	}
	return s, nil
}

func (s *Server) Engine() *Engine { return s.engine }

func (s *Server) Registry() *presence.Registry { return s.cfg.Registry }

// RegisterRoutes mounts the signaling endpoints. /socket is kept for clients
// that were written against the older path.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /signal", s)
	mux.Handle("GET /socket", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.hub.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.log.Debug("websocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := newWSConn(presence.ConnID(uuid.NewString()), ws, s.cfg.sendQueueSize())
	if !s.hub.add(c) {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	s.metrics.Inc(metrics.WSConnectionsOpened)
	s.log.Info("signaling connection opened", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	defer func() {
		s.hub.remove(c.id)
		s.engine.Disconnect(c.id)
		c.shutdown()
		s.metrics.Inc(metrics.WSConnectionsClosed)
		s.log.Info("signaling connection closed", "conn_id", c.id)
	}()

	go c.writePump(s.cfg.wsPingInterval())
	s.readLoop(c)
}

func (s *Server) readLoop(c *wsConn) {
	idle := s.cfg.wsIdleTimeout()
	limiter := ratelimit.NewMessageLimiter(s.cfg.Clock, s.cfg.maxMessagesPerSecond())

	c.ws.SetReadLimit(s.cfg.maxMessageBytes())
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				writeClose(c.ws, websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				s.metrics.Inc(metrics.MalformedMessage)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.log.Debug("signaling read failed", "conn_id", c.id, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			s.engine.sendError(c.id, "rate_limited", "too many messages")
			continue
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.MalformedMessage)
			s.engine.sendError(c.id, "bad_message", "expected text message")
			continue
		}
		s.engine.HandleMessage(c.id, data)
	}
}

// Close disconnects every client with a going-away close frame. New upgrades
// are refused afterwards.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		for _, c := range s.hub.closeAll() {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}
	})
}

// ConnectionCount reports the number of open WebSocket connections.
func (s *Server) ConnectionCount() int { return s.hub.count() }
