package wsdriver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/logging"
	"github.com/neboloop/pagewright/internal/metrics"
)

// Factory opens the driver that serves one connection.
type Factory func(ctx context.Context) (driver.Driver, error)

// ServerOptions configure NewServer.
type ServerOptions struct {
	Factory Factory
	Logger  *slog.Logger
	// Registry receives driver metrics and is served on /metrics. Optional.
	Registry *prometheus.Registry
	// MaxInflight caps concurrent commands per connection. Defaults to 64.
	MaxInflight int
}

// Server hands each websocket connection its own driver.
type Server struct {
	opts     ServerOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*serverConn
}

// NewServer creates a server. Mount Router on an http.Server.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Component("wsdriver")
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 64
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Drivers are served to test runners, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*serverConn),
	}
	if opts.Registry != nil {
		s.metrics = metrics.New(opts.Registry)
	}
	return s
}

// Router returns the HTTP routes: the websocket endpoint, a health check
// and, when a registry is configured, Prometheus metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get(Path, s.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": s.Connections()})
	})
	if s.opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves driver commands until the peer
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	id := "conn-" + uuid.NewString()[:8]
	logger := s.logger.With("conn", id, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	drv, err := s.opts.Factory(ctx)
	if err != nil {
		cancel()
		logger.Error("driver launch failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, truncate(err.Error(), 120)),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	var observe driver.ObserveFunc
	if s.metrics != nil {
		observe = s.metrics.ObserveDriver
	}

	sc := &serverConn{
		id:     id,
		conn:   conn,
		driver: driver.Logged(drv, logger, observe),
		raw:    drv,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, s.opts.MaxInflight),
		logger: logger,
	}
	s.mu.Lock()
	s.conns[id] = sc
	s.mu.Unlock()
	logger.Info("driver connection opened")

	go sc.writePump()
	sc.readPump()

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	logger.Info("driver connection closed")
}

// Close drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

type serverConn struct {
	id     string
	conn   *websocket.Conn
	driver driver.Driver
	raw    driver.Driver
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// readPump reads requests and runs each on its own goroutine.
func (c *serverConn) readPump() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		close(c.send)
		if err := c.raw.Close(); err != nil {
			c.logger.Warn("driver close failed", "error", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.logger.Warn("dropping malformed request", "error", err)
			continue
		}
		select {
		case c.slots <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		c.wg.Add(1)
		go func() {
			defer func() {
				<-c.slots
				c.wg.Done()
			}()
			c.handle(req)
		}()
	}
}

func (c *serverConn) handle(req request) {
	ctx := c.ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	r := reply{ID: req.ID}
	resp, err := c.driver.Send(ctx, req.Cmd)
	if err != nil {
		r.Error = encodeError(err)
	} else {
		r.Resp = &resp
	}
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Error("encode reply failed", "error", err)
		data, _ = json.Marshal(reply{ID: req.ID, Error: &wireError{Message: err.Error()}})
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// writePump serializes replies onto the connection and keeps it alive.
func (c *serverConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
