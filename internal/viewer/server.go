// Package viewer streams the depth buffer to remote renderers over websocket
// and exposes the runtime configuration over HTTP.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/parallax/internal/config"
	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/sink"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultMaxClients  = 16
	DefaultWriteBuffer = 4
	DefaultHTTPTimeout = 5 * time.Second
	maxConfigBody      = 1 << 12
)

type Options struct {
	// MaxClients caps concurrent /depth connections.
	MaxClients int
	// WriteBuffer is the number of frames queued per client before drops.
	WriteBuffer int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type client struct {
	id   string
	conn *websocket.Conn
	wCh  chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.wCh) })
}

// Server is both an HTTP handler and a pipeline stage: Upload and Render run
// on the render goroutine and never block on the network.
type Server struct {
	cfg      *config.PipelineConfig
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  []byte
	scale   float64
	closed  bool
}

func New(cfg *config.PipelineConfig, opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = DefaultWriteBuffer
	}
	s := &Server{
		cfg:     cfg,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("viewer"),
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: DefaultHTTPTimeout,
			CheckOrigin:      func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/depth", s.serveDepth)
	s.mux.HandleFunc("/config", s.serveConfig)
	s.mux.Handle("/metrics", opts.Metrics.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Upload encodes the buffer and queues it for every client.
func (s *Server) Upload(buf *sink.Buffer) {
	scale := s.cfg.DepthScale()
	frame := EncodeFrame(buf, scale)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest, s.scale = frame, scale
	s.broadcastLocked(frame)
}

// Render resends the latest frame when depthScale changed since it was sent.
func (s *Server) Render(depthScale float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil || depthScale == s.scale {
		return
	}
	s.latest, s.scale = withScale(s.latest, depthScale), depthScale
	s.broadcastLocked(s.latest)
}

func (s *Server) broadcastLocked(frame []byte) {
	for c := range s.clients {
		select {
		case c.wCh <- frame:
		default:
			s.metrics.ViewerDropped()
		}
	}
}

// Clients returns the number of connected /depth clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{id: uuid.New().String(), conn: conn, wCh: make(chan []byte, s.opts.WriteBuffer)}

	s.mu.Lock()
	if s.closed || len(s.clients) >= s.opts.MaxClients {
		s.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "viewer full"))
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	if s.latest != nil {
		c.wCh <- s.latest
	}
	s.mu.Unlock()

	s.metrics.ViewerConnected(1)
	s.logger.Info("client connected", zap.String("id", c.id), zap.String("remote", r.RemoteAddr))

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	c.close()
	s.mu.Unlock()
	s.metrics.ViewerConnected(-1)
	s.logger.Info("client disconnected", zap.String("id", c.id))
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for frame := range c.wCh {
		_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultHTTPTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.logger.Debug("write failed", zap.String("id", c.id), zap.Error(err))
			return
		}
	}
}

// readLoop discards client messages and returns when the connection closes.
func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(maxConfigBody)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) serveConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var u config.Update
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&u); err != nil {
			http.Error(w, "invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Update(u); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Info("config updated", zap.Any("config", s.cfg.Snapshot()))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.Snapshot())
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		c.close()
		_ = c.conn.Close()
		delete(s.clients, c)
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: DefaultHTTPTimeout,
	}
	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultHTTPTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("viewer listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
