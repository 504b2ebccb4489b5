// Package preview serves the composite view over HTTP: a health endpoint, a
// JPEG snapshot and a websocket pushing a new JPEG whenever a frame arrives.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/composite"
	"github.com/e7canasta/camgrab/sink"
)

const (
	shutdownTimeout = 3 * time.Second
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
)

// Config configures the preview server.
type Config struct {
	// Addr is the listen address (default :8090)
	Addr string
	// Quality of the pushed JPEGs (default 80)
	Quality int
	// MinInterval rate-limits websocket pushes per client (default 100ms)
	MinInterval time.Duration
	// Status returns the acquisition status embedded in /healthz
	Status func() any
	Logger *slog.Logger
}

// Health is the /healthz document.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       uint64 `json:"composite_version"`
	Clients       int    `json:"clients"`
	Acquisition   any    `json:"acquisition,omitempty"`
}

// Server is a camgrab.Consumer rendering a composite.View for browsers.
type Server struct {
	view    *composite.View
	cfg     Config
	encoder sink.JPEG
	logger  *slog.Logger
	started time.Time

	upgrader websocket.Upgrader

	mu       sync.Mutex
	srv      *http.Server
	cancel   context.CancelFunc
	listener net.Listener
	done     chan struct{}
	err      error
	clients  int
}

var _ camgrab.Consumer = (*Server)(nil)

// New creates a server for view.
func New(view *composite.View, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 80
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		view:    view,
		cfg:     cfg,
		encoder: sink.JPEG{Quality: cfg.Quality},
		logger:  logger,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/composite.jpg", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return camgrab.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("preview: listen %s: %w", s.cfg.Addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = ln
	s.srv = &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()

	s.logger.Info("preview: server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, closing websocket clients. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, stopClients := s.srv, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	// websocket connections are hijacked and only end with the base context
	stopClients()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("preview: graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	return s.Wait()
}

// Wait blocks until the server has stopped serving.
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	clients := s.clients
	s.mu.Unlock()

	h := Health{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Version:       s.view.Version(),
		Clients:       clients,
	}
	if _, err := s.view.Frames(); err != nil {
		h.Status = "waiting"
	}
	if s.cfg.Status != nil {
		h.Acquisition = s.cfg.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h)
}

// render encodes the current composite as JPEG.
func (s *Server) render() ([]byte, error) {
	img, err := s.view.Render()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := s.encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("preview: encode composite: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	b, err := s.render()
	if errors.Is(err, camgrab.ErrNoFramesAvailable) {
		http.Error(w, "no frames available yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.logger.Error("preview: render failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(b)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("preview: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.trackClient(1)
	defer s.trackClient(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the reader only detects the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("preview: websocket read error", "error", err)
				}
				return
			}
		}
	}()

	frames := make(chan []byte)
	go s.push(ctx, frames)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(time.Second))
			return
		case b := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				s.logger.Debug("preview: websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// push renders a composite for every view update, at most one per MinInterval.
func (s *Server) push(ctx context.Context, out chan<- []byte) {
	var version uint64
	for {
		v, err := s.view.Wait(ctx, version)
		if err != nil {
			return
		}
		version = v

		b, err := s.render()
		if err == nil {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		} else if !errors.Is(err, camgrab.ErrNoFramesAvailable) {
			s.logger.Warn("preview: render failed", "error", err)
		}

		select {
		case <-time.After(s.cfg.MinInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) trackClient(delta int) {
	s.mu.Lock()
	s.clients += delta
	n := s.clients
	s.mu.Unlock()
	s.logger.Debug("preview: websocket clients", "clients", n)
}
