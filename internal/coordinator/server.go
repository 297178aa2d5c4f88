package coordinator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/internal/protocol"
	"github.com/bardlex/orepool/pkg/log"
)

// ServerConfig holds the listener settings
type ServerConfig struct {
	Address        string
	Transport      string
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
}

// ServerConfigFrom extracts the listener settings from cfg
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		Address:        cfg.ListenAddress(),
		Transport:      cfg.Transport,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

// Server accepts pool connections and runs a Session for each. A process
// holds exactly one; EnsureStarted may be called any number of times.
type Server struct {
	cfg     ServerConfig
	handler protocol.Handler
	logger  *log.Logger

	startOnce sync.Once
	startErr  error

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	sessions map[string]*protocol.Session
	// active counts reserved slots, including connections not yet serving
	active int
	closed bool
	mu     sync.Mutex
	wg       sync.WaitGroup
}

// NewServer creates a server that is not yet listening
func NewServer(cfg ServerConfig, handler protocol.Handler, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithComponent("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*protocol.Session),
	}
}

// EnsureStarted binds the listener on first call and serves in the
// background. Later calls return the first call's result.
func (s *Server) EnsureStarted(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Server) start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	switch s.cfg.Transport {
	case config.TransportTCP:
		s.wg.Add(1)
		go s.acceptLoop()
	default:
		s.httpServer = &http.Server{
			Handler:           http.HandlerFunc(s.serveWebSocket),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.WithError(err).Error("websocket server failed")
			}
		}()
	}

	s.logger.Info("server listening", "address", listener.Addr().String(), "transport", s.transport())
	return nil
}

func (s *Server) transport() string {
	if s.cfg.Transport == config.TransportTCP {
		return config.TransportTCP
	}
	return config.TransportWebSocket
}

// Addr returns the bound address, or nil before EnsureStarted succeeded
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of open connections
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if protocol.IsClosedError(err) {
				return
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		frameConn := protocol.NewLineConn(conn, s.cfg.MaxMessageSize)
		if !s.track() {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.untrack()
			s.serve(frameConn)
		}()
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.untrack()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr)
		return
	}
	s.serve(protocol.NewWebSocketConn(conn, s.cfg.MaxMessageSize, s.cfg.ReadTimeout))
}

// track reserves a connection slot; the caller must call untrack when true
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.cfg.MaxConnections > 0 && s.active >= s.cfg.MaxConnections {
		s.logger.Warn("connection limit reached", "max_connections", s.cfg.MaxConnections)
		return false
	}
	s.active++
	s.wg.Add(1)
	return true
}

func (s *Server) untrack() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.wg.Done()
}

// serve runs a session for conn. A connection reaching it after Shutdown
// began is closed without being served.
func (s *Server) serve(conn protocol.FrameConn) {
	session := protocol.NewSession(uuid.NewString(), conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
	}()

	if err := session.Run(s.ctx, s.handler); err != nil && err != context.Canceled {
		session.Logger().WithError(err).Debug("session ended")
	}
}

// Shutdown stops accepting, closes every session and waits for them to finish
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	s.closed = true
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.Unlock()

	s.cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close websocket server")
		}
	} else if s.listener != nil {
		if err := s.listener.Close(); err != nil && !protocol.IsClosedError(err) {
			s.logger.WithError(err).Error("failed to close listener")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
