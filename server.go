package chatsock

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Handler is the interface for handling incoming TCP connections.
// Implementations should handle the connection lifecycle and message processing.
type Handler interface {
	// Handle is called for each new connection.
	// The implementation is responsible for managing the connection.
	Handle(conn *net.TCPConn)
}

// ConnHandler serves every accepted connection as a Conn feeding dispatcher.
type ConnHandler struct {
	ctx        context.Context
	dispatcher *Dispatcher
	opts       []Option
}

// NewConnHandler returns a Handler that runs a Conn per connection until ctx is canceled.
func NewConnHandler(ctx context.Context, dispatcher *Dispatcher, opts ...Option) *ConnHandler {
	return &ConnHandler{ctx: ctx, dispatcher: dispatcher, opts: opts}
}

// Handle runs conn to completion.
func (h *ConnHandler) Handle(conn *net.TCPConn) {
	c, err := NewConn(conn, h.dispatcher, h.opts...)
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = c.Run(h.ctx)
}

// Server represents a TCP server that listens for incoming connections.
// Each accepted connection runs on a worker from a bounded goroutine pool.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	maxConnections  int
	pool            *ants.Pool
	acceptLimiter   *rate.Limiter

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. This gives existing connections time to complete.
// Default is 0 (immediate shutdown).
//
// Note: This only delays listener closure. Connections are drained by
// canceling the context passed to NewConnHandler.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerMaxConnectionsOption bounds the number of connections served at
// once. Connections accepted beyond the limit are closed immediately.
// Zero or a negative value means no limit.
func ServerMaxConnectionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// ServerAcceptRateOption limits how fast new connections are admitted.
// Connections accepted faster than perSecond, beyond burst, are closed
// immediately. A non-positive perSecond means no limit.
func ServerAcceptRateOption(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond <= 0 {
			s.acceptLimiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.acceptLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	size := s.maxConnections
	if size <= 0 {
		size = -1
	}
	s.pool, err = ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		_ = listener.Close()
		return nil, pkgerrors.Wrap(err, "create connection pool")
	}

	return s, nil
}

// Serve starts accepting connections and dispatching them to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// When the context is canceled, it stops accepting new connections gracefully.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before stopping, allowing existing handlers to complete. Call Close()
// to bypass the timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr(), "max_connections", s.maxConnections)

	// Start a goroutine to handle context cancellation
	go func() {
		<-ctx.Done()

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
				// Timeout expired, proceed with shutdown
			case <-s.shutdownNow:
				// Close() was called, skip remaining timeout
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				s.pool.Release()
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())

		if s.acceptLimiter != nil && !s.acceptLimiter.Allow() {
			s.logger.Warn("connection rejected", "remote_addr", conn.RemoteAddr(), "error", "accept rate exceeded")
			_ = conn.Close()
			continue
		}

		_ = conn.SetNoDelay(true)

		if err := s.pool.Submit(func() { handler.Handle(conn) }); err != nil {
			s.logger.Warn("connection rejected", "remote_addr", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
		}
	}
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// Any blocked Accept calls will return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
		// Channel already has a signal or no one is listening
	}

	s.pool.Release()
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	return s.pool.Running()
}
