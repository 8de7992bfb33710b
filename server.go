package agentlink

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling agent connections accepted by a Server.
type Handler interface {
	// Handle is called on its own goroutine for each new connection.
	// The connection is closed when Handle returns.
	Handle(ctx context.Context, conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn)

func (f HandlerFunc) Handle(ctx context.Context, conn *Conn) {
	f(ctx, conn)
}

// Server is the emulator end of the agent socket. It binds the socket path
// and hands every agent connection to a Handler.
type Server struct {
	path            string
	listener        *net.UnixListener
	logger          Logger
	connOpts        []Option
	shutdownTimeout time.Duration

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	conns       sync.WaitGroup
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
// When the context is canceled, the server waits up to this duration
// before closing the listener.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options applied to accepted connections.
func ServerConnOptions(opt ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opt...)
	}
}

// Listen binds a Unix stream socket at path. A stale socket file left by a
// previous process is removed first.
func Listen(path string, opts ...ServerOption) (*Server, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", path)
	}
	listener.SetUnlinkOnClose(true)

	s := &Server{
		path:        path,
		listener:    listener,
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Connections log through the server logger unless told otherwise.
	s.connOpts = append([]Option{LoggerOption(s.logger)}, s.connOpts...)

	return s, nil
}

// Serve accepts connections and dispatches them to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs,
// then waits for running handlers to return.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "path", s.path)

	connCtx, cancelConns := context.WithCancel(ctx)
	defer func() {
		cancelConns()
		s.conns.Wait()
	}()

	go func() {
		<-ctx.Done()

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
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
		raw, err := s.listener.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "path", s.path)
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		conn := NewConn(raw, s.connOpts...)
		s.logger.Debug("accepted agent connection", "path", s.path)

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			handler.Handle(connCtx, conn)
		}()
	}
}

// Close stops the server and removes the socket file.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Path returns the socket path the server is bound to.
func (s *Server) Path() string {
	return s.path
}
