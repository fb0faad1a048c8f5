package socket

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// KeepAliveInterval matches the teacher's transport defaults — sockets are
// otherwise unauthenticated, so keeping dead connections detectable still
// matters.
const KeepAliveInterval = 30 * time.Second

// Server accepts TCP connections and hands each one, wrapped as a Socket,
// to a handler. It has no TLS and no handshake: the specification treats
// authentication as an external, out-of-scope concern.
type Server struct {
	logger Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a Server that will log through logger (or a no-op
// logger if nil).
func NewServer(logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{logger: logger}
}

// Listen starts accepting connections on addr and calls onConnect for each
// new Socket, blocking until Close is called or the listener errors. The
// callback receives the net.Conn and Socket pair so the caller
// can kick off Serve in its own goroutine.
func (s *Server) Listen(addr string, onConnect func(net.Conn, Socket)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socket: listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr())

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(KeepAliveInterval)
		}

		sock := New(nc, s.logger)
		onConnect(nc, sock)
	}
}

// Addr returns the listener's address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
