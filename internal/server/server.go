// Package server accepts judge connections and runs one bridge session
// per connection.
package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/judgebridge/judgebridge/internal/bridge"
)

type Server struct {
	addr string
	deps bridge.Deps
	log  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

func New(addr string, deps bridge.Deps, log *zap.Logger) *Server {
	return &Server{addr: addr, deps: deps, log: log}
}

// ListenAndServe accepts connections until ctx is canceled or the
// listener fails. Each connection gets its own session goroutine;
// sessions clean themselves up.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("judge server listening", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		session := bridge.NewSession(conn, s.deps)
		go session.Run()
	}
}

// Addr reports the bound listen address, nil before ListenAndServe.
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
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
