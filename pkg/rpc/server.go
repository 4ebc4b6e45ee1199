package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ConnHandler serves one accepted connection. The connection is closed
// when the handler returns.
type ConnHandler func(ctx context.Context, conn *Conn)

// Server accepts connections and hands each to a ConnHandler on its own
// goroutine.
type Server struct {
	handler  ConnHandler
	listener net.Listener
	logger   *slog.Logger
	mu       sync.Mutex
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func NewServer(handler ConnHandler) *Server {
	return &Server{
		handler: handler,
		logger:  slog.Default().With("component", "rpc-server"),
		conns:   make(map[*Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Listen binds addr. Use ":0" to pick a free port and Addr to find it.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("rpc server: Serve called before Listen")
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		conn := newConn(nc)
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.logger.Debug("connection accepted", "remote", conn.RemoteAddr())
			s.handler(ctx, conn)
		}()
	}
}

func (s *Server) track(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("rpc server stopped")
	})
}
