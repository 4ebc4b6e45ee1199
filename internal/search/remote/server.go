// Package remote runs the query engine behind a TCP listener so that search
// front ends in other processes can share one worker. The server keeps a
// route table from correlation ID to the connection that sent the request
// and writes each engine reply back on that connection.
package remote

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chaos-browser/sitesearch/internal/search/engine"
	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
	"github.com/chaos-browser/sitesearch/pkg/rpc"
)

type Server struct {
	engine  *engine.Engine
	rpc     *rpc.Server
	mu      sync.Mutex
	routes  map[string]*rpc.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewServer(e *engine.Engine, m *metrics.Metrics) *Server {
	s := &Server{
		engine:  e,
		routes:  make(map[string]*rpc.Conn),
		metrics: m,
		logger:  slog.Default().With("component", "search-worker"),
	}
	s.rpc = rpc.NewServer(s.handleConn)
	return s
}

func (s *Server) Listen(addr string) error {
	return s.rpc.Listen(addr)
}

func (s *Server) Addr() string {
	return s.rpc.Addr()
}

// Serve accepts front-end connections and relays engine replies until ctx
// is cancelled. The engine's Run loop must be started separately.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.rpc.Serve(ctx) })
	g.Go(func() error {
		s.dispatch(ctx)
		return nil
	})
	return g.Wait()
}

// Routes returns the number of requests awaiting an engine reply.
func (s *Server) Routes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

func (s *Server) handleConn(ctx context.Context, conn *rpc.Conn) {
	remote := conn.RemoteAddr()
	s.logger.Info("front end connected", "remote", remote)
	defer func() {
		n := s.dropRoutes(conn)
		s.logger.Info("front end disconnected", "remote", remote, "abandoned", n)
	}()

	for {
		var req protocol.Request
		if err := conn.Read(&req); err != nil {
			return
		}
		if req.CorrelationID == "" {
			_ = conn.Write(protocol.Response{
				Kind:  protocol.KindError,
				Code:  protocol.CodeBadRequest,
				Error: "missing correlation id",
			})
			continue
		}

		s.mu.Lock()
		_, inFlight := s.routes[req.CorrelationID]
		if !inFlight {
			s.routes[req.CorrelationID] = conn
		}
		s.mu.Unlock()
		if inFlight {
			s.logger.Warn("duplicate correlation id", "correlation_id", req.CorrelationID, "remote", remote)
			_ = conn.Write(protocol.Response{
				Kind:          protocol.KindError,
				CorrelationID: req.CorrelationID,
				Code:          protocol.CodeBadRequest,
				Error:         "correlation id already in flight",
			})
			continue
		}

		if err := s.engine.Send(ctx, req); err != nil {
			s.take(req.CorrelationID)
			s.logger.Warn("engine unavailable", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-s.engine.Responses():
			conn := s.take(resp.CorrelationID)
			if conn == nil {
				s.metrics.UnmatchedResponsesTotal.Inc()
				s.logger.Debug("no route for engine reply",
					"correlation_id", resp.CorrelationID,
					"kind", resp.Kind,
				)
				continue
			}
			if err := conn.Write(resp); err != nil {
				s.logger.Warn("failed to relay reply",
					"correlation_id", resp.CorrelationID,
					"error", err,
				)
			}
		}
	}
}

func (s *Server) take(id string) *rpc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.routes[id]
	if !ok {
		return nil
	}
	delete(s.routes, id)
	return conn
}

// dropRoutes forgets every request sent over conn.
func (s *Server) dropRoutes(conn *rpc.Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.routes {
		if c == conn {
			delete(s.routes, id)
			n++
		}
	}
	return n
}
