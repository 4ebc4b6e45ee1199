package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/pkg/rpc"
)

// Transport is a client.Transport backed by a connection to a search
// worker. Its reply stream closes when the connection drops.
type Transport struct {
	conn      *rpc.Conn
	responses chan protocol.Response
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Dial connects to the search worker at addr.
func Dial(ctx context.Context, addr string) (*Transport, error) {
	conn, err := rpc.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to search worker: %w", err)
	}
	t := &Transport{
		conn:      conn,
		responses: make(chan protocol.Response, 256),
		done:      make(chan struct{}),
		logger:    slog.Default().With("component", "worker-transport", "addr", addr),
	}
	go t.readLoop()
	t.logger.Info("connected to search worker")
	return t, nil
}

func (t *Transport) Send(ctx context.Context, req protocol.Request) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sending %s request: %w", req.Kind, err)
	}
	return t.conn.Write(req)
}

func (t *Transport) Responses() <-chan protocol.Response {
	return t.responses
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) readLoop() {
	defer close(t.responses)
	for {
		var resp protocol.Response
		if err := t.conn.Read(&resp); err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warn("search worker connection lost", "error", err)
			}
			return
		}
		select {
		case t.responses <- resp:
		case <-t.done:
			return
		}
	}
}
