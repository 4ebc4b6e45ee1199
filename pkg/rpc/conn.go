// Package rpc provides a lightweight JSON-over-TCP message transport for
// internal service-to-service communication.
//
// Protocol: newline-delimited JSON over a persistent TCP connection. Unlike
// a request/response RPC, either side may write at any time; replies are
// matched to requests by the payload, not by the transport.
//
// Example server:
//
//	s := rpc.NewServer(func(ctx context.Context, c *rpc.Conn) {
//	    var msg Message
//	    for c.Read(&msg) == nil {
//	        _ = c.Write(reply(msg))
//	    }
//	})
//	_ = s.Listen(":9100")
//	_ = s.Serve(ctx)
//
// Example client:
//
//	c, _ := rpc.Dial(ctx, "localhost:9100")
//	_ = c.Write(&Message{...})
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Conn is one framed connection. Write is safe for concurrent use; Read
// must be called from a single goroutine.
type Conn struct {
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	mu      sync.Mutex
}

func newConn(conn net.Conn) *Conn {
	return &Conn{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(bufio.NewReader(conn)),
	}
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return newConn(conn), nil
}

// Write encodes v as one message.
func (c *Conn) Write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.encoder.Encode(v); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Read decodes the next message into v.
func (c *Conn) Read(v any) error {
	if err := c.decoder.Decode(v); err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	return nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying TCP connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
