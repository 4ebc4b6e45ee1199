package client

import (
	"context"

	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	apperrors "github.com/chaos-browser/sitesearch/pkg/errors"
)

func (c *Client) register(id string, reply chan protocol.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperrors.ErrClientClosed
	}
	c.pending[id] = reply
	c.metrics.PendingRequests.Set(float64(len(c.pending)))
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	c.metrics.PendingRequests.Set(float64(len(c.pending)))
}

// take removes and returns the pending entry for id.
func (c *Client) take(id string) (chan protocol.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.metrics.PendingRequests.Set(float64(len(c.pending)))
	}
	return reply, ok
}

func (c *Client) dispatch(ctx context.Context) {
	defer close(c.done)
	defer c.closePending()
	responses := c.transport.Responses()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("search client stopping", "reason", ctx.Err())
			return
		case resp, ok := <-responses:
			if !ok {
				c.logger.Warn("engine response stream closed")
				return
			}
			c.resolve(resp)
		}
	}
}

func (c *Client) resolve(resp protocol.Response) {
	reply, ok := c.take(resp.CorrelationID)
	if !ok {
		// A build whose caller gave up still replaced the engine's index.
		if resp.Kind == protocol.KindReady && resp.IndexID != "" {
			c.setIndexID(resp.IndexID)
		}
		c.metrics.UnmatchedResponsesTotal.Inc()
		c.logger.Debug("discarding unmatched response",
			"correlation_id", resp.CorrelationID,
			"kind", resp.Kind,
		)
		return
	}
	// reply has capacity 1 and exactly one sender.
	reply <- resp
}

// closePending fails every outstanding call and refuses new ones.
func (c *Client) closePending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if n := len(c.pending); n > 0 {
		c.logger.Warn("failing pending requests", "count", n)
	}
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	c.metrics.PendingRequests.Set(0)
}
