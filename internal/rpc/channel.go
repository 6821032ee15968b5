// Package rpc layers JSON-RPC 2.0 request/response correlation over a single bidirectional frame socket to a bike.
// The server assigns monotonically increasing request ids; a per-channel pending table parks each caller until the
// matching response arrives, the call times out, or the socket closes.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel errors for the rpc package.
var (
	ErrTimeout       = fmt.Errorf("rpc call timed out")
	ErrDisconnected  = fmt.Errorf("socket closed with the call outstanding")
	ErrDoubleResolve = fmt.Errorf("response id already resolved")
)

// pendingCall parks one caller. done is closed exactly once, after resp or err is set.
type pendingCall struct {
	done chan struct{}
	resp *Response
	err  error
}

// Channel correlates requests and responses on one socket. Send is supplied by the session layer and must be safe to
// call from multiple goroutines; the session's write path serializes frames onto the socket.
type Channel struct {
	send func(data []byte) error
	log  zerolog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool
}

// NewChannel creates a channel sending frames through the given function.
func NewChannel(send func(data []byte) error, logger zerolog.Logger) *Channel {
	return &Channel{
		send:    send,
		log:     logger,
		pending: make(map[int64]*pendingCall),
	}
}

// Call sends a request and suspends the caller until the matching response arrives, the timeout elapses
// (ErrTimeout), the socket closes (ErrDisconnected), or ctx is cancelled. The pending-table entry is removed on every
// exit path, so an abandoned call never leaks.
func (c *Channel) Call(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		rawParams = encoded
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{done: make(chan struct{})}
	c.pending[id] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", method, err)
	}
	if err := c.send(frame); err != nil {
		return nil, fmt.Errorf("send request for %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-call.done:
		return call.resp, call.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a response to the caller waiting on its id. Responses with unknown ids are dropped and logged
// (the caller may have timed out or abandoned the call). Resolving an id that has already been resolved is a
// programming error and returns ErrDoubleResolve.
func (c *Channel) Resolve(resp *Response) error {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if !ok {
		c.mu.Unlock()
		c.log.Warn().Int64("id", resp.ID).Msg("Dropping response with unknown id")
		return nil
	}

	select {
	case <-call.done:
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDoubleResolve, resp.ID)
	default:
	}

	call.resp = resp
	close(call.done)
	c.mu.Unlock()
	return nil
}

// Close fails every outstanding call with ErrDisconnected and rejects future calls. Closing twice is a no-op.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for id, call := range c.pending {
		select {
		case <-call.done:
		default:
			call.err = ErrDisconnected
			close(call.done)
		}
		delete(c.pending, id)
	}
}

// Outstanding returns the number of calls currently awaiting a response.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
