package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Response is the data of a frame that answered a request
type Response struct {
	Cmd  string
	Data json.RawMessage
}

// Decode unmarshals the response data into v
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("error decoding %s response: %w", r.Cmd, err)
	}
	return nil
}

// Future is a request waiting for its response
type Future struct {
	id       uint64
	cmd      string
	replyCmd string
	client   *Client
	start    time.Time

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

func newFuture(c *Client, id uint64, cmd, replyCmd string) *Future {
	return &Future{
		id:       id,
		cmd:      cmd,
		replyCmd: replyCmd,
		client:   c,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
}

// ID returns the correlation id of the request
func (f *Future) ID() uint64 {
	return f.id
}

// Done is closed once the future is resolved or failed
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the response arrives, the request fails, or ctx ends.
// Ending ctx abandons the request; a response arriving later is published
// as an ordinary event.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		f.client.settle(f, nil, fmt.Errorf("request %s #%d: %w", f.cmd, f.id, ctx.Err()))
		<-f.done
		return f.resp, f.err
	}
}

func (f *Future) complete(resp *Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		requestDuration.WithLabelValues(f.cmd, outcome).Observe(time.Since(f.start).Seconds())
		close(f.done)
	})
}

// Go sends a request and returns its future without waiting
func (c *Client) Go(cmd string, data any) *Future {
	return c.goWithReply(cmd, "", data)
}

// Request sends a request and waits for its response
func (c *Client) Request(ctx context.Context, cmd string, data any) (*Response, error) {
	return c.Go(cmd, data).Wait(ctx)
}

// call is Request for commands whose reply the backend may send without
// echoing the correlation id. Such replies go to the oldest request waiting
// for replyCmd.
func (c *Client) call(ctx context.Context, cmd, replyCmd string, data any) (*Response, error) {
	return c.goWithReply(cmd, replyCmd, data).Wait(ctx)
}

func (c *Client) goWithReply(cmd, replyCmd string, data any) *Future {
	id := c.nextID.Add(1)
	f := newFuture(c, id, cmd, replyCmd)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.complete(nil, ErrClientClosed)
		return f
	}
	c.pending[id] = f
	if replyCmd != "" {
		c.awaiting[replyCmd] = append(c.awaiting[replyCmd], f)
	}
	c.mu.Unlock()
	pendingRequests.Inc()

	if err := c.conn.Send(cmd, data, &id); err != nil {
		c.settle(f, nil, err)
	}
	return f
}

// removeLocked unregisters f. It reports false when f was already resolved.
func (c *Client) removeLocked(f *Future) bool {
	if _, ok := c.pending[f.id]; !ok {
		return false
	}
	delete(c.pending, f.id)
	if f.replyCmd != "" {
		waiters := c.awaiting[f.replyCmd]
		for i, w := range waiters {
			if w == f {
				waiters = append(waiters[:i:i], waiters[i+1:]...)
				break
			}
		}
		if len(waiters) == 0 {
			delete(c.awaiting, f.replyCmd)
		} else {
			c.awaiting[f.replyCmd] = waiters
		}
	}
	pendingRequests.Dec()
	return true
}

// settle resolves f unless something else already did
func (c *Client) settle(f *Future, resp *Response, err error) bool {
	c.mu.Lock()
	ok := c.removeLocked(f)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.conn.forget(f.id)
	f.complete(resp, err)
	return true
}

// takeByID removes and returns the request with correlation id id
func (c *Client) takeByID(id uint64) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.pending[id]
	if !ok {
		return nil
	}
	c.removeLocked(f)
	return f
}

// takeByReply removes and returns the oldest request waiting for cmd
func (c *Client) takeByReply(cmd string) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.awaiting[cmd]
	if len(waiters) == 0 {
		return nil
	}
	f := waiters[0]
	c.removeLocked(f)
	return f
}

// connectionLost fails the requests written on a socket that went away
func (c *Client) connectionLost(ids []uint64) {
	for _, id := range ids {
		f := c.takeByID(id)
		if f == nil {
			continue
		}
		c.logger.Warn("request lost with connection",
			slog.String("cmd", f.cmd),
			slog.Uint64("cmdid", id),
		)
		f.complete(nil, fmt.Errorf("request %s #%d: %w", f.cmd, id, ErrConnectionLost))
	}
}

// Pending returns the number of requests waiting for a response
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

type correlation struct {
	CmdID *uint64 `json:"cmdid"`
}

// correlationID extracts data.cmdid. Data that is not an object, or an id of
// zero, carries no correlation.
func correlationID(data json.RawMessage) (uint64, bool) {
	if len(data) == 0 || data[0] != '{' {
		return 0, false
	}
	var c correlation
	if err := json.Unmarshal(data, &c); err != nil || c.CmdID == nil || *c.CmdID == 0 {
		return 0, false
	}
	return *c.CmdID, true
}
