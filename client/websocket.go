package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of the underlying socket
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	writeWait      = 10 * time.Second
	closeGraceWait = time.Second
)

// Connection is a self-healing websocket to the backend.
//
// Frames sent while the socket is not open are queued and flushed in order
// once it opens. A closed socket is replaced after a fixed delay, forever,
// until Close is called.
type Connection struct {
	url            string
	header         http.Header
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *slog.Logger

	onMessage func([]byte)
	onState   func(State)
	onLost    func(ids []uint64)

	mu         sync.Mutex
	conn       *websocket.Conn
	gen        uint64
	state      State
	queue      []outbound
	msgContext map[string]any
	written    map[uint64]struct{}
	readDone   chan struct{}
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type connectionConfig struct {
	url            string
	header         http.Header
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *slog.Logger
	onMessage      func([]byte)
	onState        func(State)
	onLost         func(ids []uint64)
}

func newConnection(cfg connectionConfig) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		url:            cfg.url,
		header:         cfg.header,
		dialer:         cfg.dialer,
		reconnectDelay: cfg.reconnectDelay,
		logger:         cfg.logger,
		onMessage:      cfg.onMessage,
		onState:        cfg.onState,
		onLost:         cfg.onLost,
		state:          StateConnecting,
		msgContext:     map[string]any{},
		ctx:            ctx,
		cancel:         cancel,
	}
	if c.onMessage == nil {
		c.onMessage = func([]byte) {}
	}
	if c.onState == nil {
		c.onState = func(State) {}
	}
	if c.onLost == nil {
		c.onLost = func([]uint64) {}
	}
	return c
}

func (c *Connection) start() {
	c.wg.Add(1)
	go c.run()
}

// URL returns the websocket endpoint
func (c *Connection) URL() string {
	return c.url
}

// State returns the current socket state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Queued returns the number of frames waiting for the socket to open
func (c *Connection) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// SetContext replaces the context merged into every frame written from now on,
// including frames already queued.
func (c *Connection) SetContext(ctx map[string]any) {
	if ctx == nil {
		ctx = map[string]any{}
	}
	c.mu.Lock()
	c.msgContext = ctx
	c.mu.Unlock()
}

// Send writes a frame, or queues it when the socket is not open. It fails
// only when data cannot be encoded or the connection was closed.
func (c *Connection) Send(cmd string, data any, cmdID *uint64) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	f := outbound{cmd: cmd, data: raw, cmdID: cmdID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	if c.state == StateOpen && c.conn != nil {
		err := c.writeLocked(f)
		if err == nil {
			return nil
		}
		c.logger.Warn("websocket write failed, queueing frame",
			slog.String("cmd", cmd),
			slog.String("error", err.Error()),
		)
		// the read loop notices the broken socket and reports the drop
		c.state = StateClosing
		c.conn.Close()
	}

	c.queue = append(c.queue, f)
	framesQueuedTotal.Inc()
	return nil
}

// forget drops id from the set of requests written on the current socket
func (c *Connection) forget(id uint64) {
	c.mu.Lock()
	delete(c.written, id)
	c.mu.Unlock()
}

func (c *Connection) writeLocked(f outbound) error {
	frame := Frame{
		Cmd:       f.cmd,
		Data:      f.data,
		Context:   c.msgContext,
		CmdID:     f.cmdID,
		Timestamp: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("error encoding frame: %w", err)
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return err
	}

	if f.cmdID != nil {
		c.written[*f.cmdID] = struct{}{}
	}
	framesSentTotal.WithLabelValues(f.cmd).Inc()
	return nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.closed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.onState(s)
}

func (c *Connection) run() {
	defer c.wg.Done()

	for {
		c.setState(StateConnecting)

		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("websocket dial failed",
				slog.String("url", c.url),
				slog.String("error", err.Error()),
			)
		} else if done, ok := c.attach(conn); ok {
			<-done
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
		reconnectsTotal.Inc()
		c.logger.Debug("reconnecting websocket", slog.String("url", c.url))
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(c.ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("error connecting to websocket: %w", err)
	}
	return conn, nil
}

// attach installs a fresh socket, flushes the queue and starts reading.
// Nothing else can write until the flush is over.
func (c *Connection) attach(conn *websocket.Conn) (<-chan struct{}, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, false
	}

	c.gen++
	gen := c.gen
	c.conn = conn
	c.written = make(map[uint64]struct{})
	done := make(chan struct{})
	c.readDone = done

	flushed := 0
	var flushErr error
	for _, f := range c.queue {
		if flushErr = c.writeLocked(f); flushErr != nil {
			break
		}
		flushed++
	}
	c.queue = append(c.queue[:0:0], c.queue[flushed:]...)

	if flushErr != nil {
		c.logger.Warn("websocket flush failed",
			slog.Int("flushed", flushed),
			slog.Int("remaining", len(c.queue)),
			slog.String("error", flushErr.Error()),
		)
		c.state = StateClosing
		conn.Close()
	} else {
		c.state = StateOpen
	}
	c.mu.Unlock()

	if flushErr == nil {
		c.logger.Info("websocket open", slog.String("url", c.url), slog.Int("flushed", flushed))
		c.onState(StateOpen)
	}

	go c.readLoop(conn, gen, done)
	return done, true
}

func (c *Connection) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, gen, err)
			return
		}
		framesReceivedTotal.Inc()
		c.onMessage(data)
	}
}

// drop retires the socket of generation gen and reports the requests that
// were written on it
func (c *Connection) drop(conn *websocket.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	closing := c.closed
	c.conn = nil
	ids := make([]uint64, 0, len(c.written))
	for id := range c.written {
		ids = append(ids, id)
	}
	c.written = nil
	if !closing {
		c.state = StateClosed
	}
	c.mu.Unlock()

	conn.Close()

	if !closing {
		if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Info("websocket closed by peer", slog.String("url", c.url))
		} else {
			c.logger.Warn("websocket read failed", slog.String("url", c.url), slog.String("error", cause.Error()))
		}
		c.onState(StateClosed)
	}
	if len(ids) > 0 {
		c.onLost(ids)
	}
}

// Close stops reconnecting and closes the socket with a normal closure frame.
// Frames still queued are discarded.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosing
	conn := c.conn
	done := c.readDone
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.cancel()

	var err error
	if conn != nil {
		// Send a close message with normal closure code (1000) and give the
		// peer a moment to answer it
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil && werr != websocket.ErrCloseSent {
			err = fmt.Errorf("error sending close message: %w", werr)
		}
		select {
		case <-done:
		case <-time.After(closeGraceWait):
		}
		conn.Close()
	}

	c.wg.Wait()
	c.setState(StateClosed)
	if dropped > 0 {
		c.logger.Debug("discarded queued frames on close", slog.Int("frames", dropped))
	}
	return err
}
