package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
)

// Client represents a viewer backend client with access to all commands
type Client struct {
	conn      *Connection
	bus       *bus.Bus
	logger    *slog.Logger
	sessionID string

	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*Future
	awaiting map[string][]*Future
	closed   bool

	// Service interfaces for different command families
	Circuit    *CircuitService
	Astrocyte  *AstrocyteService
	Simulation *SimulationService
}

// ConnectionStateChanged is published whenever the socket changes state
type ConnectionStateChanged struct {
	State State
}

func (ConnectionStateChanged) Topic() bus.Topic { return "connection:state" }

// ClientBuilder provides a builder pattern for constructing clients
type ClientBuilder struct {
	baseURL          string
	host             string
	port             int
	secure           bool
	path             string
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	header           http.Header
	dialer           *websocket.Dialer
	bus              *bus.Bus
	logger           *slog.Logger
}

// NewClientBuilder creates a new client builder
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		host:             "localhost",
		port:             8888,
		path:             "/ws",
		reconnectDelay:   2 * time.Second,
		handshakeTimeout: 45 * time.Second,
		header:           http.Header{},
	}
}

// WithBaseURL sets the backend URL. http maps to ws and https to wss.
// It takes precedence over WithHost, WithPort and WithSecure.
func (b *ClientBuilder) WithBaseURL(baseURL string) *ClientBuilder {
	b.baseURL = baseURL
	return b
}

// WithHost sets the backend host
func (b *ClientBuilder) WithHost(host string) *ClientBuilder {
	b.host = host
	return b
}

// WithPort sets the backend port. Zero leaves the port out of the URL.
func (b *ClientBuilder) WithPort(port int) *ClientBuilder {
	b.port = port
	return b
}

// WithSecure selects wss
func (b *ClientBuilder) WithSecure(secure bool) *ClientBuilder {
	b.secure = secure
	return b
}

// WithPath sets the websocket path
func (b *ClientBuilder) WithPath(path string) *ClientBuilder {
	b.path = path
	return b
}

// WithReconnectDelay sets the fixed delay before a closed socket is replaced
func (b *ClientBuilder) WithReconnectDelay(d time.Duration) *ClientBuilder {
	b.reconnectDelay = d
	return b
}

// WithHandshakeTimeout bounds the websocket opening handshake
func (b *ClientBuilder) WithHandshakeTimeout(d time.Duration) *ClientBuilder {
	b.handshakeTimeout = d
	return b
}

// WithHeader adds a header to the opening handshake
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	b.header.Add(key, value)
	return b
}

// WithDialer sets a custom websocket dialer
func (b *ClientBuilder) WithDialer(dialer *websocket.Dialer) *ClientBuilder {
	b.dialer = dialer
	return b
}

// WithBus sets the bus backend events are published on
func (b *ClientBuilder) WithBus(eventBus *bus.Bus) *ClientBuilder {
	b.bus = eventBus
	return b
}

// WithLogger sets the logger
func (b *ClientBuilder) WithLogger(logger *slog.Logger) *ClientBuilder {
	b.logger = logger
	return b
}

// SocketURL derives the websocket URL from the builder settings
func (b *ClientBuilder) SocketURL() (string, error) {
	u := url.URL{Path: b.path}

	if b.baseURL != "" {
		parsed, err := url.Parse(b.baseURL)
		if err != nil {
			return "", fmt.Errorf("invalid base URL: %w", err)
		}
		switch parsed.Scheme {
		case "http", "ws":
			u.Scheme = "ws"
		case "https", "wss":
			u.Scheme = "wss"
		default:
			return "", fmt.Errorf("invalid base URL scheme %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			return "", fmt.Errorf("base URL %q has no host", b.baseURL)
		}
		u.Host = parsed.Host
		return u.String(), nil
	}

	if b.host == "" {
		return "", fmt.Errorf("host is required")
	}
	u.Scheme = "ws"
	if b.secure {
		u.Scheme = "wss"
	}
	u.Host = b.host
	if b.port != 0 {
		u.Host = net.JoinHostPort(b.host, strconv.Itoa(b.port))
	}
	return u.String(), nil
}

// Build creates the client and starts connecting in the background.
// Requests made before the socket opens are queued.
func (b *ClientBuilder) Build() (*Client, error) {
	socketURL, err := b.SocketURL()
	if err != nil {
		return nil, err
	}
	if b.reconnectDelay <= 0 {
		return nil, fmt.Errorf("reconnect delay must be positive")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	eventBus := b.bus
	if eventBus == nil {
		eventBus = bus.New(bus.WithLogger(logger))
	}
	dialer := b.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: b.handshakeTimeout,
		}
	}

	sessionID := uuid.NewString()
	logger = logger.With(slog.String("session", sessionID))

	header := b.header.Clone()
	header.Set("X-Session-Id", sessionID)

	client := &Client{
		bus:       eventBus,
		logger:    logger,
		sessionID: sessionID,
		pending:   make(map[uint64]*Future),
		awaiting:  make(map[string][]*Future),
	}

	client.conn = newConnection(connectionConfig{
		url:            socketURL,
		header:         header,
		dialer:         dialer,
		reconnectDelay: b.reconnectDelay,
		logger:         logger,
		onMessage:      client.handleFrame,
		onState:        func(s State) { eventBus.Emit(ConnectionStateChanged{State: s}) },
		onLost:         client.connectionLost,
	})

	// Initialize service interfaces
	client.Circuit = NewCircuitService(client)
	client.Astrocyte = NewAstrocyteService(client)
	client.Simulation = NewSimulationService(client)

	client.conn.start()
	return client, nil
}

// Bus returns the bus backend events are published on
func (c *Client) Bus() *bus.Bus {
	return c.bus
}

// Connection returns the underlying connection
func (c *Client) Connection() *Connection {
	return c.conn
}

// SessionID identifies this client in backend logs
func (c *Client) SessionID() string {
	return c.sessionID
}

// SetContext replaces the context sent with every frame
func (c *Client) SetContext(ctx map[string]any) {
	c.conn.SetContext(ctx)
}

// Send sends a command that expects no correlated response
func (c *Client) Send(cmd string, data any) error {
	return c.conn.Send(cmd, data, nil)
}

// WaitOpen blocks until the socket is open or ctx ends
func (c *Client) WaitOpen(ctx context.Context) error {
	opened := make(chan struct{}, 1)
	id := bus.On(c.bus, func(e ConnectionStateChanged) {
		if e.State == StateOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	defer c.bus.Off(id)

	if c.conn.State() == StateOpen {
		return nil
	}
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection to %s: %w", c.conn.URL(), ctx.Err())
	}
}

// Close fails every pending request and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	failed := make([]*Future, 0, len(c.pending))
	for _, f := range c.pending {
		failed = append(failed, f)
	}
	for _, f := range failed {
		c.removeLocked(f)
	}
	c.mu.Unlock()

	for _, f := range failed {
		f.complete(nil, ErrClientClosed)
	}
	return c.conn.Close()
}

// handleFrame routes one inbound frame to its pending request or the bus
func (c *Client) handleFrame(raw []byte) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		framesMalformedTotal.Inc()
		c.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
		return
	}

	if id, ok := correlationID(in.Data); ok {
		if f := c.takeByID(id); f != nil {
			c.conn.forget(id)
			f.complete(&Response{Cmd: in.Cmd, Data: in.Data}, nil)
			return
		}
	} else if f := c.takeByReply(in.Cmd); f != nil {
		c.conn.forget(f.id)
		f.complete(&Response{Cmd: in.Cmd, Data: in.Data}, nil)
		return
	}

	msg, err := ParseServerMessage(in.Cmd, in.Data)
	if err != nil {
		framesMalformedTotal.Inc()
		c.logger.Warn("publishing invalid frame as unknown event",
			slog.String("cmd", in.Cmd),
			slog.String("error", err.Error()),
		)
		msg = &ServerMessage{
			Type:    ServerMessageTypeUnknown,
			Cmd:     in.Cmd,
			Payload: UnknownEvent{Cmd: in.Cmd, Data: in.Data, Err: err},
		}
	}
	c.bus.Emit(msg.Event())
}
