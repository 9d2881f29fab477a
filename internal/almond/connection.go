// ABOUTME: One conversation socket to Almond with an explicit connection state machine
// ABOUTME: Dials lazily, reads frames in arrival order and never reconnects on its own

package almond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send when the socket is not open.
var ErrNotConnected = errors.New("almond connection not open")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameSize     = 1 << 20
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TokenFunc returns the bearer token for the next dial, or "" for an
// anonymous session.
type TokenFunc func(ctx context.Context) (string, error)

// ConnectionParams configures a Connection. Callbacks run on the
// connection's own goroutines and must not block for long; OnFrame is called
// once per frame, in arrival order. OnOpen receives the generation of the new
// socket; every frame read from it carries the same Gen.
type ConnectionParams struct {
	BaseURL     string
	ContextID   string
	HideWelcome bool
	Token       TokenFunc

	OnOpen  func(gen uint64)
	OnFrame func(*Frame)
	OnClose func(err error)

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Connection is a lazily dialled conversation socket.
//
//	Disconnected --Connect--> Connecting --dial ok--> Open
//	     ^                         |                   |
//	     +------- dial error ------+---- read error ---+
type Connection struct {
	params ConnectionParams
	dialer *websocket.Dialer
	logger *slog.Logger
	seq    atomic.Uint64

	mu     sync.Mutex
	state  State
	ws     *websocket.Conn
	gen    uint64 // incremented per successful dial
	closed bool

	writeMu sync.Mutex
}

// NewConnection creates a Connection in the Disconnected state.
func NewConnection(p ConnectionParams) *Connection {
	dialer := p.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		params: p,
		dialer: dialer,
		logger: logger.With("component", "almond"),
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a dial in the background unless one is already in flight or
// the socket is open. It returns true when a new attempt was started.
// Cancelling ctx aborts an in-flight dial.
func (c *Connection) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	c.mu.Unlock()

	go c.dial(ctx)
	return true
}

func (c *Connection) dial(ctx context.Context) {
	token := ""
	if c.params.Token != nil {
		t, err := c.params.Token(ctx)
		if err != nil {
			c.fail(fmt.Errorf("obtaining token: %w", err))
			return
		}
		token = t
	}

	target, err := SessionURL(c.params.BaseURL, c.params.ContextID, token != "", c.params.HideWelcome)
	if err != nil {
		c.fail(err)
		return
	}

	header := http.Header{}
	header.Set("Origin", c.params.BaseURL)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		c.fail(fmt.Errorf("dialing almond: %w", err))
		return
	}
	ws.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.state = StateOpen
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info("almond connection open",
		"context_id", c.params.ContextID,
		"authenticated", token != "",
		"generation", gen,
	)
	if c.params.OnOpen != nil {
		c.params.OnOpen(gen)
	}

	go c.readLoop(ws, gen)
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	c.logger.Warn("almond connection failed", "context_id", c.params.ContextID, "error", err)
	if c.params.OnClose != nil {
		c.params.OnClose(err)
	}
}

// readLoop is the only reader of ws and the only caller of OnFrame for it.
func (c *Connection) readLoop(ws *websocket.Conn, gen uint64) {
	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "context_id", c.params.ContextID, "error", err)
			continue
		}
		frame.Seq = c.seq.Add(1)
		frame.Gen = gen

		if c.params.OnFrame != nil {
			c.params.OnFrame(frame)
		}
	}

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.state = StateDisconnected
	}
	closed := c.closed
	c.mu.Unlock()
	ws.Close()

	if closed {
		return
	}

	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		readErr = nil
		c.logger.Info("almond connection closed", "context_id", c.params.ContextID)
	} else {
		c.logger.Warn("almond connection lost", "context_id", c.params.ContextID, "error", readErr)
	}
	if c.params.OnClose != nil {
		c.params.OnClose(readErr)
	}
}

// Send writes one text frame. It fails with ErrNotConnected unless the
// socket is open; a write error tears the socket down.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		ws.Close()
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close shuts the socket and prevents further dials. It is safe to call more
// than once. No callbacks fire after Close.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return ws.Close()
}

// SessionURL builds the socket URL for a conversation:
// <base>/me/api/{conversation|anonymous}?id=<contextID>&hide_welcome=<0|1>,
// with http(s) mapped to ws(s).
func SessionURL(baseURL, contextID string, authenticated, hideWelcome bool) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing almond url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported almond url scheme %q", u.Scheme)
	}

	kind := "anonymous"
	if authenticated {
		kind = "conversation"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/me/api/" + kind

	q := url.Values{}
	q.Set("id", contextID)
	if hideWelcome {
		q.Set("hide_welcome", "1")
	} else {
		q.Set("hide_welcome", "0")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
