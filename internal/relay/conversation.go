// ABOUTME: Per (user, channel) conversation relaying Slack messages to one Almond socket
// ABOUTME: Owns the two ordered queues, their pumps, the activation gate and the idle timer

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stanford-oval/slackmond/internal/almond"
	"github.com/stanford-oval/slackmond/internal/store"
)

// ErrConversationClosed is returned by HandleCommand after Close.
var ErrConversationClosed = errors.New("conversation closed")

// DefaultInactivityTimeout is used when ConversationConfig leaves it zero.
const DefaultInactivityTimeout = 60 * time.Second

const (
	chatSendTimeout = 15 * time.Second
	genericAskMode  = "generic"
)

// Key identifies a conversation: one Slack user in one channel.
type Key struct {
	UserID    string
	ChannelID string
}

func (k Key) String() string {
	return k.UserID + "/" + k.ChannelID
}

// ContextID is the conversation id Almond sees.
func ContextID(teamID string, k Key) string {
	return fmt.Sprintf("slack:%s/%s/%s", teamID, k.UserID, k.ChannelID)
}

// TokenRefresher keeps a user's access token valid before a dial.
type TokenRefresher interface {
	EnsureFreshToken(ctx context.Context, user *store.User) (*store.User, error)
}

// ConversationConfig holds everything a Conversation needs.
type ConversationConfig struct {
	Key          Key
	ContextID    string
	User         *store.User
	ShowWelcome  bool
	AlmondURL    string
	ServerOrigin string

	InactivityTimeout time.Duration

	Chat      ChatSender
	Refresher TokenRefresher // nil skips token validation
	Logger    *slog.Logger
}

type inboundItem struct {
	cmd      almond.Command
	activate bool
}

// Conversation relays one user's messages in one channel. Inbound items are
// sent to Almond in the order HandleCommand queued them, and Almond's frames
// reach Slack in arrival order.
type Conversation struct {
	cfg      ConversationConfig
	conn     *almond.Connection
	inbound  *Queue[inboundItem]
	outbound *Queue[*almond.Frame]
	links    linkResolver
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	mu       sync.Mutex
	user     *store.User
	askMode  string
	armed    bool
	armedCh  chan struct{} // closed while armed
	liveGen  uint64        // generation of the open socket, 0 when none
	closed   bool
	idle     bool
	timer    *time.Timer
	deadline time.Time

	inactive     chan struct{}
	inactiveOnce sync.Once
	done         chan struct{}
	closeOnce    sync.Once
}

// NewConversation creates a conversation and starts both pumps. The Almond
// socket is not dialled until the first HandleCommand.
func NewConversation(parent context.Context, cfg ConversationConfig) *Conversation {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation", "context_id", cfg.ContextID)

	ctx, cancel := context.WithCancel(parent)
	user := *cfg.User

	c := &Conversation{
		cfg:      cfg,
		inbound:  NewQueue[inboundItem](),
		outbound: NewQueue[*almond.Frame](),
		links:    linkResolver{almondURL: cfg.AlmondURL, serverOrigin: cfg.ServerOrigin},
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		user:     &user,
		armedCh:  make(chan struct{}),
		inactive: make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.conn = almond.NewConnection(almond.ConnectionParams{
		BaseURL:     cfg.AlmondURL,
		ContextID:   cfg.ContextID,
		HideWelcome: !cfg.ShowWelcome,
		Token:       c.token,
		OnOpen:      c.onOpen,
		OnFrame:     c.onFrame,
		OnClose:     c.onClose,
		Logger:      logger,
	})

	c.deadline = time.Now().Add(cfg.InactivityTimeout)
	c.timer = time.AfterFunc(cfg.InactivityTimeout, c.fireInactive)

	c.pumps.Add(2)
	go c.pumpInbound()
	go c.pumpOutbound()

	return c
}

// Key returns the conversation key.
func (c *Conversation) Key() Key { return c.cfg.Key }

// ID returns the Almond conversation id.
func (c *Conversation) ID() string { return c.cfg.ContextID }

// Inactive is closed when the inactivity timer fires.
func (c *Conversation) Inactive() <-chan struct{} { return c.inactive }

// Done is closed once Close has finished.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// ConnectionState reports the Almond socket state.
func (c *Conversation) ConnectionState() almond.State { return c.conn.State() }

// AskMode returns the mode set by the last askSpecial frame, "" when none.
func (c *Conversation) AskMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.askMode
}

// User returns a copy of the conversation's user record.
func (c *Conversation) User() store.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.user
}

// HandleCommand queues text for Almond. It postpones the inactivity deadline
// and dials the socket if needed. activate marks text that explicitly
// addressed the bot; unaddressed text only reaches Almond while it is waiting
// for a specific kind of answer. Once the conversation has gone inactive it
// accepts nothing more and returns ErrConversationClosed.
func (c *Conversation) HandleCommand(text string, activate bool) error {
	c.mu.Lock()
	if c.closed || c.idle {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	c.deadline = time.Now().Add(c.cfg.InactivityTimeout)
	c.timer.Reset(c.cfg.InactivityTimeout)
	c.mu.Unlock()

	c.conn.Connect(c.ctx)

	cmd, err := almond.ParseCommand(text)
	if err != nil {
		c.logger.Warn("dropping malformed command", "error", err)
		return err
	}

	if !c.inbound.Push(inboundItem{cmd: cmd, activate: activate}) {
		return ErrConversationClosed
	}
	c.logger.Debug("queued command", "shape", cmd.Shape, "activate", activate)
	return nil
}

// Close stops both pumps, the timer and the socket. It is idempotent and
// returns once the pumps have exited.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.timer.Stop()
		c.mu.Unlock()

		c.cancel()
		c.inbound.Close()
		c.outbound.Close()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing almond connection", "error", err)
		}
		c.pumps.Wait()

		c.logger.Info("conversation closed")
		close(c.done)
	})
}

// fireInactive runs on the timer goroutine. A command that postponed the
// deadline while the timer was already firing wins.
func (c *Conversation) fireInactive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.idle || time.Now().Before(c.deadline) {
		return
	}
	c.idle = true
	c.inactiveOnce.Do(func() {
		c.logger.Info("conversation inactive")
		close(c.inactive)
	})
}

// token supplies the bearer token for the next dial. A failed refresh falls
// back to an anonymous session rather than sending a token Almond rejected.
func (c *Conversation) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()

	if !user.HasAccessToken() {
		return "", nil
	}
	if c.cfg.Refresher == nil {
		return user.AccessToken, nil
	}

	fresh, err := c.cfg.Refresher.EnsureFreshToken(ctx, user)
	if err != nil {
		c.logger.Warn("token refresh failed, connecting anonymously", "error", err)
		return "", nil
	}

	c.mu.Lock()
	c.user = fresh
	c.mu.Unlock()
	return fresh.AccessToken, nil
}

func (c *Conversation) onOpen(gen uint64) {
	c.mu.Lock()
	c.liveGen = gen
	c.mu.Unlock()
	c.disarm()
}

func (c *Conversation) onFrame(f *almond.Frame) {
	c.outbound.Push(f)
}

func (c *Conversation) onClose(err error) {
	c.mu.Lock()
	c.liveGen = 0
	c.mu.Unlock()
	c.disarm()
	if err != nil {
		c.logger.Debug("almond socket down until next command", "error", err)
	}
}

// arm lets the inbound pump send. Almond signals readiness with its first
// askSpecial frame on each fresh socket; a frame left over from an earlier
// socket must not arm the current one.
func (c *Conversation) arm(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == 0 || gen != c.liveGen {
		c.logger.Debug("ignoring askSpecial from a previous socket", "generation", gen)
		return
	}
	if !c.armed {
		c.armed = true
		close(c.armedCh)
	}
}

func (c *Conversation) disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		c.armed = false
		c.armedCh = make(chan struct{})
	}
}

func (c *Conversation) waitArmed() bool {
	c.mu.Lock()
	ch := c.armedCh
	c.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// acceptsUnaddressed reports whether Almond is waiting for a specific answer,
// in which case messages without a mention are forwarded too.
func (c *Conversation) acceptsUnaddressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.askMode != "" && c.askMode != genericAskMode
}

func (c *Conversation) setAskMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.askMode = mode
}

func (c *Conversation) pumpInbound() {
	defer c.pumps.Done()

	for {
		item, err := c.inbound.Pop(c.ctx)
		if err != nil {
			return
		}
		if !c.waitArmed() {
			return
		}

		if !item.activate && !c.acceptsUnaddressed() {
			c.logger.Debug("dropping unaddressed message", "shape", item.cmd.Shape)
			continue
		}

		if err := c.conn.Send(item.cmd.Payload); err != nil {
			c.logger.Warn("failed to send command to almond", "error", err)
		}
	}
}

func (c *Conversation) pumpOutbound() {
	defer c.pumps.Done()

	for {
		frame, err := c.outbound.Pop(c.ctx)
		if err != nil {
			return
		}
		c.deliver(frame)
	}
}

func (c *Conversation) deliver(f *almond.Frame) {
	switch f.Kind() {
	case almond.KindAskSpecial:
		c.setAskMode(f.AskMode())
		c.arm(f.Gen)
		return
	case almond.KindUnknown:
		c.logger.Debug("ignoring unsupported frame", "type", f.Type)
		return
	}

	c.mu.Lock()
	slackID := c.user.SlackID
	c.mu.Unlock()

	msg := c.links.format(f, slackID)

	ctx, cancel := context.WithTimeout(c.ctx, chatSendTimeout)
	defer cancel()

	var err error
	if len(msg.attachments) > 0 {
		err = c.cfg.Chat.SendAttachments(ctx, c.cfg.Key.ChannelID, msg.text, msg.attachments)
	} else {
		err = c.cfg.Chat.SendText(ctx, c.cfg.Key.ChannelID, msg.text)
	}
	if err != nil {
		c.logger.Warn("failed to post message", "kind", f.Kind(), "seq", f.Seq, "error", err)
	}
}
