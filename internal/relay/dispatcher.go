// ABOUTME: Routes Slack message events to per (user, channel) conversations
// ABOUTME: Filters events, resolves users, creates conversations on mention and evicts idle ones

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stanford-oval/slackmond/internal/dedupe"
	"github.com/stanford-oval/slackmond/internal/store"
)

// ErrDispatcherClosed is returned when a conversation is requested after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

const (
	messageEventType = "message"
	dedupeCacheSize  = 10000

	// newUserWindow bounds how long a creation is remembered for a
	// conversation that has not been built yet.
	newUserWindow = 30 * time.Second
)

// DispatcherConfig holds the identity and timing shared by all conversations.
type DispatcherConfig struct {
	TeamID       string
	BotUserID    string
	AlmondURL    string
	ServerOrigin string

	InactivityTimeout time.Duration
	// DedupeTTL is how long event ids are remembered; zero disables it.
	DedupeTTL time.Duration
}

// Dispatcher owns the table of live conversations.
type Dispatcher struct {
	cfg       DispatcherConfig
	users     store.UserStore
	chat      ChatClient
	refresher TokenRefresher
	seen      *dedupe.Cache
	creating  singleflight.Group
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conversations map[Key]*Conversation
	newUsers      map[string]time.Time // slack id -> creation, until its first conversation
	closed        bool
	supervisors   sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. refresher may be nil.
func NewDispatcher(cfg DispatcherConfig, users store.UserStore, chat ChatClient, refresher TokenRefresher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:           cfg,
		users:         users,
		chat:          chat,
		refresher:     refresher,
		logger:        logger.With("component", "dispatcher"),
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[Key]*Conversation),
		newUsers:      make(map[string]time.Time),
	}
	if cfg.DedupeTTL > 0 {
		d.seen = dedupe.New(cfg.DedupeTTL, dedupeCacheSize)
	}
	return d
}

// OnChatEvent handles one inbound Slack event. It never fails: every problem
// is logged and the event dropped.
func (d *Dispatcher) OnChatEvent(ctx context.Context, ev ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling chat event", "panic", r, "channel", ev.Channel, "user", ev.User)
		}
	}()

	if !d.accept(ev) {
		return
	}
	if d.seen != nil && ev.TS != "" && d.seen.Seen(dedupe.EventKey(ev.Channel, ev.TS)) {
		d.logger.Debug("skipping redelivered event", "channel", ev.Channel, "ts", ev.TS)
		return
	}

	text, activate := d.parseMention(ev.Text)
	key := Key{UserID: ev.User, ChannelID: ev.Channel}

	conv := d.Lookup(key)
	if conv == nil {
		if !activate {
			return
		}
		var err error
		if conv, err = d.open(ctx, key); err != nil {
			d.logger.Error("failed to open conversation", "key", key.String(), "error", err)
			return
		}
	}

	err := conv.HandleCommand(text, activate)
	if errors.Is(err, ErrConversationClosed) && activate {
		// Lost a race with idle eviction; a mention starts a fresh conversation.
		if conv, err = d.open(ctx, key); err == nil {
			err = conv.HandleCommand(text, activate)
		}
	}
	if err != nil && !errors.Is(err, ErrConversationClosed) {
		d.logger.Warn("failed to handle command", "key", key.String(), "error", err)
	}
}

// accept drops everything but plain, visible user messages.
func (d *Dispatcher) accept(ev ChatEvent) bool {
	switch {
	case ev.Type != messageEventType:
		return false
	case ev.Subtype != "" || ev.Hidden:
		return false
	case ev.BotID != "" || ev.User == "" || ev.User == d.cfg.BotUserID:
		return false
	default:
		return true
	}
}

// parseMention reports whether text mentions the bot and strips a leading
// mention.
func (d *Dispatcher) parseMention(text string) (string, bool) {
	if d.cfg.BotUserID == "" {
		return strings.TrimSpace(text), false
	}
	tag := "<@" + d.cfg.BotUserID + ">"
	activate := strings.Contains(text, tag)
	if activate {
		text = strings.TrimPrefix(text, tag)
	}
	return strings.TrimSpace(text), activate
}

// Lookup returns the live conversation for key, or nil.
func (d *Dispatcher) Lookup(key Key) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conversations[key]
}

// Len returns the number of live conversations.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conversations)
}

// open returns the conversation for key, creating it if absent. The user is
// resolved outside the lock; the table is re-checked before inserting so
// concurrent callers end up with the same conversation.
func (d *Dispatcher) open(ctx context.Context, key Key) (*Conversation, error) {
	user, created, err := d.resolveUser(ctx, key.UserID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDispatcherClosed
	}
	if conv, ok := d.conversations[key]; ok {
		return conv, nil
	}

	// Whoever builds the first conversation after a creation shows the
	// welcome, even if another event created the user.
	if at, ok := d.newUsers[key.UserID]; ok {
		delete(d.newUsers, key.UserID)
		if time.Since(at) < newUserWindow {
			created = true
		}
	}

	conv := NewConversation(d.ctx, ConversationConfig{
		Key:               key,
		ContextID:         ContextID(d.cfg.TeamID, key),
		User:              user,
		ShowWelcome:       created,
		AlmondURL:         d.cfg.AlmondURL,
		ServerOrigin:      d.cfg.ServerOrigin,
		InactivityTimeout: d.cfg.InactivityTimeout,
		Chat:              d.chat,
		Refresher:         d.refresher,
		Logger:            d.logger,
	})
	d.conversations[key] = conv

	d.supervisors.Add(1)
	go d.supervise(key, conv)

	d.logger.Info("conversation opened", "context_id", conv.ID(), "new_user", created)
	return conv, nil
}

type resolvedUser struct {
	user    *store.User
	created bool
}

// resolveUser loads the user, creating it on first contact. Concurrent
// first-contact events for one user share a single creation.
func (d *Dispatcher) resolveUser(ctx context.Context, slackID string) (*store.User, bool, error) {
	user, err := d.users.GetUserBySlackID(ctx, slackID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up user: %w", err)
	}

	v, err, _ := d.creating.Do(slackID, func() (any, error) {
		candidate := &store.User{SlackID: slackID}
		if info, err := d.chat.UserInfo(ctx, slackID); err != nil {
			d.logger.Warn("failed to fetch slack profile, creating user without a name", "slack_id", slackID, "error", err)
		} else {
			candidate.Username = info.Username
			candidate.HumanName = info.RealName
		}

		u, created, err := d.users.GetOrCreateUser(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		if created {
			d.rememberNewUser(slackID)
		}
		return resolvedUser{user: u, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(resolvedUser)
	return r.user, r.created, nil
}

func (d *Dispatcher) rememberNewUser(slackID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for id, at := range d.newUsers {
		if now.Sub(at) >= newUserWindow {
			delete(d.newUsers, id)
		}
	}
	d.newUsers[slackID] = now
}

// supervise evicts conv when it goes idle or is closed elsewhere.
func (d *Dispatcher) supervise(key Key, conv *Conversation) {
	defer d.supervisors.Done()

	select {
	case <-conv.Inactive():
		d.remove(key, conv)
		conv.Close()
	case <-conv.Done():
		d.remove(key, conv)
	}
}

// remove deletes key only if it still maps to conv; a newer conversation for
// the same key is left alone.
func (d *Dispatcher) remove(key Key, conv *Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conversations[key] == conv {
		delete(d.conversations, key)
	}
}

// Evict closes and forgets the conversation for key, if any.
func (d *Dispatcher) Evict(key Key) {
	d.mu.Lock()
	conv := d.conversations[key]
	delete(d.conversations, key)
	d.mu.Unlock()

	if conv != nil {
		conv.Close()
	}
}

// EvictUser closes every conversation of one Slack user and returns how many
// there were.
func (d *Dispatcher) EvictUser(userID string) int {
	d.mu.Lock()
	var convs []*Conversation
	for key, conv := range d.conversations {
		if key.UserID == userID {
			convs = append(convs, conv)
			delete(d.conversations, key)
		}
	}
	d.mu.Unlock()

	for _, c := range convs {
		c.Close()
	}
	return len(convs)
}

// Close tears down every conversation and waits for their supervisors.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	convs := make([]*Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		convs = append(convs, c)
	}
	d.conversations = make(map[Key]*Conversation)
	d.mu.Unlock()

	for _, c := range convs {
		c.Close()
	}
	d.cancel()
	d.supervisors.Wait()
	if d.seen != nil {
		d.seen.Close()
	}
	d.logger.Info("dispatcher closed", "conversations", len(convs))
}
