// ABOUTME: In-process fake Almond backend speaking the conversation socket and OAuth endpoints
// ABOUTME: Used by package tests and by cmd/fake-almond for local end-to-end runs

package almondtest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Welcome is the greeting sent to sessions that did not ask to hide it.
const Welcome = "Hello! I'm Almond, your virtual assistant."

// Account is a user known to the fake backend.
type Account struct {
	ID           string
	Username     string
	HumanName    string
	AccessToken  string
	RefreshToken string
}

// Backend is an http.Handler implementing the parts of Almond the relay uses.
// By default every command is echoed back as "Echo: <text>" followed by
// askSpecial null.
type Backend struct {
	// OnCommand replaces the echo behaviour when set.
	OnCommand func(s *Session, msg json.RawMessage)
	// RotateRefreshTokens makes the token endpoint issue a new refresh token.
	RotateRefreshTokens bool
	// SkipGreeting suppresses the welcome and the initial askSpecial, so
	// tests can decide when the session becomes ready.
	SkipGreeting bool

	upgrader websocket.Upgrader
	logger   *slog.Logger
	sessions chan *Session

	mu       sync.Mutex
	accounts map[string]*Account // keyed by access token
	refresh  map[string]*Account // keyed by refresh token
	codes    map[string]*Account
	expired  map[string]bool

	approve *Account

	tokenRequests atomic.Int32
}

// New creates a Backend with no accounts.
func New(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.With("component", "fake-almond"),
		sessions: make(chan *Session, 64),
		accounts: make(map[string]*Account),
		refresh:  make(map[string]*Account),
		codes:    make(map[string]*Account),
		expired:  make(map[string]bool),
	}
}

// AddAccount registers an account and its current tokens.
func (b *Backend) AddAccount(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := a
	if acc.AccessToken != "" {
		b.accounts[acc.AccessToken] = &acc
	}
	if acc.RefreshToken != "" {
		b.refresh[acc.RefreshToken] = &acc
	}
}

// AddAuthCode makes code exchangeable for the account's tokens.
func (b *Backend) AddAuthCode(code string, a Account) {
	b.AddAccount(a)
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.accounts[a.AccessToken]
	b.codes[code] = acc
}

// AutoApprove makes the authorize endpoint log every visitor in as a and
// redirect straight back with a fresh code.
func (b *Backend) AutoApprove(a Account) {
	b.AddAccount(a)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approve = b.accounts[a.AccessToken]
}

// ExpireAccessToken makes the profile endpoint reject token with 401.
func (b *Backend) ExpireAccessToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expired[token] = true
}

// TokenRequests counts calls to the token endpoint.
func (b *Backend) TokenRequests() int {
	return int(b.tokenRequests.Load())
}

// Sessions delivers every accepted conversation socket.
func (b *Backend) Sessions() <-chan *Session {
	return b.sessions
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/me/api/conversation":
		b.serveSession(w, r, true)
	case "/me/api/anonymous":
		b.serveSession(w, r, false)
	case "/me/api/profile":
		b.serveProfile(w, r)
	case "/me/api/oauth2/authorize":
		b.serveAuthorize(w, r)
	case "/me/api/oauth2/token":
		b.serveToken(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (b *Backend) lookupBearer(r *http.Request) (*Account, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expired[token] {
		return nil, false
	}
	acc, ok := b.accounts[token]
	return acc, ok
}

func (b *Backend) serveProfile(w http.ResponseWriter, r *http.Request) {
	acc, ok := b.lookupBearer(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]string{
		"id":         acc.ID,
		"username":   acc.Username,
		"human_name": acc.HumanName,
	})
}

func (b *Backend) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	acc := b.approve
	b.mu.Unlock()
	if acc == nil {
		http.NotFound(w, r)
		return
	}

	redirect, err := url.Parse(r.URL.Query().Get("redirect_uri"))
	if err != nil || redirect.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := "code-" + uuid.NewString()
	b.mu.Lock()
	b.codes[code] = acc
	b.mu.Unlock()

	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", r.URL.Query().Get("state"))
	redirect.RawQuery = q.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (b *Backend) serveToken(w http.ResponseWriter, r *http.Request) {
	b.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("client_id") == "" || r.PostForm.Get("client_secret") == "" {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var acc *Account
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		acc = b.codes[r.PostForm.Get("code")]
		delete(b.codes, r.PostForm.Get("code"))
	case "refresh_token":
		acc = b.refresh[r.PostForm.Get("refresh_token")]
	}
	if acc == nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	resp := map[string]any{"token_type": "Bearer", "expires_in": 3600}
	if r.PostForm.Get("grant_type") == "refresh_token" {
		delete(b.accounts, acc.AccessToken)
		acc.AccessToken = "access-" + uuid.NewString()
		b.accounts[acc.AccessToken] = acc
		if b.RotateRefreshTokens {
			delete(b.refresh, acc.RefreshToken)
			acc.RefreshToken = "refresh-" + uuid.NewString()
			b.refresh[acc.RefreshToken] = acc
			resp["refresh_token"] = acc.RefreshToken
		}
	} else {
		resp["refresh_token"] = acc.RefreshToken
	}
	resp["access_token"] = acc.AccessToken
	writeJSON(w, resp)
}

func (b *Backend) serveSession(w http.ResponseWriter, r *http.Request, authenticated bool) {
	if authenticated {
		if _, ok := b.lookupBearer(r); !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", "error", err)
		return
	}

	s := &Session{
		Authenticated: authenticated,
		ContextID:     r.URL.Query().Get("id"),
		HideWelcome:   r.URL.Query().Get("hide_welcome") == "1",
		Header:        r.Header.Clone(),
		ws:            ws,
		received:      make(chan json.RawMessage, 64),
		done:          make(chan struct{}),
	}

	select {
	case b.sessions <- s:
	default:
		b.logger.Warn("session channel full, not publishing session", "context_id", s.ContextID)
	}

	b.logger.Info("session opened", "context_id", s.ContextID, "authenticated", authenticated)

	if !b.SkipGreeting {
		if !s.HideWelcome {
			_ = s.SendText(Welcome)
		}
		_ = s.AskSpecial("")
	}

	b.readLoop(s)
}

func (b *Backend) readLoop(s *Session) {
	defer close(s.done)
	defer s.ws.Close()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		msg := json.RawMessage(data)

		select {
		case s.received <- msg:
		default:
		}

		if b.OnCommand != nil {
			b.OnCommand(s, msg)
			continue
		}
		_ = s.SendText("Echo: " + describe(msg))
		_ = s.AskSpecial("")
	}
}

// describe renders any inbound shape as a short string for echoing.
func describe(msg json.RawMessage) string {
	var m struct {
		Type string   `json:"type"`
		Text string   `json:"text"`
		TT   string   `json:"tt"`
		Code []string `json:"code"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		return string(msg)
	}
	switch m.Type {
	case "command":
		return m.Text
	case "tt":
		return m.TT
	case "parsed":
		return strings.Join(m.Code, " ")
	default:
		return string(msg)
	}
}

// Session is one accepted conversation socket.
type Session struct {
	Authenticated bool
	ContextID     string
	HideWelcome   bool
	Header        http.Header

	ws       *websocket.Conn
	writeMu  sync.Mutex
	received chan json.RawMessage
	done     chan struct{}
}

// Received delivers every frame the relay sent, in order.
func (s *Session) Received() <-chan json.RawMessage {
	return s.received
}

// Done is closed when the socket is gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send writes v as one JSON frame.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// SendText sends a text frame.
func (s *Session) SendText(text string) error {
	return s.Send(map[string]string{"type": "text", "text": text})
}

// AskSpecial sends an askSpecial frame; "" sends ask: null.
func (s *Session) AskSpecial(mode string) error {
	var ask any
	if mode != "" {
		ask = mode
	}
	return s.Send(map[string]any{"type": "askSpecial", "ask": ask})
}

// Close drops the socket from the server side.
func (s *Session) Close() error {
	return s.ws.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
