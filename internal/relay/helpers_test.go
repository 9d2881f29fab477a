// ABOUTME: Shared fakes for relay tests: a recording chat client and a fake Almond server
// ABOUTME: Lets conversation and dispatcher tests observe both sides of the relay

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stanford-oval/slackmond/internal/almond/almondtest"
	"github.com/stanford-oval/slackmond/internal/store"
)

const waitFor = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	Channel     string
	Text        string
	Attachments []Attachment
}

// fakeChat records every message in order.
type fakeChat struct {
	mu        sync.Mutex
	sent      []sentMessage
	users     map[string]*ChatUser
	infoCalls atomic.Int32
	failInfo  bool
	failSends atomic.Int32 // number of upcoming sends to fail
}

func newFakeChat() *fakeChat {
	return &fakeChat{users: map[string]*ChatUser{}}
}

func (f *fakeChat) SendText(ctx context.Context, channel, text string) error {
	return f.record(sentMessage{Channel: channel, Text: text})
}

func (f *fakeChat) SendAttachments(ctx context.Context, channel, text string, atts []Attachment) error {
	return f.record(sentMessage{Channel: channel, Text: text, Attachments: atts})
}

func (f *fakeChat) record(m sentMessage) error {
	if f.failSends.Load() > 0 {
		f.failSends.Add(-1)
		return errors.New("slack unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChat) UserInfo(ctx context.Context, userID string) (*ChatUser, error) {
	f.infoCalls.Add(1)
	if f.failInfo {
		return nil, errors.New("users.info failed")
	}
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return &ChatUser{Username: "user-" + userID, RealName: "User " + userID}, nil
}

func (f *fakeChat) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeChat) texts() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.Text)
	}
	return out
}

func (f *fakeChat) hasText(text string) bool {
	for _, t := range f.texts() {
		if t == text {
			return true
		}
	}
	return false
}

// fakeAlmond starts the fake backend on an httptest server. setup runs
// before the server accepts connections.
func fakeAlmond(t *testing.T, setup ...func(*almondtest.Backend)) (*almondtest.Backend, *httptest.Server) {
	t.Helper()
	backend := almondtest.New(testLogger())
	for _, fn := range setup {
		fn(backend)
	}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	return backend, srv
}

func nextSession(t *testing.T, b *almondtest.Backend) *almondtest.Session {
	t.Helper()
	select {
	case s := <-b.Sessions():
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an almond session")
		return nil
	}
}

func nextCommand(t *testing.T, s *almondtest.Session) map[string]any {
	t.Helper()
	select {
	case raw := <-s.Received():
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("backend received invalid JSON %q: %v", raw, err)
		}
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a command at the backend")
		return nil
	}
}

func assertNoCommand(t *testing.T, s *almondtest.Session, within time.Duration) {
	t.Helper()
	select {
	case raw := <-s.Received():
		t.Fatalf("backend unexpectedly received %s", raw)
	case <-time.After(within):
	}
}

// commandText extracts the text of a received command frame.
func commandText(m map[string]any) string {
	s, _ := m["text"].(string)
	return s
}

func newTestConversation(t *testing.T, almondURL string, chat ChatSender, mutate func(*ConversationConfig)) *Conversation {
	t.Helper()
	cfg := ConversationConfig{
		Key:               Key{UserID: "U1", ChannelID: "C1"},
		ContextID:         "slack:T1/U1/C1",
		User:              &store.User{ID: "user-1", SlackID: "U1"},
		AlmondURL:         almondURL,
		ServerOrigin:      "http://relay.example.com",
		InactivityTimeout: time.Minute,
		Chat:              chat,
		Logger:            testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewConversation(context.Background(), cfg)
	t.Cleanup(c.Close)
	return c
}
