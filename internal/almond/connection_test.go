// ABOUTME: Tests for the Almond connection state machine against the fake backend
// ABOUTME: Covers URL building, headers, idempotent connect, frame order and teardown

package almond

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanford-oval/slackmond/internal/almond/almondtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects connection callbacks.
type recorder struct {
	mu     sync.Mutex
	frames []*Frame
	opened chan uint64
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{opened: make(chan uint64, 8), closed: make(chan error, 8)}
}

func (r *recorder) params(base, id string) ConnectionParams {
	return ConnectionParams{
		BaseURL:   base,
		ContextID: id,
		OnOpen:    func(gen uint64) { r.opened <- gen },
		OnFrame: func(f *Frame) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames = append(r.frames, f)
		},
		OnClose: func(err error) { r.closed <- err },
		Logger:  testLogger(),
	}
}

func (r *recorder) snapshot() []*Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Frame(nil), r.frames...)
}

func waitSession(t *testing.T, b *almondtest.Backend) *almondtest.Session {
	t.Helper()
	select {
	case s := <-b.Sessions():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend session")
		return nil
	}
}

func TestSessionURL(t *testing.T) {
	u, err := SessionURL("https://almond.example.com", "slack:T1/U1/C1", true, true)
	require.NoError(t, err)
	assert.Equal(t, "wss://almond.example.com/me/api/conversation?hide_welcome=1&id=slack%3AT1%2FU1%2FC1", u)

	u, err = SessionURL("http://127.0.0.1:3000/", "x", false, false)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:3000/me/api/anonymous?hide_welcome=0&id=x", u)

	_, err = SessionURL("ftp://nope", "x", false, false)
	assert.Error(t, err)
}

func TestConnection_AnonymousSession(t *testing.T) {
	backend := almondtest.New(testLogger())
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	conn := NewConnection(rec.params(srv.URL, "slack:T1/U1/C1"))
	defer conn.Close()

	assert.Equal(t, StateDisconnected, conn.State())
	assert.True(t, conn.Connect(context.Background()))

	s := waitSession(t, backend)
	assert.False(t, s.Authenticated)
	assert.Equal(t, "slack:T1/U1/C1", s.ContextID)
	assert.False(t, s.HideWelcome)
	assert.Equal(t, srv.URL, s.Header.Get("Origin"))
	assert.Empty(t, s.Header.Get("Authorization"), "no bearer header without a token")

	<-rec.opened
	assert.Equal(t, StateOpen, conn.State())

	// Welcome text then askSpecial, in arrival order.
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	frames := rec.snapshot()
	assert.Equal(t, KindText, frames[0].Kind())
	assert.Equal(t, almondtest.Welcome, frames[0].Text)
	assert.Equal(t, KindAskSpecial, frames[1].Kind())
	assert.Less(t, frames[0].Seq, frames[1].Seq)
}

func TestConnection_AuthenticatedSession(t *testing.T) {
	backend := almondtest.New(testLogger())
	backend.AddAccount(almondtest.Account{ID: "a1", AccessToken: "tok"})
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	p := rec.params(srv.URL, "ctx")
	p.HideWelcome = true
	p.Token = func(context.Context) (string, error) { return "tok", nil }
	conn := NewConnection(p)
	defer conn.Close()

	conn.Connect(context.Background())
	s := waitSession(t, backend)
	assert.True(t, s.Authenticated)
	assert.True(t, s.HideWelcome)
	assert.Equal(t, "Bearer tok", s.Header.Get("Authorization"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, KindAskSpecial, rec.snapshot()[0].Kind(), "welcome is hidden")
}

func TestConnection_ConnectIsIdempotent(t *testing.T) {
	backend := almondtest.New(testLogger())
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	conn := NewConnection(rec.params(srv.URL, "ctx"))
	defer conn.Close()

	started := 0
	for i := 0; i < 5; i++ {
		if conn.Connect(context.Background()) {
			started++
		}
	}
	assert.Equal(t, 1, started)

	waitSession(t, backend)
	<-rec.opened
	assert.False(t, conn.Connect(context.Background()), "connect while open is a no-op")

	select {
	case <-backend.Sessions():
		t.Fatal("a second session was opened")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnection_SendRequiresOpen(t *testing.T) {
	conn := NewConnection(ConnectionParams{BaseURL: "http://127.0.0.1:1", Logger: testLogger()})
	assert.ErrorIs(t, conn.Send([]byte(`{}`)), ErrNotConnected)
}

func TestConnection_SendAndEcho(t *testing.T) {
	backend := almondtest.New(testLogger())
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	conn := NewConnection(rec.params(srv.URL, "ctx"))
	defer conn.Close()

	conn.Connect(context.Background())
	s := waitSession(t, backend)
	<-rec.opened

	cmd, err := ParseCommand("hello")
	require.NoError(t, err)
	require.NoError(t, conn.Send(cmd.Payload))

	select {
	case got := <-s.Received():
		assert.JSONEq(t, `{"type":"command","text":"hello"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("backend did not receive the command")
	}

	require.Eventually(t, func() bool {
		for _, f := range rec.snapshot() {
			if f.Text == "Echo: hello" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnection_ServerCloseReturnsToDisconnected(t *testing.T) {
	backend := almondtest.New(testLogger())
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	conn := NewConnection(rec.params(srv.URL, "ctx"))
	defer conn.Close()

	conn.Connect(context.Background())
	s := waitSession(t, backend)
	<-rec.opened

	require.NoError(t, s.Close())
	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.Equal(t, StateDisconnected, conn.State())
	assert.ErrorIs(t, conn.Send([]byte(`{}`)), ErrNotConnected)

	// The next Connect dials again.
	assert.True(t, conn.Connect(context.Background()))
	waitSession(t, backend)
}

func TestConnection_FramesCarrySocketGeneration(t *testing.T) {
	backend := almondtest.New(testLogger())
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	conn := NewConnection(rec.params(srv.URL, "ctx"))
	defer conn.Close()

	conn.Connect(context.Background())
	s1 := waitSession(t, backend)
	assert.Equal(t, uint64(1), <-rec.opened)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s1.Close())
	<-rec.closed

	conn.Connect(context.Background())
	waitSession(t, backend)
	assert.Equal(t, uint64(2), <-rec.opened)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, 2*time.Second, 10*time.Millisecond)

	frames := rec.snapshot()
	for i, f := range frames {
		want := uint64(1)
		if i >= 2 {
			want = 2
		}
		assert.Equal(t, want, f.Gen, "frame %d (%s)", i, f.Type)
		assert.Equal(t, uint64(i+1), f.Seq)
	}
}

func TestConnection_DialFailure(t *testing.T) {
	backend := almondtest.New(testLogger())
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	p := rec.params(srv.URL, "ctx")
	p.Token = func(context.Context) (string, error) { return "unknown-token", nil }
	conn := NewConnection(p)
	defer conn.Close()

	conn.Connect(context.Background())
	select {
	case err := <-rec.closed:
		assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called for failed dial")
	}
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnection_TokenError(t *testing.T) {
	rec := newRecorder()
	p := rec.params("http://127.0.0.1:1", "ctx")
	p.Token = func(context.Context) (string, error) { return "", errors.New("store down") }
	conn := NewConnection(p)

	conn.Connect(context.Background())
	select {
	case err := <-rec.closed:
		assert.ErrorContains(t, err, "store down")
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnection_CloseIsFinal(t *testing.T) {
	backend := almondtest.New(testLogger())
	srv := httptest.NewServer(backend)
	defer srv.Close()

	rec := newRecorder()
	conn := NewConnection(rec.params(srv.URL, "ctx"))

	conn.Connect(context.Background())
	s := waitSession(t, backend)
	<-rec.opened

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("backend socket not closed")
	}
	assert.False(t, conn.Connect(context.Background()), "closed connections never redial")

	select {
	case err := <-rec.closed:
		t.Fatalf("OnClose fired after Close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
