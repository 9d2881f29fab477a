// ABOUTME: Tests for the Almond API client and token refresher
// ABOUTME: Covers valid tokens, 401-triggered refresh, rotation, and error propagation

package almond

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanford-oval/slackmond/internal/almond/almondtest"
	"github.com/stanford-oval/slackmond/internal/store"
)

func newTestRefresher(t *testing.T, backend http.Handler) (*Refresher, *store.MockStore, *Client) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, OAuthConfig(srv.URL, "client-id", "client-secret", "http://relay/oauth-redirect"), srv.Client())
	tokens := store.NewMockStore()
	return NewRefresher(client, tokens, testLogger()), tokens, client
}

func seedUser(t *testing.T, s *store.MockStore, access, refresh string) *store.User {
	t.Helper()
	u, _, err := s.GetOrCreateUser(context.Background(), &store.User{SlackID: "U1"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateUserTokens(context.Background(), u.ID, access, refresh))
	u.AccessToken, u.RefreshToken = access, refresh
	return u
}

func TestStatusError_MatchesUnauthorized(t *testing.T) {
	assert.True(t, errors.Is(&StatusError{StatusCode: 401}, ErrUnauthorized))
	assert.False(t, errors.Is(&StatusError{StatusCode: 500}, ErrUnauthorized))
}

func TestOAuthConfig(t *testing.T) {
	cfg := OAuthConfig("https://almond.example.com/", "id", "secret", "https://relay/oauth-redirect")
	assert.Equal(t, "https://almond.example.com/me/api/oauth2/token", cfg.Endpoint.TokenURL)

	u, err := url.Parse(cfg.AuthCodeURL("state-1"))
	require.NoError(t, err)
	assert.Equal(t, "/me/api/oauth2/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://relay/oauth-redirect", q.Get("redirect_uri"))
	assert.Equal(t, "profile user-read user-read-results user-exec-command", q.Get("scope"))
	assert.Equal(t, "state-1", q.Get("state"))
}

func TestEnsureFreshToken_ValidToken(t *testing.T) {
	backend := almondtest.New(testLogger())
	backend.AddAccount(almondtest.Account{ID: "a1", Username: "bob", AccessToken: "good", RefreshToken: "r1"})
	refresher, tokens, _ := newTestRefresher(t, backend)
	user := seedUser(t, tokens, "good", "r1")

	got, err := refresher.EnsureFreshToken(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, "good", got.AccessToken)
	assert.Equal(t, 0, backend.TokenRequests(), "no refresh for a working token")
	assert.Equal(t, 1, tokens.TokenUpdates(), "only the seeding update")
}

func TestEnsureFreshToken_RefreshesOn401(t *testing.T) {
	backend := almondtest.New(testLogger())
	backend.AddAccount(almondtest.Account{ID: "a1", AccessToken: "stale", RefreshToken: "r1"})
	backend.ExpireAccessToken("stale")
	refresher, tokens, client := newTestRefresher(t, backend)
	user := seedUser(t, tokens, "stale", "r1")

	got, err := refresher.EnsureFreshToken(context.Background(), user)
	require.NoError(t, err)
	assert.NotEqual(t, "stale", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken, "refresh token kept when none is issued")
	assert.Equal(t, "stale", user.AccessToken, "caller's copy is not mutated")
	assert.Equal(t, 1, backend.TokenRequests())
	assert.Equal(t, 2, tokens.TokenUpdates(), "persisted exactly once")

	stored, err := tokens.GetUserBySlackID(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, got.AccessToken, stored.AccessToken)
	assert.Equal(t, "r1", stored.RefreshToken)

	profile, err := client.Profile(context.Background(), got.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "a1", profile.ID)
}

func TestEnsureFreshToken_StoresRotatedRefreshToken(t *testing.T) {
	backend := almondtest.New(testLogger())
	backend.RotateRefreshTokens = true
	backend.AddAccount(almondtest.Account{ID: "a1", AccessToken: "stale", RefreshToken: "r1"})
	backend.ExpireAccessToken("stale")
	refresher, tokens, _ := newTestRefresher(t, backend)
	user := seedUser(t, tokens, "stale", "r1")

	got, err := refresher.EnsureFreshToken(context.Background(), user)
	require.NoError(t, err)
	assert.NotEqual(t, "r1", got.RefreshToken)

	stored, err := tokens.GetUserBySlackID(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, got.RefreshToken, stored.RefreshToken)
}

func TestEnsureFreshToken_RefreshFailure(t *testing.T) {
	backend := almondtest.New(testLogger())
	backend.AddAccount(almondtest.Account{ID: "a1", AccessToken: "stale"})
	backend.ExpireAccessToken("stale")
	refresher, tokens, _ := newTestRefresher(t, backend)
	user := seedUser(t, tokens, "stale", "revoked")

	_, err := refresher.EnsureFreshToken(context.Background(), user)
	require.Error(t, err)
	assert.Equal(t, 1, tokens.TokenUpdates(), "nothing persisted on failure")
}

func TestEnsureFreshToken_NonAuthErrorPropagates(t *testing.T) {
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/me/api/oauth2/token" {
			t.Error("token endpoint must not be called for non-401 failures")
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	refresher, tokens, _ := newTestRefresher(t, failing)
	user := seedUser(t, tokens, "tok", "r1")

	_, err := refresher.EnsureFreshToken(context.Background(), user)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}

func TestClient_Exchange(t *testing.T) {
	backend := almondtest.New(testLogger())
	backend.AddAuthCode("code-1", almondtest.Account{ID: "a1", AccessToken: "at", RefreshToken: "rt"})
	_, _, client := newTestRefresher(t, backend)

	tok, err := client.Exchange(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)

	_, err = client.Exchange(context.Background(), "code-1")
	assert.Error(t, err, "codes are single use")
}

func TestClient_RefreshWithoutToken(t *testing.T) {
	_, _, client := newTestRefresher(t, almondtest.New(testLogger()))
	_, err := client.Refresh(context.Background(), "")
	assert.Error(t, err)
}

func TestAuthorizeThenExchange(t *testing.T) {
	backend := almondtest.New(testLogger())
	backend.AutoApprove(almondtest.Account{ID: "a1", Username: "demo", AccessToken: "acc", RefreshToken: "ref"})
	_, _, client := newTestRefresher(t, backend)

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noFollow.Get(client.AuthCodeURL("st"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oauth-redirect", loc.Path)
	assert.Equal(t, "st", loc.Query().Get("state"))

	tok, err := client.Exchange(context.Background(), loc.Query().Get("code"))
	require.NoError(t, err)
	assert.Equal(t, "acc", tok.AccessToken)
	assert.Equal(t, "ref", tok.RefreshToken)

	profile, err := client.Profile(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "demo", profile.Username)
}

func TestAuthorizeWithoutApprovalIsNotFound(t *testing.T) {
	_, _, client := newTestRefresher(t, almondtest.New(testLogger()))

	resp, err := http.Get(client.AuthCodeURL("st"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
