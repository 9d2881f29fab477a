// ABOUTME: Almond HTTP API client and the access token refresher
// ABOUTME: Validates tokens against the profile endpoint and rotates them with golang.org/x/oauth2

package almond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stanford-oval/slackmond/internal/store"
)

// ErrUnauthorized is matched by errors caused by a rejected access token.
var ErrUnauthorized = errors.New("almond: unauthorized")

// Scopes requested when a Slack user links their Almond account.
var Scopes = []string{"profile", "user-read", "user-read-results", "user-exec-command"}

const apiTimeout = 15 * time.Second

// StatusError reports a non-2xx answer from the Almond HTTP API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("almond: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("almond: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrUnauthorized) true for 401 answers.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Profile is the account summary returned by /me/api/profile.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	HumanName string `json:"human_name"`
}

// OAuthConfig builds the client configuration for Almond's OAuth endpoints.
// Client credentials travel in the form body, as Almond expects.
func OAuthConfig(baseURL, clientID, clientSecret, redirectURL string) *oauth2.Config {
	base := strings.TrimRight(baseURL, "/")
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/me/api/oauth2/authorize",
			TokenURL:  base + "/me/api/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      Scopes,
	}
}

// Client talks to Almond's HTTP API.
type Client struct {
	baseURL string
	oauth   *oauth2.Config
	http    *http.Client
}

// NewClient creates a Client. A nil httpClient gets a default with a timeout.
func NewClient(baseURL string, oauth *oauth2.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: apiTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		oauth:   oauth,
		http:    httpClient,
	}
}

// BaseURL returns the Almond origin the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AuthCodeURL returns the authorization page URL carrying state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

// Refresh runs the refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("refreshing token: no refresh token stored")
	}
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return tok, nil
}

// Profile fetches the account behind accessToken. A rejected token yields an
// error matching ErrUnauthorized.
func (c *Client) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me/api/profile", nil)
	if err != nil {
		return nil, fmt.Errorf("building profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &p, nil
}

// TokenStore persists rotated tokens.
type TokenStore interface {
	UpdateUserTokens(ctx context.Context, userID, accessToken, refreshToken string) error
}

// Refresher keeps a user's access token usable.
type Refresher struct {
	client *Client
	store  TokenStore
	logger *slog.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(client *Client, tokens TokenStore, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		client: client,
		store:  tokens,
		logger: logger.With("component", "refresher"),
	}
}

// EnsureFreshToken validates the user's access token and rotates it if Almond
// rejects it. It returns the user unchanged when the token still works, an
// updated copy after a successful rotation, and an error otherwise. Errors
// other than a rejected token are returned without attempting a refresh.
func (r *Refresher) EnsureFreshToken(ctx context.Context, user *store.User) (*store.User, error) {
	_, err := r.client.Profile(ctx, user.AccessToken)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUnauthorized) {
		return nil, err
	}

	r.logger.Info("access token rejected, refreshing", "user_id", user.ID)

	tok, err := r.client.Refresh(ctx, user.RefreshToken)
	if err != nil {
		return nil, err
	}

	refresh := user.RefreshToken
	if tok.RefreshToken != "" {
		refresh = tok.RefreshToken
	}
	if err := r.store.UpdateUserTokens(ctx, user.ID, tok.AccessToken, refresh); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}

	updated := *user
	updated.AccessToken = tok.AccessToken
	updated.RefreshToken = refresh
	return &updated, nil
}
