// ABOUTME: HTTP endpoints: health, the Almond login redirect and the OAuth callback
// ABOUTME: Callback pages are short Markdown messages rendered with goldmark

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/stanford-oval/slackmond/internal/store"
)

const (
	registerPath = "/register"
	redirectPath = "/oauth-redirect"

	oauthTimeout = 30 * time.Second
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body>
<main>
{{.Body}}
</main>
</body>
</html>
`))

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET "+registerPath, g.handleRegister)
	mux.HandleFunc("GET "+redirectPath, g.handleOAuthRedirect)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	Conversations int    `json:"conversations"`
}

// handleHealth returns 200 OK with the number of live conversations.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Conversations: g.dispatcher.Len(),
	})
}

// handleRegister sends the user to Almond's authorization page. The Slack
// id comes back to us inside the signed state.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	slackID := r.URL.Query().Get("slack_id")
	if slackID == "" {
		g.renderPage(w, http.StatusBadRequest, "Missing Slack user",
			"This link is missing your Slack user. Ask Almond in Slack for a new login link.")
		return
	}

	state, err := g.states.Sign(slackID)
	if err != nil {
		g.logger.Error("failed to sign oauth state", "slack_id", slackID, "error", err)
		g.renderPage(w, http.StatusInternalServerError, "Something went wrong",
			"Something went wrong on our side. Please try again.")
		return
	}

	http.Redirect(w, r, g.almond.AuthCodeURL(state), http.StatusFound)
}

// handleOAuthRedirect completes the authorization code flow and links the
// Almond account to the Slack user named in the state.
func (g *Gateway) handleOAuthRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if oauthErr := q.Get("error"); oauthErr != "" {
		g.logger.Warn("almond returned an oauth error", "error", oauthErr, "description", q.Get("error_description"))
		g.renderPage(w, http.StatusBadRequest, "Login failed",
			fmt.Sprintf("Almond did not complete the login (`%s`). Ask Almond in Slack for a new login link.", oauthErr))
		return
	}

	slackID, err := g.states.Verify(q.Get("state"))
	if err != nil {
		g.logger.Warn("rejected oauth state", "error", err)
		g.renderPage(w, http.StatusBadRequest, "Unknown user",
			"I don't recognize you. Use the login link Almond sent you in Slack, and finish within ten minutes.")
		return
	}

	code := q.Get("code")
	if code == "" {
		g.renderPage(w, http.StatusBadRequest, "Login failed", "The authorization code is missing.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), oauthTimeout)
	defer cancel()

	tok, err := g.almond.Exchange(ctx, code)
	if err != nil {
		g.logger.Error("failed to exchange authorization code", "slack_id", slackID, "error", err)
		g.renderPage(w, http.StatusBadGateway, "Login failed",
			"Almond did not accept the login. Please try again.")
		return
	}

	profile, err := g.almond.Profile(ctx, tok.AccessToken)
	if err != nil {
		g.logger.Error("failed to fetch almond profile", "slack_id", slackID, "error", err)
		g.renderPage(w, http.StatusBadGateway, "Login failed",
			"Could not read your Almond profile. Please try again.")
		return
	}

	user, err := g.store.LinkAlmondAccount(ctx, store.AlmondLink{
		SlackID:      slackID,
		AlmondID:     profile.ID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Username:     profile.Username,
		HumanName:    profile.HumanName,
	})
	if err != nil {
		g.logger.Error("failed to link almond account", "slack_id", slackID, "error", err)
		g.renderPage(w, http.StatusInternalServerError, "Something went wrong",
			"Something went wrong on our side. Please try again.")
		return
	}

	// Live conversations still hold an anonymous session; the next mention
	// reopens them with the new token.
	evicted := g.dispatcher.EvictUser(slackID)
	g.logger.Info("linked almond account",
		"slack_id", slackID,
		"user_id", user.ID,
		"almond_id", profile.ID,
		"evicted_conversations", evicted,
	)

	name := profile.HumanName
	if name == "" {
		name = profile.Username
	}
	g.renderPage(w, http.StatusOK, "Logged in",
		fmt.Sprintf("# You're all set\n\nYou are now logged in to Almond as **%s**. Go back to Slack and mention me to continue.", name))
}

// renderPage writes a Markdown message as a full HTML page.
func (g *Gateway) renderPage(w http.ResponseWriter, status int, title, markdown string) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &body); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		body.Reset()
		body.WriteString("<p>" + template.HTMLEscapeString(markdown) + "</p>")
	}

	var page bytes.Buffer
	err := pageTemplate.Execute(&page, struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		g.logger.Error("failed to render page", "error", err)
		http.Error(w, title, status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(page.Bytes())
}
