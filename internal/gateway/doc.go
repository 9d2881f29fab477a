// Package gateway wires slackmond together and serves its HTTP endpoints.
//
// # Overview
//
// The Gateway owns every long-lived component: the credential store, the
// Slack client, the Almond OAuth client and token refresher, the relay
// dispatcher, and the HTTP server. New builds them from a config.Config and
// Run drives them until the context is cancelled:
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run starts the Slack Socket Mode loop and the HTTP server under one
// errgroup. When either fails, or ctx ends, the other is stopped, every
// conversation is closed and the store is released.
//
// # HTTP Endpoints
//
//   - GET /health - liveness plus the number of live conversations
//   - GET /register?slack_id=U... - redirects to Almond's login page
//   - GET /oauth-redirect - Almond's OAuth callback; links the account
//
// The login link that Almond asks the relay to show points at /register. The
// Slack user id travels through Almond's authorization page inside a signed
// state token (see package auth), so no server-side session is kept.
//
// # Pages
//
// The OAuth endpoints answer with short Markdown messages rendered to HTML
// with goldmark and wrapped in a minimal page.
package gateway
