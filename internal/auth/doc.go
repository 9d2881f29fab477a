// Package auth signs and verifies the short-lived state tokens used by the
// Almond account-linking flow.
//
// When a Slack user follows the login link, the web server redirects them to
// Almond's authorization page with a state token that names their Slack user
// id. Almond hands the token back on the redirect, and Verify recovers the
// Slack id without any server-side session:
//
//	signer := auth.NewStateSigner(secret, auth.DefaultStateTTL)
//	state, err := signer.Sign("U024BE7LH")
//	...
//	slackID, err := signer.Verify(state)
//
// Tokens are HS256 JWTs with the Slack id in "sub" and a fixed audience, so a
// token minted for another purpose with the same secret is rejected.
package auth
