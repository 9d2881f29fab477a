// Package almond is the client side of the Almond conversational backend.
//
// # Conversation socket
//
// Connection wraps one WebSocket to
//
//	<almond>/me/api/conversation?id=<context>&hide_welcome=<0|1>   (with a bearer token)
//	<almond>/me/api/anonymous?id=<context>&hide_welcome=<0|1>      (without)
//
// It moves between Disconnected, Connecting and Open. Connect is a no-op
// unless Disconnected, so concurrent callers cannot start two dials. A lost
// socket returns to Disconnected and stays there until the owner calls
// Connect again.
//
// # Frames
//
// User text becomes one of four Command shapes (see ParseCommand). Frames
// from Almond decode into Frame; unknown types decode with KindUnknown so
// newer backends do not break older relays.
//
// # Tokens
//
// Refresher checks an access token against /me/api/profile. A 401 triggers
// the refresh_token grant at /me/api/oauth2/token; the new tokens are
// persisted through TokenStore before the caller sees them.
package almond
