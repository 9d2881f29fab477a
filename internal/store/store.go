// ABOUTME: UserStore interface and data types for slackmond credential persistence
// ABOUTME: Defines the User record, the OAuth link payload and sentinel errors

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when inserting a user whose Slack id is already stored
var ErrDuplicateUser = errors.New("user already exists")

// User is the persisted link between a Slack identity and an Almond account.
// AlmondID and the tokens are empty until the user completes the OAuth flow.
type User struct {
	ID           string
	SlackID      string
	AlmondID     string
	AccessToken  string
	RefreshToken string
	Username     string
	HumanName    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasAccessToken reports whether the user can open an authenticated session.
func (u *User) HasAccessToken() bool {
	return u != nil && u.AccessToken != ""
}

// AlmondLink carries the result of a completed OAuth authorization.
type AlmondLink struct {
	SlackID      string
	AlmondID     string
	AccessToken  string
	RefreshToken string
	Username     string
	HumanName    string
}

// UserStore persists users.
type UserStore interface {
	// GetUserBySlackID returns ErrNotFound when no user has that Slack id.
	GetUserBySlackID(ctx context.Context, slackID string) (*User, error)

	// GetOrCreateUser returns the stored user for u.SlackID, inserting u when
	// none exists. The bool is true only when this call created the row.
	// A concurrent insert for the same Slack id resolves to the winner's row.
	GetOrCreateUser(ctx context.Context, u *User) (*User, bool, error)

	// UpdateUserTokens replaces both tokens of the user with the given id in
	// one transaction. Returns ErrNotFound for an unknown id.
	UpdateUserTokens(ctx context.Context, userID, accessToken, refreshToken string) error

	// LinkAlmondAccount attaches an Almond account to the Slack user,
	// creating the user if needed.
	LinkAlmondAccount(ctx context.Context, link AlmondLink) (*User, error)

	Close() error
}
