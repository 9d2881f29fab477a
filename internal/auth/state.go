// ABOUTME: Signed state tokens carrying a Slack user id through the OAuth redirect
// ABOUTME: HS256 JWTs with a fixed audience and a short expiry

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidState = errors.New("invalid state")
	ErrExpiredState = errors.New("state expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DefaultStateTTL bounds how long a user may sit on Almond's login page.
const DefaultStateTTL = 10 * time.Minute

const stateAudience = "slackmond-link"

// StateSigner mints and checks state tokens.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewStateSigner creates a signer. A non-positive ttl uses DefaultStateTTL.
func NewStateSigner(secret []byte, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: secret, ttl: ttl}
}

// Sign returns a state token for slackID.
func (s *StateSigner) Sign(slackID string) (string, error) {
	return s.sign(slackID, s.ttl)
}

func (s *StateSigner) sign(slackID string, ttl time.Duration) (string, error) {
	if slackID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   slackID,
		Audience:  jwt.ClaimStrings{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing state: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, audience and expiry and returns the Slack id.
func (s *StateSigner) Verify(state string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredState
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
