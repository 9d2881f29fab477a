// ABOUTME: Mock UserStore implementation for testing
// ABOUTME: Allows tests to run without a database

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory UserStore implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	users   map[string]*User // keyed by slack id
	byID    map[string]string
	closed  bool
	updates int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users: make(map[string]*User),
		byID:  make(map[string]string),
	}
}

// GetUserBySlackID returns a copy of the stored user.
func (m *MockStore) GetUserBySlackID(ctx context.Context, slackID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[slackID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetOrCreateUser inserts u unless a user with the same Slack id exists.
func (m *MockStore) GetOrCreateUser(ctx context.Context, u *User) (*User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.SlackID]; ok {
		result := *existing
		return &result, false, nil
	}

	fresh := *u
	if fresh.ID == "" {
		fresh.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	fresh.CreatedAt, fresh.UpdatedAt = now, now
	m.users[fresh.SlackID] = &fresh
	m.byID[fresh.ID] = fresh.SlackID

	result := fresh
	return &result, true, nil
}

// UpdateUserTokens replaces the tokens of the user with the given id.
func (m *MockStore) UpdateUserTokens(ctx context.Context, userID, accessToken, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slackID, ok := m.byID[userID]
	if !ok {
		return ErrNotFound
	}
	u := m.users[slackID]
	u.AccessToken = accessToken
	u.RefreshToken = refreshToken
	u.UpdatedAt = time.Now().UTC()
	m.updates++
	return nil
}

// LinkAlmondAccount attaches the Almond account, creating the user if needed.
func (m *MockStore) LinkAlmondAccount(ctx context.Context, link AlmondLink) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	u, ok := m.users[link.SlackID]
	if !ok {
		u = &User{
			ID:        uuid.NewString(),
			SlackID:   link.SlackID,
			Username:  link.Username,
			HumanName: link.HumanName,
			CreatedAt: now,
		}
		m.users[u.SlackID] = u
		m.byID[u.ID] = u.SlackID
	}
	u.AlmondID = link.AlmondID
	u.AccessToken = link.AccessToken
	u.RefreshToken = link.RefreshToken
	u.UpdatedAt = now

	result := *u
	return &result, nil
}

// TokenUpdates returns how many times UpdateUserTokens succeeded.
func (m *MockStore) TokenUpdates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
