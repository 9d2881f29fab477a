// ABOUTME: User queries for SQLStore
// ABOUTME: Lookup, get-or-create with retry-as-lookup, token rotation and OAuth account linking

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, slack_id, almond_id, access_token, refresh_token, username, human_name, created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetUserBySlackID retrieves a user by Slack id.
// Returns ErrNotFound if no user exists.
func (s *SQLStore) GetUserBySlackID(ctx context.Context, slackID string) (*User, error) {
	return s.getUserBySlackID(ctx, s.db, slackID)
}

func (s *SQLStore) getUserBySlackID(ctx context.Context, q queryer, slackID string) (*User, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE slack_id = ?`), slackID)

	var (
		u                         User
		almondID, access, refresh sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&u.ID, &u.SlackID, &almondID, &access, &refresh, &u.Username, &u.HumanName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.AlmondID = almondID.String
	u.AccessToken = access.String
	u.RefreshToken = refresh.String
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (s *SQLStore) insertUser(ctx context.Context, q queryer, u *User) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), u.ID, u.SlackID, nullString(u.AlmondID), nullString(u.AccessToken), nullString(u.RefreshToken),
		u.Username, u.HumanName, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetOrCreateUser looks the user up and inserts it when absent, in one
// serializable transaction. Losing a race against a concurrent insert is
// resolved by re-reading the winner's row.
func (s *SQLStore) GetOrCreateUser(ctx context.Context, u *User) (*User, bool, error) {
	var (
		result  *User
		created bool
	)

	err := s.withTransaction(ctx, func(tx *sql.Tx) error {
		existing, err := s.getUserBySlackID(ctx, tx, u.SlackID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		fresh := *u
		if fresh.ID == "" {
			fresh.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		fresh.CreatedAt, fresh.UpdatedAt = now, now
		if err := s.insertUser(ctx, tx, &fresh); err != nil {
			return err
		}
		result = &fresh
		created = true
		return nil
	})

	if err != nil {
		if !errors.Is(err, ErrDuplicateUser) && !isConstraintViolation(err) && !isSerializationFailure(err) {
			return nil, false, err
		}
		s.logger.Debug("concurrent user creation, retrying as lookup", "slack_id", u.SlackID)
		existing, lookupErr := s.GetUserBySlackID(ctx, u.SlackID)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("re-reading user after conflict: %w", lookupErr)
		}
		return existing, false, nil
	}

	if created {
		s.logger.Info("created user", "id", result.ID, "slack_id", result.SlackID)
	}
	return result, created, nil
}

// UpdateUserTokens replaces the stored tokens in one transaction.
func (s *SQLStore) UpdateUserTokens(ctx context.Context, userID, accessToken, refreshToken string) error {
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE users SET access_token = ?, refresh_token = ?, updated_at = ?
			WHERE id = ?
		`), nullString(accessToken), nullString(refreshToken), formatTime(time.Now()), userID)
		if err != nil {
			return fmt.Errorf("updating tokens: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LinkAlmondAccount stores the Almond id and tokens for the Slack user,
// creating the user when it has never talked to the bot.
func (s *SQLStore) LinkAlmondAccount(ctx context.Context, link AlmondLink) (*User, error) {
	var result *User

	attempt := func() error {
		return s.withTransaction(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			existing, err := s.getUserBySlackID(ctx, tx, link.SlackID)
			switch {
			case errors.Is(err, ErrNotFound):
				u := &User{
					ID:           uuid.NewString(),
					SlackID:      link.SlackID,
					AlmondID:     link.AlmondID,
					AccessToken:  link.AccessToken,
					RefreshToken: link.RefreshToken,
					Username:     link.Username,
					HumanName:    link.HumanName,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := s.insertUser(ctx, tx, u); err != nil {
					return err
				}
				result = u
				return nil
			case err != nil:
				return err
			}

			_, err = tx.ExecContext(ctx, s.rebind(`
				UPDATE users SET almond_id = ?, access_token = ?, refresh_token = ?, updated_at = ?
				WHERE id = ?
			`), nullString(link.AlmondID), nullString(link.AccessToken), nullString(link.RefreshToken), formatTime(now), existing.ID)
			if err != nil {
				return fmt.Errorf("linking account: %w", err)
			}
			existing.AlmondID = link.AlmondID
			existing.AccessToken = link.AccessToken
			existing.RefreshToken = link.RefreshToken
			existing.UpdatedAt = now
			result = existing
			return nil
		})
	}

	err := attempt()
	if errors.Is(err, ErrDuplicateUser) || isSerializationFailure(err) {
		// Someone created the row between our lookup and insert; the second
		// attempt takes the update branch.
		err = attempt()
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("linked almond account", "slack_id", link.SlackID, "almond_id", link.AlmondID)
	return result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
