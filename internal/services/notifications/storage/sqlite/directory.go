package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// PutContact replaces a user's contact points and roles.
func (s *Store) PutContact(ctx context.Context, contact domain.Contact) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, "put contact", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO contacts (user_id, email, phone, locale, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	email = excluded.email,
	phone = excluded.phone,
	locale = excluded.locale,
	updated_at = excluded.updated_at
`, contact.UserID, contact.Email, contact.Phone, contact.Locale, toMillis(contact.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM contact_roles WHERE user_id = ?`, contact.UserID); err != nil {
			return fmt.Errorf("clear contact roles: %w", err)
		}
		for _, role := range contact.Roles {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO contact_roles (user_id, role) VALUES (?, ?) ON CONFLICT(user_id, role) DO NOTHING
`, contact.UserID, role); err != nil {
				return fmt.Errorf("insert contact role: %w", err)
			}
		}
		return nil
	})
}

// GetContact loads a user's contact points and roles.
func (s *Store) GetContact(ctx context.Context, userID string) (domain.Contact, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Contact{}, err
	}
	var (
		contact   domain.Contact
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, email, phone, locale, updated_at FROM contacts WHERE user_id = ?
`, userID).Scan(&contact.UserID, &contact.Email, &contact.Phone, &contact.Locale, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Contact{}, &domain.NotFoundError{Kind: "contact", Key: userID}
		}
		return domain.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	contact.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT role FROM contact_roles WHERE user_id = ? ORDER BY role ASC`, userID)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("list contact roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return domain.Contact{}, fmt.Errorf("scan contact role: %w", err)
		}
		contact.Roles = append(contact.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return domain.Contact{}, fmt.Errorf("iterate contact roles: %w", err)
	}
	return contact, nil
}

// ListUserIDsByRole lists users holding role, sorted by id.
func (s *Store) ListUserIDsByRole(ctx context.Context, role string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT user_id FROM contact_roles WHERE role = ? ORDER BY user_id ASC`, role)
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users by role: %w", err)
	}
	return ids, nil
}

// PutDeviceToken registers a push token, moving it to a new owner if needed.
func (s *Store) PutDeviceToken(ctx context.Context, token domain.DeviceToken) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO device_tokens (token, user_id, platform, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET
	user_id = excluded.user_id,
	platform = excluded.platform,
	updated_at = excluded.updated_at
`, token.Token, token.UserID, token.Platform, toMillis(token.CreatedAt), toMillis(token.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put device token: %w", err)
	}
	return nil
}

// ListDeviceTokens lists a user's push tokens, newest first.
func (s *Store) ListDeviceTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT token, user_id, platform, created_at, updated_at
FROM device_tokens
WHERE user_id = ?
ORDER BY updated_at DESC, token ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()
	tokens := make([]domain.DeviceToken, 0)
	for rows.Next() {
		var (
			token                domain.DeviceToken
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&token.Token, &token.UserID, &token.Platform, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		token.CreatedAt = fromMillis(createdAt)
		token.UpdatedAt = fromMillis(updatedAt)
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device tokens: %w", err)
	}
	return tokens, nil
}

// DeleteDeviceToken removes a push token. Missing tokens are not an error.
func (s *Store) DeleteDeviceToken(ctx context.Context, token string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete device token: %w", err)
	}
	return nil
}
