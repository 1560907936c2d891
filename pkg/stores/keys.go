package stores

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

var _ engine.KeyAdmin = (*SQLiteStore)(nil)

const keyBytes = 32

// GetKey implements engine.KeyAdmin.
func (s *SQLiteStore) GetKey(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM callback_keys WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get callback key: %w", err)
	}
	return value, nil
}

// CreateKey implements engine.KeyAdmin. An existing key is replaced.
func (s *SQLiteStore) CreateKey(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("key name is required")
	}
	value, err := newKeyValue()
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO callback_keys (name, value, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, created_at = excluded.created_at
	`, name, value, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create callback key: %w", err)
	}
	return value, nil
}

// DeleteKey implements engine.KeyAdmin. Deleting a missing key succeeds.
func (s *SQLiteStore) DeleteKey(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM callback_keys WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete callback key: %w", err)
	}
	return nil
}

// VerifyKey reports whether value is the current key for name.
func (s *SQLiteStore) VerifyKey(ctx context.Context, name, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	stored, err := s.GetKey(ctx, name)
	if err != nil {
		return false, err
	}
	if stored == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(value)) == 1, nil
}

// ListKeys returns every callback key ordered by name.
func (s *SQLiteStore) ListKeys(ctx context.Context) ([]*CallbackKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value, created_at FROM callback_keys ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list callback keys: %w", err)
	}
	defer rows.Close()

	keys := []*CallbackKey{}
	for rows.Next() {
		key := &CallbackKey{}
		if err := rows.Scan(&key.Name, &key.Value, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan callback key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating callback keys: %w", err)
	}
	return keys, nil
}

func newKeyValue() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate callback key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
