package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

// CreateUser inserts a new user token.
func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (token, nickname, disabled, prompt_count, tokens_input, tokens_output, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Token, u.Nickname, boolToInt(u.IsDisabled),
		u.PromptCount, u.TokensInput, u.TokensOutput,
		created.UTC().Format(time.RFC3339), timeStr(u.LastUsedAt),
	)
	return err
}

// GetUser retrieves a user by its token.
func (s *Store) GetUser(ctx context.Context, token string) (*storage.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT token, nickname, disabled, prompt_count, tokens_input, tokens_output, created_at, last_used_at
		 FROM users WHERE token = ?`, token,
	)
	return scanUser(row)
}

// ListUsers returns users ordered by creation time, newest first.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*storage.User, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT token, nickname, disabled, prompt_count, tokens_input, tokens_output, created_at, last_used_at
		 FROM users ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUserDisabled flips the disabled flag on a user token.
func (s *Store) SetUserDisabled(ctx context.Context, token string, disabled bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET disabled=? WHERE token=?`, boolToInt(disabled), token)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// IncrementPromptCount bumps the user's prompt counter and last-used time.
func (s *Store) IncrementPromptCount(ctx context.Context, token string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET prompt_count = prompt_count + 1, last_used_at = ? WHERE token = ?`,
		time.Now().UTC().Format(time.RFC3339), token)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// IncrementTokenCount credits input/output tokens to the user.
func (s *Store) IncrementTokenCount(ctx context.Context, token string, input, output int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET tokens_input = tokens_input + ?, tokens_output = tokens_output + ? WHERE token = ?`,
		input, output, token)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*storage.User, error) {
	var u storage.User
	var disabled int
	var createdAt, lastUsedAt string
	err := row.Scan(&u.Token, &u.Nickname, &disabled,
		&u.PromptCount, &u.TokensInput, &u.TokensOutput,
		&createdAt, &lastUsedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.IsDisabled = disabled != 0
	u.CreatedAt = parseTime(createdAt)
	u.LastUsedAt = parseTime(lastUsedAt)
	return &u, nil
}

// notFoundErr translates sql.ErrNoRows to storage.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, storage.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeStr formats a timestamp, mapping the zero time to an empty string.
func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime is lenient: unparseable or empty strings become the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
