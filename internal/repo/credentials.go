package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"workflowmgr/internal/domain"
)

// InsertCredential stores a login. PasswordHash must already be hashed.
// ErrDuplicate when the address is taken.
func (r Repo) InsertCredential(ctx context.Context, c domain.Credential) error {
	if c.UserID == "" {
		return errors.New("user_id required")
	}
	if c.PasswordHash == "" {
		return errors.New("password_hash required")
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.Email == "" {
		return errors.New("email required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO credentials(user_id, email, display_name, password_hash, created_at) VALUES (?,?,?,?,?)`,
		c.UserID, c.Email, nullable(c.DisplayName), c.PasswordHash, formatTime(c.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("credential %s: %w", c.Email, ErrDuplicate)
	}
	return err
}

func (r Repo) scanCredential(row *sql.Row) (domain.Credential, error) {
	var c domain.Credential
	var name, created string
	err := row.Scan(&c.UserID, &c.Email, &name, &c.PasswordHash, &created)
	if err == sql.ErrNoRows {
		return domain.Credential{}, ErrNotFound
	}
	if err != nil {
		return domain.Credential{}, err
	}
	c.DisplayName = name
	c.CreatedAt = parseTime(created)
	return c, nil
}

// GetCredentialByEmail returns the login for an address.
func (r Repo) GetCredentialByEmail(ctx context.Context, email string) (domain.Credential, error) {
	return r.scanCredential(r.DB.QueryRowContext(ctx,
		`SELECT user_id, email, COALESCE(display_name,''), password_hash, created_at FROM credentials WHERE email=? LIMIT 1`,
		strings.ToLower(strings.TrimSpace(email))))
}

func (r Repo) GetCredential(ctx context.Context, userID string) (domain.Credential, error) {
	return r.scanCredential(r.DB.QueryRowContext(ctx,
		`SELECT user_id, email, COALESCE(display_name,''), password_hash, created_at FROM credentials WHERE user_id=? LIMIT 1`,
		userID))
}

// DeleteCredential removes the login of userID. Deleting a missing login is not an error.
func (r Repo) DeleteCredential(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM credentials WHERE user_id=?`, userID)
	return err
}

// RevokeToken blacklists a session id until it would have expired anyway.
func (r Repo) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if strings.TrimSpace(jti) == "" {
		return errors.New("jti required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT OR REPLACE INTO revoked_tokens(jti, expires_at) VALUES (?,?)`, jti, formatTime(expiresAt))
	return err
}

func (r Repo) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM revoked_tokens WHERE jti=?`, jti).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeRevokedTokens drops entries that expired before now.
func (r Repo) PurgeRevokedTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
