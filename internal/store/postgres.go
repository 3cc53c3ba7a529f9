package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// PostgresStore keeps the identity provider's secrets: credentials and
// password reset tokens. Principals themselves live in the tree.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateCredential(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (principal_id, email, password_hash)
		VALUES ($1, LOWER($2), $3)
	`, cred.PrincipalID, cred.Email, cred.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredentialByEmail(ctx context.Context, email string) (Credential, error) {
	return s.getCredential(ctx, `WHERE email = LOWER($1)`, email)
}

func (s *PostgresStore) GetCredentialByPrincipal(ctx context.Context, principalID string) (Credential, error) {
	return s.getCredential(ctx, `WHERE principal_id = $1`, principalID)
}

func (s *PostgresStore) getCredential(ctx context.Context, where string, arg string) (Credential, error) {
	var cred Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id, email, password_hash, created_at, updated_at
		FROM credentials `+where, arg).Scan(&cred.PrincipalID, &cred.Email, &cred.PasswordHash, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("lookup credential: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, principalID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET password_hash = $2, updated_at = NOW()
		WHERE principal_id = $1
	`, principalID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, principalID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, principal_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenHash, principalID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

// GetPasswordReset returns the principal of an unused, unexpired token.
func (s *PostgresStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var principalID string
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id FROM password_resets
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup password reset: %w", err)
	}
	return principalID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at = NOW() WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
