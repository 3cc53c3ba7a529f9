package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("RATERHUB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("RATERHUB_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE password_resets, credentials`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgresStore(db)
}

func TestCredentialLifecyclePostgres(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	if err := s.CreateCredential(ctx, Credential{PrincipalID: "usr_1", Email: "Ann@Example.com", PasswordHash: "h1"}); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if err := s.CreateCredential(ctx, Credential{PrincipalID: "usr_2", Email: "ann@example.com", PasswordHash: "h2"}); err == nil {
		t.Fatal("expected duplicate email (case-insensitive) to fail")
	}

	cred, err := s.GetCredentialByEmail(ctx, "ANN@example.com")
	if err != nil {
		t.Fatalf("GetCredentialByEmail: %v", err)
	}
	if cred.PrincipalID != "usr_1" || cred.Email != "ann@example.com" {
		t.Fatalf("unexpected credential %+v", cred)
	}

	if err := s.UpdatePasswordHash(ctx, "usr_1", "h3"); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}
	if err := s.UpdatePasswordHash(ctx, "missing", "h3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.CreatePasswordReset(ctx, "usr_1", "tok-hash", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreatePasswordReset: %v", err)
	}
	uid, err := s.GetPasswordReset(ctx, "tok-hash")
	if err != nil || uid != "usr_1" {
		t.Fatalf("GetPasswordReset = %q, %v", uid, err)
	}
	if err := s.MarkPasswordResetUsed(ctx, "tok-hash"); err != nil {
		t.Fatalf("MarkPasswordResetUsed: %v", err)
	}
	if _, err := s.GetPasswordReset(ctx, "tok-hash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("used token must not resolve, got %v", err)
	}

	if err := s.CreatePasswordReset(ctx, "usr_1", "expired", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CreatePasswordReset: %v", err)
	}
	if _, err := s.GetPasswordReset(ctx, "expired"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired token must not resolve, got %v", err)
	}
}
