package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"pabawi.org/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(sqlx.NewDb(db, DriverPostgres))
	s.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestPostgresPlaceholders(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_hash = $1 AND expires_at > $2)")).
		WithArgs("abc", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.IsTokenRevoked(context.Background(), "abc", time.Now())
	if err != nil {
		t.Fatalf("IsTokenRevoked: %v", err)
	}
	if !ok {
		t.Fatalf("expected revoked")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUniqueViolationMapsToConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "alice", "hash", true, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.CreateUser(context.Background(), &auth.User{Username: "alice", PasswordHash: "hash", Active: true})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresForeignKeyViolationMapsToNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)")).
		WithArgs("u1", "missing").
		WillReturnError(&pgconn.PgError{Code: "23503"})

	if err := s.AssignRoleToUser(context.Background(), "u1", "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresOtherErrorsPassThrough(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectExec("DELETE FROM lockouts").WithArgs("alice").WillReturnError(boom)

	if err := s.DeleteLockout(context.Background(), "alice"); !errors.Is(err, boom) {
		t.Fatalf("expected passthrough, got %v", err)
	}
}

func TestPostgresUpdateMissingRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE users SET is_active").
		WithArgs(false, sqlmock.AnyArg(), "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.SetUserActive(context.Background(), "u1", false); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresFindUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE lower(username) = $1")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	u, err := s.FindUserByUsername(context.Background(), " Alice")
	if err != nil || u != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", u, err)
	}
}

func TestPostgresPurgeRunsInTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM revoked_tokens WHERE expires_at <= $1")).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM subject_revocations WHERE expires_at <= $1")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := s.PurgeExpiredRevocations(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("PurgeExpiredRevocations: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 purged, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresPurgeRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM revoked_tokens").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if _, err := s.PurgeExpiredRevocations(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockoutUpsert(t *testing.T) {
	s, mock := newMockStore(t)
	until := time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (principal_key) DO UPDATE")).
		WithArgs("alice", "temporary", sqlmock.AnyArg(), sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveLockout(context.Background(), auth.LockoutRecord{
		Key: "alice", Type: auth.LockoutTemporary, LockedAt: until.Add(-15 * time.Minute), LockedUntil: &until, FailedAttempts: 5,
	})
	if err != nil {
		t.Fatalf("SaveLockout: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
