package sqlstore

import (
	"context"
	"time"

	"pabawi.org/internal/auth"
)

func (s *Store) FindLockout(ctx context.Context, key string) (*auth.LockoutRecord, error) {
	var rec auth.LockoutRecord
	err := s.get(ctx, &rec, `
		SELECT principal_key, lockout_type, locked_at, locked_until, failed_attempts
		FROM lockouts WHERE principal_key = ?
	`, key)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveLockout(ctx context.Context, rec auth.LockoutRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO lockouts (principal_key, lockout_type, locked_at, locked_until, failed_attempts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (principal_key) DO UPDATE SET
			lockout_type = excluded.lockout_type,
			locked_at = excluded.locked_at,
			locked_until = excluded.locked_until,
			failed_attempts = excluded.failed_attempts
	`, rec.Key, string(rec.Type), utc(rec.LockedAt), utcPtr(rec.LockedUntil), rec.FailedAttempts)
	return err
}

func (s *Store) DeleteLockout(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM lockouts WHERE principal_key = ?`, key)
	return err
}

func (s *Store) AppendFailure(ctx context.Context, a auth.FailedAttempt) error {
	_, err := s.exec(ctx, `
		INSERT INTO failed_logins (principal_key, reason, ip_address, user_agent, attempted_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.Key, a.Reason, a.IP, a.UserAgent, utc(a.AttemptedAt))
	return err
}

func (s *Store) CountFailures(ctx context.Context, key string, since time.Time) (int, error) {
	var n int
	var err error
	if since.IsZero() {
		err = s.get(ctx, &n, `SELECT COUNT(*) FROM failed_logins WHERE principal_key = ?`, key)
	} else {
		err = s.get(ctx, &n, `SELECT COUNT(*) FROM failed_logins WHERE principal_key = ? AND attempted_at >= ?`, key, utc(since))
	}
	return n, err
}

func (s *Store) ClearFailures(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM failed_logins WHERE principal_key = ?`, key)
	return err
}

func (s *Store) DeleteExpiredLockouts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM lockouts
		WHERE lockout_type = ? AND locked_until IS NOT NULL AND locked_until <= ?
	`, string(auth.LockoutTemporary), utc(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
