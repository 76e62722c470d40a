package sqlstore

import (
	"context"
	"fmt"
	"time"

	"pabawi.org/internal/auth"
)

func (s *Store) RevokeToken(ctx context.Context, rec auth.RevokedToken) error {
	_, err := s.exec(ctx, `
		INSERT INTO revoked_tokens (token_hash, subject_id, reason, revoked_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token_hash) DO NOTHING
	`, rec.TokenHash, rec.SubjectID, rec.Reason, utc(rec.RevokedAt), utc(rec.ExpiresAt))
	return err
}

func (s *Store) IsTokenRevoked(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM revoked_tokens WHERE token_hash = ? AND expires_at > ?`, tokenHash, utc(now))
}

func (s *Store) RevokeSubject(ctx context.Context, rec auth.SubjectRevocation) error {
	_, err := s.exec(ctx, `
		INSERT INTO subject_revocations (subject_id, revoked_before, reason, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subject_id) DO UPDATE SET
			revoked_before = excluded.revoked_before,
			reason = excluded.reason,
			expires_at = excluded.expires_at
	`, rec.SubjectID, utc(rec.RevokedBefore), rec.Reason, utc(rec.ExpiresAt))
	return err
}

func (s *Store) SubjectRevokedBefore(ctx context.Context, subjectID string, now time.Time) (time.Time, bool, error) {
	var cutoff time.Time
	err := s.get(ctx, &cutoff, `
		SELECT revoked_before FROM subject_revocations
		WHERE subject_id = ? AND expires_at > ?
	`, subjectID, utc(now))
	if noRows(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return cutoff, true, nil
}

func (s *Store) PurgeExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"revoked_tokens", "subject_revocations"} {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE expires_at <= ?`), utc(now))
		if err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}
