package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"pabawi.org/internal/obs"
)

const (
	DefaultLockoutWindow      = 15 * time.Minute
	DefaultLockoutThreshold   = 5
	DefaultLockoutDuration    = 15 * time.Minute
	DefaultPermanentThreshold = 10
)

// LockoutPolicy holds the lockout thresholds.
type LockoutPolicy struct {
	Window             time.Duration
	Threshold          int
	Duration           time.Duration
	PermanentThreshold int
}

// DefaultLockoutPolicy returns the documented defaults.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Window:             DefaultLockoutWindow,
		Threshold:          DefaultLockoutThreshold,
		Duration:           DefaultLockoutDuration,
		PermanentThreshold: DefaultPermanentThreshold,
	}
}

func (p LockoutPolicy) withDefaults() LockoutPolicy {
	d := DefaultLockoutPolicy()
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.Duration <= 0 {
		p.Duration = d.Duration
	}
	if p.PermanentThreshold <= 0 {
		p.PermanentThreshold = d.PermanentThreshold
	}
	return p
}

// LockStatus is the outcome of a lock check.
type LockStatus struct {
	Locked      bool
	Permanent   bool
	LockedUntil time.Time
	RetryAfter  time.Duration
}

// Err converts a locked status into a *LockedError, or nil.
func (s LockStatus) Err() error {
	if !s.Locked {
		return nil
	}
	return &LockedError{Permanent: s.Permanent, RetryAfter: s.RetryAfter}
}

// Reason is the caller-facing lockout message, empty when unlocked.
func (s LockStatus) Reason() string {
	if err := s.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// LockoutGuard tracks failed logins per principal key and escalates to
// temporary and permanent lockouts.
type LockoutGuard struct {
	store  LockoutStore
	policy LockoutPolicy
	audit  AuditSink
	now    func() time.Time
}

// GuardOption configures LockoutGuard.
type GuardOption func(*LockoutGuard)

func WithLockoutPolicy(p LockoutPolicy) GuardOption {
	return func(g *LockoutGuard) { g.policy = p.withDefaults() }
}

func WithGuardAudit(sink AuditSink) GuardOption {
	return func(g *LockoutGuard) {
		if sink != nil {
			g.audit = sink
		}
	}
}

func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *LockoutGuard) {
		if fn != nil {
			g.now = fn
		}
	}
}

func NewLockoutGuard(store LockoutStore, opts ...GuardOption) (*LockoutGuard, error) {
	if store == nil {
		return nil, errors.New("auth: lockout store is required")
	}
	g := &LockoutGuard{
		store:  store,
		policy: DefaultLockoutPolicy(),
		audit:  nopSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Check reports whether key is locked. Expired temporary locks are removed
// here. A store failure fails open and is logged and audited.
func (g *LockoutGuard) Check(ctx context.Context, key string) LockStatus {
	key = NormalizeKey(key)
	if key == "" {
		return LockStatus{}
	}
	rec, err := g.store.FindLockout(ctx, key)
	if err != nil {
		obs.Error("lockout check failed; allowing attempt", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
		recordAudit(ctx, g.audit, AuditEvent{
			Type:    AuditAuthentication,
			Action:  "lockout_check_error",
			Target:  key,
			Result:  AuditFailure,
			Details: map[string]any{"error": err.Error(), "policy": "fail_open"},
		})
		return LockStatus{}
	}
	if rec == nil {
		return LockStatus{}
	}
	if rec.Type == LockoutPermanent {
		return LockStatus{Locked: true, Permanent: true}
	}
	now := g.now()
	if rec.LockedUntil == nil || !now.Before(*rec.LockedUntil) {
		if err := g.store.DeleteLockout(ctx, key); err != nil {
			obs.Warn("delete expired lockout failed", map[string]any{"key": key, "error": err.Error()})
		}
		return LockStatus{}
	}
	return LockStatus{
		Locked:      true,
		LockedUntil: *rec.LockedUntil,
		RetryAfter:  rec.LockedUntil.Sub(now),
	}
}

// RecordFailure appends a failure and escalates the lock if a threshold is
// reached. The permanent threshold is evaluated first. Errors are swallowed.
func (g *LockoutGuard) RecordFailure(ctx context.Context, attempt FailedAttempt) {
	attempt.Key = NormalizeKey(attempt.Key)
	if attempt.Key == "" {
		return
	}
	now := g.now()
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = now
	}
	if err := g.store.AppendFailure(ctx, attempt); err != nil {
		g.logBookkeeping("append failure", attempt.Key, err)
		return
	}

	total, err := g.store.CountFailures(ctx, attempt.Key, time.Time{})
	if err != nil {
		g.logBookkeeping("count failures", attempt.Key, err)
		return
	}
	current, err := g.store.FindLockout(ctx, attempt.Key)
	if err != nil {
		g.logBookkeeping("load lockout", attempt.Key, err)
		return
	}

	if total >= g.policy.PermanentThreshold {
		if current != nil && current.Type == LockoutPermanent {
			current.FailedAttempts = total
			g.save(ctx, *current)
			return
		}
		g.save(ctx, LockoutRecord{
			Key:            attempt.Key,
			Type:           LockoutPermanent,
			LockedAt:       now,
			FailedAttempts: total,
		})
		g.lockEvent(ctx, attempt, LockoutPermanent, total, nil)
		return
	}

	inWindow, err := g.store.CountFailures(ctx, attempt.Key, now.Add(-g.policy.Window))
	if err != nil {
		g.logBookkeeping("count window failures", attempt.Key, err)
		return
	}
	if inWindow < g.policy.Threshold {
		return
	}
	if current != nil && current.LockedUntil != nil && now.Before(*current.LockedUntil) {
		// already locked; keep the original expiry
		current.FailedAttempts = total
		g.save(ctx, *current)
		return
	}
	until := now.Add(g.policy.Duration)
	g.save(ctx, LockoutRecord{
		Key:            attempt.Key,
		Type:           LockoutTemporary,
		LockedAt:       now,
		LockedUntil:    &until,
		FailedAttempts: total,
	})
	g.lockEvent(ctx, attempt, LockoutTemporary, total, &until)
}

// ClearOnSuccess clears the failure history and any temporary lock. A
// permanent lock survives.
func (g *LockoutGuard) ClearOnSuccess(ctx context.Context, key string) {
	key = NormalizeKey(key)
	if key == "" {
		return
	}
	rec, err := g.store.FindLockout(ctx, key)
	if err != nil {
		g.logBookkeeping("load lockout", key, err)
		return
	}
	if rec != nil && rec.Type == LockoutPermanent {
		return
	}
	if err := g.store.ClearFailures(ctx, key); err != nil {
		g.logBookkeeping("clear failures", key, err)
	}
	if rec != nil {
		if err := g.store.DeleteLockout(ctx, key); err != nil {
			g.logBookkeeping("delete lockout", key, err)
		}
	}
}

// AdminUnlock removes any lock, temporary or permanent, and the failure history.
func (g *LockoutGuard) AdminUnlock(ctx context.Context, actorID, key string) error {
	key = NormalizeKey(key)
	if key == "" {
		return ErrInvalidInput
	}
	if err := g.store.DeleteLockout(ctx, key); err != nil {
		return storeError("delete lockout", err)
	}
	if err := g.store.ClearFailures(ctx, key); err != nil {
		return storeError("clear failures", err)
	}
	recordAudit(ctx, g.audit, AuditEvent{
		Type:    AuditUserChange,
		Action:  "account_unlocked",
		ActorID: actorID,
		Target:  key,
		Result:  AuditSuccess,
	})
	return nil
}

// Sweep removes expired temporary locks. Correctness does not depend on it.
func (g *LockoutGuard) Sweep(ctx context.Context) (int64, error) {
	return g.store.DeleteExpiredLockouts(ctx, g.now())
}

func (g *LockoutGuard) save(ctx context.Context, rec LockoutRecord) {
	if err := g.store.SaveLockout(ctx, rec); err != nil {
		g.logBookkeeping("save lockout", rec.Key, err)
	}
}

func (g *LockoutGuard) lockEvent(ctx context.Context, attempt FailedAttempt, typ LockoutType, total int, until *time.Time) {
	obs.ObserveLockout(string(typ))
	details := map[string]any{
		"lockout_type":    string(typ),
		"failed_attempts": total,
	}
	if until != nil {
		details["locked_until"] = until.UTC().Format(time.RFC3339)
	}
	obs.Warn("account locked", map[string]any{"key": attempt.Key, "type": string(typ), "failed_attempts": total})
	recordAudit(ctx, g.audit, AuditEvent{
		Type:      AuditAuthentication,
		Action:    "account_locked",
		Target:    attempt.Key,
		IP:        attempt.IP,
		UserAgent: attempt.UserAgent,
		Result:    AuditFailure,
		Details:   details,
	})
}

func (g *LockoutGuard) logBookkeeping(op, key string, err error) {
	obs.Error("lockout bookkeeping failed", map[string]any{
		"op":    strings.ReplaceAll(op, " ", "_"),
		"key":   key,
		"error": err.Error(),
	})
}
