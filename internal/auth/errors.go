package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountLocked       = errors.New("auth: account locked")
	ErrAccountInactive     = errors.New("auth: account inactive")
	ErrTokenExpired        = errors.New("auth: token expired")
	ErrTokenRevoked        = errors.New("auth: token revoked")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrUnauthorized        = errors.New("auth: unauthorized")
	ErrAuthorizationDenied = errors.New("auth: authorization denied")
	ErrStoreUnavailable    = errors.New("auth: credential store unavailable")
	ErrNotFound            = errors.New("auth: not found")
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrConflict            = errors.New("auth: resource conflict")
)

// LockedError reports a temporary or permanent lockout. It matches ErrAccountLocked.
type LockedError struct {
	Permanent  bool
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	if e.Permanent {
		return "Account is permanently locked due to too many failed login attempts. Contact an administrator."
	}
	return fmt.Sprintf("Account is temporarily locked due to too many failed login attempts. Try again in %d minute(s).", minutesRemaining(e.RetryAfter))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// DeniedError names the resource/action an authenticated principal lacks.
type DeniedError struct {
	Resource string
	Action   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s:%s", e.Resource, e.Action)
}

func (e *DeniedError) Is(target error) bool { return target == ErrAuthorizationDenied }

func minutesRemaining(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
