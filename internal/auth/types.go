package auth

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)
	segmentPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
)

// User is the credential-store record for a principal.
type User struct {
	ID           string     `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Active       bool       `json:"active" db:"is_active"`
	Admin        bool       `json:"admin" db:"is_admin"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Role groups permissions.
type Role struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`
}

// NewRole validates the role name.
func NewRole(name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return Role{}, fmt.Errorf("%w: invalid role name %q", ErrInvalidInput, name)
	}
	return Role{Name: name, Description: strings.TrimSpace(description)}, nil
}

// Group bundles principals and roles.
type Group struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`
}

// NewGroup validates the group name.
func NewGroup(name, description string) (Group, error) {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return Group{}, fmt.Errorf("%w: invalid group name %q", ErrInvalidInput, name)
	}
	return Group{Name: name, Description: strings.TrimSpace(description)}, nil
}

// Permission is a (resource, action) capability.
type Permission struct {
	ID          string `json:"id" db:"id"`
	Resource    string `json:"resource" db:"resource"`
	Action      string `json:"action" db:"action"`
	Description string `json:"description,omitempty" db:"description"`
}

// NewPermission validates resource and action.
func NewPermission(resource, action, description string) (Permission, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if !segmentPattern.MatchString(resource) {
		return Permission{}, fmt.Errorf("%w: invalid resource %q", ErrInvalidInput, resource)
	}
	if !segmentPattern.MatchString(action) {
		return Permission{}, fmt.Errorf("%w: invalid action %q", ErrInvalidInput, action)
	}
	return Permission{Resource: resource, Action: action, Description: strings.TrimSpace(description)}, nil
}

// Key renders the permission as resource:action.
func (p Permission) Key() string { return p.Resource + ":" + p.Action }

// Principal is the identity attached to an authenticated request.
type Principal struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
	TokenID   string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the roles snapshot contains role.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Token is a signed bearer credential returned to the caller.
type Token struct {
	Value     string
	ID        string
	Type      TokenType
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RevokedToken marks one token (by hash) as revoked until its natural expiry.
type RevokedToken struct {
	TokenHash string    `db:"token_hash"`
	SubjectID string    `db:"subject_id"`
	Reason    string    `db:"reason"`
	RevokedAt time.Time `db:"revoked_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// SubjectRevocation revokes every token of a subject issued before RevokedBefore.
type SubjectRevocation struct {
	SubjectID     string    `db:"subject_id"`
	RevokedBefore time.Time `db:"revoked_before"`
	Reason        string    `db:"reason"`
	ExpiresAt     time.Time `db:"expires_at"`
}

type LockoutType string

const (
	LockoutTemporary LockoutType = "temporary"
	LockoutPermanent LockoutType = "permanent"
)

// LockoutRecord is the persisted lock state of a principal key.
type LockoutRecord struct {
	Key            string      `db:"principal_key"`
	Type           LockoutType `db:"lockout_type"`
	LockedAt       time.Time   `db:"locked_at"`
	LockedUntil    *time.Time  `db:"locked_until"`
	FailedAttempts int         `db:"failed_attempts"`
}

// FailedAttempt is one entry of the failure log.
type FailedAttempt struct {
	Key         string    `db:"principal_key"`
	Reason      string    `db:"reason"`
	IP          string    `db:"ip_address"`
	UserAgent   string    `db:"user_agent"`
	AttemptedAt time.Time `db:"attempted_at"`
}

// NormalizeKey returns the lockout key for a username.
func NormalizeKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
