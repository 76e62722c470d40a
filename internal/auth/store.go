package auth

import (
	"context"
	"time"
)

// Lookups return (nil, nil) when the record does not exist; a non-nil error
// always means the store itself failed.

// UserStore reads principal records.
type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// AuthzStore answers role/group/permission join queries.
type AuthzStore interface {
	DirectRolePermission(ctx context.Context, userID, resource, action string) (bool, error)
	GroupRolePermission(ctx context.Context, userID, resource, action string) (bool, error)
	DirectPermissions(ctx context.Context, userID string) ([]Permission, error)
	GroupPermissions(ctx context.Context, userID string) ([]Permission, error)
	EffectiveRoles(ctx context.Context, userID string) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// LockoutStore persists lockout state and the failure log.
type LockoutStore interface {
	FindLockout(ctx context.Context, key string) (*LockoutRecord, error)
	SaveLockout(ctx context.Context, rec LockoutRecord) error
	DeleteLockout(ctx context.Context, key string) error
	AppendFailure(ctx context.Context, attempt FailedAttempt) error
	// CountFailures counts failures at or after since; a zero since counts all.
	CountFailures(ctx context.Context, key string, since time.Time) (int, error)
	ClearFailures(ctx context.Context, key string) error
	DeleteExpiredLockouts(ctx context.Context, now time.Time) (int64, error)
}

// RevocationStore persists revocation markers.
type RevocationStore interface {
	RevokeToken(ctx context.Context, rec RevokedToken) error
	IsTokenRevoked(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RevokeSubject(ctx context.Context, rec SubjectRevocation) error
	SubjectRevokedBefore(ctx context.Context, subjectID string, now time.Time) (time.Time, bool, error)
	PurgeExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// RBACStore performs user and authorization mutations.
type RBACStore interface {
	UserStore

	CreateUser(ctx context.Context, u *User) error
	SetUserActive(ctx context.Context, userID string, active bool) error
	SetUserAdmin(ctx context.Context, userID string, admin bool) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	CreateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, roleID string) error
	CreateGroup(ctx context.Context, group *Group) error
	DeleteGroup(ctx context.Context, groupID string) error
	CreatePermission(ctx context.Context, perm *Permission) error

	AssignRoleToUser(ctx context.Context, userID, roleID string) error
	RemoveRoleFromUser(ctx context.Context, userID, roleID string) error
	AddUserToGroup(ctx context.Context, userID, groupID string) error
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) error
	AssignRoleToGroup(ctx context.Context, groupID, roleID string) error
	RemoveRoleFromGroup(ctx context.Context, groupID, roleID string) error
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error

	// UsersWithRole returns users holding the role directly or through a group.
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
	UsersInGroup(ctx context.Context, groupID string) ([]string, error)
}

// AuditStore appends immutable audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, ev AuditEvent) error
}

// Store is the full credential store.
type Store interface {
	RBACStore
	AuthzStore
	LockoutStore
	RevocationStore
	AuditStore
}
