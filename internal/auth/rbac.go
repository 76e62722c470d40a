package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pabawi.org/internal/ids"
	"pabawi.org/internal/obs"
)

// RBACService performs user and authorization mutations. Every mutation
// invalidates the cached decisions of all affected principals before it
// returns.
type RBACService struct {
	store    RBACStore
	resolver *PermissionResolver
	tokens   *TokenService
	hasher   Hasher
	audit    AuditSink
}

// RBACOption configures RBACService.
type RBACOption func(*RBACService)

func WithRBACHasher(h Hasher) RBACOption {
	return func(s *RBACService) {
		if h != nil {
			s.hasher = h
		}
	}
}

func WithRBACAudit(sink AuditSink) RBACOption {
	return func(s *RBACService) {
		if sink != nil {
			s.audit = sink
		}
	}
}

func NewRBACService(store RBACStore, resolver *PermissionResolver, tokens *TokenService, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if resolver == nil || tokens == nil {
		return nil, errors.New("permission resolver and token service are required")
	}
	s := &RBACService{
		store:    store,
		resolver: resolver,
		tokens:   tokens,
		hasher:   NewBcryptHasher(DefaultBcryptCost),
		audit:    nopSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RBACService) CreateUser(ctx context.Context, actorID, username, password string, admin bool) (User, error) {
	username = strings.TrimSpace(username)
	if !namePattern.MatchString(username) {
		return User{}, fmt.Errorf("%w: invalid username", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		Active:       true,
		Admin:        admin,
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return User{}, err
	}
	s.changed(ctx, actorID, "user_created", u.ID, map[string]any{"username": username, "admin": admin})
	return u, nil
}

// SetUserActive toggles the active flag; deactivation also revokes every
// token issued to the user.
func (s *RBACService) SetUserActive(ctx context.Context, actorID, userID string, active bool) error {
	if err := requireIDs(userID); err != nil {
		return err
	}
	if err := s.store.SetUserActive(ctx, userID, active); err != nil {
		return err
	}
	s.resolver.Invalidate(userID)
	s.changed(ctx, actorID, "user_active_changed", userID, map[string]any{"active": active})
	if !active {
		if err := s.tokens.RevokeAllForSubject(ctx, userID, "account_deactivated"); err != nil {
			return partialRevocation(userID, "user deactivated", err)
		}
	}
	return nil
}

func (s *RBACService) SetUserAdmin(ctx context.Context, actorID, userID string, admin bool) error {
	if err := requireIDs(userID); err != nil {
		return err
	}
	if err := s.store.SetUserAdmin(ctx, userID, admin); err != nil {
		return err
	}
	s.resolver.Invalidate(userID)
	s.changed(ctx, actorID, "user_admin_changed", userID, map[string]any{"admin": admin})
	return nil
}

// ChangePassword stores a new hash and revokes all outstanding tokens.
func (s *RBACService) ChangePassword(ctx context.Context, actorID, userID, password string) error {
	if err := requireIDs(userID); err != nil {
		return err
	}
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	s.changed(ctx, actorID, "password_changed", userID, nil)
	if err := s.tokens.RevokeAllForSubject(ctx, userID, "password_changed"); err != nil {
		return partialRevocation(userID, "password changed", err)
	}
	return nil
}

// partialRevocation reports a mutation that was stored while the follow-up
// token revocation failed.
func partialRevocation(userID, applied string, err error) error {
	obs.Error(applied+" but token revocation failed", map[string]any{
		"user_id": userID,
		"error":   err.Error(),
	})
	return fmt.Errorf("%s; revoke tokens: %w", applied, err)
}

func (s *RBACService) CreateRole(ctx context.Context, actorID, name, description string) (Role, error) {
	role, err := NewRole(name, description)
	if err != nil {
		return Role{}, err
	}
	role.ID = ids.New()
	if err := s.store.CreateRole(ctx, &role); err != nil {
		return Role{}, err
	}
	s.changed(ctx, actorID, "role_created", role.ID, map[string]any{"name": role.Name})
	return role, nil
}

func (s *RBACService) DeleteRole(ctx context.Context, actorID, roleID string) error {
	if err := requireIDs(roleID); err != nil {
		return err
	}
	affected, err := s.store.UsersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.invalidate(affected)
	s.changed(ctx, actorID, "role_deleted", roleID, map[string]any{"affected_users": len(affected)})
	return nil
}

func (s *RBACService) CreateGroup(ctx context.Context, actorID, name, description string) (Group, error) {
	group, err := NewGroup(name, description)
	if err != nil {
		return Group{}, err
	}
	group.ID = ids.New()
	if err := s.store.CreateGroup(ctx, &group); err != nil {
		return Group{}, err
	}
	s.changed(ctx, actorID, "group_created", group.ID, map[string]any{"name": group.Name})
	return group, nil
}

func (s *RBACService) DeleteGroup(ctx context.Context, actorID, groupID string) error {
	if err := requireIDs(groupID); err != nil {
		return err
	}
	members, err := s.store.UsersInGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.invalidate(members)
	s.changed(ctx, actorID, "group_deleted", groupID, map[string]any{"affected_users": len(members)})
	return nil
}

// CreatePermission adds a catalog entry. Cached denials stay in place until
// TTL expiry or the next mutation touching the principal.
func (s *RBACService) CreatePermission(ctx context.Context, actorID, resource, action, description string) (Permission, error) {
	perm, err := NewPermission(resource, action, description)
	if err != nil {
		return Permission{}, err
	}
	perm.ID = ids.New()
	if err := s.store.CreatePermission(ctx, &perm); err != nil {
		return Permission{}, err
	}
	s.changed(ctx, actorID, "permission_created", perm.ID, map[string]any{"permission": perm.Key()})
	return perm, nil
}

func (s *RBACService) AssignRoleToUser(ctx context.Context, actorID, userID, roleID string) error {
	if err := requireIDs(userID, roleID); err != nil {
		return err
	}
	if err := s.store.AssignRoleToUser(ctx, userID, roleID); err != nil {
		return err
	}
	s.resolver.Invalidate(userID)
	s.changed(ctx, actorID, "role_assigned", userID, map[string]any{"role_id": roleID})
	return nil
}

func (s *RBACService) RemoveRoleFromUser(ctx context.Context, actorID, userID, roleID string) error {
	if err := requireIDs(userID, roleID); err != nil {
		return err
	}
	if err := s.store.RemoveRoleFromUser(ctx, userID, roleID); err != nil {
		return err
	}
	s.resolver.Invalidate(userID)
	s.changed(ctx, actorID, "role_removed", userID, map[string]any{"role_id": roleID})
	return nil
}

func (s *RBACService) AddUserToGroup(ctx context.Context, actorID, userID, groupID string) error {
	if err := requireIDs(userID, groupID); err != nil {
		return err
	}
	if err := s.store.AddUserToGroup(ctx, userID, groupID); err != nil {
		return err
	}
	s.resolver.Invalidate(userID)
	s.changed(ctx, actorID, "group_member_added", userID, map[string]any{"group_id": groupID})
	return nil
}

func (s *RBACService) RemoveUserFromGroup(ctx context.Context, actorID, userID, groupID string) error {
	if err := requireIDs(userID, groupID); err != nil {
		return err
	}
	if err := s.store.RemoveUserFromGroup(ctx, userID, groupID); err != nil {
		return err
	}
	s.resolver.Invalidate(userID)
	s.changed(ctx, actorID, "group_member_removed", userID, map[string]any{"group_id": groupID})
	return nil
}

func (s *RBACService) AssignRoleToGroup(ctx context.Context, actorID, groupID, roleID string) error {
	if err := requireIDs(groupID, roleID); err != nil {
		return err
	}
	if err := s.store.AssignRoleToGroup(ctx, groupID, roleID); err != nil {
		return err
	}
	return s.afterGroupChange(ctx, actorID, "group_role_assigned", groupID, roleID)
}

func (s *RBACService) RemoveRoleFromGroup(ctx context.Context, actorID, groupID, roleID string) error {
	if err := requireIDs(groupID, roleID); err != nil {
		return err
	}
	if err := s.store.RemoveRoleFromGroup(ctx, groupID, roleID); err != nil {
		return err
	}
	return s.afterGroupChange(ctx, actorID, "group_role_removed", groupID, roleID)
}

func (s *RBACService) GrantPermission(ctx context.Context, actorID, roleID, permissionID string) error {
	if err := requireIDs(roleID, permissionID); err != nil {
		return err
	}
	if err := s.store.GrantPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	return s.afterRoleChange(ctx, actorID, "permission_granted", roleID, permissionID)
}

func (s *RBACService) RevokePermission(ctx context.Context, actorID, roleID, permissionID string) error {
	if err := requireIDs(roleID, permissionID); err != nil {
		return err
	}
	if err := s.store.RevokePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	return s.afterRoleChange(ctx, actorID, "permission_revoked", roleID, permissionID)
}

func (s *RBACService) afterGroupChange(ctx context.Context, actorID, action, groupID, roleID string) error {
	members, err := s.store.UsersInGroup(ctx, groupID)
	if err != nil {
		// membership unknown: nothing cached may survive
		s.resolver.InvalidateAll()
		return err
	}
	s.invalidate(members)
	s.changed(ctx, actorID, action, groupID, map[string]any{"role_id": roleID, "affected_users": len(members)})
	return nil
}

func (s *RBACService) afterRoleChange(ctx context.Context, actorID, action, roleID, permissionID string) error {
	affected, err := s.store.UsersWithRole(ctx, roleID)
	if err != nil {
		s.resolver.InvalidateAll()
		return err
	}
	s.invalidate(affected)
	s.changed(ctx, actorID, action, roleID, map[string]any{"permission_id": permissionID, "affected_users": len(affected)})
	return nil
}

func (s *RBACService) invalidate(userIDs []string) {
	for _, id := range userIDs {
		s.resolver.Invalidate(id)
	}
}

func (s *RBACService) changed(ctx context.Context, actorID, action, target string, details map[string]any) {
	recordAudit(ctx, s.audit, AuditEvent{
		Type:    AuditUserChange,
		Action:  action,
		ActorID: actorID,
		Target:  target,
		Result:  AuditSuccess,
		Details: details,
	})
}

func requireIDs(values ...string) error {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: identifier is required", ErrInvalidInput)
		}
	}
	return nil
}
