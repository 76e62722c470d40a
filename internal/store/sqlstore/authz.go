package sqlstore

import (
	"context"

	"pabawi.org/internal/auth"
)

const (
	directPermissionJoin = `
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = ?`

	groupPermissionJoin = `
		FROM group_members gm
		JOIN group_roles gr ON gr.group_id = gm.group_id
		JOIN role_permissions rp ON rp.role_id = gr.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE gm.user_id = ?`
)

func (s *Store) DirectRolePermission(ctx context.Context, userID, resource, action string) (bool, error) {
	return s.exists(ctx, `SELECT 1 `+directPermissionJoin+` AND p.resource = ? AND p.action = ?`, userID, resource, action)
}

func (s *Store) GroupRolePermission(ctx context.Context, userID, resource, action string) (bool, error) {
	return s.exists(ctx, `SELECT 1 `+groupPermissionJoin+` AND p.resource = ? AND p.action = ?`, userID, resource, action)
}

func (s *Store) DirectPermissions(ctx context.Context, userID string) ([]auth.Permission, error) {
	var out []auth.Permission
	err := s.selectAll(ctx, &out, `SELECT DISTINCT p.id, p.resource, p.action, p.description `+directPermissionJoin, userID)
	return out, err
}

func (s *Store) GroupPermissions(ctx context.Context, userID string) ([]auth.Permission, error) {
	var out []auth.Permission
	err := s.selectAll(ctx, &out, `SELECT DISTINCT p.id, p.resource, p.action, p.description `+groupPermissionJoin, userID)
	return out, err
}

func (s *Store) EffectiveRoles(ctx context.Context, userID string) ([]auth.Role, error) {
	var out []auth.Role
	err := s.selectAll(ctx, &out, `
		SELECT r.id, r.name, r.description
		FROM roles r
		WHERE r.id IN (SELECT role_id FROM user_roles WHERE user_id = ?)
		   OR r.id IN (
			SELECT gr.role_id FROM group_roles gr
			JOIN group_members gm ON gm.group_id = gr.group_id
			WHERE gm.user_id = ?)
		ORDER BY r.name
	`, userID, userID)
	return out, err
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	var out []auth.Permission
	err := s.selectAll(ctx, &out, `SELECT id, resource, action, description FROM permissions ORDER BY resource, action`)
	return out, err
}
