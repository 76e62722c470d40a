package sqlstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"pabawi.org/internal/auth"
	"pabawi.org/internal/ids"
)

const userColumns = `id, username, password_hash, is_active, is_admin, last_login_at, created_at, updated_at`

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	var u auth.User
	err := s.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByUsername matches case-insensitively, like the lockout key.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	var u auth.User
	err := s.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE lower(username) = ?`, strings.ToLower(strings.TrimSpace(username)))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, utc(at), userID)
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.nowUTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.exec(ctx, `
		INSERT INTO users (id, username, password_hash, is_active, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.PasswordHash, u.Active, u.Admin, now, now)
	return err
}

func (s *Store) SetUserActive(ctx context.Context, userID string, active bool) error {
	return s.execOne(ctx, `UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`, active, s.nowUTC(), userID)
}

func (s *Store) SetUserAdmin(ctx context.Context, userID string, admin bool) error {
	return s.execOne(ctx, `UPDATE users SET is_admin = ?, updated_at = ? WHERE id = ?`, admin, s.nowUTC(), userID)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return s.execOne(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, s.nowUTC(), userID)
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.exec(ctx, `INSERT INTO roles (id, name, description) VALUES (?, ?, ?)`, role.ID, role.Name, role.Description)
	return err
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	return s.execOne(ctx, `DELETE FROM roles WHERE id = ?`, roleID)
}

func (s *Store) CreateGroup(ctx context.Context, group *auth.Group) error {
	if group.ID == "" {
		group.ID = ids.New()
	}
	_, err := s.exec(ctx, `INSERT INTO user_groups (id, name, description) VALUES (?, ?, ?)`, group.ID, group.Name, group.Description)
	return err
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	return s.execOne(ctx, `DELETE FROM user_groups WHERE id = ?`, groupID)
}

func (s *Store) CreatePermission(ctx context.Context, perm *auth.Permission) error {
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	_, err := s.exec(ctx, `INSERT INTO permissions (id, resource, action, description) VALUES (?, ?, ?, ?)`,
		perm.ID, perm.Resource, perm.Action, perm.Description)
	return err
}

// Assignments are idempotent; unknown ids surface as auth.ErrNotFound.

func (s *Store) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	_, err := s.exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

func (s *Store) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	_, err := s.exec(ctx, `DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`, userID, roleID)
	return err
}

func (s *Store) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	_, err := s.exec(ctx, `INSERT INTO group_members (group_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, groupID, userID)
	return err
}

func (s *Store) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	_, err := s.exec(ctx, `DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	return err
}

func (s *Store) AssignRoleToGroup(ctx context.Context, groupID, roleID string) error {
	_, err := s.exec(ctx, `INSERT INTO group_roles (group_id, role_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, groupID, roleID)
	return err
}

func (s *Store) RemoveRoleFromGroup(ctx context.Context, groupID, roleID string) error {
	_, err := s.exec(ctx, `DELETE FROM group_roles WHERE group_id = ? AND role_id = ?`, groupID, roleID)
	return err
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := s.exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, roleID, permissionID)
	return err
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	_, err := s.exec(ctx, `DELETE FROM role_permissions WHERE role_id = ? AND permission_id = ?`, roleID, permissionID)
	return err
}

func (s *Store) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	var out []string
	err := s.selectAll(ctx, &out, `
		SELECT user_id FROM user_roles WHERE role_id = ?
		UNION
		SELECT gm.user_id FROM group_members gm
		JOIN group_roles gr ON gr.group_id = gm.group_id
		WHERE gr.role_id = ?
	`, roleID, roleID)
	return out, err
}

func (s *Store) UsersInGroup(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	err := s.selectAll(ctx, &out, `SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	return out, err
}
