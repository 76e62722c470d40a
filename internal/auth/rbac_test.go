package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRBACGrantToGroupRoleInvalidatesMembers(t *testing.T) {
	f := newFixture(t)
	s := f.alice(t)
	ctx := context.Background()

	if f.allowed(t, s.alice.ID, "nodes", "delete") {
		t.Fatalf("delete should be denied before the grant")
	}
	if err := f.rbac.GrantPermission(ctx, "admin", s.operator.ID, s.purge.ID); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if !f.allowed(t, s.alice.ID, "nodes", "delete") {
		t.Fatalf("cached denial survived a grant to a group role")
	}
	if err := f.rbac.RevokePermission(ctx, "admin", s.operator.ID, s.purge.ID); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}
	if f.allowed(t, s.alice.ID, "nodes", "delete") {
		t.Fatalf("cached grant survived a revoke")
	}
}

func TestRBACMembershipChangesInvalidate(t *testing.T) {
	f := newFixture(t)
	s := f.alice(t)
	ctx := context.Background()

	if !f.allowed(t, s.alice.ID, "nodes", "execute") {
		t.Fatalf("alice should execute via ops")
	}
	if err := f.rbac.RemoveUserFromGroup(ctx, "admin", s.alice.ID, s.ops.ID); err != nil {
		t.Fatalf("RemoveUserFromGroup: %v", err)
	}
	if f.allowed(t, s.alice.ID, "nodes", "execute") {
		t.Fatalf("stale grant after leaving the group")
	}

	if err := f.rbac.AssignRoleToUser(ctx, "admin", s.alice.ID, s.operator.ID); err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}
	if !f.allowed(t, s.alice.ID, "nodes", "execute") {
		t.Fatalf("direct assignment not visible")
	}
	if err := f.rbac.RemoveRoleFromUser(ctx, "admin", s.alice.ID, s.operator.ID); err != nil {
		t.Fatalf("RemoveRoleFromUser: %v", err)
	}
	if f.allowed(t, s.alice.ID, "nodes", "execute") {
		t.Fatalf("stale grant after direct role removal")
	}
}

func TestRBACGroupRoleRemovalInvalidates(t *testing.T) {
	f := newFixture(t)
	s := f.alice(t)
	ctx := context.Background()

	f.allowed(t, s.alice.ID, "nodes", "execute")
	if err := f.rbac.RemoveRoleFromGroup(ctx, "admin", s.ops.ID, s.operator.ID); err != nil {
		t.Fatalf("RemoveRoleFromGroup: %v", err)
	}
	if f.allowed(t, s.alice.ID, "nodes", "execute") {
		t.Fatalf("stale grant after the group lost its role")
	}
}

func TestRBACDeleteRoleAndGroupInvalidate(t *testing.T) {
	f := newFixture(t)
	s := f.alice(t)
	ctx := context.Background()

	f.allowed(t, s.alice.ID, "nodes", "read")
	f.allowed(t, s.alice.ID, "nodes", "execute")
	if err := f.rbac.DeleteRole(ctx, "admin", s.viewer.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if f.allowed(t, s.alice.ID, "nodes", "read") {
		t.Fatalf("stale grant after role deletion")
	}
	if err := f.rbac.DeleteGroup(ctx, "admin", s.ops.ID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if f.allowed(t, s.alice.ID, "nodes", "execute") {
		t.Fatalf("stale grant after group deletion")
	}
}

func TestRBACAdminFlagInvalidates(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "zoe", "pw", false)
	ctx := context.Background()

	if f.allowed(t, u.ID, "bolt", "execute") {
		t.Fatalf("plain user should be denied")
	}
	if err := f.rbac.SetUserAdmin(ctx, "admin", u.ID, true); err != nil {
		t.Fatalf("SetUserAdmin: %v", err)
	}
	if !f.allowed(t, u.ID, "bolt", "execute") {
		t.Fatalf("promotion not visible")
	}
}

func TestRBACChangePasswordRevokesSessions(t *testing.T) {
	f := newFixture(t)
	s := f.alice(t)
	ctx := context.Background()

	res, err := login(f, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := f.rbac.ChangePassword(ctx, s.alice.ID, s.alice.ID, "battery staple"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.auth.VerifyAccess(ctx, res.Access.Value); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("old session should be revoked, got %v", err)
	}
	if _, err := login(f, "alice", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must fail, got %v", err)
	}
}

func TestRBACValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.rbac.CreateRole(ctx, "admin", "9lives", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for role name, got %v", err)
	}
	if _, err := f.rbac.CreatePermission(ctx, "admin", "Nodes", "read", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for resource, got %v", err)
	}
	if _, err := f.rbac.CreateUser(ctx, "admin", "bad name", "pw", false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for username, got %v", err)
	}
	if err := f.rbac.AssignRoleToUser(ctx, "admin", "", "r1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
	f.user(t, "yuri", "pw", false)
	if _, err := f.rbac.CreateUser(ctx, "admin", "yuri", "pw", false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
}

func TestRBACEmitsUserChangeEvents(t *testing.T) {
	f := newFixture(t)
	f.user(t, "quinn", "pw", false)
	ev := f.sink.events[len(f.sink.events)-1]
	if ev.Type != AuditUserChange || ev.Action != "user_created" || ev.ActorID != "setup" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSeedPermissionsIsIdempotent(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	n, err := SeedPermissions(ctx, store)
	if err != nil {
		t.Fatalf("SeedPermissions: %v", err)
	}
	if n != len(BuiltinPermissions) {
		t.Fatalf("expected %d created, got %d", len(BuiltinPermissions), n)
	}
	n, err = SeedPermissions(ctx, store)
	if err != nil {
		t.Fatalf("SeedPermissions (again): %v", err)
	}
	if n != 0 {
		t.Fatalf("second seed should create nothing, got %d", n)
	}
}

func TestRBACDeactivateReportsFailedRevocation(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "rowan", "pw", false)
	ctx := context.Background()

	f.store.revocationErr = errors.New("connection refused")
	err := f.rbac.SetUserActive(ctx, "admin", u.ID, false)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
	stored, _ := f.store.FindUserByID(ctx, u.ID)
	if stored == nil || stored.Active {
		t.Fatalf("deactivation must stay applied: %+v", stored)
	}
	actions := f.sink.actions()
	if actions[len(actions)-1] != "user_active_changed" {
		t.Fatalf("deactivation should still be audited, got %v", actions)
	}
	if f.allowed(t, u.ID, "nodes", "read") {
		t.Fatalf("deactivated user must be denied")
	}
}
