package auth

import (
	"context"
	"testing"
)

type fixture struct {
	store    *memStore
	clock    *fakeClock
	sink     *recordingSink
	tokens   *TokenService
	guard    *LockoutGuard
	auth     *Authenticator
	resolver *PermissionResolver
	rbac     *RBACService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), clock: newFakeClock(), sink: &recordingSink{}}
	f.tokens = newTestTokens(t, f.store, f.clock)
	f.guard = newTestGuard(t, f.store, f.clock, f.sink)

	hasher := cheapHasher()
	var err error
	f.auth, err = NewAuthenticator(f.store, f.store, f.guard, f.tokens,
		WithHasher(hasher), WithAudit(f.sink), WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	f.resolver, err = NewPermissionResolver(f.store, f.store, WithCache(NewMemoryCache(f.clock.Now)))
	if err != nil {
		t.Fatalf("NewPermissionResolver: %v", err)
	}
	f.rbac, err = NewRBACService(f.store, f.resolver, f.tokens, WithRBACHasher(hasher), WithRBACAudit(f.sink))
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	return f
}

func (f *fixture) user(t *testing.T, username, password string, admin bool) User {
	t.Helper()
	u, err := f.rbac.CreateUser(context.Background(), "setup", username, password, admin)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func (f *fixture) role(t *testing.T, name string, perms ...Permission) Role {
	t.Helper()
	ctx := context.Background()
	r, err := f.rbac.CreateRole(ctx, "setup", name, "")
	if err != nil {
		t.Fatalf("CreateRole(%s): %v", name, err)
	}
	for _, p := range perms {
		if err := f.rbac.GrantPermission(ctx, "setup", r.ID, p.ID); err != nil {
			t.Fatalf("GrantPermission: %v", err)
		}
	}
	return r
}

func (f *fixture) perm(t *testing.T, resource, action string) Permission {
	t.Helper()
	p, err := f.rbac.CreatePermission(context.Background(), "setup", resource, action, "")
	if err != nil {
		t.Fatalf("CreatePermission(%s:%s): %v", resource, action, err)
	}
	return p
}

// aliceScenario: alice holds viewer (nodes:read) directly and operator
// (nodes:execute) through group ops. nodes:delete exists but is not granted.
type aliceScenario struct {
	alice                User
	viewer, operator     Role
	ops                  Group
	read, execute, purge Permission
}

func (f *fixture) alice(t *testing.T) aliceScenario {
	t.Helper()
	ctx := context.Background()
	var s aliceScenario
	s.read = f.perm(t, "nodes", "read")
	s.execute = f.perm(t, "nodes", "execute")
	s.purge = f.perm(t, "nodes", "delete")
	s.viewer = f.role(t, "viewer", s.read)
	s.operator = f.role(t, "operator", s.execute)

	var err error
	s.ops, err = f.rbac.CreateGroup(ctx, "setup", "ops", "operations")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := f.rbac.AssignRoleToGroup(ctx, "setup", s.ops.ID, s.operator.ID); err != nil {
		t.Fatalf("AssignRoleToGroup: %v", err)
	}
	s.alice = f.user(t, "alice", "correct horse", false)
	if err := f.rbac.AssignRoleToUser(ctx, "setup", s.alice.ID, s.viewer.ID); err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}
	if err := f.rbac.AddUserToGroup(ctx, "setup", s.alice.ID, s.ops.ID); err != nil {
		t.Fatalf("AddUserToGroup: %v", err)
	}
	return s
}

func (f *fixture) allowed(t *testing.T, userID, resource, action string) bool {
	t.Helper()
	ok, err := f.resolver.HasPermission(context.Background(), userID, resource, action)
	if err != nil {
		t.Fatalf("HasPermission(%s:%s): %v", resource, action, err)
	}
	return ok
}
