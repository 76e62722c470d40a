package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type set map[string]struct{}

func (s set) add(v string) { s[v] = struct{}{} }
func (s set) del(v string) { delete(s, v) }

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

func setOf(m map[string]set, k string) set {
	if m[k] == nil {
		m[k] = set{}
	}
	return m[k]
}

// memStore is an in-memory Store with call counters and error injection.
type memStore struct {
	mu sync.Mutex

	users        map[string]*User
	roles        map[string]Role
	groups       map[string]Group
	perms        map[string]Permission
	userRoles    map[string]set
	groupMembers map[string]set
	groupRoles   map[string]set
	rolePerms    map[string]set

	lockouts map[string]LockoutRecord
	failures []FailedAttempt
	revoked  map[string]RevokedToken
	subjects map[string]SubjectRevocation
	audits   []AuditEvent

	lockoutErr    error
	revocationErr error
	appendErr     error

	findUserCalls int
	pathCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		users:        map[string]*User{},
		roles:        map[string]Role{},
		groups:       map[string]Group{},
		perms:        map[string]Permission{},
		userRoles:    map[string]set{},
		groupMembers: map[string]set{},
		groupRoles:   map[string]set{},
		rolePerms:    map[string]set{},
		lockouts:     map[string]LockoutRecord{},
		revoked:      map[string]RevokedToken{},
		subjects:     map[string]SubjectRevocation{},
	}
}

func (m *memStore) calls() (users, paths int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findUserCalls, m.pathCalls
}

func (m *memStore) FindUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findUserCalls++
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, strings.TrimSpace(username)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (m *memStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) SetUserActive(_ context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	return nil
}

func (m *memStore) SetUserAdmin(_ context.Context, userID string, admin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Admin = admin
	return nil
}

func (m *memStore) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memStore) CreateRole(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[r.ID] = *r
	return nil
}

func (m *memStore) DeleteRole(_ context.Context, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, roleID)
	delete(m.rolePerms, roleID)
	for _, s := range m.userRoles {
		s.del(roleID)
	}
	for _, s := range m.groupRoles {
		s.del(roleID)
	}
	return nil
}

func (m *memStore) CreateGroup(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = *g
	return nil
}

func (m *memStore) DeleteGroup(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupID)
	delete(m.groupMembers, groupID)
	delete(m.groupRoles, groupID)
	return nil
}

func (m *memStore) CreatePermission(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.perms {
		if existing.Key() == p.Key() {
			return ErrConflict
		}
	}
	m.perms[p.ID] = *p
	return nil
}

func (m *memStore) link(idx map[string]set, k, v string, add bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		setOf(idx, k).add(v)
	} else {
		setOf(idx, k).del(v)
	}
	return nil
}

func (m *memStore) AssignRoleToUser(_ context.Context, userID, roleID string) error {
	return m.link(m.userRoles, userID, roleID, true)
}

func (m *memStore) RemoveRoleFromUser(_ context.Context, userID, roleID string) error {
	return m.link(m.userRoles, userID, roleID, false)
}

func (m *memStore) AddUserToGroup(_ context.Context, userID, groupID string) error {
	return m.link(m.groupMembers, groupID, userID, true)
}

func (m *memStore) RemoveUserFromGroup(_ context.Context, userID, groupID string) error {
	return m.link(m.groupMembers, groupID, userID, false)
}

func (m *memStore) AssignRoleToGroup(_ context.Context, groupID, roleID string) error {
	return m.link(m.groupRoles, groupID, roleID, true)
}

func (m *memStore) RemoveRoleFromGroup(_ context.Context, groupID, roleID string) error {
	return m.link(m.groupRoles, groupID, roleID, false)
}

func (m *memStore) GrantPermission(_ context.Context, roleID, permissionID string) error {
	return m.link(m.rolePerms, roleID, permissionID, true)
}

func (m *memStore) RevokePermission(_ context.Context, roleID, permissionID string) error {
	return m.link(m.rolePerms, roleID, permissionID, false)
}

func (m *memStore) UsersWithRole(_ context.Context, roleID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := set{}
	for uid, roles := range m.userRoles {
		if roles.has(roleID) {
			out.add(uid)
		}
	}
	for gid, roles := range m.groupRoles {
		if roles.has(roleID) {
			for uid := range m.groupMembers[gid] {
				out.add(uid)
			}
		}
	}
	return sortedKeys(out), nil
}

func (m *memStore) UsersInGroup(_ context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.groupMembers[groupID]), nil
}

// directRoles and groupRolesOf must be called with mu held.
func (m *memStore) directRoles(userID string) set {
	return m.userRoles[userID]
}

func (m *memStore) groupRolesOf(userID string) set {
	out := set{}
	for gid, members := range m.groupMembers {
		if members.has(userID) {
			for rid := range m.groupRoles[gid] {
				out.add(rid)
			}
		}
	}
	return out
}

func (m *memStore) permsOf(roles set) []Permission {
	var out []Permission
	for rid := range roles {
		for pid := range m.rolePerms[rid] {
			if p, ok := m.perms[pid]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

func hasPerm(perms []Permission, resource, action string) bool {
	for _, p := range perms {
		if p.Resource == resource && p.Action == action {
			return true
		}
	}
	return false
}

func (m *memStore) DirectRolePermission(_ context.Context, userID, resource, action string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathCalls++
	return hasPerm(m.permsOf(m.directRoles(userID)), resource, action), nil
}

func (m *memStore) GroupRolePermission(_ context.Context, userID, resource, action string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathCalls++
	return hasPerm(m.permsOf(m.groupRolesOf(userID)), resource, action), nil
}

func (m *memStore) DirectPermissions(_ context.Context, userID string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permsOf(m.directRoles(userID)), nil
}

func (m *memStore) GroupPermissions(_ context.Context, userID string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permsOf(m.groupRolesOf(userID)), nil
}

func (m *memStore) EffectiveRoles(_ context.Context, userID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := set{}
	for rid := range m.directRoles(userID) {
		ids.add(rid)
	}
	for rid := range m.groupRolesOf(userID) {
		ids.add(rid)
	}
	var out []Role
	for _, rid := range sortedKeys(ids) {
		if r, ok := m.roles[rid]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListPermissions(_ context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) FindLockout(_ context.Context, key string) (*LockoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockoutErr != nil {
		return nil, m.lockoutErr
	}
	rec, ok := m.lockouts[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) SaveLockout(_ context.Context, rec LockoutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts[rec.Key] = rec
	return nil
}

func (m *memStore) DeleteLockout(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockouts, key)
	return nil
}

func (m *memStore) AppendFailure(_ context.Context, attempt FailedAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.failures = append(m.failures, attempt)
	return nil
}

func (m *memStore) CountFailures(_ context.Context, key string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.failures {
		if f.Key == key && !f.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ClearFailures(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.failures[:0]
	for _, f := range m.failures {
		if f.Key != key {
			kept = append(kept, f)
		}
	}
	m.failures = kept
	return nil
}

func (m *memStore) DeleteExpiredLockouts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.lockouts {
		if rec.Type == LockoutTemporary && rec.LockedUntil != nil && !now.Before(*rec.LockedUntil) {
			delete(m.lockouts, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) RevokeToken(_ context.Context, rec RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revocationErr != nil {
		return m.revocationErr
	}
	m.revoked[rec.TokenHash] = rec
	return nil
}

func (m *memStore) IsTokenRevoked(_ context.Context, hash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revocationErr != nil {
		return false, m.revocationErr
	}
	rec, ok := m.revoked[hash]
	return ok && now.Before(rec.ExpiresAt), nil
}

func (m *memStore) RevokeSubject(_ context.Context, rec SubjectRevocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revocationErr != nil {
		return m.revocationErr
	}
	m.subjects[rec.SubjectID] = rec
	return nil
}

func (m *memStore) SubjectRevokedBefore(_ context.Context, subjectID string, now time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revocationErr != nil {
		return time.Time{}, false, m.revocationErr
	}
	rec, ok := m.subjects[subjectID]
	if !ok || !now.Before(rec.ExpiresAt) {
		return time.Time{}, false, nil
	}
	return rec.RevokedBefore, true, nil
}

func (m *memStore) PurgeExpiredRevocations(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.revoked {
		if !now.Before(rec.ExpiresAt) {
			delete(m.revoked, k)
			n++
		}
	}
	for k, rec := range m.subjects {
		if !now.Before(rec.ExpiresAt) {
			delete(m.subjects, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) AppendAudit(_ context.Context, ev AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, ev)
	return nil
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// recordingSink collects audit events.
type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (s *recordingSink) Record(_ context.Context, ev AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Action)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// cheapHasher keeps tests fast; bcrypt at MinCost is still exercised.
func cheapHasher() Hasher { return NewBcryptHasher(4) }

var _ Store = (*memStore)(nil)
