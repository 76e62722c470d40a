package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"pabawi.org/internal/obs"
)

const DefaultPermissionCacheTTL = 5 * time.Minute

// PermissionCheck is one (resource, action) query.
type PermissionCheck struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// PermissionResult is the answer to a PermissionCheck.
type PermissionResult struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
}

// PermissionResolver answers whether a principal may perform an action on a
// resource. Decisions are cached per (principal, resource, action); every
// mutation of a principal's roles, groups, or their permissions must call
// Invalidate for each affected principal before reporting success.
type PermissionResolver struct {
	users UserStore
	authz AuthzStore
	cache Cache
	ttl   time.Duration
}

// ResolverOption configures PermissionResolver.
type ResolverOption func(*PermissionResolver)

func WithCache(c Cache) ResolverOption {
	return func(r *PermissionResolver) {
		if c != nil {
			r.cache = c
		}
	}
}

func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *PermissionResolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func NewPermissionResolver(users UserStore, authz AuthzStore, opts ...ResolverOption) (*PermissionResolver, error) {
	if users == nil || authz == nil {
		return nil, errors.New("auth: user and authz stores are required")
	}
	r := &PermissionResolver{
		users: users,
		authz: authz,
		ttl:   DefaultPermissionCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryCache(nil)
	}
	return r, nil
}

// HasPermission resolves one permission. Administrators are always allowed,
// inactive principals never are.
func (r *PermissionResolver) HasPermission(ctx context.Context, userID, resource, action string) (bool, error) {
	key := cacheKey(userID, resource, action)
	if allowed, ok := r.cache.Get(key); ok {
		obs.ObservePermissionCache("hit")
		return allowed, nil
	}
	obs.ObservePermissionCache("miss")
	prefix := cachePrefix(userID)
	gen := r.cache.Generation(prefix)

	user, err := r.users.FindUserByID(ctx, userID)
	if err != nil {
		return false, storeError("load user", err)
	}
	if user == nil {
		return false, nil
	}
	if allowed, decided := statusDecision(user); decided {
		r.cache.SetIfGeneration(prefix, gen, key, allowed, r.ttl)
		return allowed, nil
	}
	allowed, err := r.evaluate(ctx, userID, resource, action)
	if err != nil {
		return false, err
	}
	r.cache.SetIfGeneration(prefix, gen, key, allowed, r.ttl)
	return allowed, nil
}

// CheckMany resolves a batch with at most one user lookup; cached entries are
// answered without touching the store.
func (r *PermissionResolver) CheckMany(ctx context.Context, userID string, checks []PermissionCheck) ([]PermissionResult, error) {
	prefix := cachePrefix(userID)
	gen := r.cache.Generation(prefix)
	results := make([]PermissionResult, len(checks))
	var pending []int
	for i, c := range checks {
		results[i] = PermissionResult{Resource: c.Resource, Action: c.Action}
		if allowed, ok := r.cache.Get(cacheKey(userID, c.Resource, c.Action)); ok {
			obs.ObservePermissionCache("hit")
			results[i].Allowed = allowed
			continue
		}
		obs.ObservePermissionCache("miss")
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results, nil
	}

	user, err := r.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, storeError("load user", err)
	}
	if user == nil {
		return results, nil
	}
	allowed, decided := statusDecision(user)
	for _, i := range pending {
		c := checks[i]
		if !decided {
			allowed, err = r.evaluate(ctx, userID, c.Resource, c.Action)
			if err != nil {
				return nil, err
			}
		}
		results[i].Allowed = allowed
		r.cache.SetIfGeneration(prefix, gen, cacheKey(userID, c.Resource, c.Action), allowed, r.ttl)
	}
	return results, nil
}

// GetAllPermissions returns the deduplicated effective permission set.
func (r *PermissionResolver) GetAllPermissions(ctx context.Context, userID string) ([]Permission, error) {
	user, err := r.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, storeError("load user", err)
	}
	if user == nil || !user.Active {
		return nil, nil
	}
	if user.Admin {
		perms, err := r.authz.ListPermissions(ctx)
		if err != nil {
			return nil, storeError("list permissions", err)
		}
		return sortPermissions(perms), nil
	}
	direct, err := r.authz.DirectPermissions(ctx, userID)
	if err != nil {
		return nil, storeError("direct permissions", err)
	}
	viaGroups, err := r.authz.GroupPermissions(ctx, userID)
	if err != nil {
		return nil, storeError("group permissions", err)
	}
	return unionPermissions(direct, viaGroups), nil
}

// Invalidate drops every cached decision for userID. Lookups already in
// flight for userID will not cache their result.
func (r *PermissionResolver) Invalidate(userID string) int {
	return r.cache.DeletePrefix(cachePrefix(userID))
}

// InvalidateAll drops the whole cache.
func (r *PermissionResolver) InvalidateAll() { r.cache.Clear() }

// PurgeExpired drops expired cache entries.
func (r *PermissionResolver) PurgeExpired() int { return r.cache.Purge() }

// evaluate ORs the direct-role and group-role paths.
func (r *PermissionResolver) evaluate(ctx context.Context, userID, resource, action string) (bool, error) {
	direct, err := r.authz.DirectRolePermission(ctx, userID, resource, action)
	if err != nil {
		return false, storeError("direct role permission", err)
	}
	if direct {
		return true, nil
	}
	viaGroup, err := r.authz.GroupRolePermission(ctx, userID, resource, action)
	if err != nil {
		return false, storeError("group role permission", err)
	}
	return viaGroup, nil
}

func statusDecision(u *User) (allowed, decided bool) {
	switch {
	case !u.Active:
		return false, true
	case u.Admin:
		return true, true
	default:
		return false, false
	}
}

func cachePrefix(userID string) string {
	return "perm:" + userID + ":"
}

func cacheKey(userID, resource, action string) string {
	return cachePrefix(userID) + resource + ":" + action
}

func unionPermissions(sets ...[]Permission) []Permission {
	seen := make(map[string]struct{})
	var out []Permission
	for _, set := range sets {
		for _, p := range set {
			k := p.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, p)
		}
	}
	return sortPermissions(out)
}

func sortPermissions(perms []Permission) []Permission {
	sort.Slice(perms, func(i, j int) bool {
		return strings.Compare(perms[i].Key(), perms[j].Key()) < 0
	})
	return perms
}
