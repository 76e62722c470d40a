package auth

import (
	"context"
	"errors"

	"pabawi.org/internal/ids"
)

// Permission resources of the dashboard.
const (
	ResourceNodes        = "nodes"
	ResourceAnsible      = "ansible"
	ResourceBolt         = "bolt"
	ResourcePuppetDB     = "puppetdb"
	ResourcePuppetserver = "puppetserver"
	ResourceHiera        = "hiera"
	ResourceUsers        = "users"
	ResourceRoles        = "roles"
	ResourceGroups       = "groups"
	ResourceLockouts     = "lockouts"
	ResourceTokens       = "tokens"
)

const (
	ActionRead    = "read"
	ActionWrite   = "write"
	ActionExecute = "execute"
	ActionAdmin   = "admin"
)

// BuiltinPermissions is the catalog seeded on first start.
var BuiltinPermissions = []Permission{
	{Resource: ResourceNodes, Action: ActionRead, Description: "List nodes and facts"},
	{Resource: ResourceNodes, Action: ActionExecute, Description: "Run commands on nodes"},
	{Resource: ResourceAnsible, Action: ActionRead, Description: "View Ansible inventory and runs"},
	{Resource: ResourceAnsible, Action: ActionExecute, Description: "Run Ansible playbooks"},
	{Resource: ResourceBolt, Action: ActionRead, Description: "View Bolt tasks and plans"},
	{Resource: ResourceBolt, Action: ActionExecute, Description: "Run Bolt commands, tasks and plans"},
	{Resource: ResourcePuppetDB, Action: ActionRead, Description: "Query PuppetDB reports and catalogs"},
	{Resource: ResourcePuppetserver, Action: ActionRead, Description: "View Puppetserver status"},
	{Resource: ResourcePuppetserver, Action: ActionExecute, Description: "Compile catalogs on Puppetserver"},
	{Resource: ResourceHiera, Action: ActionRead, Description: "Browse Hiera data"},
	{Resource: ResourceUsers, Action: ActionRead, Description: "List users"},
	{Resource: ResourceUsers, Action: ActionWrite, Description: "Create and modify users"},
	{Resource: ResourceRoles, Action: ActionWrite, Description: "Manage roles and grants"},
	{Resource: ResourceGroups, Action: ActionWrite, Description: "Manage groups and memberships"},
	{Resource: ResourceLockouts, Action: ActionAdmin, Description: "Unlock locked accounts"},
	{Resource: ResourceTokens, Action: ActionAdmin, Description: "Revoke sessions of other users"},
}

// PermissionCreator is the write side needed to seed the catalog.
type PermissionCreator interface {
	CreatePermission(ctx context.Context, p *Permission) error
}

// SeedPermissions inserts every builtin permission that does not exist yet
// and returns how many were created.
func SeedPermissions(ctx context.Context, store PermissionCreator) (int, error) {
	created := 0
	for _, b := range BuiltinPermissions {
		p, err := NewPermission(b.Resource, b.Action, b.Description)
		if err != nil {
			return created, err
		}
		p.ID = ids.New()
		if err := store.CreatePermission(ctx, &p); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return created, err
		}
		created++
	}
	return created, nil
}
