package identity

import (
	"context"
	"errors"
)

// Permissions checked before mutating governance operations.
const (
	PermAccessRequest = "access.request"
	PermAccessDecide  = "access.decide"
	PermAssign        = "assignment.assign"
	PermTransfer      = "assignment.transfer"
	PermUnassign      = "assignment.unassign"
	PermAuditRead     = "audit.read"
	PermAuditWrite    = "audit.write"
)

var (
	// ErrUnauthenticated indicates no verified identity was supplied.
	ErrUnauthenticated = errors.New("identity: unauthenticated")
	// ErrForbidden indicates the identity lacks the required permission.
	ErrForbidden = errors.New("identity: forbidden")
)

// Authorizer answers whether an identity may perform a permission-gated
// operation. Implementations may call out to an external policy service.
type Authorizer interface {
	Check(ctx context.Context, id Identity, permission string) error
}

// AllowAll authorizes everything. Used in tests and single-tenant dev.
type AllowAll struct{}

func (AllowAll) Check(context.Context, Identity, string) error { return nil }

// RoleAuthorizer grants permissions per role name.
type RoleAuthorizer struct {
	grants map[string]map[string]struct{}
}

// NewRoleAuthorizer builds an authorizer from role -> permission lists.
func NewRoleAuthorizer(roles map[string][]string) *RoleAuthorizer {
	grants := make(map[string]map[string]struct{}, len(roles))
	for role, perms := range roles {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		grants[role] = set
	}
	return &RoleAuthorizer{grants: grants}
}

// DefaultRoleGrants mirrors the staff roles of the admin console.
func DefaultRoleGrants() map[string][]string {
	all := []string{
		PermAccessRequest, PermAccessDecide,
		PermAssign, PermTransfer, PermUnassign,
		PermAuditRead, PermAuditWrite,
	}
	return map[string][]string{
		"super_admin":  all,
		"access_admin": {PermAccessDecide, PermAccessRequest, PermAuditRead},
		"support":      {PermAccessRequest, PermAssign, PermTransfer, PermUnassign},
		"auditor":      {PermAuditRead},
	}
}

func (a *RoleAuthorizer) Check(_ context.Context, id Identity, permission string) error {
	if id.StaffID == "" {
		return ErrUnauthenticated
	}
	set, ok := a.grants[id.Role]
	if !ok {
		return ErrForbidden
	}
	if _, ok := set[permission]; !ok {
		return ErrForbidden
	}
	return nil
}
