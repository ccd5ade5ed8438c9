package principal

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// Role is the closed set of actor roles.
type Role string

const (
	RolePrincipal Role = "principal"
	RoleDPO       Role = "dpo"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePrincipal, RoleDPO, RoleAdmin:
		return true
	}
	return false
}

// Governance reports whether the role carries oversight duties.
func (r Role) Governance() bool {
	return r == RoleDPO || r == RoleAdmin
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown role %q", s))
	}
	return r, nil
}

// Identity is the verified caller handed to the engine by the credential layer.
type Identity struct {
	PrincipalID uuid.UUID `json:"principal_id"`
	Role        Role      `json:"role"`
}

type identityKey struct{}

// WithIdentity stores a verified identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the verified identity carried by ctx, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Operation names an externally triggered state change or read.
type Operation string

const (
	// OpRegister is self-registration. It needs no identity and has no
	// table entry.
	OpRegister              Operation = "principal.register"
	OpRegisterPrivileged    Operation = "principal.register_privileged"
	OpViewProfile           Operation = "principal.view_profile"
	OpUpdateProfile         Operation = "principal.update_profile"
	OpGrantConsent          Operation = "consent.grant"
	OpWithdrawConsent       Operation = "consent.withdraw"
	OpViewConsent           Operation = "consent.view"
	OpSubmitGrievance       Operation = "grievance.submit"
	OpViewGrievance         Operation = "grievance.view"
	OpEscalateGrievance     Operation = "grievance.escalate"
	OpUpdateGrievanceStatus Operation = "grievance.update_status"
	OpListGrievances        Operation = "grievance.list_all"
	OpRequestDeletion       Operation = "deletion.request"
	OpCancelDeletion        Operation = "deletion.cancel"
	OpExportData            Operation = "data.export"
	OpAccessData            Operation = "data.access"
	OpRecordAudit           Operation = "audit.record"
	OpListAudit             Operation = "audit.list"
	OpScoreAccess           Operation = "audit.score"
	OpDeclareBreach         Operation = "audit.declare_breach"
	OpRunSweep              Operation = "system.run_sweep"
)

// Permission is the outcome of an authorization table lookup.
type Permission int

const (
	Deny Permission = iota
	// AllowOwner permits the operation only on resources owned by the caller.
	AllowOwner
	Allow
)

type grant struct {
	principal, dpo, admin Permission
}

// authorizationTable is the single source of truth for (operation, role).
var authorizationTable = map[Operation]grant{
	OpRegisterPrivileged:    {Deny, Deny, Allow},
	OpViewProfile:           {AllowOwner, Allow, Allow},
	OpUpdateProfile:         {AllowOwner, AllowOwner, AllowOwner},
	OpGrantConsent:          {AllowOwner, AllowOwner, AllowOwner},
	OpWithdrawConsent:       {AllowOwner, AllowOwner, AllowOwner},
	OpViewConsent:           {AllowOwner, Allow, Allow},
	OpSubmitGrievance:       {AllowOwner, AllowOwner, AllowOwner},
	OpViewGrievance:         {AllowOwner, Allow, Allow},
	OpEscalateGrievance:     {AllowOwner, Allow, Allow},
	OpUpdateGrievanceStatus: {Deny, Allow, Allow},
	OpListGrievances:        {Deny, Allow, Allow},
	OpRequestDeletion:       {AllowOwner, AllowOwner, AllowOwner},
	OpCancelDeletion:        {AllowOwner, AllowOwner, AllowOwner},
	OpExportData:            {AllowOwner, Allow, Allow},
	OpAccessData:            {AllowOwner, Allow, Allow},
	OpRecordAudit:           {Deny, Allow, Allow},
	OpListAudit:             {Deny, Allow, Allow},
	OpScoreAccess:           {Deny, Allow, Allow},
	OpDeclareBreach:         {Deny, Allow, Allow},
	OpRunSweep:              {Deny, Allow, Allow},
}

// PermissionFor looks up the table entry for a role.
func PermissionFor(op Operation, role Role) Permission {
	g, ok := authorizationTable[op]
	if !ok {
		return Deny
	}
	switch role {
	case RolePrincipal:
		return g.principal
	case RoleDPO:
		return g.dpo
	case RoleAdmin:
		return g.admin
	}
	return Deny
}

// Authorize checks op for the caller against the owner of the target resource.
// Pass uuid.Nil as owner for operations without a principal-owned target.
func Authorize(id Identity, op Operation, owner uuid.UUID) error {
	switch PermissionFor(op, id.Role) {
	case Allow:
		return nil
	case AllowOwner:
		if owner != uuid.Nil && owner == id.PrincipalID {
			return nil
		}
	}
	return errors.NewAuthorizationError(fmt.Sprintf("role %s may not perform %s", id.Role, op)).
		WithDetails(map[string]interface{}{"operation": string(op), "role": string(id.Role)})
}
