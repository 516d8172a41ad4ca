// Package authz maps authenticated principals to roles and answers
// capability checks against a static grant table. The table is fixed at
// compile time; role membership itself comes from the principal registry.
package authz

import (
	"context"
	"fmt"

	"grantline/internal/domain"
)

type Action string

const (
	ActionCreateProject      Action = "project.create"
	ActionSetProjectStatus   Action = "project.set_status"
	ActionCreateMilestone    Action = "milestone.create"
	ActionRegisterPrincipal  Action = "principal.register"
	ActionVerify             Action = "milestone.verify"
	ActionAutoVerify         Action = "milestone.auto_verify"
	ActionDispute            Action = "milestone.dispute"
	ActionResolveDispute     Action = "milestone.resolve_dispute"
	ActionDisburse           Action = "payment.disburse"
)

// grants is the full action→role table. Dispute additionally requires the
// producer to own the parent project; that check belongs to the engine
// because it needs entity state, not just the role.
var grants = map[Action][]domain.Role{
	ActionCreateProject:     {domain.RoleGovernment},
	ActionSetProjectStatus:  {domain.RoleGovernment},
	ActionCreateMilestone:   {domain.RoleGovernment},
	ActionRegisterPrincipal: {domain.RoleGovernment},
	ActionVerify:            {domain.RoleOracle, domain.RoleAuditor},
	ActionAutoVerify:        {domain.RoleOracle},
	ActionDispute:           {domain.RoleProducer, domain.RoleGovernment},
	ActionResolveDispute:    {domain.RoleAuditor},
	ActionDisburse:          {domain.RoleGovernment},
}

// ForbiddenError indicates the principal's role lacks the grant.
type ForbiddenError struct {
	PrincipalID string
	Action      Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("principal %s may not perform %s", e.PrincipalID, e.Action)
}

// UnknownPrincipalError indicates the principal is not registered.
type UnknownPrincipalError struct {
	PrincipalID string
}

func (e UnknownPrincipalError) Error() string {
	return fmt.Sprintf("principal %s is not registered", e.PrincipalID)
}

// Directory resolves a principal id to its registered identity.
type Directory interface {
	GetPrincipal(ctx context.Context, id string) (domain.Principal, error)
}

// Authority answers role and capability questions for principals.
type Authority struct {
	Principals Directory
}

func New(dir Directory) Authority {
	return Authority{Principals: dir}
}

// CanPerform is the pure table lookup.
func CanPerform(role domain.Role, action Action) bool {
	for _, r := range grants[action] {
		if r == role {
			return true
		}
	}
	return false
}

// RoleOf resolves the role of a registered principal.
func (a Authority) RoleOf(ctx context.Context, principalID string) (domain.Role, error) {
	p, err := a.Principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return "", UnknownPrincipalError{PrincipalID: principalID}
	}
	return p.Role, nil
}

// Require resolves the principal and fails with ForbiddenError before any
// state is touched if the role lacks the grant.
func (a Authority) Require(ctx context.Context, principalID string, action Action) (domain.Principal, error) {
	p, err := a.Principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return domain.Principal{}, UnknownPrincipalError{PrincipalID: principalID}
	}
	if !CanPerform(p.Role, action) {
		return domain.Principal{}, ForbiddenError{PrincipalID: principalID, Action: action}
	}
	return p, nil
}
