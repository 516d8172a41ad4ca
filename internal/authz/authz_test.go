package authz_test

import (
	"context"
	"errors"
	"testing"

	"grantline/internal/authz"
	"grantline/internal/domain"
	"grantline/internal/ledger"
)

func TestCanPerform(t *testing.T) {
	cases := []struct {
		role   domain.Role
		action authz.Action
		want   bool
	}{
		{domain.RoleGovernment, authz.ActionCreateProject, true},
		{domain.RoleGovernment, authz.ActionDisburse, true},
		{domain.RoleGovernment, authz.ActionVerify, false},
		{domain.RoleGovernment, authz.ActionResolveDispute, false},
		{domain.RoleOracle, authz.ActionVerify, true},
		{domain.RoleOracle, authz.ActionAutoVerify, true},
		{domain.RoleOracle, authz.ActionDispute, false},
		{domain.RoleAuditor, authz.ActionVerify, true},
		{domain.RoleAuditor, authz.ActionAutoVerify, false},
		{domain.RoleAuditor, authz.ActionResolveDispute, true},
		{domain.RoleProducer, authz.ActionDispute, true},
		{domain.RoleProducer, authz.ActionCreateMilestone, false},
		{domain.RoleProducer, authz.ActionDisburse, false},
	}
	for _, c := range cases {
		if got := authz.CanPerform(c.role, c.action); got != c.want {
			t.Errorf("CanPerform(%s, %s) = %v, want %v", c.role, c.action, got, c.want)
		}
	}
}

func TestRequire(t *testing.T) {
	store := ledger.NewMemStore()
	ctx := context.Background()
	_ = store.RegisterPrincipal(ctx, domain.Principal{ID: "orc-1", Role: domain.RoleOracle, CreatedAt: "2026-01-01T00:00:00Z"})
	a := authz.New(store)

	p, err := a.Require(ctx, "orc-1", authz.ActionAutoVerify)
	if err != nil || p.ID != "orc-1" {
		t.Fatalf("require: %v", err)
	}

	_, err = a.Require(ctx, "orc-1", authz.ActionCreateProject)
	var forbidden authz.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}

	_, err = a.Require(ctx, "ghost", authz.ActionAutoVerify)
	var unknown authz.UnknownPrincipalError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPrincipalError, got %v", err)
	}
}
