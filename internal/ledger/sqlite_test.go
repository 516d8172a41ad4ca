package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/ledger"
)

func newStore(t *testing.T) *ledger.SQLStore {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.NewSQLStore(conn)
}

func seedMilestone(t *testing.T, s *ledger.SQLStore) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	if err := s.RegisterPrincipal(ctx, domain.Principal{ID: "prod-1", Role: domain.RoleProducer, CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	projectID, err := s.RegisterProject(ctx, domain.Project{
		ProducerID:   "prod-1",
		Name:         "p",
		TotalSubsidy: decimal.NewFromInt(1000),
		Disbursed:    decimal.Zero,
		Status:       domain.ProjectActive,
		CreatedAt:    "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	milestoneID, err := s.AddMilestone(ctx, domain.Milestone{
		ProjectID:          projectID,
		Description:        "m",
		SubsidyAmount:      decimal.NewFromInt(400),
		TargetValue:        100,
		VerificationSource: "grid-meter",
		Deadline:           "2026-06-01T00:00:00Z",
		Status:             domain.MilestonePending,
		CreatedAt:          "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	return projectID, milestoneID
}

func TestVerifyMilestoneIsCompareAndSwap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, id := seedMilestone(t, s)

	if err := s.VerifyMilestone(ctx, id, 120, true, "aud-1", "2026-01-20T00:00:00Z"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	err := s.VerifyMilestone(ctx, id, 90, false, "aud-2", "2026-01-21T00:00:00Z")
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("second verify err = %v, want conflict", err)
	}

	m, err := s.GetMilestone(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MilestoneVerified || m.ActualValue == nil || *m.ActualValue != 120 {
		t.Fatalf("first write lost: %+v", m)
	}
	if m.VerifiedBy == nil || *m.VerifiedBy != "aud-1" {
		t.Fatalf("verified_by = %v", m.VerifiedBy)
	}
}

func TestVerifyMissingMilestone(t *testing.T) {
	s := newStore(t)
	err := s.VerifyMilestone(context.Background(), 999, 1, true, "aud-1", "2026-01-20T00:00:00Z")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDisputeSingleRound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, id := seedMilestone(t, s)

	// pending cannot be disputed
	if err := s.DisputeMilestone(ctx, id, "reason"); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("dispute pending err = %v", err)
	}
	if err := s.VerifyMilestone(ctx, id, 90, false, "aud-1", "2026-01-20T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.DisputeMilestone(ctx, id, "undercounted"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	m, _ := s.GetMilestone(ctx, id)
	if m.Status != domain.MilestoneDisputed || m.OriginalStatus == nil || *m.OriginalStatus != domain.MilestoneFailed {
		t.Fatalf("dispute state: %+v", m)
	}
	if err := s.ResolveMilestone(ctx, id, true, "recount confirms"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m, _ = s.GetMilestone(ctx, id)
	if m.Status != domain.MilestoneVerified || m.Resolution == nil {
		t.Fatalf("resolve state: %+v", m)
	}
	// resolution set blocks a second round
	if err := s.DisputeMilestone(ctx, id, "again"); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("second round err = %v", err)
	}
}

func TestMarkMilestonePaidClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, id := seedMilestone(t, s)

	if err := s.MarkMilestonePaid(ctx, id); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("pending milestone claim err = %v", err)
	}
	if err := s.VerifyMilestone(ctx, id, 120, true, "aud-1", "2026-01-20T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMilestonePaid(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkMilestonePaid(ctx, id); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("double claim err = %v", err)
	}
	if err := s.UnmarkMilestonePaid(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.MarkMilestonePaid(ctx, id); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestAddDisbursedGuardsTotal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := seedMilestone(t, s)

	if err := s.AddDisbursed(ctx, projectID, decimal.NewFromInt(600)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddDisbursed(ctx, projectID, decimal.NewFromInt(500)); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("overflow err = %v", err)
	}
	p, _ := s.GetProject(ctx, projectID)
	if !p.Disbursed.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("disbursed = %s", p.Disbursed)
	}
	if err := s.AddDisbursed(ctx, projectID, decimal.NewFromInt(400)); err != nil {
		t.Fatalf("exact fill: %v", err)
	}
}

func TestUpdateProjectStatusCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := seedMilestone(t, s)

	if err := s.UpdateProjectStatus(ctx, projectID, domain.ProjectActive, domain.ProjectSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	err := s.UpdateProjectStatus(ctx, projectID, domain.ProjectActive, domain.ProjectCancelled)
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("stale transition err = %v", err)
	}
	err = s.UpdateProjectStatus(ctx, 999, domain.ProjectActive, domain.ProjectCancelled)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("missing project err = %v", err)
	}
}

func TestPrincipalRegistry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := domain.Principal{ID: "orc-1", Role: domain.RoleOracle, WalletRef: "", CreatedAt: "2026-01-01T00:00:00Z"}
	if err := s.RegisterPrincipal(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterPrincipal(ctx, p); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("duplicate err = %v", err)
	}
	got, err := s.GetPrincipal(ctx, "orc-1")
	if err != nil || got.Role != domain.RoleOracle {
		t.Fatalf("get: %+v err %v", got, err)
	}
	if _, err := s.GetPrincipal(ctx, "ghost"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestPrincipalRegistryConcurrentDuplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.RegisterPrincipal(ctx, domain.Principal{
				ID: "aud-9", Role: domain.RoleAuditor, CreatedAt: "2026-01-01T00:00:00Z",
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != workers-1 {
		t.Fatalf("ok=%d conflicts=%d, want exactly one registration", ok, conflicts)
	}
}
