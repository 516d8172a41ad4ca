package payment_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"grantline/internal/audit"
	"grantline/internal/domain"
	"grantline/internal/ledger"
	"grantline/internal/payment"
)

type fixture struct {
	Store     *ledger.MemStore
	Trail     *audit.MemTrail
	Gateway   *payment.SimGateway
	Orch      *payment.Orchestrator
	Ctx       context.Context
	ProjectID int64
	Milestone int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := ledger.NewMemStore()
	trail := audit.NewMemTrail()
	gw := payment.NewSimGateway(domain.MethodBankTransfer)
	orch := &payment.Orchestrator{
		Ledger:      store,
		Trail:       trail,
		Gateways:    map[domain.PaymentMethod]payment.Gateway{domain.MethodBankTransfer: gw},
		Deferred:    payment.NewRetryQueue(),
		Currency:    "EUR",
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Now:         func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) },
		Log:         log,
	}

	ctx := context.Background()
	projectID, err := store.RegisterProject(ctx, domain.Project{
		ProducerID:   "prod-1",
		Name:         "p",
		TotalSubsidy: decimal.NewFromInt(10000),
		Disbursed:    decimal.Zero,
		Status:       domain.ProjectActive,
		CreatedAt:    "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	milestoneID, err := store.AddMilestone(ctx, domain.Milestone{
		ProjectID:          projectID,
		Description:        "m",
		SubsidyAmount:      decimal.NewFromInt(4000),
		TargetValue:        100,
		VerificationSource: "grid-meter",
		Deadline:           "2026-06-01T00:00:00Z",
		Status:             domain.MilestonePending,
		CreatedAt:          "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.VerifyMilestone(ctx, milestoneID, 120, true, "aud-1", "2026-01-20T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	return &fixture{Store: store, Trail: trail, Gateway: gw, Orch: orch, Ctx: ctx, ProjectID: projectID, Milestone: milestoneID}
}

func TestDisburseHappyPath(t *testing.T) {
	f := newFixture(t)
	rec, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodBankTransfer, "WALLET-1")
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if rec.Status != domain.PaymentCompleted || rec.Attempts != 1 {
		t.Fatalf("status=%s attempts=%d", rec.Status, rec.Attempts)
	}
	if rec.GatewayRef == "" || rec.Fee.IsZero() {
		t.Fatalf("missing receipt data: ref=%q fee=%s", rec.GatewayRef, rec.Fee)
	}
	if !rec.Amount.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("amount = %s, want stored milestone subsidy", rec.Amount)
	}
	p, _ := f.Store.GetProject(f.Ctx, f.ProjectID)
	if !p.Disbursed.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("disbursed = %s", p.Disbursed)
	}
	m, _ := f.Store.GetMilestone(f.Ctx, f.Milestone)
	if !m.Paid {
		t.Fatalf("milestone not marked paid")
	}
}

func TestDisburseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodBankTransfer, "WALLET-1")
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	second, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodBankTransfer, "WALLET-1")
	if err != nil {
		t.Fatalf("second disburse: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second call returned a different payment")
	}
	if f.Gateway.Calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", f.Gateway.Calls())
	}
}

func TestTransientFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.Gateway.FailWith(payment.ErrGatewayUnavailable)

	rec, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodBankTransfer, "WALLET-1")
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if rec.Status != domain.PaymentCompleted || rec.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d, want completed after retry", rec.Status, rec.Attempts)
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.Gateway.FailWith(payment.ErrInvalidBeneficiary)

	rec, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodBankTransfer, "WALLET-1")
	if !errors.Is(err, payment.ErrInvalidBeneficiary) {
		t.Fatalf("err = %v", err)
	}
	if rec.Status != domain.PaymentFailed || rec.Attempts != 1 {
		t.Fatalf("status=%s attempts=%d, want one failed attempt", rec.Status, rec.Attempts)
	}
	m, _ := f.Store.GetMilestone(f.Ctx, f.Milestone)
	if m.Paid {
		t.Fatalf("paid claim not released after permanent failure")
	}
	if f.Orch.Deferred.Len() != 0 {
		t.Fatalf("permanent failures must not be deferred")
	}
	p, _ := f.Store.GetProject(f.Ctx, f.ProjectID)
	if !p.Disbursed.IsZero() {
		t.Fatalf("disbursed = %s after failed transfer", p.Disbursed)
	}
}

func TestExhaustedRetriesDeferAndSweep(t *testing.T) {
	f := newFixture(t)
	f.Gateway.FailWith(payment.ErrGatewayUnavailable, payment.ErrGatewayUnavailable, payment.ErrGatewayUnavailable)

	_, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodBankTransfer, "WALLET-1")
	if !errors.Is(err, payment.ErrGatewayUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if f.Orch.Deferred.Len() != 1 {
		t.Fatalf("deferred = %d, want 1", f.Orch.Deferred.Len())
	}

	// gateway recovered, sweep pays out
	f.Orch.SweepDeferred(f.Ctx)
	if f.Orch.Deferred.Len() != 0 {
		t.Fatalf("queue not drained")
	}
	done, err := f.Store.GetCompletedPayment(f.Ctx, f.ProjectID, f.Milestone)
	if err != nil {
		t.Fatalf("no completed payment after sweep: %v", err)
	}
	if done.Status != domain.PaymentCompleted {
		t.Fatalf("status = %s", done.Status)
	}
}

func TestDisburseRejectsUnverifiedMilestone(t *testing.T) {
	f := newFixture(t)
	pendingID, err := f.Store.AddMilestone(f.Ctx, domain.Milestone{
		ProjectID:     f.ProjectID,
		Description:   "pending",
		SubsidyAmount: decimal.NewFromInt(1000),
		TargetValue:   10,
		Status:        domain.MilestonePending,
		Deadline:      "2026-06-01T00:00:00Z",
		CreatedAt:     "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Orch.Disburse(f.Ctx, "gov-1", pendingID, domain.MethodBankTransfer, "WALLET-1")
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected conflict for unverified milestone, got %v", err)
	}
	if f.Gateway.Calls() != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestDisburseUnknownMethod(t *testing.T) {
	f := newFixture(t)
	_, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodCrypto, "WALLET-1")
	var unknown payment.UnknownMethodError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownMethodError, got %v", err)
	}
}

func TestDisburseEmptyBeneficiary(t *testing.T) {
	f := newFixture(t)
	_, err := f.Orch.Disburse(f.Ctx, "gov-1", f.Milestone, domain.MethodBankTransfer, "")
	if !errors.Is(err, payment.ErrInvalidBeneficiary) {
		t.Fatalf("expected ErrInvalidBeneficiary, got %v", err)
	}
	m, _ := f.Store.GetMilestone(f.Ctx, f.Milestone)
	if m.Paid {
		t.Fatalf("paid claim taken for rejected request")
	}
}
