// Package payment drives disbursements against external payment gateways.
// The orchestrator owns the retry policy, the idempotency guarantee and
// the paid-flag claim that keeps a milestone from ever being paid twice.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"grantline/internal/audit"
	"grantline/internal/domain"
	"grantline/internal/ledger"
)

var (
	// ErrGatewayUnavailable is a transient transport failure; retried.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidBeneficiary is permanent; the transfer can never succeed
	// with this destination.
	ErrInvalidBeneficiary = errors.New("invalid beneficiary")
	// ErrInsufficientFunds is permanent for this attempt; the funding
	// account cannot cover the transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// UnknownMethodError means no gateway is registered for the method.
type UnknownMethodError struct {
	Method domain.PaymentMethod
}

func (e UnknownMethodError) Error() string {
	return fmt.Sprintf("no gateway registered for method %s", e.Method)
}

// Receipt is the gateway's acknowledgement of a completed transfer.
type Receipt struct {
	Ref string
	Fee decimal.Decimal
}

// TransferRequest is one transfer handed to a gateway. PaymentID is stable
// across retries so gateways can deduplicate on their side.
type TransferRequest struct {
	PaymentID   string
	Amount      decimal.Decimal
	Currency    string
	Beneficiary string
}

// Gateway executes transfers for one payment method.
type Gateway interface {
	Method() domain.PaymentMethod
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
}

// Orchestrator coordinates the full disbursement flow for one milestone.
type Orchestrator struct {
	Ledger   ledger.Gateway
	Trail    audit.Trail
	Gateways map[domain.PaymentMethod]Gateway
	Deferred *RetryQueue

	Currency    string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Now         func() time.Time
	Log         *logrus.Logger
}

func permanent(err error) bool {
	return errors.Is(err, ErrInvalidBeneficiary) || errors.Is(err, ErrInsufficientFunds)
}

func (o *Orchestrator) now() string {
	return o.Now().UTC().Format(time.RFC3339)
}

// paymentID derives a stable id from the claim coordinates. The sequence
// number distinguishes a fresh claim from earlier failed ones; within one
// claim the id stays fixed across gateway retries so the gateway can
// deduplicate.
func paymentID(projectID, milestoneID int64, claimedAt string, seq int) string {
	seed := fmt.Sprintf("%d|%d|%s|%d", projectID, milestoneID, claimedAt, seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// Disburse pays out the subsidy of a verified milestone. It is idempotent:
// a milestone with a completed payment returns that payment unchanged. The
// amount always comes from the stored milestone, never from the caller.
func (o *Orchestrator) Disburse(ctx context.Context, actorID string, milestoneID int64, method domain.PaymentMethod, beneficiary string) (domain.PaymentRecord, error) {
	m, err := o.Ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		return domain.PaymentRecord{}, err
	}

	if done, err := o.Ledger.GetCompletedPayment(ctx, m.ProjectID, milestoneID); err == nil {
		return done, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return domain.PaymentRecord{}, err
	}

	gw, ok := o.Gateways[method]
	if !ok {
		return domain.PaymentRecord{}, UnknownMethodError{Method: method}
	}
	if beneficiary == "" {
		return domain.PaymentRecord{}, ErrInvalidBeneficiary
	}

	// Claim the paid flag first. The compare-and-swap only succeeds on a
	// Verified, unpaid milestone, so a concurrent dispute or a second
	// disbursement attempt loses here before any money moves.
	if err := o.Ledger.MarkMilestonePaid(ctx, milestoneID); err != nil {
		return domain.PaymentRecord{}, err
	}

	earlier, err := o.Ledger.ListPayments(ctx, milestoneID)
	if err != nil {
		_ = o.Ledger.UnmarkMilestonePaid(ctx, milestoneID)
		return domain.PaymentRecord{}, err
	}

	claimedAt := o.now()
	rec := domain.PaymentRecord{
		ID:          paymentID(m.ProjectID, milestoneID, claimedAt, len(earlier)),
		ProjectID:   m.ProjectID,
		MilestoneID: milestoneID,
		Method:      method,
		Amount:      m.SubsidyAmount,
		Currency:    o.Currency,
		Beneficiary: beneficiary,
		Status:      domain.PaymentPending,
		Fee:         decimal.Zero,
		CreatedAt:   claimedAt,
		UpdatedAt:   claimedAt,
	}
	if err := o.Ledger.InsertPayment(ctx, rec); err != nil {
		_ = o.Ledger.UnmarkMilestonePaid(ctx, milestoneID)
		return domain.PaymentRecord{}, err
	}

	receipt, transferErr := o.transferWithRetry(ctx, gw, &rec)
	rec.UpdatedAt = o.now()
	if transferErr != nil {
		rec.Status = domain.PaymentFailed
		rec.LastError = transferErr.Error()
		if err := o.Ledger.UpdatePayment(ctx, rec); err != nil {
			o.Log.WithError(err).Error("record failed payment")
		}
		if err := o.Ledger.UnmarkMilestonePaid(ctx, milestoneID); err != nil {
			o.Log.WithError(err).Error("release paid claim")
		}
		o.recordAudit(ctx, actorID, rec, "transfer failed: "+transferErr.Error())
		if !permanent(transferErr) && o.Deferred != nil {
			o.Deferred.Enqueue(DeferredDisbursement{
				ActorID:     actorID,
				MilestoneID: milestoneID,
				Method:      method,
				Beneficiary: beneficiary,
			})
		}
		return rec, transferErr
	}

	rec.Status = domain.PaymentCompleted
	rec.GatewayRef = receipt.Ref
	rec.Fee = receipt.Fee
	if err := o.Ledger.UpdatePayment(ctx, rec); err != nil {
		return rec, err
	}
	if err := o.Ledger.AddDisbursed(ctx, m.ProjectID, rec.Amount); err != nil {
		return rec, fmt.Errorf("record disbursed total: %w", err)
	}
	o.recordAudit(ctx, actorID, rec, "transfer completed")
	o.Log.WithFields(logrus.Fields{
		"payment":   rec.ID,
		"milestone": milestoneID,
		"amount":    rec.Amount.String(),
		"method":    string(method),
	}).Info("milestone disbursed")
	return rec, nil
}

func (o *Orchestrator) transferWithRetry(ctx context.Context, gw Gateway, rec *domain.PaymentRecord) (Receipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.BaseDelay
	policy.MaxInterval = o.MaxDelay
	policy.MaxElapsedTime = 0

	var receipt Receipt
	op := func() error {
		rec.Attempts++
		r, err := gw.Transfer(ctx, TransferRequest{
			PaymentID:   rec.ID,
			Amount:      rec.Amount,
			Currency:    rec.Currency,
			Beneficiary: rec.Beneficiary,
		})
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			o.Log.WithFields(logrus.Fields{
				"payment": rec.ID,
				"attempt": rec.Attempts,
			}).WithError(err).Warn("transfer attempt failed")
			return err
		}
		receipt = r
		return nil
	}
	maxRetries := uint64(0)
	if o.MaxAttempts > 1 {
		maxRetries = uint64(o.MaxAttempts - 1)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	return receipt, err
}

func (o *Orchestrator) recordAudit(ctx context.Context, actorID string, rec domain.PaymentRecord, note string) {
	entry := domain.AuditEntry{
		Action:       "payment." + string(rec.Status),
		ActorID:      actorID,
		ResourceType: "payment",
		ResourceID:   rec.ID,
		AfterDigest:  audit.Digest(rec),
		Note:         note,
		TS:           o.now(),
	}
	if err := o.Trail.Record(ctx, entry); err != nil {
		o.Log.WithError(err).Error("record payment audit entry")
	}
}
