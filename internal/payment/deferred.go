package payment

import (
	"context"
	"sync"

	"grantline/internal/domain"
)

// DeferredDisbursement is a transfer that exhausted its immediate retry
// budget and waits for the next sweep.
type DeferredDisbursement struct {
	ActorID     string
	MilestoneID int64
	Method      domain.PaymentMethod
	Beneficiary string
}

// RetryQueue holds deferred disbursements between sweeps. In-process only;
// entries do not survive a restart, but the milestone stays Verified and
// unpaid so an operator can always re-trigger the disbursement.
type RetryQueue struct {
	mu      sync.Mutex
	pending []DeferredDisbursement
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{}
}

func (q *RetryQueue) Enqueue(d DeferredDisbursement) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		if p.MilestoneID == d.MilestoneID {
			return
		}
	}
	q.pending = append(q.pending, d)
}

// Drain removes and returns all pending entries.
func (q *RetryQueue) Drain() []DeferredDisbursement {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Len reports the number of waiting entries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SweepDeferred retries every deferred disbursement once. Transfers that
// fail transiently again re-enter the queue via the orchestrator.
func (o *Orchestrator) SweepDeferred(ctx context.Context) {
	if o.Deferred == nil {
		return
	}
	for _, d := range o.Deferred.Drain() {
		if _, err := o.Disburse(ctx, d.ActorID, d.MilestoneID, d.Method, d.Beneficiary); err != nil {
			o.Log.WithField("milestone", d.MilestoneID).WithError(err).Warn("deferred disbursement still failing")
		}
	}
}
