// Package ledger abstracts the authoritative project/milestone store. In
// production this sits in front of a chain-backed registry; the SQLite and
// in-memory stores here are interchangeable implementations of the same
// contract.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

var (
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-swap precondition failed; the entity
	// already left the expected state.
	ErrConflict = errors.New("state conflict")
	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Gateway is the store contract the core depends on. Every status mutation
// is a compare-and-swap: the WHERE-style precondition and the write are one
// atomic step, so concurrent writers lose with ErrConflict instead of
// clobbering each other.
type Gateway interface {
	RegisterProject(ctx context.Context, p domain.Project) (int64, error)
	GetProject(ctx context.Context, id int64) (domain.Project, error)
	GetProducerProjects(ctx context.Context, producerID string) ([]domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, id int64, from, to domain.ProjectStatus) error
	// AddDisbursed increments the project's disbursed amount, failing with
	// ErrConflict if the result would exceed the total subsidy.
	AddDisbursed(ctx context.Context, id int64, amount decimal.Decimal) error

	AddMilestone(ctx context.Context, m domain.Milestone) (int64, error)
	GetMilestone(ctx context.Context, id int64) (domain.Milestone, error)
	GetProjectMilestones(ctx context.Context, projectID int64) ([]domain.Milestone, error)
	// VerifyMilestone moves a Pending milestone to Verified or Failed,
	// writing actualValue exactly once.
	VerifyMilestone(ctx context.Context, id int64, actual int64, success bool, verifiedBy, verifiedAt string) error
	// DisputeMilestone moves Verified/Failed to Disputed, retaining the
	// pre-dispute outcome. A milestone that already went through a dispute
	// round (resolution set) conflicts.
	DisputeMilestone(ctx context.Context, id int64, reason string) error
	// ResolveMilestone moves Disputed to Verified (approved) or Failed.
	ResolveMilestone(ctx context.Context, id int64, approved bool, resolution string) error
	// MarkMilestonePaid claims the paid flag; only one caller ever wins and
	// only while the milestone is Verified.
	MarkMilestonePaid(ctx context.Context, id int64) error
	// UnmarkMilestonePaid releases a claim after a failed disbursement.
	UnmarkMilestonePaid(ctx context.Context, id int64) error
	OverdueMilestones(ctx context.Context, asOf string) ([]domain.Milestone, error)

	RegisterPrincipal(ctx context.Context, p domain.Principal) error
	GetPrincipal(ctx context.Context, id string) (domain.Principal, error)
	ListPrincipals(ctx context.Context) ([]domain.Principal, error)

	InsertPayment(ctx context.Context, rec domain.PaymentRecord) error
	UpdatePayment(ctx context.Context, rec domain.PaymentRecord) error
	GetCompletedPayment(ctx context.Context, projectID, milestoneID int64) (domain.PaymentRecord, error)
	ListPayments(ctx context.Context, milestoneID int64) ([]domain.PaymentRecord, error)
}
