// Package engine holds the milestone state machine: project and milestone
// lifecycle, verification, disputes, and the handoff to disbursement.
// Every transition is authorized first, applied as a compare-and-swap
// against the ledger, and recorded on the audit trail.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"grantline/internal/aggregate"
	"grantline/internal/audit"
	"grantline/internal/authz"
	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/ledger"
	"grantline/internal/payment"
)

type Engine struct {
	Ledger     ledger.Gateway
	Trail      audit.Trail
	Authority  authz.Authority
	Aggregator *aggregate.Aggregator
	Payments   *payment.Orchestrator
	Config     *config.Config
	Locks      *ledger.KeyedMutex
	Now        func() time.Time
	Log        *logrus.Logger
}

func New(store ledger.Gateway, trail audit.Trail, agg *aggregate.Aggregator, pay *payment.Orchestrator, cfg *config.Config, log *logrus.Logger) Engine {
	return Engine{
		Ledger:     store,
		Trail:      trail,
		Authority:  authz.New(store),
		Aggregator: agg,
		Payments:   pay,
		Config:     cfg,
		Locks:      ledger.NewKeyedMutex(),
		Now:        time.Now,
		Log:        log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) record(ctx context.Context, action, actorID, resourceType, resourceID, before, after, note string) {
	entry := domain.AuditEntry{
		Action:       action,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeDigest: before,
		AfterDigest:  after,
		Note:         note,
		TS:           e.nowRFC3339(),
	}
	if err := e.Trail.Record(ctx, entry); err != nil {
		e.Log.WithError(err).Error("record audit entry")
	}
}

// RegisterPrincipal registers an identity with exactly one role. The first
// principal may self-register to bootstrap an empty registry; afterwards
// registration requires the government role.
func (e Engine) RegisterPrincipal(ctx context.Context, actorID string, p domain.Principal) (domain.Principal, error) {
	if p.ID == "" {
		return domain.Principal{}, invalidArg("id", "must not be empty")
	}
	if !domain.ValidRole(p.Role) {
		return domain.Principal{}, invalidArg("role", fmt.Sprintf("unknown role %q", p.Role))
	}
	existing, err := e.Ledger.ListPrincipals(ctx)
	if err != nil {
		return domain.Principal{}, err
	}
	if len(existing) > 0 {
		if _, err := e.Authority.Require(ctx, actorID, authz.ActionRegisterPrincipal); err != nil {
			return domain.Principal{}, err
		}
	}
	p.CreatedAt = e.nowRFC3339()
	if err := e.Ledger.RegisterPrincipal(ctx, p); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return domain.Principal{}, ConflictError{Reason: fmt.Sprintf("principal %s already registered", p.ID)}
		}
		return domain.Principal{}, err
	}
	e.record(ctx, "principal.register", actorID, "principal", p.ID, "", audit.Digest(p), "")
	return p, nil
}

// ProjectCreateOptions are parameters for registering a subsidy project.
type ProjectCreateOptions struct {
	ActorID      string
	ProducerID   string
	Name         string
	Description  string
	TotalSubsidy decimal.Decimal
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if _, err := e.Authority.Require(ctx, opts.ActorID, authz.ActionCreateProject); err != nil {
		return domain.Project{}, err
	}
	if opts.Name == "" {
		return domain.Project{}, invalidArg("name", "must not be empty")
	}
	if !opts.TotalSubsidy.IsPositive() {
		return domain.Project{}, invalidArg("total_subsidy", "must be positive")
	}
	producer, err := e.Ledger.GetPrincipal(ctx, opts.ProducerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return domain.Project{}, invalidArg("producer_id", fmt.Sprintf("principal %s is not registered", opts.ProducerID))
		}
		return domain.Project{}, err
	}
	if producer.Role != domain.RoleProducer {
		return domain.Project{}, invalidArg("producer_id", fmt.Sprintf("principal %s has role %s, not producer", opts.ProducerID, producer.Role))
	}

	p := domain.Project{
		ProducerID:   opts.ProducerID,
		Name:         opts.Name,
		Description:  opts.Description,
		TotalSubsidy: opts.TotalSubsidy,
		Disbursed:    decimal.Zero,
		Status:       domain.ProjectPending,
		CreatedAt:    e.nowRFC3339(),
	}
	id, err := e.Ledger.RegisterProject(ctx, p)
	if err != nil {
		return domain.Project{}, err
	}
	p.ID = id
	e.record(ctx, "project.create", opts.ActorID, "project", fmt.Sprint(id), "", audit.Digest(p), "")
	return p, nil
}

// projectTransitions is the full project status graph. Completed and
// cancelled are terminal.
var projectTransitions = map[domain.ProjectStatus][]domain.ProjectStatus{
	domain.ProjectPending:   {domain.ProjectActive, domain.ProjectCancelled},
	domain.ProjectActive:    {domain.ProjectCompleted, domain.ProjectSuspended, domain.ProjectCancelled},
	domain.ProjectSuspended: {domain.ProjectActive, domain.ProjectCancelled},
}

func allowedProjectTransition(from, to domain.ProjectStatus) bool {
	for _, t := range projectTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (e Engine) SetProjectStatus(ctx context.Context, actorID string, projectID int64, to domain.ProjectStatus) (domain.Project, error) {
	if _, err := e.Authority.Require(ctx, actorID, authz.ActionSetProjectStatus); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Ledger.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !allowedProjectTransition(p.Status, to) {
		return domain.Project{}, ConflictError{Reason: fmt.Sprintf("project %d cannot go %s -> %s", projectID, p.Status, to)}
	}
	before := audit.Digest(p)
	if err := e.Ledger.UpdateProjectStatus(ctx, projectID, p.Status, to); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return domain.Project{}, ConflictError{Reason: fmt.Sprintf("project %d already left status %s", projectID, p.Status)}
		}
		return domain.Project{}, err
	}
	p.Status = to
	e.record(ctx, "project.set_status", actorID, "project", fmt.Sprint(projectID), before, audit.Digest(p), string(to))
	return p, nil
}

// MilestoneCreateOptions are parameters for attaching a milestone to a
// project.
type MilestoneCreateOptions struct {
	ActorID            string
	ProjectID          int64
	Description        string
	SubsidyAmount      decimal.Decimal
	TargetValue        int64
	VerificationSource string
	Deadline           string
}

func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if _, err := e.Authority.Require(ctx, opts.ActorID, authz.ActionCreateMilestone); err != nil {
		return domain.Milestone{}, err
	}
	if opts.Description == "" {
		return domain.Milestone{}, invalidArg("description", "must not be empty")
	}
	if !opts.SubsidyAmount.IsPositive() {
		return domain.Milestone{}, invalidArg("subsidy_amount", "must be positive")
	}
	if opts.TargetValue < 0 {
		return domain.Milestone{}, invalidArg("target_value", "must not be negative")
	}
	if opts.VerificationSource == "" {
		return domain.Milestone{}, invalidArg("verification_source", "must not be empty")
	}
	deadline, err := time.Parse(time.RFC3339, opts.Deadline)
	if err != nil {
		return domain.Milestone{}, invalidArg("deadline", "must be RFC 3339")
	}
	if !deadline.After(e.now()) {
		return domain.Milestone{}, invalidArg("deadline", "must be in the future")
	}

	p, err := e.Ledger.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if p.Terminal() {
		return domain.Milestone{}, ConflictError{Reason: fmt.Sprintf("project %d is %s", p.ID, p.Status)}
	}
	siblings, err := e.Ledger.GetProjectMilestones(ctx, opts.ProjectID)
	if err != nil {
		return domain.Milestone{}, err
	}
	committed := opts.SubsidyAmount
	for _, s := range siblings {
		committed = committed.Add(s.SubsidyAmount)
	}
	if committed.GreaterThan(p.TotalSubsidy) {
		return domain.Milestone{}, invalidArg("subsidy_amount",
			fmt.Sprintf("milestone subsidies %s would exceed project total %s", committed, p.TotalSubsidy))
	}

	m := domain.Milestone{
		ProjectID:          opts.ProjectID,
		Description:        opts.Description,
		SubsidyAmount:      opts.SubsidyAmount,
		TargetValue:        opts.TargetValue,
		VerificationSource: opts.VerificationSource,
		Deadline:           deadline.UTC().Format(time.RFC3339),
		Status:             domain.MilestonePending,
		CreatedAt:          e.nowRFC3339(),
	}
	id, err := e.Ledger.AddMilestone(ctx, m)
	if err != nil {
		return domain.Milestone{}, err
	}
	m.ID = id
	e.record(ctx, "milestone.create", opts.ActorID, "milestone", fmt.Sprint(id), "", audit.Digest(m), "")
	return m, nil
}

// Verify applies a manual verification decision backed by submitted
// evidence. The caller judges the outcome; an auditor may fail a milestone
// whose number meets the target when the evidence itself does not hold up,
// or approve one below it. A successful verification triggers the
// disbursement immediately.
func (e Engine) Verify(ctx context.Context, actorID string, milestoneID int64, ev domain.Evidence, success bool) (domain.Milestone, error) {
	if _, err := e.Authority.Require(ctx, actorID, authz.ActionVerify); err != nil {
		return domain.Milestone{}, err
	}
	if ev.Value < 0 {
		return domain.Milestone{}, invalidArg("value", "must not be negative")
	}
	return e.applyVerification(ctx, actorID, milestoneID, ev.Value, success, fmt.Sprintf("evidence from %s", ev.Source))
}

// AutoVerify aggregates the milestone's verification source over the given
// window and decides from the measured total. Only oracles may trigger it.
func (e Engine) AutoVerify(ctx context.Context, actorID string, milestoneID int64, from, to string) (domain.Milestone, error) {
	if _, err := e.Authority.Require(ctx, actorID, authz.ActionAutoVerify); err != nil {
		return domain.Milestone{}, err
	}
	fromT, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return domain.Milestone{}, invalidArg("from", "must be RFC 3339")
	}
	toT, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return domain.Milestone{}, invalidArg("to", "must be RFC 3339")
	}
	if !fromT.Before(toT) {
		return domain.Milestone{}, invalidArg("window", "from must precede to")
	}
	if toT.After(e.now()) {
		return domain.Milestone{}, invalidArg("window", "must not extend into the future")
	}

	m, err := e.Ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	deadline, err := time.Parse(time.RFC3339, m.Deadline)
	if err != nil {
		return domain.Milestone{}, fmt.Errorf("stored deadline: %w", err)
	}
	// Past the deadline the decision is final, so it must not be made from
	// a stale cached window.
	opts := aggregate.Options{SkipCache: e.now().After(deadline)}
	res, err := e.Aggregator.Aggregate(ctx, m.VerificationSource, from, to, opts)
	if err != nil {
		return domain.Milestone{}, err
	}
	note := fmt.Sprintf("aggregated %d points from %d/%d adapters", res.DataPointCount, res.FulfilledCount, res.SourceCount)
	return e.applyVerification(ctx, actorID, milestoneID, res.TotalValue, res.TotalValue >= m.TargetValue, note)
}

func (e Engine) applyVerification(ctx context.Context, actorID string, milestoneID int64, actual int64, success bool, note string) (domain.Milestone, error) {
	unlock := e.Locks.Lock(milestoneID)

	m, err := e.Ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		unlock()
		return domain.Milestone{}, err
	}
	if m.Status != domain.MilestonePending {
		unlock()
		return domain.Milestone{}, ConflictError{Reason: fmt.Sprintf("milestone %d is %s, not pending", milestoneID, m.Status)}
	}
	p, err := e.Ledger.GetProject(ctx, m.ProjectID)
	if err != nil {
		unlock()
		return domain.Milestone{}, err
	}
	if p.Status != domain.ProjectActive {
		unlock()
		return domain.Milestone{}, ConflictError{Reason: fmt.Sprintf("project %d is %s, not active", p.ID, p.Status)}
	}

	before := audit.Digest(m)
	verifiedAt := e.nowRFC3339()
	if err := e.Ledger.VerifyMilestone(ctx, milestoneID, actual, success, actorID, verifiedAt); err != nil {
		unlock()
		if errors.Is(err, ledger.ErrConflict) {
			return domain.Milestone{}, ConflictError{Reason: fmt.Sprintf("milestone %d was verified concurrently", milestoneID)}
		}
		return domain.Milestone{}, err
	}
	m.ActualValue = &actual
	m.VerifiedBy = &actorID
	m.VerifiedAt = &verifiedAt
	if success {
		m.Status = domain.MilestoneVerified
	} else {
		m.Status = domain.MilestoneFailed
	}
	action := "milestone.verify"
	if m.Status == domain.MilestoneFailed {
		action = "milestone.verify_failed"
	}
	e.record(ctx, action, actorID, "milestone", fmt.Sprint(milestoneID), before, audit.Digest(m), note)

	// The disbursement takes its own claim on the paid flag, so the
	// milestone lock is released first.
	unlock()
	if success {
		e.disburseVerified(ctx, actorID, m, p)
		refreshed, err := e.Ledger.GetMilestone(ctx, milestoneID)
		if err == nil {
			m = refreshed
		}
	}
	return m, nil
}

// disburseVerified pays out a freshly verified milestone to the producer's
// wallet using the configured default method. Failures leave the milestone
// Verified and unpaid; the deferred sweep or an operator picks it up.
func (e Engine) disburseVerified(ctx context.Context, actorID string, m domain.Milestone, p domain.Project) {
	producer, err := e.Ledger.GetPrincipal(ctx, p.ProducerID)
	if err != nil {
		e.Log.WithField("milestone", m.ID).WithError(err).Error("resolve producer for disbursement")
		return
	}
	if producer.WalletRef == "" {
		e.Log.WithFields(logrus.Fields{
			"milestone": m.ID,
			"producer":  producer.ID,
		}).Warn("producer has no wallet reference, disbursement left for manual trigger")
		return
	}
	method := domain.PaymentMethod(e.Config.Payment.DefaultMethod)
	if _, err := e.Payments.Disburse(ctx, actorID, m.ID, method, producer.WalletRef); err != nil {
		e.Log.WithField("milestone", m.ID).WithError(err).Warn("automatic disbursement failed")
	}
}

// Disburse triggers the payout of a verified milestone explicitly. The
// beneficiary defaults to the producer's wallet and the method to the
// configured default.
func (e Engine) Disburse(ctx context.Context, actorID string, milestoneID int64, method domain.PaymentMethod, beneficiary string) (domain.PaymentRecord, error) {
	if _, err := e.Authority.Require(ctx, actorID, authz.ActionDisburse); err != nil {
		return domain.PaymentRecord{}, err
	}
	m, err := e.Ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if method == "" {
		method = domain.PaymentMethod(e.Config.Payment.DefaultMethod)
	}
	if !domain.ValidPaymentMethod(method) {
		return domain.PaymentRecord{}, invalidArg("method", fmt.Sprintf("unknown method %q", method))
	}
	if beneficiary == "" {
		p, err := e.Ledger.GetProject(ctx, m.ProjectID)
		if err != nil {
			return domain.PaymentRecord{}, err
		}
		producer, err := e.Ledger.GetPrincipal(ctx, p.ProducerID)
		if err != nil {
			return domain.PaymentRecord{}, err
		}
		beneficiary = producer.WalletRef
	}
	rec, err := e.Payments.Disburse(ctx, actorID, milestoneID, method, beneficiary)
	if errors.Is(err, ledger.ErrConflict) {
		return rec, ConflictError{Reason: fmt.Sprintf("milestone %d is not verified and unpaid", milestoneID)}
	}
	return rec, err
}

const (
	minReasonLen     = 10
	maxReasonLen     = 500
	minResolutionLen = 10
	maxResolutionLen = 1000
)

// Dispute challenges a verification outcome. Producers may only dispute
// milestones of their own projects; the government may dispute any. Each
// milestone gets exactly one dispute round.
func (e Engine) Dispute(ctx context.Context, actorID string, milestoneID int64, reason string) (domain.Milestone, error) {
	actor, err := e.Authority.Require(ctx, actorID, authz.ActionDispute)
	if err != nil {
		return domain.Milestone{}, err
	}
	if len(reason) < minReasonLen || len(reason) > maxReasonLen {
		return domain.Milestone{}, invalidArg("reason", fmt.Sprintf("length must be between %d and %d", minReasonLen, maxReasonLen))
	}

	unlock := e.Locks.Lock(milestoneID)
	defer unlock()

	m, err := e.Ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if actor.Role == domain.RoleProducer {
		p, err := e.Ledger.GetProject(ctx, m.ProjectID)
		if err != nil {
			return domain.Milestone{}, err
		}
		if p.ProducerID != actorID {
			return domain.Milestone{}, authz.ForbiddenError{PrincipalID: actorID, Action: authz.ActionDispute}
		}
	}
	before := audit.Digest(m)
	if err := e.Ledger.DisputeMilestone(ctx, milestoneID, reason); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return domain.Milestone{}, ConflictError{Reason: fmt.Sprintf("milestone %d cannot be disputed in status %s", milestoneID, m.Status)}
		}
		return domain.Milestone{}, err
	}
	orig := m.Status
	m.OriginalStatus = &orig
	m.Status = domain.MilestoneDisputed
	m.DisputeReason = &reason
	e.record(ctx, "milestone.dispute", actorID, "milestone", fmt.Sprint(milestoneID), before, audit.Digest(m), reason)
	return m, nil
}

// ResolveDispute closes a dispute round. Approval restores Verified and
// triggers the disbursement if the milestone was never paid; rejection
// settles on Failed.
func (e Engine) ResolveDispute(ctx context.Context, actorID string, milestoneID int64, approved bool, resolution string) (domain.Milestone, error) {
	if _, err := e.Authority.Require(ctx, actorID, authz.ActionResolveDispute); err != nil {
		return domain.Milestone{}, err
	}
	if len(resolution) < minResolutionLen || len(resolution) > maxResolutionLen {
		return domain.Milestone{}, invalidArg("resolution", fmt.Sprintf("length must be between %d and %d", minResolutionLen, maxResolutionLen))
	}

	unlock := e.Locks.Lock(milestoneID)

	m, err := e.Ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		unlock()
		return domain.Milestone{}, err
	}
	before := audit.Digest(m)
	if err := e.Ledger.ResolveMilestone(ctx, milestoneID, approved, resolution); err != nil {
		unlock()
		if errors.Is(err, ledger.ErrConflict) {
			return domain.Milestone{}, ConflictError{Reason: fmt.Sprintf("milestone %d is not disputed", milestoneID)}
		}
		return domain.Milestone{}, err
	}
	if approved {
		m.Status = domain.MilestoneVerified
	} else {
		m.Status = domain.MilestoneFailed
	}
	m.Resolution = &resolution
	e.record(ctx, "milestone.resolve_dispute", actorID, "milestone", fmt.Sprint(milestoneID), before, audit.Digest(m), resolution)

	unlock()
	if approved && !m.Paid {
		p, err := e.Ledger.GetProject(ctx, m.ProjectID)
		if err == nil {
			e.disburseVerified(ctx, actorID, m, p)
		}
		if refreshed, err := e.Ledger.GetMilestone(ctx, milestoneID); err == nil {
			m = refreshed
		}
	}
	return m, nil
}

// OverdueMilestones lists pending milestones whose deadline has passed.
func (e Engine) OverdueMilestones(ctx context.Context) ([]domain.Milestone, error) {
	return e.Ledger.OverdueMilestones(ctx, e.nowRFC3339())
}

// MilestoneStats summarizes a project's milestones.
func (e Engine) MilestoneStats(ctx context.Context, projectID int64) (domain.MilestoneStats, error) {
	if _, err := e.Ledger.GetProject(ctx, projectID); err != nil {
		return domain.MilestoneStats{}, err
	}
	milestones, err := e.Ledger.GetProjectMilestones(ctx, projectID)
	if err != nil {
		return domain.MilestoneStats{}, err
	}
	stats := domain.MilestoneStats{
		ProjectID: projectID,
		Total:     len(milestones),
		ByStatus:  map[domain.MilestoneStatus]int{},
		PaidTotal: decimal.Zero,
	}
	for _, m := range milestones {
		stats.ByStatus[m.Status]++
		if m.Paid {
			stats.PaidCount++
			stats.PaidTotal = stats.PaidTotal.Add(m.SubsidyAmount)
		}
	}
	return stats, nil
}
