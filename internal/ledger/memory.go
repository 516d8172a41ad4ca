package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

// MemStore is an in-memory Gateway with the same compare-and-swap
// semantics as the SQLite store. Used by tests and by gateway stubs.
type MemStore struct {
	mu         sync.Mutex
	projects   map[int64]domain.Project
	milestones map[int64]domain.Milestone
	principals map[string]domain.Principal
	payments   map[string]domain.PaymentRecord
	nextProj   int64
	nextMile   int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		projects:   map[int64]domain.Project{},
		milestones: map[int64]domain.Milestone{},
		principals: map[string]domain.Principal{},
		payments:   map[string]domain.PaymentRecord{},
	}
}

func (s *MemStore) RegisterProject(ctx context.Context, p domain.Project) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProj++
	p.ID = s.nextProj
	s.projects[p.ID] = p
	return p.ID, nil
}

func (s *MemStore) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) GetProducerProjects(ctx context.Context, producerID string) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Project
	for _, p := range s.projects {
		if p.ProducerID == producerID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Project
	for _, p := range s.projects {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemStore) UpdateProjectStatus(ctx context.Context, id int64, from, to domain.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrConflict
	}
	p.Status = to
	s.projects[id] = p
	return nil
}

func (s *MemStore) AddDisbursed(ctx context.Context, id int64, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	next := p.Disbursed.Add(amount)
	if next.GreaterThan(p.TotalSubsidy) {
		return ErrConflict
	}
	p.Disbursed = next
	s.projects[id] = p
	return nil
}

func (s *MemStore) AddMilestone(ctx context.Context, m domain.Milestone) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMile++
	m.ID = s.nextMile
	s.milestones[m.ID] = m
	return m.ID, nil
}

func (s *MemStore) GetMilestone(ctx context.Context, id int64) (domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return domain.Milestone{}, ErrNotFound
	}
	return m, nil
}

func (s *MemStore) GetProjectMilestones(ctx context.Context, projectID int64) ([]domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Milestone
	for _, m := range s.milestones {
		if m.ProjectID == projectID {
			res = append(res, m)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemStore) VerifyMilestone(ctx context.Context, id int64, actual int64, success bool, verifiedBy, verifiedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != domain.MilestonePending {
		return ErrConflict
	}
	if success {
		m.Status = domain.MilestoneVerified
	} else {
		m.Status = domain.MilestoneFailed
	}
	m.ActualValue = &actual
	m.VerifiedBy = &verifiedBy
	m.VerifiedAt = &verifiedAt
	s.milestones[id] = m
	return nil
}

func (s *MemStore) DisputeMilestone(ctx context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != domain.MilestoneVerified && m.Status != domain.MilestoneFailed {
		return ErrConflict
	}
	if m.Resolution != nil {
		return ErrConflict
	}
	orig := m.Status
	m.OriginalStatus = &orig
	m.Status = domain.MilestoneDisputed
	m.DisputeReason = &reason
	s.milestones[id] = m
	return nil
}

func (s *MemStore) ResolveMilestone(ctx context.Context, id int64, approved bool, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != domain.MilestoneDisputed {
		return ErrConflict
	}
	if approved {
		m.Status = domain.MilestoneVerified
	} else {
		m.Status = domain.MilestoneFailed
	}
	m.Resolution = &resolution
	s.milestones[id] = m
	return nil
}

func (s *MemStore) MarkMilestonePaid(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != domain.MilestoneVerified || m.Paid {
		return ErrConflict
	}
	m.Paid = true
	s.milestones[id] = m
	return nil
}

func (s *MemStore) UnmarkMilestonePaid(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return ErrNotFound
	}
	m.Paid = false
	s.milestones[id] = m
	return nil
}

func (s *MemStore) OverdueMilestones(ctx context.Context, asOf string) ([]domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Milestone
	for _, m := range s.milestones {
		if m.Status == domain.MilestonePending && m.Deadline < asOf {
			res = append(res, m)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Deadline < res[j].Deadline })
	return res, nil
}

func (s *MemStore) RegisterPrincipal(ctx context.Context, p domain.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; ok {
		return ErrConflict
	}
	s.principals[p.ID] = p
	return nil
}

func (s *MemStore) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return domain.Principal{}, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Principal
	for _, p := range s.principals {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemStore) InsertPayment(ctx context.Context, rec domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[rec.ID]; ok {
		return ErrConflict
	}
	s.payments[rec.ID] = rec
	return nil
}

func (s *MemStore) UpdatePayment(ctx context.Context, rec domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[rec.ID]; !ok {
		return ErrNotFound
	}
	s.payments[rec.ID] = rec
	return nil
}

func (s *MemStore) GetCompletedPayment(ctx context.Context, projectID, milestoneID int64) (domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.payments {
		if rec.ProjectID == projectID && rec.MilestoneID == milestoneID && rec.Status == domain.PaymentCompleted {
			return rec, nil
		}
	}
	return domain.PaymentRecord{}, ErrNotFound
}

func (s *MemStore) ListPayments(ctx context.Context, milestoneID int64) ([]domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.PaymentRecord
	for _, rec := range s.payments {
		if rec.MilestoneID == milestoneID {
			res = append(res, rec)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt < res[j].CreatedAt })
	return res, nil
}
