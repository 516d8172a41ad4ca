package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

// SQLStore is the SQLite-backed Gateway.
type SQLStore struct {
	DB *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db}
}

func (s *SQLStore) RegisterProject(ctx context.Context, p domain.Project) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO projects(producer_id,name,description,total_subsidy,disbursed,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ProducerID, p.Name, nullable(p.Description), p.TotalSubsidy.String(), p.Disbursed.String(), string(p.Status), p.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert project: %w", err)
	}
	return res.LastInsertId()
}

const projectCols = `id,producer_id,name,COALESCE(description,'') AS description,total_subsidy,disbursed,status,created_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var total, disbursed, status string
	err := row.Scan(&p.ID, &p.ProducerID, &p.Name, &p.Description, &total, &disbursed, &status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.TotalSubsidy, err = decimal.NewFromString(total); err != nil {
		return p, fmt.Errorf("total_subsidy: %w", err)
	}
	if p.Disbursed, err = decimal.NewFromString(disbursed); err != nil {
		return p, fmt.Errorf("disbursed: %w", err)
	}
	p.Status = domain.ProjectStatus(status)
	return p, nil
}

func (s *SQLStore) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(s.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (s *SQLStore) GetProducerProjects(ctx context.Context, producerID string) ([]domain.Project, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects WHERE producer_id=? ORDER BY created_at DESC, id DESC`, producerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *SQLStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *SQLStore) UpdateProjectStatus(ctx context.Context, id int64, from, to domain.ProjectStatus) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return err
	}
	return s.casOutcome(ctx, res, `SELECT 1 FROM projects WHERE id=?`, id)
}

func (s *SQLStore) AddDisbursed(ctx context.Context, id int64, amount decimal.Decimal) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
	if err != nil {
		return err
	}
	next := p.Disbursed.Add(amount)
	if next.GreaterThan(p.TotalSubsidy) {
		return fmt.Errorf("disbursed %s would exceed total %s: %w", next, p.TotalSubsidy, ErrConflict)
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET disbursed=? WHERE id=? AND disbursed=?`, next.String(), id, p.Disbursed.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return tx.Commit()
}

func (s *SQLStore) AddMilestone(ctx context.Context, m domain.Milestone) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO milestones(project_id,description,subsidy_amount,target_value,verification_source,deadline,status,paid,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ProjectID, m.Description, m.SubsidyAmount.String(), m.TargetValue, m.VerificationSource, m.Deadline, string(m.Status), boolInt(m.Paid), m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert milestone: %w", err)
	}
	return res.LastInsertId()
}

const milestoneCols = `id,project_id,description,subsidy_amount,target_value,actual_value,verification_source,deadline,status,original_status,dispute_reason,resolution,verified_at,verified_by,paid,created_at`

func scanMilestone(row interface{ Scan(...any) error }) (domain.Milestone, error) {
	var m domain.Milestone
	var amount, status string
	var actual sql.NullInt64
	var origStatus, reason, resolution, verifiedAt, verifiedBy sql.NullString
	var paid int
	err := row.Scan(&m.ID, &m.ProjectID, &m.Description, &amount, &m.TargetValue, &actual,
		&m.VerificationSource, &m.Deadline, &status, &origStatus, &reason, &resolution, &verifiedAt, &verifiedBy, &paid, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if m.SubsidyAmount, err = decimal.NewFromString(amount); err != nil {
		return m, fmt.Errorf("subsidy_amount: %w", err)
	}
	m.Status = domain.MilestoneStatus(status)
	if actual.Valid {
		m.ActualValue = &actual.Int64
	}
	if origStatus.Valid {
		st := domain.MilestoneStatus(origStatus.String)
		m.OriginalStatus = &st
	}
	if reason.Valid {
		m.DisputeReason = &reason.String
	}
	if resolution.Valid {
		m.Resolution = &resolution.String
	}
	if verifiedAt.Valid {
		m.VerifiedAt = &verifiedAt.String
	}
	if verifiedBy.Valid {
		m.VerifiedBy = &verifiedBy.String
	}
	m.Paid = paid != 0
	return m, nil
}

func (s *SQLStore) GetMilestone(ctx context.Context, id int64) (domain.Milestone, error) {
	return scanMilestone(s.DB.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE id=?`, id))
}

func (s *SQLStore) GetProjectMilestones(ctx context.Context, projectID int64) ([]domain.Milestone, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *SQLStore) VerifyMilestone(ctx context.Context, id int64, actual int64, success bool, verifiedBy, verifiedAt string) error {
	to := domain.MilestoneVerified
	if !success {
		to = domain.MilestoneFailed
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE milestones SET status=?, actual_value=?, verified_by=?, verified_at=? WHERE id=? AND status=?`,
		string(to), actual, verifiedBy, verifiedAt, id, string(domain.MilestonePending))
	if err != nil {
		return err
	}
	return s.casOutcome(ctx, res, `SELECT 1 FROM milestones WHERE id=?`, id)
}

func (s *SQLStore) DisputeMilestone(ctx context.Context, id int64, reason string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE milestones SET original_status=status, status=?, dispute_reason=?
WHERE id=? AND status IN (?,?) AND resolution IS NULL`,
		string(domain.MilestoneDisputed), reason, id, string(domain.MilestoneVerified), string(domain.MilestoneFailed))
	if err != nil {
		return err
	}
	return s.casOutcome(ctx, res, `SELECT 1 FROM milestones WHERE id=?`, id)
}

func (s *SQLStore) ResolveMilestone(ctx context.Context, id int64, approved bool, resolution string) error {
	to := domain.MilestoneVerified
	if !approved {
		to = domain.MilestoneFailed
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE milestones SET status=?, resolution=? WHERE id=? AND status=?`,
		string(to), resolution, id, string(domain.MilestoneDisputed))
	if err != nil {
		return err
	}
	return s.casOutcome(ctx, res, `SELECT 1 FROM milestones WHERE id=?`, id)
}

func (s *SQLStore) MarkMilestonePaid(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE milestones SET paid=1 WHERE id=? AND status=? AND paid=0`,
		id, string(domain.MilestoneVerified))
	if err != nil {
		return err
	}
	return s.casOutcome(ctx, res, `SELECT 1 FROM milestones WHERE id=?`, id)
}

func (s *SQLStore) UnmarkMilestonePaid(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE milestones SET paid=0 WHERE id=?`, id)
	return err
}

func (s *SQLStore) OverdueMilestones(ctx context.Context, asOf string) ([]domain.Milestone, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE status=? AND deadline < ? ORDER BY deadline ASC`,
		string(domain.MilestonePending), asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *SQLStore) RegisterPrincipal(ctx context.Context, p domain.Principal) error {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO principals(id,role,wallet_ref,created_at) VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		p.ID, string(p.Role), nullable(p.WalletRef), p.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	var p domain.Principal
	var role string
	var wallet sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,role,wallet_ref,created_at FROM principals WHERE id=?`, id).
		Scan(&p.ID, &role, &wallet, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Role = domain.Role(role)
	if wallet.Valid {
		p.WalletRef = wallet.String
	}
	return p, nil
}

func (s *SQLStore) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,role,wallet_ref,created_at FROM principals ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Principal
	for rows.Next() {
		var p domain.Principal
		var role string
		var wallet sql.NullString
		if err := rows.Scan(&p.ID, &role, &wallet, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Role = domain.Role(role)
		if wallet.Valid {
			p.WalletRef = wallet.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *SQLStore) InsertPayment(ctx context.Context, rec domain.PaymentRecord) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO payments(id,project_id,milestone_id,method,amount,currency,beneficiary,status,gateway_ref,fee,attempts,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, rec.MilestoneID, string(rec.Method), rec.Amount.String(), rec.Currency, rec.Beneficiary,
		string(rec.Status), nullable(rec.GatewayRef), rec.Fee.String(), rec.Attempts, nullable(rec.LastError), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *SQLStore) UpdatePayment(ctx context.Context, rec domain.PaymentRecord) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE payments SET status=?, gateway_ref=?, fee=?, attempts=?, last_error=?, updated_at=? WHERE id=?`,
		string(rec.Status), nullable(rec.GatewayRef), rec.Fee.String(), rec.Attempts, nullable(rec.LastError), rec.UpdatedAt, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const paymentCols = `id,project_id,milestone_id,method,amount,currency,beneficiary,status,gateway_ref,fee,attempts,last_error,created_at,updated_at`

func scanPayment(row interface{ Scan(...any) error }) (domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	var method, amount, status, fee string
	var gatewayRef, lastError sql.NullString
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.MilestoneID, &method, &amount, &rec.Currency, &rec.Beneficiary,
		&status, &gatewayRef, &fee, &rec.Attempts, &lastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Method = domain.PaymentMethod(method)
	rec.Status = domain.PaymentStatus(status)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return rec, fmt.Errorf("amount: %w", err)
	}
	if rec.Fee, err = decimal.NewFromString(fee); err != nil {
		return rec, fmt.Errorf("fee: %w", err)
	}
	if gatewayRef.Valid {
		rec.GatewayRef = gatewayRef.String
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return rec, nil
}

func (s *SQLStore) GetCompletedPayment(ctx context.Context, projectID, milestoneID int64) (domain.PaymentRecord, error) {
	return scanPayment(s.DB.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE project_id=? AND milestone_id=? AND status=? LIMIT 1`,
		projectID, milestoneID, string(domain.PaymentCompleted)))
}

func (s *SQLStore) ListPayments(ctx context.Context, milestoneID int64) ([]domain.PaymentRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE milestone_id=? ORDER BY created_at ASC, id ASC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// casOutcome distinguishes a lost compare-and-swap from a missing row.
func (s *SQLStore) casOutcome(ctx context.Context, res sql.Result, existsQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.DB.QueryRowContext(ctx, existsQuery, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
