package domain

import "github.com/shopspring/decimal"

type Role string

const (
	RoleGovernment Role = "government"
	RoleProducer   Role = "producer"
	RoleAuditor    Role = "auditor"
	RoleOracle     Role = "oracle"
)

func ValidRole(r Role) bool {
	switch r {
	case RoleGovernment, RoleProducer, RoleAuditor, RoleOracle:
		return true
	}
	return false
}

type ProjectStatus string

const (
	ProjectPending   ProjectStatus = "pending"
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectSuspended ProjectStatus = "suspended"
	ProjectCancelled ProjectStatus = "cancelled"
)

type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneVerified MilestoneStatus = "verified"
	MilestoneFailed   MilestoneStatus = "failed"
	MilestoneDisputed MilestoneStatus = "disputed"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
	MethodWire         PaymentMethod = "wire"
	MethodCrypto       PaymentMethod = "crypto"
)

func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case MethodBankTransfer, MethodCard, MethodWire, MethodCrypto:
		return true
	}
	return false
}

// Principal is a registered identity with exactly one role. Credential
// issuance lives outside the core; callers arrive already authenticated.
type Principal struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	WalletRef string `json:"wallet_ref,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID           int64           `json:"id"`
	ProducerID   string          `json:"producer_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	TotalSubsidy decimal.Decimal `json:"total_subsidy"`
	Disbursed    decimal.Decimal `json:"disbursed"`
	Status       ProjectStatus   `json:"status" enum:"pending,active,completed,suspended,cancelled"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

// Terminal reports whether the project can no longer accept milestones.
func (p Project) Terminal() bool {
	return p.Status == ProjectCancelled || p.Status == ProjectCompleted
}

type Milestone struct {
	ID                 int64            `json:"id"`
	ProjectID          int64            `json:"project_id"`
	Description        string           `json:"description"`
	SubsidyAmount      decimal.Decimal  `json:"subsidy_amount"`
	TargetValue        int64            `json:"target_value"`
	ActualValue        *int64           `json:"actual_value,omitempty"`
	VerificationSource string           `json:"verification_source"`
	Deadline           string           `json:"deadline" format:"date-time"`
	Status             MilestoneStatus  `json:"status" enum:"pending,verified,failed,disputed"`
	OriginalStatus     *MilestoneStatus `json:"original_status,omitempty"`
	DisputeReason      *string          `json:"dispute_reason,omitempty"`
	Resolution         *string          `json:"resolution,omitempty"`
	VerifiedAt         *string          `json:"verified_at,omitempty" format:"date-time"`
	VerifiedBy         *string          `json:"verified_by,omitempty"`
	Paid               bool             `json:"paid"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
}

// Evidence is the measured value and metadata behind one verification
// decision. It is consumed exactly once and never persisted as an entity.
type Evidence struct {
	MilestoneID    int64  `json:"milestone_id"`
	Source         string `json:"source"`
	Value          int64  `json:"value"`
	DataPointCount int    `json:"data_point_count"`
	WindowFrom     string `json:"window_from" format:"date-time"`
	WindowTo       string `json:"window_to" format:"date-time"`
	SubmittedBy    string `json:"submitted_by"`
	SubmittedAt    string `json:"submitted_at" format:"date-time"`
}

type PaymentRecord struct {
	ID          string          `json:"id"`
	ProjectID   int64           `json:"project_id"`
	MilestoneID int64           `json:"milestone_id"`
	Method      PaymentMethod   `json:"method" enum:"bank_transfer,card,wire,crypto"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Beneficiary string          `json:"beneficiary"`
	Status      PaymentStatus   `json:"status" enum:"pending,completed,failed"`
	GatewayRef  string          `json:"gateway_ref,omitempty"`
	Fee         decimal.Decimal `json:"fee"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type AuditEntry struct {
	ID           int64  `json:"id"`
	Action       string `json:"action"`
	ActorID      string `json:"actor_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	BeforeDigest string `json:"before_digest,omitempty"`
	AfterDigest  string `json:"after_digest,omitempty"`
	Note         string `json:"note,omitempty"`
	TS           string `json:"ts" format:"date-time"`
}

// Reading is a single timestamped measurement from a data source adapter.
type Reading struct {
	Timestamp string  `json:"timestamp" format:"date-time"`
	Value     int64   `json:"value"`
	Quality   float64 `json:"quality"`
}

// AggregateResult is the trust-weighted outcome of one aggregation window.
type AggregateResult struct {
	TotalValue      int64   `json:"total_value"`
	DataPointCount  int     `json:"data_point_count"`
	DataReliability float64 `json:"data_reliability"`
	FulfilledCount  int     `json:"fulfilled_count"`
	SourceCount     int     `json:"source_count"`
}

// MilestoneStats summarizes a project's milestones for reporting.
type MilestoneStats struct {
	ProjectID int64                   `json:"project_id"`
	Total     int                     `json:"total"`
	ByStatus  map[MilestoneStatus]int `json:"by_status"`
	PaidCount int                     `json:"paid_count"`
	PaidTotal decimal.Decimal         `json:"paid_total"`
}
