package server

import (
	"grantline/internal/domain"
)

type RegisterPrincipalRequest struct {
	ID        string `json:"id" example:"producer-7"`
	Role      string `json:"role" enum:"government,producer,auditor,oracle"`
	WalletRef string `json:"wallet_ref,omitempty" example:"DE89370400440532013000"`
}

type CreateProjectRequest struct {
	ProducerID   string `json:"producer_id" example:"producer-7"`
	Name         string `json:"name" example:"North Field Solar"`
	Description  string `json:"description,omitempty"`
	TotalSubsidy string `json:"total_subsidy" example:"250000.00"`
}

type SetProjectStatusRequest struct {
	Status string `json:"status" enum:"pending,active,completed,suspended,cancelled"`
}

type CreateMilestoneRequest struct {
	Description        string `json:"description" example:"Produce 500 MWh"`
	SubsidyAmount      string `json:"subsidy_amount" example:"50000.00"`
	TargetValue        int64  `json:"target_value" example:"500"`
	VerificationSource string `json:"verification_source" example:"grid-meter"`
	Deadline           string `json:"deadline" format:"date-time"`
}

type VerifyRequest struct {
	Source         string `json:"source" example:"grid-meter"`
	Value          int64  `json:"value" example:"512"`
	Success        bool   `json:"success" doc:"The verifier's judgement of the evidence"`
	DataPointCount int    `json:"data_point_count,omitempty"`
	WindowFrom     string `json:"window_from,omitempty" format:"date-time"`
	WindowTo       string `json:"window_to,omitempty" format:"date-time"`
}

type AutoVerifyRequest struct {
	From string `json:"from" format:"date-time"`
	To   string `json:"to" format:"date-time"`
}

type DisputeRequest struct {
	Reason string `json:"reason" minLength:"10" maxLength:"500"`
}

type ResolveDisputeRequest struct {
	Approved   bool   `json:"approved"`
	Resolution string `json:"resolution" minLength:"10" maxLength:"1000"`
}

type DisburseRequest struct {
	Method      string `json:"method,omitempty" doc:"Payment method, defaults to the configured one"`
	Beneficiary string `json:"beneficiary,omitempty"`
}

type ProjectResponse struct {
	Project domain.Project `json:"project"`
}

type ProjectListResponse struct {
	Projects []domain.Project `json:"projects"`
}

type MilestoneResponse struct {
	Milestone domain.Milestone `json:"milestone"`
}

type MilestoneListResponse struct {
	Milestones []domain.Milestone `json:"milestones"`
}

type PrincipalResponse struct {
	Principal domain.Principal `json:"principal"`
}

type PrincipalListResponse struct {
	Principals []domain.Principal `json:"principals"`
}

type PaymentResponse struct {
	Payment domain.PaymentRecord `json:"payment"`
}

type PaymentListResponse struct {
	Payments []domain.PaymentRecord `json:"payments"`
}

type StatsResponse struct {
	Stats domain.MilestoneStats `json:"stats"`
}

type AuditListResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}
