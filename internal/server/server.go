// Package server exposes the engine over HTTP. Authentication is a JWT
// whose subject is the principal id; authorization happens inside the
// engine against the principal registry.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"grantline/internal/aggregate"
	"grantline/internal/authz"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/ledger"
	"grantline/internal/payment"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"milestone 3 is verified, not pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var forbidden authz.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": string(forbidden.Action)})
	}
	var unknown authz.UnknownPrincipalError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusForbidden, "unknown_principal", err.Error(), nil)
	}
	var invalid engine.InvalidArgumentError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": invalid.Field})
	}
	var conflict engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var unknownMethod payment.UnknownMethodError
	if errors.As(err, &unknownMethod) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ledger.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, payment.ErrInvalidBeneficiary), errors.Is(err, payment.ErrInsufficientFunds):
		return newAPIError(http.StatusBadRequest, "transfer_rejected", err.Error(), nil)
	case errors.Is(err, aggregate.ErrAllSourcesFailed), errors.Is(err, aggregate.ErrNoSources):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, payment.ErrGatewayUnavailable), errors.Is(err, ledger.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// New returns an HTTP handler exposing the Grantline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Grantline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerPrincipals(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

	return router, nil
}

func requireActor(ctx context.Context) (string, huma.StatusError) {
	actorID, ok := actorFromContext(ctx)
	if !ok {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return actorID, nil
}

func parseAmount(field, raw string) (decimal.Decimal, huma.StatusError) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, newAPIError(http.StatusBadRequest, "bad_request", field+" must be a decimal amount", nil)
	}
	return d, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string `json:"actor_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !auth.DevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := MintToken(auth.JWTSecret, input.Body.ActorID, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerPrincipals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-principal",
		Method:        http.MethodPost,
		Path:          "/principals",
		Summary:       "Register principal",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RegisterPrincipalRequest `json:"body"`
	}) (*struct {
		Body PrincipalResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RegisterPrincipal(ctx, actorID, domain.Principal{
			ID:        input.Body.ID,
			Role:      domain.Role(input.Body.Role),
			WalletRef: input.Body.WalletRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PrincipalResponse `json:"body"`
		}{Body: PrincipalResponse{Principal: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-principals",
		Method:      http.MethodGet,
		Path:        "/principals",
		Summary:     "List principals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PrincipalListResponse `json:"body"`
	}, error) {
		principals, err := e.Ledger.ListPrincipals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PrincipalListResponse `json:"body"`
		}{Body: PrincipalListResponse{Principals: principals}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Register subsidy project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total, amtErr := parseAmount("total_subsidy", input.Body.TotalSubsidy)
		if amtErr != nil {
			return nil, amtErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ActorID:      actorID,
			ProducerID:   input.Body.ProducerID,
			Name:         input.Body.Name,
			Description:  input.Body.Description,
			TotalSubsidy: total,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Producer string `query:"producer" doc:"Filter by producer id"`
	}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		var (
			projects []domain.Project
			err      error
		)
		if input.Producer != "" {
			projects, err = e.Ledger.GetProducerProjects(ctx, input.Producer)
		} else {
			projects, err = e.Ledger.ListProjects(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Projects: projects}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Ledger.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/status",
		Summary:     "Transition project status",
	}, func(ctx context.Context, input *struct {
		ProjectID int64                   `path:"project_id"`
		Body      SetProjectStatusRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetProjectStatus(ctx, actorID, input.ProjectID, domain.ProjectStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-stats",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stats",
		Summary:     "Milestone statistics for a project",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		stats, err := e.MilestoneStats(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Stats: stats}}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/milestones",
		Summary:       "Attach milestone to project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID int64                  `path:"project_id"`
		Body      CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, amtErr := parseAmount("subsidy_amount", input.Body.SubsidyAmount)
		if amtErr != nil {
			return nil, amtErr
		}
		m, err := e.CreateMilestone(ctx, engine.MilestoneCreateOptions{
			ActorID:            actorID,
			ProjectID:          input.ProjectID,
			Description:        input.Body.Description,
			SubsidyAmount:      amount,
			TargetValue:        input.Body.TargetValue,
			VerificationSource: input.Body.VerificationSource,
			Deadline:           input.Body.Deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: MilestoneResponse{Milestone: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/milestones",
		Summary:     "List project milestones",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body MilestoneListResponse `json:"body"`
	}, error) {
		if _, err := e.Ledger.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		milestones, err := e.Ledger.GetProjectMilestones(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneListResponse `json:"body"`
		}{Body: MilestoneListResponse{Milestones: milestones}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-milestone",
		Method:      http.MethodGet,
		Path:        "/milestones/{milestone_id}",
		Summary:     "Get milestone",
	}, func(ctx context.Context, input *struct {
		MilestoneID int64 `path:"milestone_id"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		m, err := e.Ledger.GetMilestone(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: MilestoneResponse{Milestone: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "overdue-milestones",
		Method:      http.MethodGet,
		Path:        "/milestones/overdue",
		Summary:     "Pending milestones past their deadline",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MilestoneListResponse `json:"body"`
	}, error) {
		milestones, err := e.OverdueMilestones(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneListResponse `json:"body"`
		}{Body: MilestoneListResponse{Milestones: milestones}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/verify",
		Summary:     "Verify milestone from submitted evidence",
	}, func(ctx context.Context, input *struct {
		MilestoneID int64         `path:"milestone_id"`
		Body        VerifyRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Verify(ctx, actorID, input.MilestoneID, domain.Evidence{
			MilestoneID:    input.MilestoneID,
			Source:         input.Body.Source,
			Value:          input.Body.Value,
			DataPointCount: input.Body.DataPointCount,
			WindowFrom:     input.Body.WindowFrom,
			WindowTo:       input.Body.WindowTo,
			SubmittedBy:    actorID,
		}, input.Body.Success)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: MilestoneResponse{Milestone: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-verify-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/auto-verify",
		Summary:     "Verify milestone from aggregated source data",
	}, func(ctx context.Context, input *struct {
		MilestoneID int64             `path:"milestone_id"`
		Body        AutoVerifyRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AutoVerify(ctx, actorID, input.MilestoneID, input.Body.From, input.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: MilestoneResponse{Milestone: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/dispute",
		Summary:     "Dispute a verification outcome",
	}, func(ctx context.Context, input *struct {
		MilestoneID int64          `path:"milestone_id"`
		Body        DisputeRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Dispute(ctx, actorID, input.MilestoneID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: MilestoneResponse{Milestone: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/resolve",
		Summary:     "Resolve a disputed milestone",
	}, func(ctx context.Context, input *struct {
		MilestoneID int64                 `path:"milestone_id"`
		Body        ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ResolveDispute(ctx, actorID, input.MilestoneID, input.Body.Approved, input.Body.Resolution)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: MilestoneResponse{Milestone: m}}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "disburse-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/disburse",
		Summary:     "Disburse a verified milestone",
	}, func(ctx context.Context, input *struct {
		MilestoneID int64           `path:"milestone_id"`
		Body        DisburseRequest `json:"body"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		actorID, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Disburse(ctx, actorID, input.MilestoneID, domain.PaymentMethod(input.Body.Method), input.Body.Beneficiary)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: PaymentResponse{Payment: rec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestone-payments",
		Method:      http.MethodGet,
		Path:        "/milestones/{milestone_id}/payments",
		Summary:     "Payment history of a milestone",
	}, func(ctx context.Context, input *struct {
		MilestoneID int64 `path:"milestone_id"`
	}) (*struct {
		Body PaymentListResponse `json:"body"`
	}, error) {
		if _, err := e.Ledger.GetMilestone(ctx, input.MilestoneID); err != nil {
			return nil, handleError(err)
		}
		payments, err := e.Ledger.ListPayments(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentListResponse `json:"body"`
		}{Body: PaymentListResponse{Payments: payments}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit/{resource_type}/{resource_id}",
		Summary:     "Audit trail of a resource",
	}, func(ctx context.Context, input *struct {
		ResourceType string `path:"resource_type" enum:"project,milestone,payment,principal"`
		ResourceID   string `path:"resource_id"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		entries, err := e.Trail.List(ctx, input.ResourceType, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Entries: entries}}, nil
	})
}
