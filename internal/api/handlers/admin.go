package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/core"
	"carpoolhub/internal/types"
)

// TenantAdministration is the administrative part of the plan tracker.
type TenantAdministration interface {
	ProvisionTenant(ctx context.Context, tenantID string) error
	GetCurrentPlan(ctx context.Context, tenantID string) (*billing.PlanView, error)
	ChangePlan(ctx context.Context, tenantID, planID, reason string, admin types.Actor) (*types.TenantPlanState, error)
}

// QuoteApprover resolves pending quotes.
type QuoteApprover interface {
	ApproveQuote(ctx context.Context, tenantID, planID string, admin types.Actor) (*types.TenantPlanState, error)
}

// OverrideManager creates and ends temporary overrides.
type OverrideManager interface {
	OverrideReader
	CreateOverride(ctx context.Context, req billing.CreateOverrideRequest) (*types.TemporaryOverride, error)
	DeactivateOverride(ctx context.Context, overrideID string, actor types.Actor) (*types.TemporaryOverride, error)
	SweepExpiredOverrides(ctx context.Context, now time.Time) (billing.SweepResult, error)
}

// ChangePlanRequest is the body of POST /v1/admin/tenants/{tenantID}/plan.
type ChangePlanRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

// ApproveQuoteRequest is the body of POST /v1/admin/tenants/{tenantID}/quote/approve.
type ApproveQuoteRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

// CreateOverrideRequest is the body of POST /v1/admin/tenants/{tenantID}/overrides.
// The duration bounds are enforced by the scheduler.
type CreateOverrideRequest struct {
	PlanID       string `json:"plan_id" validate:"required"`
	DurationDays int    `json:"duration_days"`
	Reason       string `json:"reason" validate:"required,max=500"`
}

// OverridesResponse is the response for GET /v1/admin/tenants/{tenantID}/overrides.
type OverridesResponse struct {
	Overrides []types.TemporaryOverride `json:"overrides"`
}

// AdminHandler serves the platform administrator endpoints. The caller is
// expected to be an admin (core.Server.RequireAdmin).
type AdminHandler struct {
	tenants   TenantAdministration
	quotes    QuoteApprover
	overrides OverrideManager
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewAdminHandler creates a new AdminHandler with the provided dependencies.
func NewAdminHandler(
	tenants TenantAdministration,
	quotes QuoteApprover,
	overrides OverrideManager,
	v *core.Validator,
	l *slog.Logger,
) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{
		tenants:   tenants,
		quotes:    quotes,
		overrides: overrides,
		validator: v,
		logger:    l,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the admin endpoints.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/provision", h.ProvisionTenant)
			r.Get("/plan", h.GetTenantPlan)
			r.Post("/plan", h.ChangePlan)
			r.Post("/quote/approve", h.ApproveQuote)
			r.Get("/overrides", h.ListOverrides)
			r.Post("/overrides", h.CreateOverride)
		})
		r.Post("/overrides/{overrideID}/deactivate", h.DeactivateOverride)
		r.Post("/overrides/sweep", h.SweepOverrides)
	})
}

// ProvisionTenant handles POST /v1/admin/tenants/{tenantID}/provision.
func (h *AdminHandler) ProvisionTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if err := h.tenants.ProvisionTenant(r.Context(), tenantID); err != nil {
		core.Error(w, r, err)
		return
	}
	view, err := h.tenants.GetCurrentPlan(r.Context(), tenantID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, view)
}

// GetTenantPlan handles GET /v1/admin/tenants/{tenantID}/plan.
func (h *AdminHandler) GetTenantPlan(w http.ResponseWriter, r *http.Request) {
	view, err := h.tenants.GetCurrentPlan(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, view)
}

// ChangePlan handles POST /v1/admin/tenants/{tenantID}/plan.
func (h *AdminHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ChangePlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	tenantID := chi.URLParam(r, "tenantID")
	state, err := h.tenants.ChangePlan(r.Context(), tenantID, req.PlanID, req.Reason, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "admin changed tenant plan",
		"tenant_id", tenantID,
		"plan_id", req.PlanID,
		"actor_id", actor.ID,
	)
	core.Data(w, r, http.StatusOK, state)
}

// ApproveQuote handles POST /v1/admin/tenants/{tenantID}/quote/approve.
func (h *AdminHandler) ApproveQuote(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ApproveQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	state, err := h.quotes.ApproveQuote(r.Context(), chi.URLParam(r, "tenantID"), req.PlanID, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, state)
}

// ListOverrides handles GET /v1/admin/tenants/{tenantID}/overrides.
func (h *AdminHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.overrides.ListOverrides(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if overrides == nil {
		overrides = []types.TemporaryOverride{}
	}
	core.Data(w, r, http.StatusOK, OverridesResponse{Overrides: overrides})
}

// CreateOverride handles POST /v1/admin/tenants/{tenantID}/overrides.
func (h *AdminHandler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateOverrideRequest
	if !h.decode(w, r, &req) {
		return
	}

	ov, err := h.overrides.CreateOverride(r.Context(), billing.CreateOverrideRequest{
		TenantID:     chi.URLParam(r, "tenantID"),
		PlanID:       req.PlanID,
		DurationDays: req.DurationDays,
		Reason:       req.Reason,
		Actor:        actor,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, ov)
}

// DeactivateOverride handles POST /v1/admin/overrides/{overrideID}/deactivate.
func (h *AdminHandler) DeactivateOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	ov, err := h.overrides.DeactivateOverride(r.Context(), chi.URLParam(r, "overrideID"), actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, ov)
}

// SweepOverrides handles POST /v1/admin/overrides/sweep. It runs the same
// expiry sweep as the scheduled maintenance task.
func (h *AdminHandler) SweepOverrides(w http.ResponseWriter, r *http.Request) {
	result, err := h.overrides.SweepExpiredOverrides(r.Context(), h.now())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual override sweep failed", "error", err)
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, result)
}

// decode reads and validates a request body, writing the error response
// itself when either step fails.
func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}
