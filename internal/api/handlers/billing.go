package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/core"
	"carpoolhub/internal/types"
)

// --- Service Interfaces ---
//
// The engine is consumed through the narrow contracts below so the handlers
// can be tested without a store.

// PlanService is the tenant-facing part of the plan tracker.
type PlanService interface {
	GetCurrentPlan(ctx context.Context, tenantID string) (*billing.PlanView, error)
	ActivateFree(ctx context.Context, tenantID, planID string, actor types.Actor) (*types.TenantPlanState, error)
	RequestUpgrade(ctx context.Context, req billing.UpgradeRequest) (*billing.UpgradeResult, error)
	ListHistory(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error)
}

// OverrideReader reads temporary overrides.
type OverrideReader interface {
	GetActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error)
	ListOverrides(ctx context.Context, tenantID string) ([]types.TemporaryOverride, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// --- Request/Response Models ---

// ActivateFreeRequest is the body of POST /v1/billing/activate-free. An empty
// plan_id selects the catalog's default free plan.
type ActivateFreeRequest struct {
	PlanID string `json:"plan_id"`
}

// UpgradeRequest is the body of POST /v1/billing/upgrade.
type UpgradeRequest struct {
	PlanID        string `json:"plan_id" validate:"required"`
	BillingCycle  string `json:"billing_cycle" validate:"billing_cycle"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
}

// HistoryResponse is the response for GET /v1/billing/history.
type HistoryResponse struct {
	Entries []types.PlanHistoryEntry `json:"entries"`
}

// PlansResponse is the response for GET /v1/billing/plans.
type PlansResponse struct {
	Plans []types.Plan `json:"plans"`
}

// --- Billing Handler ---

// BillingHandler serves the tenant's own billing endpoints. The caller is
// expected to be tenant-scoped (core.Server.RequireTenant).
type BillingHandler struct {
	plans     PlanService
	overrides OverrideReader
	catalog   billing.Catalog
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a new BillingHandler with the provided dependencies.
func NewBillingHandler(
	plans PlanService,
	overrides OverrideReader,
	catalog billing.Catalog,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		plans:     plans,
		overrides: overrides,
		catalog:   catalog,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the tenant billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing/plans", h.ListPlans)
	r.Get("/billing/plan", h.GetPlan)
	r.Post("/billing/activate-free", h.ActivateFree)
	r.Post("/billing/upgrade", h.Upgrade)
	r.Get("/billing/history", h.GetHistory)
	r.Get("/billing/override", h.GetOverride)
}

// requireActor returns the authenticated caller. The auth middleware always
// sets one on these routes, so a miss is reported as unauthenticated.
func requireActor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		return types.Actor{}, false
	}
	return actor, true
}

// ListPlans handles GET /v1/billing/plans.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	core.Data(w, r, http.StatusOK, PlansResponse{Plans: h.catalog.Plans()})
}

// GetPlan handles GET /v1/billing/plan.
func (h *BillingHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	view, err := h.plans.GetCurrentPlan(r.Context(), actor.TenantID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, view)
}

// ActivateFree handles POST /v1/billing/activate-free.
func (h *BillingHandler) ActivateFree(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req ActivateFreeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	planID := req.PlanID
	if planID == "" {
		planID = h.catalog.FreePlan().ID
	}

	state, err := h.plans.ActivateFree(r.Context(), actor.TenantID, planID, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, state)
}

// Upgrade handles POST /v1/billing/upgrade.
//
// The response status tells the caller what happened: 200 when the plan
// changed (or already matched), 202 when the request is now waiting on a
// quote approval or on the returned checkout session.
func (h *BillingHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req UpgradeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	email := req.CustomerEmail
	if email == "" {
		email = actor.Email
	}
	cycle, _ := types.ParseBillingCycle(req.BillingCycle)

	result, err := h.plans.RequestUpgrade(r.Context(), billing.UpgradeRequest{
		TenantID:      actor.TenantID,
		PlanID:        req.PlanID,
		BillingCycle:  cycle,
		CustomerEmail: email,
		Actor:         actor,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "upgrade request failed",
			"tenant_id", actor.TenantID,
			"plan_id", req.PlanID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == billing.UpgradeQuoteRequested || result.Outcome == billing.UpgradeCheckoutRequired {
		status = http.StatusAccepted
	}
	core.Data(w, r, status, result)
}

// GetHistory handles GET /v1/billing/history?limit=N.
func (h *BillingHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	entries, err := h.plans.ListHistory(r.Context(), actor.TenantID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.PlanHistoryEntry{}
	}
	core.Data(w, r, http.StatusOK, HistoryResponse{Entries: entries})
}

// GetOverride handles GET /v1/billing/override. A tenant without an active
// override gets not_found_override.
func (h *BillingHandler) GetOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	ov, err := h.overrides.GetActiveOverride(r.Context(), actor.TenantID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, ov)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"limit must be a positive integer", err, map[string]any{"limit": raw})
	}
	return min(n, maxHistoryLimit), nil
}
