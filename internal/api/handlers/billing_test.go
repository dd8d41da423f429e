package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/core"
	"carpoolhub/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testMember = types.Actor{
	ID:       "user-1",
	Type:     types.ActorTypeMember,
	TenantID: "tenant-1",
	Email:    "ops@example.com",
	Source:   "gateway",
}

// errorCode extracts error.code from an APIErrorResponse body.
func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Code
}

// decodeData unmarshals the data member of an APIResponse body into dst.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		t.Fatalf("failed to decode data %s: %v", envelope.Data, err)
	}
}

// doRequest serves one request as actor (nil for anonymous).
func doRequest(t *testing.T, handler http.Handler, method, path string, body any, actor *types.Actor) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != nil {
		req = req.WithContext(types.WithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// mockPlanService implements PlanService for testing.
type mockPlanService struct {
	getCurrentPlanFn func(ctx context.Context, tenantID string) (*billing.PlanView, error)
	activateFreeFn   func(ctx context.Context, tenantID, planID string, actor types.Actor) (*types.TenantPlanState, error)
	requestUpgradeFn func(ctx context.Context, req billing.UpgradeRequest) (*billing.UpgradeResult, error)
	listHistoryFn    func(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error)
}

func (m *mockPlanService) GetCurrentPlan(ctx context.Context, tenantID string) (*billing.PlanView, error) {
	if m.getCurrentPlanFn != nil {
		return m.getCurrentPlanFn(ctx, tenantID)
	}
	return &billing.PlanView{TenantID: tenantID, Status: types.PlanStatusActive}, nil
}

func (m *mockPlanService) ActivateFree(ctx context.Context, tenantID, planID string, actor types.Actor) (*types.TenantPlanState, error) {
	if m.activateFreeFn != nil {
		return m.activateFreeFn(ctx, tenantID, planID, actor)
	}
	return &types.TenantPlanState{TenantID: tenantID, PlanID: lo.ToPtr(planID), Status: types.PlanStatusActive}, nil
}

func (m *mockPlanService) RequestUpgrade(ctx context.Context, req billing.UpgradeRequest) (*billing.UpgradeResult, error) {
	if m.requestUpgradeFn != nil {
		return m.requestUpgradeFn(ctx, req)
	}
	return &billing.UpgradeResult{Outcome: billing.UpgradeUnchanged}, nil
}

func (m *mockPlanService) ListHistory(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error) {
	if m.listHistoryFn != nil {
		return m.listHistoryFn(ctx, tenantID, limit)
	}
	return nil, nil
}

// mockOverrideReader implements OverrideReader for testing.
type mockOverrideReader struct {
	active *types.TemporaryOverride
	all    []types.TemporaryOverride
	err    error
}

func (m *mockOverrideReader) GetActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.active == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundOverride, "no active override", nil)
	}
	return m.active, nil
}

func (m *mockOverrideReader) ListOverrides(ctx context.Context, tenantID string) ([]types.TemporaryOverride, error) {
	return m.all, m.err
}

var (
	_ PlanService    = (*mockPlanService)(nil)
	_ OverrideReader = (*mockOverrideReader)(nil)
)

func newBillingTestRouter(plans *mockPlanService, overrides *mockOverrideReader) http.Handler {
	h := NewBillingHandler(plans, overrides, billing.NewStaticCatalog(), core.NewValidator(testLogger()), testLogger())
	r := chi.NewRouter()
	r.Route("/v1", h.RegisterRoutes)
	return r
}

func TestBillingHandler_ListPlans(t *testing.T) {
	rr := doRequest(t, newBillingTestRouter(&mockPlanService{}, &mockOverrideReader{}), http.MethodGet, "/v1/billing/plans", nil, &testMember)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp PlansResponse
	decodeData(t, rr, &resp)
	if len(resp.Plans) != 4 || resp.Plans[0].ID != billing.PlanFree {
		t.Errorf("expected the catalog plans with free first, got %+v", resp.Plans)
	}
}

func TestBillingHandler_GetPlan(t *testing.T) {
	var gotTenant string
	plans := &mockPlanService{
		getCurrentPlanFn: func(ctx context.Context, tenantID string) (*billing.PlanView, error) {
			gotTenant = tenantID
			return &billing.PlanView{TenantID: tenantID, Status: types.PlanStatusActive, OverrideActive: true}, nil
		},
	}

	rr := doRequest(t, newBillingTestRouter(plans, &mockOverrideReader{}), http.MethodGet, "/v1/billing/plan", nil, &testMember)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotTenant != "tenant-1" {
		t.Errorf("expected the actor's tenant to be used, got %q", gotTenant)
	}
	var view billing.PlanView
	decodeData(t, rr, &view)
	if !view.OverrideActive || view.Status != types.PlanStatusActive {
		t.Errorf("unexpected plan view %+v", view)
	}
}

func TestBillingHandler_RequiresActor(t *testing.T) {
	router := newBillingTestRouter(&mockPlanService{}, &mockOverrideReader{})
	for _, path := range []string{"/v1/billing/plan", "/v1/billing/history", "/v1/billing/override"} {
		rr := doRequest(t, router, http.MethodGet, path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestBillingHandler_ActivateFree(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantPlanID string
	}{
		{"default free plan", `{}`, billing.PlanFree},
		{"explicit plan", `{"plan_id":"free"}`, billing.PlanFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPlan string
			var gotActor types.Actor
			plans := &mockPlanService{
				activateFreeFn: func(ctx context.Context, tenantID, planID string, actor types.Actor) (*types.TenantPlanState, error) {
					gotPlan, gotActor = planID, actor
					return &types.TenantPlanState{TenantID: tenantID, PlanID: lo.ToPtr(planID), Status: types.PlanStatusActive}, nil
				},
			}
			rr := doRequest(t, newBillingTestRouter(plans, &mockOverrideReader{}), http.MethodPost, "/v1/billing/activate-free", tt.body, &testMember)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if gotPlan != tt.wantPlanID {
				t.Errorf("expected plan %q, got %q", tt.wantPlanID, gotPlan)
			}
			if gotActor.ID != testMember.ID {
				t.Errorf("expected the caller as actor, got %+v", gotActor)
			}
		})
	}
}

func TestBillingHandler_ActivateFreeConflict(t *testing.T) {
	plans := &mockPlanService{
		activateFreeFn: func(ctx context.Context, tenantID, planID string, actor types.Actor) (*types.TenantPlanState, error) {
			return nil, types.NewAppError(types.ErrCodeConflictExplicitDowngrade, "explicit flow required", nil)
		},
	}
	rr := doRequest(t, newBillingTestRouter(plans, &mockOverrideReader{}), http.MethodPost, "/v1/billing/activate-free", `{}`, &testMember)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeConflictExplicitDowngrade) {
		t.Errorf("unexpected code %s", code)
	}
}

func TestBillingHandler_Upgrade(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     *billing.UpgradeResult
		wantStatus int
		check      func(t *testing.T, req billing.UpgradeRequest)
	}{
		{
			name:       "checkout",
			body:       `{"plan_id":"team","billing_cycle":"yearly"}`,
			result:     &billing.UpgradeResult{Outcome: billing.UpgradeCheckoutRequired, Checkout: &billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}},
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, req billing.UpgradeRequest) {
				if req.BillingCycle != types.BillingCycleAnnual {
					t.Errorf("expected the yearly alias to map to annual, got %q", req.BillingCycle)
				}
				if req.CustomerEmail != testMember.Email {
					t.Errorf("expected the actor email as default, got %q", req.CustomerEmail)
				}
			},
		},
		{
			name:       "quote",
			body:       `{"plan_id":"enterprise","customer_email":"cfo@example.com"}`,
			result:     &billing.UpgradeResult{Outcome: billing.UpgradeQuoteRequested, Quote: &types.QuoteRequest{ID: "q-1"}},
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, req billing.UpgradeRequest) {
				if req.CustomerEmail != "cfo@example.com" {
					t.Errorf("expected the explicit email, got %q", req.CustomerEmail)
				}
				if req.BillingCycle != types.BillingCycleNone {
					t.Errorf("expected no billing cycle, got %q", req.BillingCycle)
				}
			},
		},
		{
			name:       "activated",
			body:       `{"plan_id":"free"}`,
			result:     &billing.UpgradeResult{Outcome: billing.UpgradeActivated},
			wantStatus: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got billing.UpgradeRequest
			plans := &mockPlanService{
				requestUpgradeFn: func(ctx context.Context, req billing.UpgradeRequest) (*billing.UpgradeResult, error) {
					got = req
					return tt.result, nil
				},
			}
			rr := doRequest(t, newBillingTestRouter(plans, &mockOverrideReader{}), http.MethodPost, "/v1/billing/upgrade", tt.body, &testMember)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if got.TenantID != "tenant-1" || got.Actor.ID != testMember.ID {
				t.Errorf("expected the caller's tenant and identity, got %+v", got)
			}
			var result billing.UpgradeResult
			decodeData(t, rr, &result)
			if result.Outcome != tt.result.Outcome {
				t.Errorf("expected outcome %s, got %s", tt.result.Outcome, result.Outcome)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestBillingHandler_UpgradeValidation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode types.ErrorCode
	}{
		{"missing plan", `{"billing_cycle":"monthly"}`, types.ErrCodeValidationMissingField},
		{"bad cycle", `{"plan_id":"team","billing_cycle":"weekly"}`, types.ErrCodeValidationBillingCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			plans := &mockPlanService{
				requestUpgradeFn: func(ctx context.Context, req billing.UpgradeRequest) (*billing.UpgradeResult, error) {
					called = true
					return nil, nil
				},
			}
			rr := doRequest(t, newBillingTestRouter(plans, &mockOverrideReader{}), http.MethodPost, "/v1/billing/upgrade", tt.body, &testMember)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rr.Code)
			}
			if code := errorCode(t, rr); code != string(tt.wantCode) {
				t.Errorf("expected %s, got %s", tt.wantCode, code)
			}
			if called {
				t.Error("expected the tracker not to be called")
			}
		})
	}
}

func TestBillingHandler_UpgradeDeclined(t *testing.T) {
	plans := &mockPlanService{
		requestUpgradeFn: func(ctx context.Context, req billing.UpgradeRequest) (*billing.UpgradeResult, error) {
			return nil, types.NewAppError(types.ErrCodePaymentDeclined, "card declined", nil)
		},
	}
	rr := doRequest(t, newBillingTestRouter(plans, &mockOverrideReader{}), http.MethodPost, "/v1/billing/upgrade", `{"plan_id":"team","billing_cycle":"monthly"}`, &testMember)
	if rr.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", rr.Code)
	}
}

func TestBillingHandler_GetHistory(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"default limit", "", http.StatusOK, defaultHistoryLimit},
		{"explicit limit", "?limit=5", http.StatusOK, 5},
		{"clamped limit", "?limit=5000", http.StatusOK, maxHistoryLimit},
		{"invalid limit", "?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLimit := 0
			plans := &mockPlanService{
				listHistoryFn: func(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error) {
					gotLimit = limit
					return []types.PlanHistoryEntry{{ID: "h-1", TenantID: tenantID, NewPlanID: "team", Reason: "upgrade", CreatedAt: time.Now()}}, nil
				},
			}
			rr := doRequest(t, newBillingTestRouter(plans, &mockOverrideReader{}), http.MethodGet, "/v1/billing/history"+tt.query, nil, &testMember)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if gotLimit != tt.wantLimit {
				t.Errorf("expected limit %d, got %d", tt.wantLimit, gotLimit)
			}
		})
	}
}

func TestBillingHandler_GetHistoryEmpty(t *testing.T) {
	rr := doRequest(t, newBillingTestRouter(&mockPlanService{}, &mockOverrideReader{}), http.MethodGet, "/v1/billing/history", nil, &testMember)
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"entries":[]`)) {
		t.Errorf("expected an empty entries array, got %s", rr.Body.String())
	}
}

func TestBillingHandler_GetOverride(t *testing.T) {
	t.Run("active", func(t *testing.T) {
		overrides := &mockOverrideReader{active: &types.TemporaryOverride{ID: "ov-1", TenantID: "tenant-1", OverridePlanID: "business", Active: true}}
		rr := doRequest(t, newBillingTestRouter(&mockPlanService{}, overrides), http.MethodGet, "/v1/billing/override", nil, &testMember)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var ov types.TemporaryOverride
		decodeData(t, rr, &ov)
		if ov.ID != "ov-1" || ov.OverridePlanID != "business" {
			t.Errorf("unexpected override %+v", ov)
		}
	})

	t.Run("none", func(t *testing.T) {
		rr := doRequest(t, newBillingTestRouter(&mockPlanService{}, &mockOverrideReader{}), http.MethodGet, "/v1/billing/override", nil, &testMember)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != string(types.ErrCodeNotFoundOverride) {
			t.Errorf("unexpected code %s", code)
		}
	})
}
