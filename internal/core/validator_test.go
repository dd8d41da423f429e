package core

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"carpoolhub/internal/types"
)

type upgradeInput struct {
	PlanID       string `json:"plan_id" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"billing_cycle"`
	Email        string `json:"customer_email" validate:"omitempty,email"`
}

func newTestValidator() *Validator {
	return NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidateStruct_Success(t *testing.T) {
	v := newTestValidator()
	for _, cycle := range []string{"", "monthly", "annual", "yearly"} {
		if err := v.ValidateStruct(upgradeInput{PlanID: "team", BillingCycle: cycle}); err != nil {
			t.Errorf("cycle %q: expected valid, got %v", cycle, err)
		}
	}
}

func TestValidateStruct_Failures(t *testing.T) {
	tests := []struct {
		name      string
		in        upgradeInput
		wantCode  types.ErrorCode
		wantField string
	}{
		{"missing plan", upgradeInput{}, types.ErrCodeValidationMissingField, "plan_id"},
		{"bad cycle", upgradeInput{PlanID: "team", BillingCycle: "weekly"}, types.ErrCodeValidationBillingCycle, "billing_cycle"},
		{"bad email", upgradeInput{PlanID: "team", Email: "nope"}, errCodeValidationInvalidField, "customer_email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestValidator().ValidateStruct(tt.in)

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %T", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", appErr.Code, tt.wantCode)
			}
			fields, _ := appErr.Details["fields"].(map[string]string)
			if _, ok := fields[tt.wantField]; !ok {
				t.Errorf("expected field %q in details, got %v", tt.wantField, appErr.Details)
			}
		})
	}
}

func TestValidateStruct_NonStructIsInternal(t *testing.T) {
	err := newTestValidator().ValidateStruct("not a struct")
	if code := types.ErrorCodeOf(err); code != types.ErrCodeInternalUnexpected {
		t.Errorf("expected internal_unexpected_error, got %v", err)
	}
}
