package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"carpoolhub/internal/types"
)

// Validator wraps go-playground/validator with the billing request rules.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags:
//
//	billing_cycle - empty, "monthly" or "annual" (and their aliases)
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("billing_cycle", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, ok := types.ParseBillingCycle(s)
		return ok
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct runs the struct tags of s. The first failing field decides
// the error code; every failure is listed in Details["fields"].
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = describeTag(fe)
	}

	first := fieldErrs[0]
	return types.NewAppErrorWithDetails(
		tagToErrorCode(first.Tag()),
		fmt.Sprintf("invalid field %q: %s", first.Field(), describeTag(first)),
		err,
		map[string]any{"fields": fields},
	)
}

func tagToErrorCode(tag string) types.ErrorCode {
	switch tag {
	case "billing_cycle":
		return types.ErrCodeValidationBillingCycle
	case "required":
		return types.ErrCodeValidationMissingField
	default:
		return errCodeValidationInvalidField
	}
}

// errCodeValidationInvalidField covers format and range failures.
const errCodeValidationInvalidField types.ErrorCode = "validation_invalid_field"

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "billing_cycle":
		return "must be monthly or annual"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
