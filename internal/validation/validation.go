// Package validation holds the shared struct validator and its custom tags.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"inkwell/engine/internal/errdefs"
)

var validate *validator.Validate

var customTags = map[string]validator.Func{
	"username":   validateUsername,
	"branchname": validateBranchName,
}

func init() {
	validate = validator.New()
	for tag, fn := range customTags {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("validation: register %q: %v", tag, err))
		}
	}
}

// validateUsername accepts names usable inside branches/{user}.
func validateUsername(fl validator.FieldLevel) bool {
	return validSegment(fl.Field().String())
}

func validateBranchName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "main" {
		return true
	}
	user, ok := strings.CutPrefix(name, "branches/")
	return ok && validSegment(user)
}

func validSegment(value string) bool {
	if value == "" || strings.Contains(value, "/") {
		return false
	}
	return !strings.ContainsFunc(value, unicode.IsSpace)
}

// Struct validates v and reports every failing field as an InvalidArgument
// error keyed by field name.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errdefs.InvalidArgument(err.Error(), nil)
	}
	details := make(map[string]any, len(fieldErrs))
	names := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[fe.Field()] = rule
		names = append(names, fe.Field())
	}
	return errdefs.InvalidArgument("invalid "+strings.Join(names, ", "), details)
}

// Var validates a single value against tag, reporting failures under name.
func Var(name string, value any, tag string) error {
	err := validate.Var(value, tag)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errdefs.InvalidArgument(err.Error(), nil)
	}
	return errdefs.InvalidArgument("invalid "+name, map[string]any{name: fieldErrs[0].Tag()})
}
