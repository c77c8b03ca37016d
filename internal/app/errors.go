package app

import (
	"errors"
	"fmt"

	"inkwell/engine/internal/errdefs"
)

// Exit statuses reported by embedding layers for each failure kind.
const (
	StatusOK           = 0
	StatusInternal     = 1
	StatusInvalid      = 2
	StatusNotFound     = 3
	StatusConflict     = 4
	StatusForbidden    = 5
	StatusInvalidLink  = 6
	StatusInactiveLink = 7
	StatusIntegrity    = 8
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var statusByKind = []struct {
	kind   error
	status int
}{
	{errdefs.ErrNotFound, StatusNotFound},
	{errdefs.ErrConflict, StatusConflict},
	{errdefs.ErrForbidden, StatusForbidden},
	{errdefs.ErrInvalidBranch, StatusInvalid},
	{errdefs.ErrInvalidArgument, StatusInvalid},
	{errdefs.ErrInvalidLink, StatusInvalidLink},
	{errdefs.ErrInactiveLink, StatusInactiveLink},
	{errdefs.ErrIntegrity, StatusIntegrity},
}

// Describe flattens err into the shape an embedding layer reports. Errors
// outside the taxonomy become INTERNAL.
func Describe(err error) *DomainError {
	if err == nil {
		return nil
	}
	var typed *errdefs.Error
	if errors.As(err, &typed) {
		for _, entry := range statusByKind {
			if errors.Is(typed, entry.kind) {
				var details any
				if len(typed.Details) > 0 {
					details = typed.Details
				}
				return domainError(entry.status, typed.Code, typed.Message, details)
			}
		}
	}
	return domainError(StatusInternal, "INTERNAL", err.Error(), nil)
}
