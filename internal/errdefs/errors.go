// Package errdefs defines the failure taxonomy shared by every engine component.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidBranch   = errors.New("invalid branch")
	ErrInvalidLink     = errors.New("invalid share link")
	ErrInactiveLink    = errors.New("inactive share link")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIntegrity       = errors.New("integrity violation")
)

// Error is a scoped failure with enough detail for the caller to self-correct.
type Error struct {
	Kind    error
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

func newError(kind error, code, message string, details map[string]any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func NotFound(message string, details map[string]any) *Error {
	return newError(ErrNotFound, "NOT_FOUND", message, details)
}

// Conflict reports a compare-and-swap mismatch. currentHead is the value the
// caller should re-fetch against.
func Conflict(message, currentHead string) *Error {
	return newError(ErrConflict, "CONFLICT", message, map[string]any{"currentHead": currentHead})
}

// Forbidden names the missing capability, the weakest role that holds it
// and the caller's actual role.
func Forbidden(message, required, requiredRole, role string) *Error {
	return newError(ErrForbidden, "FORBIDDEN", message, map[string]any{
		"required":     required,
		"requiredRole": requiredRole,
		"role":         role,
	})
}

func InvalidBranch(branch string) *Error {
	return newError(ErrInvalidBranch, "INVALID_BRANCH", fmt.Sprintf("branch %q is not main or branches/{user}", branch), map[string]any{
		"branch": branch,
	})
}

func InvalidLink() *Error {
	return newError(ErrInvalidLink, "INVALID_LINK", "share link not recognised", nil)
}

func InactiveLink(linkID string) *Error {
	return newError(ErrInactiveLink, "INACTIVE_LINK", "share link has been deactivated", map[string]any{"linkId": linkID})
}

func InvalidArgument(message string, details map[string]any) *Error {
	return newError(ErrInvalidArgument, "VALIDATION_ERROR", message, details)
}

func Integrity(message string, details map[string]any) *Error {
	return newError(ErrIntegrity, "INTEGRITY", message, details)
}

// Details returns the structured details of err, if it carries any.
func Details(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
