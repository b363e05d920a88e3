package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrBackendFailure     = "BACKEND_FAILURE"
)

// Editing-specific error codes.
const (
	ErrDefinitionInvalid = "DEFINITION_INVALID"
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrPolicyNotFound    = "POLICY_NOT_FOUND"
	ErrInvalidParameters = "INVALID_PARAMETERS"
)

// GenericBackendMessage is shown when the backend gives no description.
const GenericBackendMessage = "Something went wrong while communicating with the publisher backend"

// ErrorEnvelope is the standard error response envelope.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewDefinitionError returns a DEFINITION_INVALID error for content that
// could not be parsed as JSON or YAML.
func NewDefinitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionInvalid, Message: msg}
}

// NewSessionNotFoundError returns a SESSION_NOT_FOUND error.
func NewSessionNotFoundError(sessionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionNotFound,
		Message: fmt.Sprintf("policy editing session %q not found or expired", sessionID),
	}
}

// NewPolicyNotFoundError returns a POLICY_NOT_FOUND error.
func NewPolicyNotFoundError(policyID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPolicyNotFound,
		Message: fmt.Sprintf("policy %q is not in the catalog", policyID),
	}
}

// NewInvalidParametersError returns an INVALID_PARAMETERS error with
// per-attribute details.
func NewInvalidParametersError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidParameters,
		Message: "Policy parameters do not match the policy attributes",
		Details: details,
	}
}

// NewBackendError returns a BACKEND_FAILURE error carrying the
// backend-provided description, or a generic message when there is none.
func NewBackendError(description string) *ErrorEnvelope {
	if description == "" {
		description = GenericBackendMessage
	}
	return &ErrorEnvelope{Code: ErrBackendFailure, Message: description}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The publisher backend is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The publisher backend did not respond in time",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
