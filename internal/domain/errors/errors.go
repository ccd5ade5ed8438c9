package errors

import (
	"errors"
	"fmt"
)

// Error types for the compliance engine
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeAuthorization   ErrorType = "authorization"
	ErrorTypeUnauthenticated ErrorType = "unauthenticated"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConsistency     ErrorType = "consistency"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeExternal        ErrorType = "external"
)

// Named error codes surfaced to callers.
const (
	CodeInvalidInput           = "INVALID_INPUT"
	CodeInvalidPurpose         = "INVALID_PURPOSE"
	CodeNotGranted             = "NOT_GRANTED"
	CodePurposeNotWithdrawable = "PURPOSE_NOT_WITHDRAWABLE"
	CodeAlreadyTerminal        = "ALREADY_TERMINAL"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeResolutionRequired     = "RESOLUTION_REQUIRED"
	CodeEscalationNotDue       = "ESCALATION_NOT_DUE"
	CodeAlreadyRequested       = "ALREADY_REQUESTED"
	CodeNoRequestPending       = "NO_REQUEST_PENDING"
	CodeAlreadyPurged          = "ALREADY_PURGED"
	CodeDeletionPending        = "DELETION_PENDING"
	CodeInvalidCategory        = "INVALID_CATEGORY"
	CodeInvalidSeverity        = "INVALID_SEVERITY"
	CodeUnauthenticated        = "UNAUTHENTICATED"
	CodeForbidden              = "FORBIDDEN"
	CodeConsentRequired        = "CONSENT_REQUIRED"
	CodeTicketCollision        = "TICKET_COLLISION"
	CodeConsistencyViolation   = "CONSISTENCY_VIOLATION"
	CodeNotFound               = "RESOURCE_NOT_FOUND"
	CodeConflict               = "CONFLICT"
	CodeInternal               = "INTERNAL_ERROR"
	CodeRateLimited            = "RATE_LIMIT_EXCEEDED"
)

// AppError represents a structured application error.
//
// RightsAffecting marks errors that prevent a principal from exercising a
// data-protection right (access, correction, erasure, grievance, consent), so
// callers can tell them apart from internal faults.
type AppError struct {
	Type            ErrorType              `json:"type"`
	Code            string                 `json:"code"`
	Message         string                 `json:"message"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Cause           error                  `json:"-"`
	Retryable       bool                   `json:"retryable"`
	RightsAffecting bool                   `json:"rights_affecting"`
	StatusCode      int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// AffectsRights flags the error as blocking a principal-visible right.
func (e *AppError) AffectsRights() *AppError {
	e.RightsAffecting = true
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: 400,
	}
}

func NewAuthorizationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthorization,
		Code:       CodeForbidden,
		Message:    message,
		StatusCode: 403,
	}
}

// NewConsentRequiredError refuses access to a principal's data for a purpose
// the principal has not consented to.
func NewConsentRequiredError(purpose string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthorization,
		Code:       CodeConsentRequired,
		Message:    fmt.Sprintf("the principal has not consented to %s", purpose),
		StatusCode: 403,
		Details:    map[string]interface{}{"purpose": purpose},
	}
}

func NewUnauthenticatedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthenticated,
		Code:       CodeUnauthenticated,
		Message:    message,
		StatusCode: 401,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
	}
}

// NewConflictError builds a retryable conflict. Callers may retry the whole
// operation after re-reading state.
func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		Retryable:  true,
		StatusCode: 409,
	}
}

// NewStateError reports a request that conflicts with the current lifecycle
// state. It is not retryable: the state will not change by itself.
func NewStateError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: 409,
	}
}

func NewConsistencyError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConsistency,
		Code:       CodeConsistencyViolation,
		Message:    message,
		StatusCode: 500,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternal,
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthorization,
		Code:       CodeRateLimited,
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// As extracts the AppError from an error chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries the given code
func HasCode(err error, code string) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Retryable
	}
	return false
}

// IsRightsAffecting reports whether the error blocks a principal-visible right.
func IsRightsAffecting(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.RightsAffecting
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return 500
}
