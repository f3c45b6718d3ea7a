package convsync

import "errors"

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned by partial updates against a document that does
	// not exist yet.
	ErrNotFound = errors.New("convsync: document not found")

	// ErrPermissionDenied is delivered to listeners when the current user has
	// been removed from a conversation.
	ErrPermissionDenied = errors.New("convsync: permission denied")

	// ErrClosed is returned by operations on a closed engine or session.
	ErrClosed = errors.New("convsync: closed")

	// ErrUnknownDraft is returned by Confirm/Rollback for an id the store has
	// never issued or has already settled.
	ErrUnknownDraft = errors.New("convsync: unknown draft")
)

// ErrorCode classifies an APIError.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeSendFailed       ErrorCode = "SEND_FAILED"
	CodeTransient        ErrorCode = "TRANSIENT"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeInternal         ErrorCode = "INTERNAL"
)

// APIError is the structured error surfaced to callers.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.Cause }

// Is maps error codes onto the package sentinels so errors.Is works on
// errors decoded from the wire.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrPermissionDenied:
		return e.Code == CodePermissionDenied
	}
	return false
}

func newError(code ErrorCode, msg string, cause error) *APIError {
	return &APIError{Code: code, Message: msg, Cause: cause}
}

// IsTransient reports whether err is a retryable failure (pagination, network).
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeTransient
}

// IsSendFailure reports whether err came from a rolled-back send.
func IsSendFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeSendFailed
}
