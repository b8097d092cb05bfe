// Package fault defines the closed error taxonomy shared by every
// transport and tool. Each fault carries a stable code, a human message,
// an optional remediation hint, and a retryability flag derived from the
// code. Transports map codes to HTTP statuses and JSON-RPC codes with the
// pure functions in this package.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Fault codes. The set is closed: tools and engines must not invent codes
// outside this list.
const (
	CodeBadSlug       = "EBADSLUG"
	CodePathTraversal = "EPATH_TRAVERSAL"
	CodeSymlinkCycle  = "ESYMLINK_CYCLE"
	CodeLocked        = "ELOCKED"
	CodeLockScavenged = "ELOCK_STALE_REMOVED"

	CodeProposalMissing  = "EBADSHAPE_PROPOSAL_MISSING"
	CodeTasksMissing     = "EBADSHAPE_TASKS_MISSING"
	CodeContentEmpty     = "EBADSHAPE_CONTENT_EMPTY"
	CodeTasksNoStructure = "EBADSHAPE_TASKS_NO_STRUCTURE"
	CodeSecurity         = "EBADSHAPE_SECURITY_VIOLATION"
	CodeFileTooLarge     = "EBADSHAPE_FILE_TOO_LARGE"

	CodeTemplate         = "ETEMPLATE"
	CodeIO               = "EIO"
	CodeTimeout          = "ETIMEOUT"
	CodeResponseTooLarge = "RESPONSE_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeAuthMissing      = "AUTH_MISSING"
	CodeAuthInvalid      = "AUTH_INVALID"
	CodeServerBusy       = "SERVER_BUSY"
	CodeInternal         = "INTERNAL_ERROR"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeNotFound         = "ENOTFOUND"
)

// Severity grades a fault for audit and alerting purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Hint     string         `json:"hint,omitempty"`
	Retry    bool           `json:"retryable"`
	Severity Severity       `json:"severity"`
	Context  map[string]any `json:"context,omitempty"`

	cause error
}

// New creates a fault with retryability and severity derived from the code.
func New(code, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Retry:    Retryable(code),
		Severity: severityOf(code),
	}
}

// Newf creates a fault with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a fault that records err as its cause.
func Wrap(code string, err error, message string) *Error {
	f := New(code, message)
	f.cause = err
	return f
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithHint attaches a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithContext attaches a key/value pair to the open context map.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// From extracts a *Error from err, wrapping unknown errors as INTERNAL_ERROR.
func From(err error) *Error {
	var f *Error
	if errors.As(err, &f) {
		return f
	}
	return Wrap(CodeInternal, err, "internal error")
}

// Is lets errors.Is match faults by code.
func (e *Error) Is(target error) bool {
	var f *Error
	if errors.As(target, &f) {
		return e.Code == f.Code
	}
	return false
}

// Retryable reports whether a caller may retry the operation for the code.
// Concurrency and quota faults clear after their window; validation and
// security faults never do.
func Retryable(code string) bool {
	switch code {
	case CodeLocked, CodeLockScavenged, CodeIO, CodeTimeout, CodeRateLimited, CodeServerBusy:
		return true
	}
	return false
}

func severityOf(code string) Severity {
	switch code {
	case CodePathTraversal, CodeSymlinkCycle, CodeSecurity:
		return SeverityCritical
	case CodeAuthMissing, CodeAuthInvalid, CodeRateLimited:
		return SeverityHigh
	case CodeLocked, CodeIO, CodeTimeout, CodeTemplate, CodeInternal, CodeServerBusy:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// HTTPStatus maps a code to the HTTP status used at the transport boundary.
func HTTPStatus(code string) int {
	switch code {
	case CodeBadSlug, CodeProposalMissing, CodeTasksMissing, CodeContentEmpty,
		CodeTasksNoStructure, CodeSecurity, CodeFileTooLarge, CodeInvalidParams:
		return http.StatusBadRequest
	case CodePathTraversal, CodeSymlinkCycle, CodeAuthInvalid:
		return http.StatusForbidden
	case CodeAuthMissing:
		return http.StatusUnauthorized
	case CodeLocked:
		return http.StatusConflict
	case CodeNotFound, CodeMethodNotFound:
		return http.StatusNotFound
	case CodeResponseTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServerBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps a code to a JSON-RPC 2.0 error code for the stdio transport.
func RPCCode(code string) int {
	switch code {
	case CodeInvalidParams, CodeBadSlug:
		return -32602
	case CodeMethodNotFound, CodeNotFound:
		return -32601
	default:
		return -32603
	}
}

// List is an ordered collection of faults, used by the structure validator
// which reports every problem it finds rather than the first.
type List []*Error

func (l List) Error() string {
	if len(l) == 0 {
		return "no faults"
	}
	if len(l) == 1 {
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", l[0].Error(), len(l)-1)
}

// Lead returns the first fault, carrying the rest in its context so a
// composite failure surfaces every reported problem.
func (l List) Lead() *Error {
	if len(l) == 0 {
		return nil
	}
	lead := l[0]
	if len(l) > 1 {
		rest := make([]map[string]any, 0, len(l)-1)
		for _, f := range l[1:] {
			entry := map[string]any{"code": f.Code, "message": f.Message}
			if f.Hint != "" {
				entry["hint"] = f.Hint
			}
			rest = append(rest, entry)
		}
		lead = lead.WithContext("also", rest)
	}
	return lead
}
