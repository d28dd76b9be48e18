// ABOUTME: Flat error taxonomy returned by the identity and trust engine
// ABOUTME: Each error carries a stable code, an HTTP status, and optional details

package agenterr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeInvalidScope        Code = "INVALID_SCOPE"
	CodeDuplicateIdentity   Code = "DUPLICATE_IDENTITY"
	CodeChallengeNotFound   Code = "CHALLENGE_NOT_FOUND"
	CodeAgentNotFound       Code = "AGENT_NOT_FOUND"
	CodeChallengeExpired    Code = "CHALLENGE_EXPIRED"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodeAgentSuspended      Code = "AGENT_SUSPENDED"
	CodeReputationBlocked   Code = "REPUTATION_BLOCKED"
	CodeInsufficientScope   Code = "INSUFFICIENT_SCOPE"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeSpendingCapExceeded Code = "SPENDING_CAP_EXCEEDED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// statusByCode maps each code to the HTTP status it is reported with.
var statusByCode = map[Code]int{
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeInvalidScope:        http.StatusBadRequest,
	CodeDuplicateIdentity:   http.StatusConflict,
	CodeChallengeNotFound:   http.StatusNotFound,
	CodeAgentNotFound:       http.StatusNotFound,
	CodeChallengeExpired:    http.StatusGone,
	CodeInvalidSignature:    http.StatusUnauthorized,
	CodeInvalidToken:        http.StatusUnauthorized,
	CodeAgentSuspended:      http.StatusForbidden,
	CodeReputationBlocked:   http.StatusForbidden,
	CodeInsufficientScope:   http.StatusForbidden,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeSpendingCapExceeded: http.StatusTooManyRequests,
	CodeInternal:            http.StatusInternalServerError,
}

// DetailRetryAfter is the details key holding a retry hint in whole seconds.
const DetailRetryAfter = "retry_after"

// Error is the single error shape surfaced to callers.
type Error struct {
	Code    Code              `json:"code"`
	Status  int               `json:"-"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Cause   error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, agenterr.ChallengeNotFound("")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns the error with key set in its details.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// RetryAfter reports the retry hint carried by the error, if any.
func (e *Error) RetryAfter() (time.Duration, bool) {
	v, ok := e.Details[DetailRetryAfter]
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// New builds an error for code with the status from the taxonomy.
func New(code Code, message string) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap builds an error for code that keeps cause for logging. The cause is
// never serialized.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

func InvalidRequest(msg string) *Error    { return New(CodeInvalidRequest, msg) }
func InvalidScope(msg string) *Error      { return New(CodeInvalidScope, msg) }
func DuplicateIdentity(msg string) *Error { return New(CodeDuplicateIdentity, msg) }
func ChallengeNotFound(msg string) *Error { return New(CodeChallengeNotFound, msg) }
func AgentNotFound(msg string) *Error     { return New(CodeAgentNotFound, msg) }
func ChallengeExpired(msg string) *Error  { return New(CodeChallengeExpired, msg) }
func InvalidSignature(msg string) *Error  { return New(CodeInvalidSignature, msg) }
func InvalidToken(msg string) *Error      { return New(CodeInvalidToken, msg) }
func AgentSuspended(msg string) *Error    { return New(CodeAgentSuspended, msg) }
func ReputationBlocked(msg string) *Error { return New(CodeReputationBlocked, msg) }
func InsufficientScope(msg string) *Error { return New(CodeInsufficientScope, msg) }

func Internal(msg string, cause error) *Error { return Wrap(CodeInternal, msg, cause) }

// RateLimited builds a 429 error that always carries a retry hint.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return New(CodeRateLimited, msg).WithDetail(DetailRetryAfter, retrySeconds(retryAfter))
}

// SpendingCapExceeded builds a 429 error that always carries a retry hint.
func SpendingCapExceeded(msg string, retryAfter time.Duration) *Error {
	return New(CodeSpendingCapExceeded, msg).WithDetail(DetailRetryAfter, retrySeconds(retryAfter))
}

// retrySeconds rounds up to whole seconds with a floor of one.
func retrySeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// From converts any error into an *Error. Unknown errors become INTERNAL_ERROR
// with the original kept as the cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal error", err)
}

// CodeOf returns the code for err, or "" when err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// IsPolicy reports whether err is a deliberate policy outcome rather than a
// fault: authorization refusals and rate or spend denials.
func IsPolicy(err error) bool {
	switch CodeOf(err) {
	case CodeAgentSuspended, CodeReputationBlocked, CodeInsufficientScope,
		CodeRateLimited, CodeSpendingCapExceeded:
		return true
	}
	return false
}

type envelope struct {
	Error *Error `json:"error"`
}

// WriteHTTP writes err as a JSON error envelope with its status code and a
// Retry-After header when the error carries a retry hint.
func WriteHTTP(w http.ResponseWriter, err error) {
	e := From(err)
	if d, ok := e.RetryAfter(); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(d/time.Second)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: e})
}
