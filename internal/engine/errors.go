package engine

import (
	"errors"
	"strings"

	"github.com/basket/clawtask/internal/persistence"
)

var (
	// ErrLeaseRevoked is the cancellation cause set by the keepalive when a
	// renewal finds the lease gone.
	ErrLeaseRevoked = errors.New("lease revoked")
	// ErrUnknownAgent is returned for an agent_id that is neither the
	// orchestrator nor registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrDepthExceeded is returned when a sub-task would exceed the max depth.
	ErrDepthExceeded = persistence.ErrDepthExceeded
	ErrEmptyGoal     = errors.New("goal is required")
)

// RetryableError marks a transient failure; the task is rescheduled with
// backoff until retries run out.
type RetryableError struct {
	Code string
	Err  error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryableError fails the task immediately.
type NonRetryableError struct {
	Code string
	Err  error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

func Retryable(code string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Code: code, Err: err}
}

func NonRetryable(code string, err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Code: code, Err: err}
}

// IsRetryable reports whether err carries a RetryableError. Unclassified
// errors are not retried.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ReasonCode returns the stable code stored in tasks.last_error_code.
func ReasonCode(err error) string {
	var re *RetryableError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	var ne *NonRetryableError
	if errors.As(err, &ne) && ne.Code != "" {
		return ne.Code
	}
	if errors.Is(err, ErrUnknownAgent) {
		return ReasonUnknownAgent
	}
	return ""
}

// Reason codes in addition to the persistence ones.
const (
	ReasonUnknownAgent      = "UNKNOWN_AGENT"
	ReasonInvokeError       = "INVOKE_ERROR"
	ReasonInvokeAuth        = "INVOKE_AUTH"
	ReasonInvokeBilling     = "INVOKE_BILLING"
	ReasonContextOverflow   = "CONTEXT_OVERFLOW"
	ReasonCheckpointCorrupt = "CHECKPOINT_CORRUPT"
	ReasonStoreError        = "STORE_ERROR"
)

// ErrorClass categorizes capability errors.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError inspects the message of a capability error and returns the
// most specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid x-api-key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}
	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "credit balance") ||
		strings.Contains(msg, "payment") {
		return ErrorClassBilling
	}
	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

// classifyInvokeError wraps a transport error from a capability. Auth,
// billing and overflow errors will not succeed on retry; everything else is
// treated as transient.
func classifyInvokeError(err error) error {
	var re *RetryableError
	var ne *NonRetryableError
	if errors.As(err, &re) || errors.As(err, &ne) {
		return err
	}
	switch ClassifyError(err) {
	case ErrorClassAuth:
		return NonRetryable(ReasonInvokeAuth, err)
	case ErrorClassBilling:
		return NonRetryable(ReasonInvokeBilling, err)
	case ErrorClassContextOverflow:
		return NonRetryable(ReasonContextOverflow, err)
	default:
		return Retryable(persistence.ReasonRetryStepError, err)
	}
}
