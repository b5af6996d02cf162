package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap with NewDomainError for component-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrOverflow         = fmt.Errorf("capacity exceeded")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrCancelled        = fmt.Errorf("operation cancelled")
)

// Sentinel errors for the control plane.
var (
	// Routing / registry errors.
	ErrNodeNotFound     = fmt.Errorf("node not found")
	ErrNodeDuplicate    = fmt.Errorf("node already registered")
	ErrBindingNotFound  = fmt.Errorf("no binding for channel")
	ErrDispatcherNotSet = fmt.Errorf("no dispatcher for node")

	// Gateway errors.
	ErrAuthInvalid    = fmt.Errorf("authentication failed")
	ErrFrameUnknown   = fmt.Errorf("unknown frame type")
	ErrFrameMalformed = fmt.Errorf("malformed frame")

	// Hook bus errors.
	ErrReentrancy  = fmt.Errorf("hook emit depth exceeded")
	ErrHookResult  = fmt.Errorf("invalid interceptor result")
	ErrHookTimeout = fmt.Errorf("hook handler: %w", ErrTimeout)

	// Model router errors.
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrContextOverflow  = fmt.Errorf("context window exceeded")
	ErrThinkingFailed   = fmt.Errorf("thinking directive rejected")
	ErrBillingFailed    = fmt.Errorf("billing check failed")
	ErrModelError       = fmt.Errorf("model error")
	ErrProvidersFailed  = fmt.Errorf("all providers failed")
	ErrProviderNotFound = fmt.Errorf("model provider not found")

	// Delivery errors.
	ErrDeliveryExhausted = fmt.Errorf("delivery attempts exhausted")

	// Configuration errors.
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrConfigInvalid = fmt.Errorf("invalid configuration")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Registry.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrModelError)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeOverflow          ErrorCode = "OVERFLOW"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeNodeNotFound      ErrorCode = "NODE_NOT_FOUND"
	CodeNodeDuplicate     ErrorCode = "NODE_DUPLICATE"
	CodeBindingNotFound   ErrorCode = "BINDING_NOT_FOUND"
	CodeDispatcherNotSet  ErrorCode = "DISPATCHER_NOT_SET"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeFrameUnknown      ErrorCode = "FRAME_UNKNOWN"
	CodeFrameMalformed    ErrorCode = "FRAME_MALFORMED"
	CodeReentrancy        ErrorCode = "REENTRANCY_EXCEEDED"
	CodeHookResult        ErrorCode = "HOOK_RESULT_INVALID"
	CodeHookTimeout       ErrorCode = "HOOK_TIMEOUT"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeThinkingFailed    ErrorCode = "THINKING_FAILED"
	CodeBillingFailed     ErrorCode = "BILLING_FAILED"
	CodeModelError        ErrorCode = "MODEL_ERROR"
	CodeProvidersFailed   ErrorCode = "PROVIDERS_FAILED"
	CodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"
	CodeDeliveryExhausted ErrorCode = "DELIVERY_EXHAUSTED"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeConfigInvalid     ErrorCode = "CONFIG_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrTimeout:           CodeTimeout,
	ErrOverflow:          CodeOverflow,
	ErrInvalidInput:      CodeInvalidInput,
	ErrPermissionDenied:  CodePermissionDenied,
	ErrCancelled:         CodeCancelled,
	ErrNodeNotFound:      CodeNodeNotFound,
	ErrNodeDuplicate:     CodeNodeDuplicate,
	ErrBindingNotFound:   CodeBindingNotFound,
	ErrDispatcherNotSet:  CodeDispatcherNotSet,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrFrameUnknown:      CodeFrameUnknown,
	ErrFrameMalformed:    CodeFrameMalformed,
	ErrReentrancy:        CodeReentrancy,
	ErrHookResult:        CodeHookResult,
	ErrHookTimeout:       CodeHookTimeout,
	ErrRateLimit:         CodeRateLimit,
	ErrContextOverflow:   CodeContextOverflow,
	ErrThinkingFailed:    CodeThinkingFailed,
	ErrBillingFailed:     CodeBillingFailed,
	ErrModelError:        CodeModelError,
	ErrProvidersFailed:   CodeProvidersFailed,
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrDeliveryExhausted: CodeDeliveryExhausted,
	ErrConfigLoad:        CodeConfigLoad,
	ErrConfigInvalid:     CodeConfigInvalid,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
