// Package agenterr models agent/tool/LLM failures as typed result
// variants carrying kind/code/context rather than as raised exceptions
// (§7, §9 "Exception-driven control flow"). Only genuinely transport-layer
// errors are expected to be raised and caught at the retry boundary; local
// failures are values that flow back into the conversation as tool or
// system messages.
//
// Grounded on the classification style of internal/agent/errors.go in the
// teacher repo (ToolErrorType/ToolError/LoopError), adapted to the error
// kinds and recovery ladder §4.7/§7 define.
package agenterr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a coarse error category used for diagnostics and routing, not a
// distinct Go type per error (§9).
type Kind string

const (
	KindValidation       Kind = "validation"
	KindToolNotFound     Kind = "tool_not_found"
	KindDuplicateTool     Kind = "duplicate_tool"
	KindToolTimeout       Kind = "tool_timeout"
	KindToolExecution     Kind = "tool_execution"
	KindNetwork           Kind = "network"
	KindRateLimit         Kind = "rate_limit"
	KindServer            Kind = "server"
	KindModelUnavailable  Kind = "model_unavailable"
	KindContentFormat     Kind = "content_format"
	KindIterationCap      Kind = "iteration_cap"
	KindDuplicateResponse Kind = "duplicate_response"
	KindDeadline          Kind = "deadline"
	KindPersistence       Kind = "persistence"
	KindPanic             Kind = "panic"
	KindUnknown           Kind = "unknown"
)

// IsRetryable reports whether this kind suggests a transient failure worth
// retrying.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindToolTimeout, KindNetwork, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// Sentinel errors used with errors.Is for the handful of cases control
// flow needs to branch on identity rather than on a *Error's Kind.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrDuplicateTool     = errors.New("duplicate tool")
	ErrToolTimeout       = errors.New("tool execution timed out")
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrMaxIterations     = errors.New("max iterations exceeded")
	ErrDeadlineExceeded  = errors.New("run deadline exceeded")
)

// Error is a structured, classified error carrying enough context for
// diagnostics and for deciding whether a recovery ladder step applies.
type Error struct {
	Kind       Kind
	Code       string
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Context    map[string]any
	Attempts   int
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrToolNotFound) etc. match classified *Error
// values whose Kind corresponds to the sentinel, without requiring every
// call site to unwrap to the sentinel explicitly.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrToolNotFound:
		return e.Kind == KindToolNotFound
	case ErrDuplicateTool:
		return e.Kind == KindDuplicateTool
	case ErrToolTimeout:
		return e.Kind == KindToolTimeout
	case ErrModelUnavailable:
		return e.Kind == KindModelUnavailable
	case ErrMaxIterations:
		return e.Kind == KindIterationCap
	case ErrDeadlineExceeded:
		return e.Kind == KindDeadline
	}
	return false
}

// New builds a classified Error with the given kind and cause.
func New(kind Kind, toolName string, cause error) *Error {
	e := &Error{Kind: kind, ToolName: toolName, Cause: cause, Attempts: 1}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithToolCallID attaches the originating ToolCall id.
func (e *Error) WithToolCallID(id string) *Error { e.ToolCallID = id; return e }

// WithMessage overrides the human-readable message.
func (e *Error) WithMessage(msg string) *Error { e.Message = msg; return e }

// WithCode attaches a machine-readable code (e.g. a provider error code).
func (e *Error) WithCode(code string) *Error { e.Code = code; return e }

// WithContext attaches free-form diagnostic context.
func (e *Error) WithContext(ctx map[string]any) *Error { e.Context = ctx; return e }

// WithAttempts records how many attempts were made before this error was
// surfaced.
func (e *Error) WithAttempts(n int) *Error { e.Attempts = n; return e }

// Classify infers a Kind from an unclassified error's message, used when
// wrapping errors returned by tool bodies or transport clients that don't
// already carry a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded") || strings.Contains(s, "context deadline"):
		return KindToolTimeout
	case strings.Contains(s, "rate_limit") || strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests") || strings.Contains(s, "429"):
		return KindRateLimit
	case strings.Contains(s, "connection") || strings.Contains(s, "network") || strings.Contains(s, "dns") || strings.Contains(s, "refused") || strings.Contains(s, "unreachable"):
		return KindNetwork
	case strings.Contains(s, "500") || strings.Contains(s, "502") || strings.Contains(s, "503") || strings.Contains(s, "504") || strings.Contains(s, "internal server error") || strings.Contains(s, "bad gateway") || strings.Contains(s, "service unavailable"):
		return KindServer
	case strings.Contains(s, "model_not_found") || strings.Contains(s, "model unloaded") || strings.Contains(s, "model unavailable"):
		return KindModelUnavailable
	case strings.Contains(s, "invalid") || strings.Contains(s, "validation") || strings.Contains(s, "required") || strings.Contains(s, "missing"):
		return KindValidation
	default:
		return KindToolExecution
	}
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err (classified or not) should be retried.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Kind.IsRetryable()
	}
	return Classify(err).IsRetryable()
}
