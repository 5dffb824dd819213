// Package errs provides structured error types and helpers for trustflow services.
package errs

import (
	"errors"
	"sort"
	"strings"
)

// Category identifies a pipeline error category.
type Category string

const (
	// CategoryConnection indicates a transport or connectivity failure.
	CategoryConnection Category = "connection_error"
	// CategoryProcessing indicates a failure inside a pipeline stage or handler.
	CategoryProcessing Category = "processing_error"
	// CategoryData indicates malformed or inconsistent event data.
	CategoryData Category = "data_error"
	// CategorySystem indicates an internal runtime failure.
	CategorySystem Category = "system_error"
	// CategoryTimeout indicates an operation exceeded its deadline.
	CategoryTimeout Category = "timeout_error"
	// CategoryValidation indicates input that failed schema validation.
	CategoryValidation Category = "validation_error"
	// CategoryDependency indicates an upstream dependency failure.
	CategoryDependency Category = "dependency_error"
)

// Severity grades how urgently an error needs operator attention.
type Severity string

const (
	// SeverityLow marks routine, self-healing failures.
	SeverityLow Severity = "low"
	// SeverityMedium marks failures that degrade a single flow.
	SeverityMedium Severity = "medium"
	// SeverityHigh marks failures with a wide blast radius.
	SeverityHigh Severity = "high"
	// SeverityCritical marks failures requiring immediate alerting.
	SeverityCritical Severity = "critical"
)

// Reason values surfaced to callers as machine-readable failure codes.
const (
	ReasonQueueFull    = "queue_full"
	ReasonDeadLettered = "event_dead_lettered"
	ReasonShedLoad     = "load_shed"
	ReasonClosed       = "closed"
	ReasonInvalid      = "invalid"
	ReasonNotFound     = "not_found"
)

// E captures structured error information produced across the trustflow stack.
type E struct {
	Scope    string
	Category Category
	Severity Severity
	Reason   string
	Message  string
	Context  map[string]string

	retryable bool
	cause     error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and category.
func New(scope string, category Category, opts ...Option) *E {
	e := &E{
		Scope:     strings.TrimSpace(scope),
		Category:  category,
		Severity:  SeverityLow,
		Reason:    "",
		Message:   "",
		Context:   nil,
		retryable: false,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSeverity overrides the default severity grade.
func WithSeverity(severity Severity) Option {
	return func(e *E) {
		if severity != "" {
			e.Severity = severity
		}
	}
}

// WithReason records a machine-readable failure code.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithCause records the underlying error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryable marks the error as safe to retry.
func WithRetryable() Option {
	return func(e *E) {
		e.retryable = true
	}
}

// WithContext attaches a key/value pair describing the failing operation.
func WithContext(key, value string) Option {
	key = strings.TrimSpace(key)
	return func(e *E) {
		if key == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, 1)
		}
		e.Context[key] = value
	}
}

// Error renders the envelope as scope, category, reason, message, context, and cause.
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 6)
	if e.Scope != "" {
		parts = append(parts, e.Scope)
	}
	parts = append(parts, string(e.Category))
	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]string, 0, len(keys))
		for _, k := range keys {
			kv = append(kv, k+"="+e.Context[k])
		}
		parts = append(parts, strings.Join(kv, " "))
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause for errors.Is/As compatibility.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Retryable reports whether the error was marked safe to retry.
func (e *E) Retryable() bool {
	return e != nil && e.retryable
}

// CategoryOf extracts the pipeline category from err, defaulting to processing.
func CategoryOf(err error) Category {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Category
	}
	return CategoryProcessing
}

// SeverityOf extracts the severity from err, defaulting to low.
func SeverityOf(err error) Severity {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Severity
	}
	return SeverityLow
}

// ReasonOf extracts the machine-readable reason from err, if any.
func ReasonOf(err error) string {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Reason
	}
	return ""
}

// IsReason reports whether err carries the given machine-readable reason.
func IsReason(err error, reason string) bool {
	return ReasonOf(err) == reason
}
