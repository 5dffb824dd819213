// Package faults centralises error classification, tracking, retry policy,
// and fallback execution for the pipeline.
package faults

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/telemetry"
)

// defaultRetention bounds how long resolved and unresolved records are kept.
const defaultRetention = 7 * 24 * time.Hour

// Record tracks one classified fault.
type Record struct {
	ID        string        `json:"id"`
	Category  errs.Category `json:"category"`
	Severity  errs.Severity `json:"severity"`
	Operation string        `json:"operation"`
	Message   string        `json:"message"`
	EventID   string        `json:"eventId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Retries   int           `json:"retryCount"`
	Resolved  bool          `json:"resolved"`
	Fallback  string        `json:"fallback,omitempty"`
}

// RetryPolicy describes how a category of faults should be retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

var defaultPolicies = map[errs.Category]RetryPolicy{
	errs.CategoryConnection: {MaxRetries: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 60 * time.Second},
	errs.CategoryProcessing: {MaxRetries: 3, BaseDelay: 2 * time.Second, Multiplier: 1.5, MaxDelay: 30 * time.Second},
	errs.CategoryData:       {MaxRetries: 2, BaseDelay: 3 * time.Second, Multiplier: 1.5, MaxDelay: 15 * time.Second},
	errs.CategorySystem:     {MaxRetries: 4, BaseDelay: 5 * time.Second, Multiplier: 2, MaxDelay: 120 * time.Second},
	errs.CategoryTimeout:    {MaxRetries: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 3, MaxDelay: 30 * time.Second},
	errs.CategoryValidation: {MaxRetries: 1, BaseDelay: time.Second, Multiplier: 1, MaxDelay: time.Second},
	errs.CategoryDependency: {MaxRetries: 4, BaseDelay: 2 * time.Second, Multiplier: 1.5, MaxDelay: 45 * time.Second},
}

var defaultSeverities = map[errs.Category]errs.Severity{
	errs.CategoryConnection: errs.SeverityHigh,
	errs.CategoryProcessing: errs.SeverityMedium,
	errs.CategoryData:       errs.SeverityMedium,
	errs.CategorySystem:     errs.SeverityCritical,
	errs.CategoryTimeout:    errs.SeverityMedium,
	errs.CategoryValidation: errs.SeverityLow,
	errs.CategoryDependency: errs.SeverityMedium,
}

// Fallback is a recovery strategy attempted for faults of its category.
type Fallback interface {
	Name() string
	Category() errs.Category
	Handle(record Record) (bool, error)
}

// AlertFunc receives critical faults as they are recorded.
type AlertFunc func(record Record)

// QueueInspector is the queue surface consulted by state verification.
type QueueInspector interface {
	Depths() map[schema.Topic]int
	IsLive(id string) bool
}

// Issue is one finding of a state verification pass.
type Issue struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Handler classifies, records, and recovers from pipeline faults.
type Handler struct {
	clock     func() time.Time
	retention time.Duration
	onAlert   AlertFunc

	mu        sync.Mutex
	records   map[string]*Record
	policies  map[errs.Category]RetryPolicy
	fallbacks map[errs.Category][]Fallback
	lastSweep time.Time

	faultCounter metric.Int64Counter
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithAlertFunc installs the critical-fault alert hook.
func WithAlertFunc(fn AlertFunc) Option {
	return func(h *Handler) {
		h.onAlert = fn
	}
}

// WithRetention overrides the record retention window.
func WithRetention(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.retention = d
		}
	}
}

// WithPolicy overrides the retry policy for one category.
func WithPolicy(category errs.Category, policy RetryPolicy) Option {
	return func(h *Handler) {
		h.policies[category] = policy
	}
}

// NewHandler constructs a fault handler with the default policies.
func NewHandler(opts ...Option) *Handler {
	h := new(Handler)
	h.clock = time.Now
	h.retention = defaultRetention
	h.records = make(map[string]*Record, 256)
	h.policies = make(map[errs.Category]RetryPolicy, len(defaultPolicies))
	for category, policy := range defaultPolicies {
		h.policies[category] = policy
	}
	h.fallbacks = make(map[errs.Category][]Fallback, 4)

	meter := otel.Meter("faults")
	h.faultCounter, _ = meter.Int64Counter("faults.recorded",
		metric.WithDescription("Number of classified faults"),
		metric.WithUnit("{fault}"))

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// RegisterFallback attaches a recovery strategy for its category.
func (h *Handler) RegisterFallback(fb Fallback) {
	if fb == nil {
		return
	}
	h.mu.Lock()
	h.fallbacks[fb.Category()] = append(h.fallbacks[fb.Category()], fb)
	h.mu.Unlock()
}

// Operation re-invokes the work that produced a fault.
type Operation func(context.Context) error

// Handle classifies the error, records it, alerts on critical severity, and
// attempts registered fallbacks. It returns the record id.
func (h *Handler) Handle(err error, operation string) string {
	return h.HandleWithRetry(context.Background(), err, operation, nil)
}

// HandleWithRetry records the fault and schedules retries of op under the
// category policy, backing off between attempts. Fallbacks run only once the
// retry budget is exhausted; without an op there is nothing to re-invoke and
// fallbacks apply immediately.
func (h *Handler) HandleWithRetry(ctx context.Context, err error, operation string, op Operation) string {
	record, fallbacks := h.record(err, operation)
	if record.ID == "" {
		return ""
	}
	if op == nil || !h.ShouldRetry(record.Category, 0) {
		h.applyFallbacks(record, fallbacks)
		return record.ID
	}
	go h.retryLoop(ctx, record, fallbacks, op)
	return record.ID
}

func (h *Handler) record(err error, operation string) (Record, []Fallback) {
	if err == nil {
		return Record{}, nil
	}
	now := h.clock()
	record := Record{
		ID:        uuid.NewString(),
		Category:  Classify(err),
		Operation: operation,
		Message:   err.Error(),
		EventID:   eventIDOf(err),
		Timestamp: now,
	}
	record.Severity = severityFor(err, record.Category)

	h.mu.Lock()
	stored := record
	h.records[record.ID] = &stored
	h.sweepLocked(now)
	fallbacks := append([]Fallback(nil), h.fallbacks[record.Category]...)
	h.mu.Unlock()

	if h.faultCounter != nil {
		h.faultCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrErrorCategory.String(string(record.Category)),
			telemetry.AttrSeverity.String(string(record.Severity)),
			telemetry.AttrOperation.String(operation)))
	}
	observability.Log().Error("fault recorded",
		observability.F("fault_id", record.ID),
		observability.F("category", string(record.Category)),
		observability.F("severity", string(record.Severity)),
		observability.F("operation", operation),
		observability.F("error", err))

	if record.Severity == errs.SeverityCritical && h.onAlert != nil {
		h.onAlert(record)
	}
	return record, fallbacks
}

// retryLoop re-invokes op on the policy cadence until it succeeds or the
// budget runs out, then hands the still-open fault to the fallbacks.
func (h *Handler) retryLoop(ctx context.Context, record Record, fallbacks []Fallback, op Operation) {
	for attempt := 0; h.ShouldRetry(record.Category, attempt); attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.RetryDelay(record.Category, attempt+1)):
		}

		retryErr := op(ctx)
		h.mu.Lock()
		if r, ok := h.records[record.ID]; ok {
			r.Retries = attempt + 1
			if retryErr == nil {
				r.Resolved = true
			}
		}
		h.mu.Unlock()
		if retryErr == nil {
			observability.Log().Info("fault resolved by retry",
				observability.F("fault_id", record.ID),
				observability.F("operation", record.Operation),
				observability.F("attempt", attempt+1))
			return
		}
	}
	h.applyFallbacks(record, fallbacks)
}

func (h *Handler) applyFallbacks(record Record, fallbacks []Fallback) {
	for _, fb := range fallbacks {
		resolved, fbErr := fb.Handle(record)
		if fbErr != nil {
			observability.Log().Error("fallback failed",
				observability.F("fault_id", record.ID),
				observability.F("fallback", fb.Name()),
				observability.F("error", fbErr))
			continue
		}
		if resolved {
			h.mu.Lock()
			if r, ok := h.records[record.ID]; ok {
				r.Resolved = true
				r.Fallback = fb.Name()
			}
			h.mu.Unlock()
			break
		}
	}
}

// Classify maps an error onto a pipeline category. Structured envelopes keep
// their category; plain errors are classified by message keywords.
func Classify(err error) errs.Category {
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Category
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "dial", "refused", "reset", "broken pipe", "websocket"):
		return errs.CategoryConnection
	case containsAny(msg, "timeout", "deadline", "timed out"):
		return errs.CategoryTimeout
	case containsAny(msg, "validation", "invalid", "missing field", "required"):
		return errs.CategoryValidation
	case containsAny(msg, "database", "sql", "postgres", "upstream", "unavailable"):
		return errs.CategoryDependency
	case containsAny(msg, "parse", "unmarshal", "malformed", "decode", "corrupt"):
		return errs.CategoryData
	case containsAny(msg, "panic", "out of memory", "runtime"):
		return errs.CategorySystem
	default:
		return errs.CategoryProcessing
	}
}

func containsAny(msg string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func severityFor(err error, category errs.Category) errs.Severity {
	fallback := defaultSeverities[category]
	if fallback == "" {
		fallback = errs.SeverityMedium
	}
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope != nil {
		// Faults around high-priority work escalate regardless of category.
		if envelope.Context["priority"] == "high" {
			return errs.SeverityCritical
		}
		if envelope.Severity != "" && envelope.Severity != errs.SeverityLow {
			return envelope.Severity
		}
	}
	return fallback
}

func eventIDOf(err error) string {
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Context["event_id"]
	}
	return ""
}

// Policy returns the retry policy for a category.
func (h *Handler) Policy(category errs.Category) RetryPolicy {
	h.mu.Lock()
	defer h.mu.Unlock()
	if policy, ok := h.policies[category]; ok {
		return policy
	}
	return defaultPolicies[errs.CategoryProcessing]
}

// ShouldRetry reports whether another attempt is within the category budget.
func (h *Handler) ShouldRetry(category errs.Category, attempt int) bool {
	return attempt < h.Policy(category).MaxRetries
}

// RetryDelay returns the backoff before the given attempt (1-based), capped at
// the policy maximum.
func (h *Handler) RetryDelay(category errs.Category, attempt int) time.Duration {
	policy := h.Policy(category)
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if ceiling := float64(policy.MaxDelay); policy.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}

// Resolve marks a fault as handled.
func (h *Handler) Resolve(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.records[id]
	if !ok {
		return errs.New("faults", errs.CategoryValidation,
			errs.WithReason(errs.ReasonNotFound), errs.WithMessage("unknown fault id"))
	}
	record.Resolved = true
	return nil
}

// Record returns a snapshot of one fault.
func (h *Handler) Record(id string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.records[id]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// Unresolved returns the open faults, oldest first.
func (h *Handler) Unresolved() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, 0, len(h.records))
	for _, record := range h.records {
		if !record.Resolved {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// CountsByCategory summarises recorded faults per category.
func (h *Handler) CountsByCategory() map[errs.Category]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[errs.Category]int, len(defaultPolicies))
	for _, record := range h.records {
		counts[record.Category]++
	}
	return counts
}

// sweepLocked evicts records past retention. Callers hold h.mu.
func (h *Handler) sweepLocked(now time.Time) {
	if now.Sub(h.lastSweep) < time.Minute {
		return
	}
	h.lastSweep = now
	cutoff := now.Add(-h.retention)
	for id, record := range h.records {
		if record.Timestamp.Before(cutoff) {
			delete(h.records, id)
		}
	}
}

// VerifyState cross-checks fault tracking against the queue manager. Open
// faults whose event already left the live set are auto-resolved and reported.
func (h *Handler) VerifyState(queues QueueInspector) []Issue {
	var issues []Issue
	if queues == nil {
		return issues
	}
	for topic, depth := range queues.Depths() {
		if depth < 0 {
			issues = append(issues, Issue{
				Kind:   "negative_depth",
				Detail: "topic " + string(topic) + " reports a negative depth",
			})
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, record := range h.records {
		if record.Resolved || record.EventID == "" {
			continue
		}
		if !queues.IsLive(record.EventID) {
			record.Resolved = true
			issues = append(issues, Issue{
				Kind:   "stale_fault",
				Detail: "fault " + record.ID + " referenced event " + record.EventID + " which is no longer live",
			})
		}
	}
	return issues
}
