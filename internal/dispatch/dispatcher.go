package dispatch

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/telemetry"
)

// DefaultHandlerTimeout bounds each asynchronous handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// Outcome records one handler's result for a dispatched event.
type Outcome struct {
	Handler string
	Err     error
}

// Result summarises a dispatch across all matched handlers.
type Result struct {
	Matched  int
	Failed   []Outcome
	Duration time.Duration
}

// AllFailed reports whether every matched handler returned an error.
func (r Result) AllFailed() bool {
	return r.Matched > 0 && len(r.Failed) == r.Matched
}

// FailureFunc receives each handler failure for escalation.
type FailureFunc func(handler string, e *schema.Event, err error)

// LatencyFunc receives the ingest-to-delivery latency of each dispatched event.
type LatencyFunc func(e *schema.Event, latency time.Duration)

// Dispatcher fans events out to matched handlers. Synchronous handlers run
// serially in priority order; asynchronous handlers run concurrently under a
// per-invocation timeout.
type Dispatcher struct {
	registry   *Registry
	clock      func() time.Time
	timeout    time.Duration
	maxWorkers int
	onFailure  FailureFunc
	onLatency  LatencyFunc

	dispatchedCounter metric.Int64Counter
	failureCounter    metric.Int64Counter
	dispatchDuration  metric.Float64Histogram
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHandlerTimeout overrides the asynchronous handler timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(dp *Dispatcher) {
		if clock != nil {
			dp.clock = clock
		}
	}
}

// WithMaxWorkers caps the concurrent asynchronous handler goroutines.
func WithMaxWorkers(n int) Option {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.maxWorkers = n
		}
	}
}

// WithFailureFunc installs the handler-failure escalation hook.
func WithFailureFunc(fn FailureFunc) Option {
	return func(dp *Dispatcher) {
		dp.onFailure = fn
	}
}

// WithLatencyFunc installs the end-to-end latency observer.
func WithLatencyFunc(fn LatencyFunc) Option {
	return func(dp *Dispatcher) {
		dp.onLatency = fn
	}
}

// New constructs a Dispatcher over the registry.
func New(registry *Registry, opts ...Option) *Dispatcher {
	d := new(Dispatcher)
	d.registry = registry
	d.clock = time.Now
	d.timeout = DefaultHandlerTimeout
	d.maxWorkers = runtime.GOMAXPROCS(0)

	meter := otel.Meter("dispatch")
	d.dispatchedCounter, _ = meter.Int64Counter("dispatch.events.delivered",
		metric.WithDescription("Number of handler deliveries"),
		metric.WithUnit("{delivery}"))
	d.failureCounter, _ = meter.Int64Counter("dispatch.handler.failures",
		metric.WithDescription("Number of failed handler deliveries"),
		metric.WithUnit("{delivery}"))
	d.dispatchDuration, _ = meter.Float64Histogram("dispatch.duration",
		metric.WithDescription("Fan-out duration per event"),
		metric.WithUnit("ms"))

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch delivers the event to every matched handler and returns the
// per-handler outcome. A dispatch with zero matches is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, e *schema.Event) (Result, error) {
	if e == nil {
		return Result{}, errs.New("dispatch", errs.CategoryValidation, errs.WithMessage("event required"))
	}

	matched := d.registry.match(e)
	result := Result{Matched: len(matched)}
	if len(matched) == 0 {
		return result, nil
	}

	start := d.clock()
	serial, parallel := splitByMode(matched)

	for _, entry := range serial {
		if err := d.invoke(ctx, entry, e); err != nil {
			result.Failed = append(result.Failed, Outcome{Handler: entry.Name, Err: err})
		}
	}

	if len(parallel) > 0 {
		var mu sync.Mutex
		workerLimit := d.maxWorkers
		if workerLimit > len(parallel) {
			workerLimit = len(parallel)
		}
		p := pool.New().WithMaxGoroutines(workerLimit)
		for _, entry := range parallel {
			entry := entry
			dup := e.Clone()
			p.Go(func() {
				if err := d.invoke(ctx, entry, dup); err != nil {
					mu.Lock()
					result.Failed = append(result.Failed, Outcome{Handler: entry.Name, Err: err})
					mu.Unlock()
				}
			})
		}
		p.Wait()
	}

	result.Duration = d.clock().Sub(start)
	if d.dispatchDuration != nil {
		d.dispatchDuration.Record(ctx, float64(result.Duration.Milliseconds()),
			metric.WithAttributes(telemetry.EventAttributes(string(e.Type), string(e.EntityType), string(e.Source))...))
	}
	if d.onLatency != nil && !e.ReceivedAt.IsZero() {
		d.onLatency(e, d.clock().Sub(e.ReceivedAt))
	}

	if result.AllFailed() {
		errsIn := make([]error, 0, len(result.Failed))
		for _, outcome := range result.Failed {
			errsIn = append(errsIn, outcome.Err)
		}
		return result, observability.AggregateErrors("dispatch fan-out", errsIn,
			observability.F("event_id", e.ID),
			observability.F("event_type", string(e.Type)),
			observability.F("handler_count", result.Matched))
	}
	return result, nil
}

// DispatchBatch delivers a batch after ordering it so that events other batch
// members depend on are handled first. deps maps an event kind to the kinds it
// depends on.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch []*schema.Event, deps func(schema.EventType) []schema.EventType) ([]Result, error) {
	ordered := OrderByDependency(batch, deps)
	results := make([]Result, 0, len(ordered))
	var failures []error
	for _, e := range ordered {
		res, err := d.Dispatch(ctx, e)
		results = append(results, res)
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return results, observability.AggregateErrors("dispatch batch", failures,
			observability.F("batch_size", len(batch)))
	}
	return results, nil
}

func (d *Dispatcher) invoke(ctx context.Context, entry *registered, e *schema.Event) error {
	invokeCtx := ctx
	var cancel context.CancelFunc
	if !entry.RequiresSync {
		invokeCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errs.New("dispatch", errs.CategoryProcessing,
					errs.WithSeverity(errs.SeverityHigh),
					errs.WithMessage("handler panic"),
					errs.WithContext("handler", entry.Name))
			}
		}()
		done <- entry.Handler(invokeCtx, e)
	}()

	var err error
	select {
	case err = <-done:
	case <-invokeCtx.Done():
		err = errs.New("dispatch", errs.CategoryTimeout,
			errs.WithSeverity(errs.SeverityMedium),
			errs.WithRetryable(),
			errs.WithMessage("handler deadline exceeded"),
			errs.WithContext("handler", entry.Name),
			errs.WithCause(invokeCtx.Err()))
	}

	if d.dispatchedCounter != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		d.dispatchedCounter.Add(ctx, 1,
			metric.WithAttributes(telemetry.OperationResultAttributes(entry.Name, outcome)...))
	}
	if err != nil {
		if d.failureCounter != nil {
			d.failureCounter.Add(ctx, 1,
				metric.WithAttributes(telemetry.OperationResultAttributes(entry.Name, string(errs.CategoryOf(err)))...))
		}
		observability.Log().Error("handler delivery failed",
			observability.F("handler", entry.Name),
			observability.F("event_id", e.ID),
			observability.F("error", err))
		if d.onFailure != nil {
			d.onFailure(entry.Name, e, err)
		}
	}
	return err
}

func splitByMode(entries []*registered) (serial, parallel []*registered) {
	for _, entry := range entries {
		if entry.RequiresSync {
			serial = append(serial, entry)
		} else {
			parallel = append(parallel, entry)
		}
	}
	return serial, parallel
}

// OrderByDependency stably reorders a batch so events whose kinds appear in
// another member's dependency list come first. Cycles fall back to the
// original order.
func OrderByDependency(batch []*schema.Event, deps func(schema.EventType) []schema.EventType) []*schema.Event {
	if len(batch) < 2 || deps == nil {
		return batch
	}

	present := make(map[schema.EventType][]int, len(batch))
	for i, e := range batch {
		if e != nil {
			present[e.Type] = append(present[e.Type], i)
		}
	}

	// Kahn's algorithm over batch indices; edge dep -> dependent.
	adj := make(map[int][]int, len(batch))
	indegree := make([]int, len(batch))
	for i, e := range batch {
		if e == nil {
			continue
		}
		for _, dep := range deps(e.Type) {
			for _, j := range present[dep] {
				if j == i {
					continue
				}
				adj[j] = append(adj[j], i)
				indegree[i]++
			}
		}
	}

	queue := make([]int, 0, len(batch))
	for i := range batch {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	ordered := make([]*schema.Event, 0, len(batch))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		ordered = append(ordered, batch[i])
		for _, j := range adj[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if len(ordered) != len(batch) {
		return batch
	}
	return ordered
}
