// Package pipeline orchestrates the event flow: classification, priority
// assignment, routing, queueing, and notification synthesis.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/classify"
	"github.com/coralix/trustflow/internal/dispatch"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/priority"
	"github.com/coralix/trustflow/internal/queue"
	"github.com/coralix/trustflow/internal/route"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/telemetry"
)

// FaultSink receives pipeline failures for classification and tracking.
type FaultSink interface {
	Handle(err error, operation string) string
}

// Outcome reports what the engine decided for one ingested event.
type Outcome struct {
	Classification classify.Classification
	Priority       int
	Decision       route.Decision
	// NotificationID is the synthesized notification event id, when one was
	// dispatched.
	NotificationID string
}

// Engine runs the ingest-side stages and owns the queue wiring.
type Engine struct {
	classifier  *classify.Classifier
	prioritizer *priority.Prioritizer
	router      *route.Router
	queues      *queue.Manager
	dispatcher  *dispatch.Dispatcher
	faults      FaultSink
	clock       func() time.Time

	ingestedCounter     metric.Int64Counter
	updatesCounter      metric.Int64Counter
	notificationCounter metric.Int64Counter
	filteredCounter     metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(eng *Engine) {
		if clock != nil {
			eng.clock = clock
		}
	}
}

// WithFaultSink installs the error-handler hook.
func WithFaultSink(sink FaultSink) Option {
	return func(eng *Engine) {
		eng.faults = sink
	}
}

// New wires the engine stages together.
func New(classifier *classify.Classifier, prioritizer *priority.Prioritizer, router *route.Router,
	queues *queue.Manager, dispatcher *dispatch.Dispatcher, opts ...Option) *Engine {
	eng := new(Engine)
	eng.classifier = classifier
	eng.prioritizer = prioritizer
	eng.router = router
	eng.queues = queues
	eng.dispatcher = dispatcher
	eng.clock = time.Now

	meter := otel.Meter("pipeline")
	eng.ingestedCounter, _ = meter.Int64Counter("pipeline.events.ingested",
		metric.WithDescription("Number of events accepted by the engine"),
		metric.WithUnit("{event}"))
	eng.updatesCounter, _ = meter.Int64Counter("pipeline.events.updates",
		metric.WithDescription("Number of events routed to an update topic"),
		metric.WithUnit("{event}"))
	eng.notificationCounter, _ = meter.Int64Counter("pipeline.events.notifications",
		metric.WithDescription("Number of synthesized notification events"),
		metric.WithUnit("{event}"))
	eng.filteredCounter, _ = meter.Int64Counter("pipeline.events.filtered",
		metric.WithDescription("Number of events dropped by routing"),
		metric.WithUnit("{event}"))

	for _, opt := range opts {
		if opt != nil {
			opt(eng)
		}
	}
	return eng
}

// ProcessBatch is the queue manager's drain target: it orders the batch by
// classification dependencies and fans each event out. Only a fan-out where
// every handler failed counts as a delivery failure.
func (eng *Engine) ProcessBatch(ctx context.Context, batch []*schema.Event) []error {
	ordered := dispatch.OrderByDependency(batch, eng.classifier.Dependencies)
	position := make(map[*schema.Event]int, len(batch))
	for i, e := range batch {
		position[e] = i
	}
	out := make([]error, len(batch))
	for _, e := range ordered {
		_, err := eng.dispatcher.Dispatch(ctx, e)
		if err == nil {
			continue
		}
		out[position[e]] = err
		if eng.faults != nil {
			eng.faults.Handle(err, "dispatch")
		}
	}
	return out
}

// Process runs one event through classification, prioritization, and routing,
// queueing an update and synthesizing a notification per the decision.
func (eng *Engine) Process(ctx context.Context, e *schema.Event) (Outcome, error) {
	if err := e.Validate(); err != nil {
		eng.escalate(err, "ingest")
		return Outcome{}, err
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = eng.clock()
	}
	if eng.ingestedCounter != nil {
		eng.ingestedCounter.Add(ctx, 1,
			metric.WithAttributes(telemetry.EventAttributes(string(e.Type), string(e.EntityType), string(e.Source))...))
	}

	outcome := Outcome{Classification: eng.classifier.Classify(e)}
	outcome.Priority = eng.prioritizer.Prioritize(e)
	outcome.Decision = eng.router.Route(e)

	if !outcome.Decision.ShouldUpdate {
		if eng.filteredCounter != nil {
			eng.filteredCounter.Add(ctx, 1,
				metric.WithAttributes(telemetry.EventAttributes(string(e.Type), string(e.EntityType), string(e.Source))...))
		}
		observability.Log().Debug("event filtered by routing",
			observability.F("event_id", e.ID),
			observability.F("event_type", string(e.Type)))
		return outcome, nil
	}

	if err := eng.queues.Enqueue(ctx, e); err != nil {
		eng.escalate(err, "enqueue")
		return outcome, err
	}
	if eng.updatesCounter != nil {
		eng.updatesCounter.Add(ctx, 1,
			metric.WithAttributes(telemetry.TopicAttributes(string(e.Topic()))...))
	}

	// Notifications fire only after the update was admitted; they bypass the
	// topic queues and go straight to the handlers.
	if outcome.Decision.ShouldNotify {
		notification := eng.synthesize(e, outcome.Decision.NotificationPriority)
		outcome.NotificationID = notification.ID
		if eng.notificationCounter != nil {
			eng.notificationCounter.Add(ctx, 1,
				metric.WithAttributes(telemetry.EventAttributes(string(notification.Type), string(e.EntityType), string(e.Source))...))
		}
		if _, err := eng.dispatcher.Dispatch(ctx, notification); err != nil {
			eng.escalate(err, "notify")
		}
	}
	return outcome, nil
}

// synthesize derives the notification_<kind> event for an admitted original.
func (eng *Engine) synthesize(original *schema.Event, notificationPriority int) *schema.Event {
	notification := &schema.Event{
		ID:         uuid.NewString(),
		Type:       original.Type.Notification(),
		EntityType: original.EntityType,
		EntityID:   original.EntityID,
		Source:     original.Source,
		Timestamp:  eng.clock().UnixMilli(),
		ReceivedAt: original.ReceivedAt,
		Payload: schema.NotificationPayload{
			OriginalID:   original.ID,
			OriginalType: original.Type,
			Priority:     notificationPriority,
		},
	}
	notification.SetPriority(notificationPriority)
	return notification
}

func (eng *Engine) escalate(err error, operation string) {
	if eng.faults == nil {
		return
	}
	if envelope, ok := err.(*errs.E); ok {
		eng.faults.Handle(envelope, operation)
		return
	}
	eng.faults.Handle(errs.New("pipeline", errs.CategoryProcessing,
		errs.WithMessage("stage failure"),
		errs.WithContext("operation", operation),
		errs.WithCause(err)), operation)
}
