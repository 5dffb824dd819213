// Package fraud ingests push webhooks from the fraud-detection service,
// validates and normalizes them, and feeds the pipeline in batches.
package fraud

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/adapters"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/telemetry"
	"github.com/coralix/trustflow/lib/async"
)

// Webhook detection kinds accepted on the wire.
const (
	KindImageAnalysis      = "image_analysis"
	KindSimilarityScore    = "similarity_score"
	KindWashTrading        = "wash_trading"
	KindMetadataValidation = "metadata_validation"
)

var kindToEventType = map[string]schema.EventType{
	KindImageAnalysis:      schema.EventFraudImageAnalysis,
	KindSimilarityScore:    schema.EventFraudSimilarityScore,
	KindWashTrading:        schema.EventFraudWashTrading,
	KindMetadataValidation: schema.EventFraudMetadataValidation,
}

// webhookEnvelope is the wire format posted by the fraud-detection service.
// Detection fields live under data, keyed per detection type.
type webhookEnvelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	NFTID             string         `json:"nftId"`
	Confidence        *float64       `json:"confidence"`
	SimilarityScore   *float64       `json:"similarityScore"`
	Threshold         float64        `json:"threshold"`
	AnalysisResults   map[string]any `json:"analysisResults"`
	DetectionResults  map[string]any `json:"detectionResults"`
	ValidationResults map[string]any `json:"validationResults"`
	Flags             []string       `json:"flags"`
	SimilarNFTs       []string       `json:"similarNfts"`
	InvolvedAddresses []string       `json:"involvedAddresses"`
	Issues            []string       `json:"issues"`
}

// flushWorkers bounds concurrent deliveries per flush.
const flushWorkers = 4

// Adapter buffers validated webhook detections and drains them on a cadence.
type Adapter struct {
	cfg   config.FraudAdapterConfig
	emit  adapters.EmitFunc
	fault adapters.FaultFunc
	pool  *async.Pool
	clock func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []*schema.Event
	seen    map[string]time.Time
	enabled map[string]bool

	receivedCounter metric.Int64Counter
	rejectedCounter metric.Int64Counter
	droppedCounter  metric.Int64Counter
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithFaultFunc installs the fault escalation hook.
func WithFaultFunc(fn adapters.FaultFunc) Option {
	return func(a *Adapter) {
		a.fault = fn
	}
}

// New constructs the fraud webhook adapter.
func New(cfg config.FraudAdapterConfig, emit adapters.EmitFunc, opts ...Option) (*Adapter, error) {
	if emit == nil {
		return nil, errs.New("adapter/fraud", errs.CategoryValidation, errs.WithMessage("emit func required"))
	}
	pool, err := async.NewPool(flushWorkers, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := new(Adapter)
	a.cfg = cfg
	a.emit = emit
	a.pool = pool
	a.clock = time.Now
	a.ctx = ctx
	a.cancel = cancel
	a.seen = make(map[string]time.Time, 1024)
	a.enabled = make(map[string]bool, len(cfg.EnabledKinds))
	for _, kind := range cfg.EnabledKinds {
		a.enabled[kind] = true
	}

	meter := otel.Meter("adapter.fraud")
	a.receivedCounter, _ = meter.Int64Counter("adapter.fraud.webhooks.received",
		metric.WithDescription("Number of accepted webhook detections"),
		metric.WithUnit("{webhook}"))
	a.rejectedCounter, _ = meter.Int64Counter("adapter.fraud.webhooks.rejected",
		metric.WithDescription("Number of rejected webhook detections"),
		metric.WithUnit("{webhook}"))
	a.droppedCounter, _ = meter.Int64Counter("adapter.fraud.events.dropped",
		metric.WithDescription("Number of detections dropped from the full buffer"),
		metric.WithUnit("{event}"))

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Start runs the batch drain worker.
func (a *Adapter) Start() {
	a.wg.Add(1)
	go a.drainLoop()
}

// Shutdown stops the worker and waits for the in-flight batch.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return errs.New("adapter/fraud", errs.CategoryTimeout,
			errs.WithMessage("shutdown deadline exceeded"), errs.WithCause(ctx.Err()))
	case <-done:
	}
	return a.pool.Shutdown(ctx)
}

// ServeHTTP accepts webhook posts. Invalid payloads get 400; accepted ones
// 202. A full buffer drops its oldest pending detection.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.reject(r.Context(), "malformed body")
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	event, err := a.Accept(r.Context(), payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"eventId": event.ID})
}

// Accept validates and buffers one detection, returning the normalized event.
func (a *Adapter) Accept(ctx context.Context, payload webhookEnvelope) (*schema.Event, error) {
	if err := a.validate(payload); err != nil {
		a.reject(ctx, err.Error())
		return nil, err
	}

	event := a.normalize(payload)

	a.mu.Lock()
	if _, dup := a.seen[event.ID]; dup {
		a.mu.Unlock()
		return event, nil
	}
	a.seen[event.ID] = a.clock()
	var dropped *schema.Event
	if len(a.pending) >= a.cfg.MaxQueueSize {
		dropped = a.pending[0]
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, event)
	a.mu.Unlock()

	if dropped != nil {
		if a.droppedCounter != nil {
			a.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEventType.String(string(dropped.Type))))
		}
		observability.Log().Error("fraud buffer full, dropping oldest detection",
			observability.F("dropped_event_id", dropped.ID))
	}

	if a.receivedCounter != nil {
		a.receivedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventType.String(string(event.Type))))
	}
	return event, nil
}

func (a *Adapter) reject(ctx context.Context, reason string) {
	if a.rejectedCounter != nil {
		a.rejectedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrReason.String(reason)))
	}
}

func (a *Adapter) validate(payload webhookEnvelope) error {
	kind := strings.TrimSpace(payload.Type)
	if _, known := kindToEventType[kind]; !known {
		return errs.New("adapter/fraud", errs.CategoryValidation,
			errs.WithMessage("unknown detection type"), errs.WithContext("type", payload.Type))
	}
	if !a.enabled[kind] {
		return errs.New("adapter/fraud", errs.CategoryValidation,
			errs.WithMessage("detection type disabled"), errs.WithContext("type", payload.Type))
	}

	invalid := func(msg string) error {
		return errs.New("adapter/fraud", errs.CategoryValidation,
			errs.WithMessage(msg), errs.WithContext("type", payload.Type))
	}
	data := payload.Data
	if data.NFTID == "" {
		return invalid("nftId required")
	}
	// Confidence is optional everywhere it appears; reject only out-of-range
	// values.
	if data.Confidence != nil && (*data.Confidence < 0 || *data.Confidence > 1) {
		return invalid("confidence outside [0,1]")
	}
	switch kind {
	case KindImageAnalysis:
		if len(data.AnalysisResults) == 0 {
			return invalid("analysisResults required")
		}
	case KindSimilarityScore:
		if data.SimilarityScore == nil || *data.SimilarityScore < 0 || *data.SimilarityScore > 1 {
			return invalid("similarityScore in [0,1] required")
		}
	case KindWashTrading:
		if len(data.DetectionResults) == 0 {
			return invalid("detectionResults required")
		}
	case KindMetadataValidation:
		if len(data.ValidationResults) == 0 {
			return invalid("validationResults required")
		}
	}
	return nil
}

func (a *Adapter) normalize(payload webhookEnvelope) *schema.Event {
	id := strings.TrimSpace(payload.ID)
	if id == "" {
		id = uuid.NewString()
	}
	timestamp := payload.Timestamp
	if timestamp <= 0 {
		timestamp = a.clock().UnixMilli()
	}

	data := payload.Data
	fraud := schema.FraudPayload{
		Threshold:         data.Threshold,
		Results:           resultsFor(payload.Type, data),
		Flags:             data.Flags,
		SimilarNFTs:       data.SimilarNFTs,
		InvolvedAddresses: data.InvolvedAddresses,
		Issues:            data.Issues,
	}
	if data.Confidence != nil {
		fraud.Confidence = *data.Confidence
	}
	if data.SimilarityScore != nil {
		fraud.SimilarityScore = *data.SimilarityScore
	}

	return &schema.Event{
		ID:         id,
		Type:       kindToEventType[payload.Type],
		EntityType: schema.EntityNFT,
		EntityID:   data.NFTID,
		Source:     schema.SourceFraudDetection,
		Timestamp:  timestamp,
		Payload:    fraud,
	}
}

// resultsFor picks the per-type result map off the wire payload.
func resultsFor(kind string, data webhookData) map[string]any {
	switch kind {
	case KindImageAnalysis:
		return data.AnalysisResults
	case KindWashTrading:
		return data.DetectionResults
	case KindMetadataValidation:
		return data.ValidationResults
	default:
		return nil
	}
}

// Pending returns the current buffer depth.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Adapter) drainLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.ProcessInterval())
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			a.Flush()
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush drains up to one batch of pending detections into the pipeline.
// Deliveries run on the bounded worker pool; the flush waits for all of them.
func (a *Adapter) Flush() {
	a.mu.Lock()
	n := len(a.pending)
	if n > a.cfg.BatchSize {
		n = a.cfg.BatchSize
	}
	batch := a.pending[:n:n]
	a.pending = a.pending[n:]
	a.sweepSeenLocked()
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, event := range batch {
		wg.Add(1)
		task := func(context.Context) error {
			defer wg.Done()
			a.deliver(event)
			return nil
		}
		if err := a.pool.Submit(a.ctx, task); err != nil {
			// Saturated or closing pool: deliver inline rather than drop.
			a.deliver(event)
			wg.Done()
		}
	}
	wg.Wait()
}

func (a *Adapter) deliver(event *schema.Event) {
	if err := a.emitWithRetry(event); err != nil {
		observability.Log().Error("fraud detection delivery failed",
			observability.F("event_id", event.ID),
			observability.F("error", err))
		if a.fault != nil {
			a.fault(err, "adapter/fraud")
		}
	}
}

// emitWithRetry delivers the event, backing off by
// backoffMultiplier^attempts times the base delay between attempts.
func (a *Adapter) emitWithRetry(event *schema.Event) error {
	var err error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(a.cfg.RetryBaseDelay()) *
				math.Pow(a.cfg.BackoffMultiplier, float64(attempt)))
			select {
			case <-a.ctx.Done():
				return err
			case <-time.After(delay):
			}
		}
		if err = a.emit(a.ctx, event); err == nil {
			return nil
		}
	}
	return err
}

// sweepSeenLocked evicts dedup entries older than an hour. Callers hold a.mu.
func (a *Adapter) sweepSeenLocked() {
	if len(a.seen) < 4096 {
		return
	}
	cutoff := a.clock().Add(-time.Hour)
	for id, at := range a.seen {
		if at.Before(cutoff) {
			delete(a.seen, id)
		}
	}
}
