// Package poll implements the pull adapters: it samples external providers on
// a cadence, diffs each observation against the stored snapshot, and emits an
// event only when the movement crosses a significance rule.
package poll

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/adapters"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/snapshot"
	"github.com/coralix/trustflow/internal/telemetry"
)

// sigmaMinSamples is the smallest history a sigma rule will judge against.
const sigmaMinSamples = 5

// Fetch retries back off exponentially from fetchBackoffBase, capped at
// fetchBackoffMax.
const (
	fetchBackoffBase = 100 * time.Millisecond
	fetchBackoffMax  = 2 * time.Second
)

// Mode selects how a rule measures significance.
type Mode string

const (
	// ModePercent triggers on relative movement, in percent of the
	// previous value.
	ModePercent Mode = "percent"
	// ModeAbsolute triggers on the raw difference.
	ModeAbsolute Mode = "absolute"
	// ModeSigma triggers on distance from the historical mean, in standard
	// deviations.
	ModeSigma Mode = "sigma"
)

// Observation is one sampled metric value for one entity.
type Observation struct {
	EntityType schema.EntityType
	EntityID   string
	Metric     string
	Value      float64
	Provider   string
}

// Fetcher samples one provider. Implementations wrap the provider SDK or API
// client; the poller owns retries and snapshot bookkeeping.
type Fetcher interface {
	Fetch(ctx context.Context, provider string) ([]Observation, error)
}

// Rule binds a metric to the event kind it emits and the movement that
// justifies emitting it.
type Rule struct {
	Metric    string
	Kind      schema.EventType
	Mode      Mode
	Threshold float64
}

// Change describes a significant movement handed to the payload builder.
type Change struct {
	Metric    string
	Previous  float64
	Current   float64
	Delta     float64
	Pct       float64
	Sigma     float64
	Direction schema.DeltaDirection
	Provider  string
	Timeframe string
}

// PayloadFunc renders the source-specific payload for a significant change.
type PayloadFunc func(change Change) schema.Payload

// Poller runs the fetch/diff/emit cycle for one source family.
type Poller struct {
	name    string
	cfg     config.PollerConfig
	source  schema.Source
	rules   map[string]Rule
	fetcher Fetcher
	store   snapshot.Store
	emit    adapters.EmitFunc
	fault   adapters.FaultFunc
	payload PayloadFunc
	clock   func() time.Time

	pollCounter  metric.Int64Counter
	deltaCounter metric.Int64Counter
	errorCounter metric.Int64Counter
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithFaultFunc installs the fault escalation hook.
func WithFaultFunc(fn adapters.FaultFunc) Option {
	return func(p *Poller) {
		p.fault = fn
	}
}

// New constructs a poller over the given rules.
func New(name string, cfg config.PollerConfig, source schema.Source, rules []Rule,
	fetcher Fetcher, store snapshot.Store, emit adapters.EmitFunc, payload PayloadFunc, opts ...Option) *Poller {
	p := new(Poller)
	p.name = name
	p.cfg = cfg
	p.source = source
	p.rules = make(map[string]Rule, len(rules))
	for _, rule := range rules {
		p.rules[rule.Metric] = rule
	}
	p.fetcher = fetcher
	p.store = store
	p.emit = emit
	p.payload = payload
	p.clock = time.Now

	meter := otel.Meter("adapter." + name)
	p.pollCounter, _ = meter.Int64Counter("adapter.poll.cycles",
		metric.WithDescription("Number of completed poll cycles"),
		metric.WithUnit("{cycle}"))
	p.deltaCounter, _ = meter.Int64Counter("adapter.poll.significant_deltas",
		metric.WithDescription("Number of significant metric movements emitted"),
		metric.WithUnit("{event}"))
	p.errorCounter, _ = meter.Int64Counter("adapter.poll.errors",
		metric.WithDescription("Number of failed provider fetches"),
		metric.WithUnit("{error}"))

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one cycle across all configured providers.
func (p *Poller) Poll(ctx context.Context) {
	for _, provider := range p.cfg.Providers {
		observations, err := p.fetchWithRetry(ctx, provider)
		if err != nil {
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.AttrSource.String(string(p.source))))
			}
			observability.Log().Error("provider fetch failed",
				observability.F("adapter", p.name),
				observability.F("provider", provider),
				observability.F("error", err))
			if p.fault != nil {
				p.fault(err, "adapter/"+p.name)
			}
			continue
		}
		for _, obs := range observations {
			p.apply(ctx, obs)
		}
	}
	if p.pollCounter != nil {
		p.pollCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrSource.String(string(p.source))))
	}
}

func (p *Poller) fetchWithRetry(ctx context.Context, provider string) ([]Observation, error) {
	var err error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := fetchBackoffBase << (attempt - 1)
			if delay > fetchBackoffMax {
				delay = fetchBackoffMax
			}
			select {
			case <-ctx.Done():
				return nil, err
			case <-time.After(delay):
			}
		}
		var observations []Observation
		if observations, err = p.fetcher.Fetch(ctx, provider); err == nil {
			return observations, nil
		}
	}
	return nil, err
}

// apply diffs one observation against its snapshot, updates the snapshot, and
// emits when a rule fires. The first observation of an entity only seeds the
// baseline.
func (p *Poller) apply(ctx context.Context, obs Observation) {
	key := snapshot.Key{EntityType: obs.EntityType, EntityID: obs.EntityID, Provider: obs.Provider}
	if err := key.Validate(); err != nil {
		observability.Log().Error("dropping observation with invalid key",
			observability.F("adapter", p.name),
			observability.F("error", err))
		return
	}

	record, found, err := p.store.Get(ctx, key)
	if err != nil {
		if p.fault != nil {
			p.fault(err, "adapter/"+p.name)
		}
		return
	}
	if !found {
		record = snapshot.Record{Key: key, Values: map[string]float64{}}
	}

	previous, hadPrevious := record.Values[obs.Metric]
	history := append([]float64(nil), record.History[obs.Metric]...)

	record.Values[obs.Metric] = obs.Value
	record.AppendHistory(obs.Metric, obs.Value, p.cfg.HistoryWindow)
	record.UpdatedAt = p.clock()
	if _, err := p.store.Put(ctx, record); err != nil {
		if p.fault != nil {
			p.fault(err, "adapter/"+p.name)
		}
		return
	}
	if !hadPrevious {
		return
	}

	rule, ruled := p.rules[obs.Metric]
	if !ruled {
		return
	}
	change, significant := evaluate(rule, previous, obs.Value, history)
	if !significant {
		return
	}
	change.Provider = obs.Provider
	change.Timeframe = p.cfg.PollInterval().String()

	event := &schema.Event{
		ID:         uuid.NewString(),
		Type:       rule.Kind,
		EntityType: obs.EntityType,
		EntityID:   obs.EntityID,
		Source:     p.source,
		Timestamp:  p.clock().UnixMilli(),
		Payload:    p.payload(change),
	}
	if err := p.emit(ctx, event); err != nil {
		if p.fault != nil {
			p.fault(err, "adapter/"+p.name)
		}
		return
	}
	if p.deltaCounter != nil {
		p.deltaCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventType.String(string(rule.Kind))))
	}
}

// evaluate decides whether the movement from previous to current crosses the
// rule's threshold. History excludes the current value.
func evaluate(rule Rule, previous, current float64, history []float64) (Change, bool) {
	change := Change{
		Metric:    rule.Metric,
		Previous:  previous,
		Current:   current,
		Delta:     current - previous,
		Direction: schema.DirectionUp,
	}
	if change.Delta < 0 {
		change.Direction = schema.DirectionDown
	}

	switch rule.Mode {
	case ModeAbsolute:
		return change, math.Abs(change.Delta) >= rule.Threshold
	case ModeSigma:
		mean, stddev, ok := baseline(history)
		if !ok || stddev == 0 {
			return change, false
		}
		change.Sigma = math.Abs(current-mean) / stddev
		return change, change.Sigma >= rule.Threshold
	default:
		if previous == 0 {
			return change, false
		}
		change.Pct = change.Delta / math.Abs(previous) * 100
		return change, math.Abs(change.Pct) >= rule.Threshold
	}
}

func baseline(history []float64) (mean, stddev float64, ok bool) {
	if len(history) < sigmaMinSamples {
		return 0, 0, false
	}
	for _, v := range history {
		mean += v
	}
	mean /= float64(len(history))
	var variance float64
	for _, v := range history {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(history))
	return mean, math.Sqrt(variance), true
}
