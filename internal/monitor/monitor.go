// Package monitor collects pipeline performance metrics, raises threshold and
// anomaly alerts, and detects longer-term trends.
package monitor

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/telemetry"
)

// Well-known metric names recorded by the pipeline. Exact strings are part
// of the operational contract.
const (
	MetricIngestionRate      = "event_ingestion_rate"
	MetricIngestionLatency   = "event_ingestion_latency"
	MetricQueueDepth         = "queue_depth"
	MetricQueueThroughput    = "queue_throughput"
	MetricUpdateTime         = "update_calculation_time"
	MetricEndToEndLatency    = "end_to_end_latency"
	MetricCPUUtilization     = "cpu_utilization"
	MetricMemoryUtilization  = "memory_utilization"
	MetricNetworkUtilization = "network_utilization"
)

// Supplementary series derived from queue statistics.
const (
	MetricErrorRate        = "error_rate"
	MetricDeadLetterRate   = "dead_letter_rate"
	MetricNotificationRate = "notification_rate"
)

// Alert levels.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
	LevelAnomaly  = "anomaly"
)

// anomalyWindow is the number of trailing samples backing the sigma baseline.
const anomalyWindow = 10

// anomalySigma flags samples this many standard deviations off the baseline.
const anomalySigma = 3.0

// trendSlopeFloor is the per-second slope below which a series is stable.
const trendSlopeFloor = 0.01

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// lowerIsWorse marks metrics whose thresholds trigger when the value drops
// below them instead of rising above.
var lowerIsWorse = map[string]bool{
	MetricIngestionRate:   true,
	MetricQueueThroughput: true,
}

// Alert is one raised finding.
type Alert struct {
	Metric    string    `json:"metric"`
	Level     string    `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AlertFunc receives alerts as they fire.
type AlertFunc func(Alert)

// Sampler produces a metric value when polled on the collection cadence.
type Sampler func() float64

// Summary is a point-in-time digest of one metric series.
type Summary struct {
	Metric string    `json:"metric"`
	Count  int       `json:"count"`
	Latest float64   `json:"latest"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Avg    float64   `json:"avg"`
	StdDev float64   `json:"stdDev"`
	Trend  string    `json:"trend"`
	AsOf   time.Time `json:"asOf"`
}

type sample struct {
	at    time.Time
	value float64
}

// Monitor stores metric series and evaluates thresholds, anomalies, and
// trends on every observation.
type Monitor struct {
	cfg     config.MonitorConfig
	clock   func() time.Time
	onAlert AlertFunc

	mu       sync.Mutex
	series   map[string][]sample
	samplers map[string]Sampler

	observationHist metric.Float64Histogram
	alertCounter    metric.Int64Counter
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithAlertFunc installs the alert sink.
func WithAlertFunc(fn AlertFunc) Option {
	return func(m *Monitor) {
		m.onAlert = fn
	}
}

// New constructs a Monitor.
func New(cfg config.MonitorConfig, opts ...Option) *Monitor {
	m := new(Monitor)
	m.cfg = cfg
	m.clock = time.Now
	m.series = make(map[string][]sample, 16)
	m.samplers = make(map[string]Sampler, 8)

	meter := otel.Meter("monitor")
	m.observationHist, _ = meter.Float64Histogram("monitor.observation",
		metric.WithDescription("Raw metric observations"),
		metric.WithUnit("1"))
	m.alertCounter, _ = meter.Int64Counter("monitor.alerts",
		metric.WithDescription("Number of raised alerts"),
		metric.WithUnit("{alert}"))

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// RegisterSampler polls fn for the metric on the collection cadence.
func (m *Monitor) RegisterSampler(name string, fn Sampler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.samplers[name] = fn
	m.mu.Unlock()
}

// Observe appends a sample and evaluates thresholds and anomalies.
func (m *Monitor) Observe(name string, value float64) {
	now := m.clock()
	if m.observationHist != nil {
		m.observationHist.Record(context.Background(), value,
			metric.WithAttributes(telemetry.AttrMetricName.String(name)))
	}

	m.mu.Lock()
	series := append(m.series[name], sample{at: now, value: value})
	series = evict(series, now.Add(-m.cfg.RetentionPeriod()))
	m.series[name] = series
	base := baselineOf(series)
	m.mu.Unlock()

	m.checkThreshold(name, value, now)
	m.checkAnomaly(name, value, base, now)
}

// evict drops samples older than cutoff; series are append-ordered.
func evict(series []sample, cutoff time.Time) []sample {
	idx := sort.Search(len(series), func(i int) bool { return !series[i].at.Before(cutoff) })
	if idx == 0 {
		return series
	}
	return append(series[:0:0], series[idx:]...)
}

type baseline struct {
	mean   float64
	stddev float64
	ok     bool
}

// baselineOf returns mean and standard deviation of the anomaly window
// preceding the newest sample. ok is false below the window size.
func baselineOf(series []sample) baseline {
	if len(series) < anomalyWindow+1 {
		return baseline{}
	}
	window := series[len(series)-1-anomalyWindow : len(series)-1]
	var sum float64
	for _, s := range window {
		sum += s.value
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, s := range window {
		d := s.value - mean
		variance += d * d
	}
	variance /= float64(len(window))
	return baseline{mean: mean, stddev: math.Sqrt(variance), ok: true}
}

func (m *Monitor) checkThreshold(name string, value float64, now time.Time) {
	threshold, ok := m.cfg.Thresholds[name]
	if !ok {
		return
	}
	inverted := lowerIsWorse[name]
	breach := func(limit float64) bool {
		if limit == 0 {
			return false
		}
		if inverted {
			return value < limit
		}
		return value > limit
	}
	switch {
	case breach(threshold.Critical):
		m.raise(Alert{Metric: name, Level: LevelCritical, Value: value, Threshold: threshold.Critical,
			Timestamp: now, Message: "metric breached critical threshold"})
	case breach(threshold.Warning):
		m.raise(Alert{Metric: name, Level: LevelWarning, Value: value, Threshold: threshold.Warning,
			Timestamp: now, Message: "metric breached warning threshold"})
	}
}

func (m *Monitor) checkAnomaly(name string, value float64, base baseline, now time.Time) {
	if !base.ok || base.stddev == 0 {
		return
	}
	if math.Abs(value-base.mean) > anomalySigma*base.stddev {
		m.raise(Alert{Metric: name, Level: LevelAnomaly, Value: value,
			Timestamp: now, Message: "sample deviates from trailing baseline"})
	}
}

func (m *Monitor) raise(alert Alert) {
	if m.alertCounter != nil {
		m.alertCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrMetricName.String(alert.Metric),
			telemetry.AttrAlertLevel.String(alert.Level)))
	}
	observability.Log().Error("monitor alert",
		observability.F("metric", alert.Metric),
		observability.F("level", alert.Level),
		observability.F("value", alert.Value),
		observability.F("threshold", alert.Threshold))
	if m.onAlert != nil {
		m.onAlert(alert)
	}
}

// Trend runs a least-squares regression over the trend window and grades the
// slope per second.
func (m *Monitor) Trend(name string) string {
	now := m.clock()
	m.mu.Lock()
	series := m.series[name]
	cutoff := now.Add(-m.cfg.TrendWindow())
	idx := sort.Search(len(series), func(i int) bool { return !series[i].at.Before(cutoff) })
	window := append([]sample(nil), series[idx:]...)
	m.mu.Unlock()

	slope, ok := regressionSlope(window)
	if !ok {
		return TrendStable
	}
	switch {
	case slope > trendSlopeFloor:
		return TrendIncreasing
	case slope < -trendSlopeFloor:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// regressionSlope returns the least-squares slope in value units per second.
func regressionSlope(window []sample) (float64, bool) {
	if len(window) < 2 {
		return 0, false
	}
	origin := window[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range window {
		x := s.at.Sub(origin).Seconds()
		sumX += x
		sumY += s.value
		sumXY += x * s.value
		sumXX += x * x
	}
	n := float64(len(window))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / denom, true
}

// Snapshot digests every series.
func (m *Monitor) Snapshot() map[string]Summary {
	now := m.clock()
	m.mu.Lock()
	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]Summary, len(names))
	for _, name := range names {
		if summary, ok := m.summarize(name, now); ok {
			out[name] = summary
		}
	}
	return out
}

// Latest returns the newest sample for a metric.
func (m *Monitor) Latest(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := m.series[name]
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1].value, true
}

func (m *Monitor) summarize(name string, now time.Time) (Summary, bool) {
	m.mu.Lock()
	series := append([]sample(nil), m.series[name]...)
	m.mu.Unlock()
	if len(series) == 0 {
		return Summary{}, false
	}

	summary := Summary{Metric: name, Count: len(series), AsOf: now}
	summary.Latest = series[len(series)-1].value
	summary.Min = math.Inf(1)
	summary.Max = math.Inf(-1)
	var sum float64
	for _, s := range series {
		sum += s.value
		summary.Min = math.Min(summary.Min, s.value)
		summary.Max = math.Max(summary.Max, s.value)
	}
	summary.Avg = sum / float64(len(series))
	var variance float64
	for _, s := range series {
		d := s.value - summary.Avg
		variance += d * d
	}
	summary.StdDev = math.Sqrt(variance / float64(len(series)))
	summary.Trend = m.Trend(name)
	return summary, true
}

// Run polls registered samplers on the collection cadence until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CollectionFrequency())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

// Collect polls every registered sampler once.
func (m *Monitor) Collect() {
	m.mu.Lock()
	samplers := make(map[string]Sampler, len(m.samplers))
	for name, fn := range m.samplers {
		samplers[name] = fn
	}
	m.mu.Unlock()

	for name, fn := range samplers {
		m.Observe(name, fn())
	}
}
