// Package capacity adjusts pipeline resources: metric-driven scaling, load
// shedding, batch tuning, and scheduled allocation changes.
package capacity

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/monitor"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/telemetry"
)

// mediumPriorityFloor is the enqueue floor applied while shedding load.
const mediumPriorityFloor = 5

// QueueControls is the queue-manager surface the capacity manager drives.
type QueueControls interface {
	SetConcurrency(n int)
	SetBatchSize(n int)
	SetPriorityFloor(floor int)
	BatchSize() int
	TotalDepth() int
}

// MetricsSource supplies current metric values for rule evaluation.
type MetricsSource interface {
	Latest(name string) (float64, bool)
}

// ScheduledChange is a pending allocation change.
type ScheduledChange struct {
	ID         string            `json:"id"`
	At         time.Time         `json:"at"`
	Allocation config.Allocation `json:"allocation"`
	Applied    bool              `json:"applied"`
}

// Strategy is an optimization pass run on every check cycle.
type Strategy interface {
	Name() string
	Apply(m *Manager)
}

// Manager owns the resource allocation and applies it to the queue manager.
type Manager struct {
	cfg     config.CapacityConfig
	clock   func() time.Time
	queue   QueueControls
	metrics MetricsSource

	mu         sync.Mutex
	allocation config.Allocation
	lastScaled map[string]time.Time
	shedding   bool
	scheduled  []*ScheduledChange
	strategies []Strategy

	scaleCounter metric.Int64Counter
	shedCounter  metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithStrategy registers an optimization strategy.
func WithStrategy(s Strategy) Option {
	return func(m *Manager) {
		if s != nil {
			m.strategies = append(m.strategies, s)
		}
	}
}

// New constructs a capacity manager over the queue controls and metrics.
func New(cfg config.CapacityConfig, queue QueueControls, metrics MetricsSource, opts ...Option) *Manager {
	m := new(Manager)
	m.cfg = cfg
	m.clock = time.Now
	m.queue = queue
	m.metrics = metrics
	m.allocation = cfg.InitialAllocation
	m.lastScaled = make(map[string]time.Time, len(cfg.ScalingRules))

	meter := otel.Meter("capacity")
	m.scaleCounter, _ = meter.Int64Counter("capacity.scaling.operations",
		metric.WithDescription("Number of applied scaling operations"),
		metric.WithUnit("{operation}"))
	m.shedCounter, _ = meter.Int64Counter("capacity.shedding.transitions",
		metric.WithDescription("Number of load-shedding engage/restore transitions"),
		metric.WithUnit("{transition}"))

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.applyAllocation(m.allocation)
	return m
}

// Allocation returns the current resource envelope.
func (m *Manager) Allocation() config.Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocation
}

// SheddingActive reports whether the enqueue floor is engaged.
func (m *Manager) SheddingActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shedding
}

// Run executes check cycles until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one full cycle: due scheduled changes, scaling rules, load
// shedding, and optimization strategies.
func (m *Manager) Check() {
	now := m.clock()
	m.applyDueChanges(now)
	m.evaluateRules(now)
	m.evaluateShedding()

	m.mu.Lock()
	strategies := append([]Strategy(nil), m.strategies...)
	m.mu.Unlock()
	for _, s := range strategies {
		s.Apply(m)
	}
}

// evaluateRules applies at most one scaling rule per cycle.
func (m *Manager) evaluateRules(now time.Time) {
	for _, rule := range m.cfg.ScalingRules {
		value, ok := m.metrics.Latest(rule.Metric)
		if !ok {
			continue
		}

		m.mu.Lock()
		last, scaledBefore := m.lastScaled[rule.Name]
		inCooldown := scaledBefore && now.Sub(last) < rule.Cooldown()
		units := m.allocation.ProcessingUnits
		m.mu.Unlock()
		if inCooldown {
			continue
		}

		var target int
		var direction string
		switch {
		case value > rule.ScaleUpThreshold && units < rule.MaxCapacity:
			target = units + rule.Increment
			if target > rule.MaxCapacity {
				target = rule.MaxCapacity
			}
			direction = "up"
		case value < rule.ScaleDownThreshold && units > rule.MinCapacity:
			target = units - rule.Increment
			if target < rule.MinCapacity {
				target = rule.MinCapacity
			}
			direction = "down"
		default:
			continue
		}

		m.scaleTo(target, rule.Name, direction, now)
		return
	}
}

// scaleTo resizes processing units and derives memory and concurrency from
// the initial allocation's per-unit ratios.
func (m *Manager) scaleTo(units int, ruleName, direction string, now time.Time) {
	initial := m.cfg.InitialAllocation
	memPerUnit := float64(initial.MemoryMB) / float64(initial.ProcessingUnits)
	concPerUnit := float64(initial.ConcurrencyLevel) / float64(initial.ProcessingUnits)

	next := config.Allocation{
		ProcessingUnits:  units,
		MemoryMB:         int(math.Round(float64(units) * memPerUnit)),
		ConcurrencyLevel: maxInt(1, int(math.Round(float64(units)*concPerUnit))),
	}

	m.mu.Lock()
	m.allocation = next
	m.lastScaled[ruleName] = now
	m.mu.Unlock()
	m.applyAllocation(next)

	if m.scaleCounter != nil {
		m.scaleCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrScalingRule.String(ruleName),
			telemetry.AttrDirection.String(direction)))
	}
	observability.Log().Info("capacity scaled",
		observability.F("rule", ruleName),
		observability.F("direction", direction),
		observability.F("processing_units", next.ProcessingUnits),
		observability.F("memory_mb", next.MemoryMB),
		observability.F("concurrency", next.ConcurrencyLevel))
}

func (m *Manager) applyAllocation(allocation config.Allocation) {
	if m.queue != nil {
		m.queue.SetConcurrency(allocation.ConcurrencyLevel)
	}
}

// evaluateShedding engages the enqueue floor when cpu or memory utilisation
// crosses the shedding threshold, and restores once both fall back below it.
func (m *Manager) evaluateShedding() {
	cpu, cpuOK := m.metrics.Latest(monitor.MetricCPUUtilization)
	mem, memOK := m.metrics.Latest(monitor.MetricMemoryUtilization)
	if !cpuOK && !memOK {
		return
	}

	overloaded := (cpuOK && cpu > m.cfg.LoadSheddingThreshold) ||
		(memOK && mem > m.cfg.LoadSheddingThreshold)
	recovered := (!cpuOK || cpu < m.cfg.LoadSheddingThreshold) &&
		(!memOK || mem < m.cfg.LoadSheddingThreshold)

	m.mu.Lock()
	shedding := m.shedding
	var transition string
	if overloaded && !shedding {
		m.shedding = true
		transition = "engage"
	} else if recovered && shedding {
		m.shedding = false
		transition = "restore"
	}
	m.mu.Unlock()

	switch transition {
	case "engage":
		m.queue.SetPriorityFloor(mediumPriorityFloor)
		observability.Log().Error("load shedding engaged",
			observability.F("cpu", cpu),
			observability.F("memory", mem),
			observability.F("floor", mediumPriorityFloor))
	case "restore":
		m.queue.SetPriorityFloor(-1)
		observability.Log().Info("load shedding restored")
	default:
		return
	}
	if m.shedCounter != nil {
		m.shedCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrDirection.String(transition)))
	}
}

// Schedule queues an allocation change for a future instant.
func (m *Manager) Schedule(at time.Time, allocation config.Allocation) (string, error) {
	if allocation.ProcessingUnits <= 0 || allocation.MemoryMB <= 0 || allocation.ConcurrencyLevel <= 0 {
		return "", errs.New("capacity", errs.CategoryValidation,
			errs.WithMessage("allocation fields must be positive"))
	}
	change := &ScheduledChange{
		ID:         uuid.NewString(),
		At:         at,
		Allocation: allocation,
	}
	m.mu.Lock()
	m.scheduled = append(m.scheduled, change)
	sort.SliceStable(m.scheduled, func(i, j int) bool { return m.scheduled[i].At.Before(m.scheduled[j].At) })
	m.mu.Unlock()
	return change.ID, nil
}

// ScheduledChanges snapshots the schedule, soonest first.
func (m *Manager) ScheduledChanges() []ScheduledChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduledChange, 0, len(m.scheduled))
	for _, change := range m.scheduled {
		out = append(out, *change)
	}
	return out
}

func (m *Manager) applyDueChanges(now time.Time) {
	m.mu.Lock()
	var due []*ScheduledChange
	for _, change := range m.scheduled {
		if !change.Applied && !change.At.After(now) {
			due = append(due, change)
		}
	}
	m.mu.Unlock()

	for _, change := range due {
		applied := m.clampToRules(change.Allocation)
		m.mu.Lock()
		change.Applied = true
		m.allocation = applied
		m.mu.Unlock()
		m.applyAllocation(applied)
		observability.Log().Info("scheduled capacity change applied",
			observability.F("change_id", change.ID),
			observability.F("processing_units", applied.ProcessingUnits),
			observability.F("requested_units", change.Allocation.ProcessingUnits))
	}
}

// clampToRules bounds processing units to every scaling rule's envelope so a
// scheduled change cannot land outside what the rules may scale from.
func (m *Manager) clampToRules(allocation config.Allocation) config.Allocation {
	for _, rule := range m.cfg.ScalingRules {
		if allocation.ProcessingUnits < rule.MinCapacity {
			allocation.ProcessingUnits = rule.MinCapacity
		}
		if allocation.ProcessingUnits > rule.MaxCapacity {
			allocation.ProcessingUnits = rule.MaxCapacity
		}
	}
	return allocation
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// BatchTuner shrinks the drain batch when per-event processing time climbs
// and grows it back while the pipeline is healthy.
type BatchTuner struct {
	// SlowMs is the per-event processing time above which batches shrink.
	SlowMs float64
	// MaxBatch caps growth.
	MaxBatch int
}

// Name identifies the strategy.
func (BatchTuner) Name() string { return "batch_tuner" }

// Apply adjusts the queue batch size based on observed processing time.
func (b BatchTuner) Apply(m *Manager) {
	avg, ok := m.metrics.Latest(monitor.MetricUpdateTime)
	if !ok {
		return
	}
	current := m.queue.BatchSize()
	switch {
	case avg > b.SlowMs && current > 1:
		m.queue.SetBatchSize(maxInt(1, current/2))
	case avg < b.SlowMs/2 && current < b.MaxBatch:
		next := current * 2
		if next > b.MaxBatch {
			next = b.MaxBatch
		}
		m.queue.SetBatchSize(next)
	}
}

// CacheControls is the snapshot-cache surface the cache tuner drives.
type CacheControls interface {
	CacheTTL() time.Duration
	SetCacheTTL(ttl time.Duration)
}

// CacheTuner stretches the snapshot cache TTL while end-to-end latency is
// high, trading freshness for fewer rebuilds, and tightens it back once the
// pipeline catches up.
type CacheTuner struct {
	Cache CacheControls
	// SlowMs is the end-to-end latency above which the TTL doubles.
	SlowMs float64
	MinTTL time.Duration
	MaxTTL time.Duration
}

// Name identifies the strategy.
func (CacheTuner) Name() string { return "cache_tuner" }

// Apply adjusts the cache TTL based on observed end-to-end latency.
func (c CacheTuner) Apply(m *Manager) {
	if c.Cache == nil {
		return
	}
	lag, ok := m.metrics.Latest(monitor.MetricEndToEndLatency)
	if !ok {
		return
	}
	ttl := c.Cache.CacheTTL()
	switch {
	case lag > c.SlowMs && ttl < c.MaxTTL:
		next := ttl * 2
		if next > c.MaxTTL {
			next = c.MaxTTL
		}
		c.Cache.SetCacheTTL(next)
	case lag < c.SlowMs/2 && ttl > c.MinTTL:
		next := ttl / 2
		if next < c.MinTTL {
			next = c.MinTTL
		}
		c.Cache.SetCacheTTL(next)
	}
}

// Rebalancer relieves a CPU-bound host that still has memory headroom: one
// worker fewer, larger batches, so throughput costs memory instead of
// scheduling overhead.
type Rebalancer struct {
	// HighCPU is the cpu utilisation above which the host counts as bound.
	HighCPU float64
	// LowMemory is the memory utilisation below which headroom exists.
	LowMemory float64
	// MaxBatch caps batch growth.
	MaxBatch int
}

// Name identifies the strategy.
func (Rebalancer) Name() string { return "rebalancer" }

// Apply shifts one unit of concurrency into batch size when cpu is high and
// memory is low.
func (r Rebalancer) Apply(m *Manager) {
	cpu, cpuOK := m.metrics.Latest(monitor.MetricCPUUtilization)
	mem, memOK := m.metrics.Latest(monitor.MetricMemoryUtilization)
	if !cpuOK || !memOK || cpu <= r.HighCPU || mem >= r.LowMemory {
		return
	}

	m.mu.Lock()
	alloc := m.allocation
	rebalance := alloc.ConcurrencyLevel > 1
	if rebalance {
		alloc.ConcurrencyLevel--
		m.allocation = alloc
	}
	m.mu.Unlock()
	if !rebalance {
		return
	}
	m.applyAllocation(alloc)

	current := m.queue.BatchSize()
	if current < r.MaxBatch {
		next := current * 2
		if next > r.MaxBatch {
			next = r.MaxBatch
		}
		m.queue.SetBatchSize(next)
	}
	observability.Log().Info("capacity rebalanced",
		observability.F("cpu", cpu),
		observability.F("memory", mem),
		observability.F("concurrency", alloc.ConcurrencyLevel))
}

// RoutingControls toggles the router's content-aware extras.
type RoutingControls interface {
	SetSmartRouting(enabled bool)
}

// Simplifier switches the router's content-aware threshold reductions off
// while throughput is poor, keeping the hot path cheap, and back on once the
// pipeline recovers.
type Simplifier struct {
	Router RoutingControls
	// MinThroughput is the events-per-second floor below which routing
	// falls back to the static thresholds.
	MinThroughput float64
}

// Name identifies the strategy.
func (Simplifier) Name() string { return "simplifier" }

// Apply toggles smart routing off under low throughput.
func (s Simplifier) Apply(m *Manager) {
	if s.Router == nil {
		return
	}
	throughput, ok := m.metrics.Latest(monitor.MetricQueueThroughput)
	if !ok {
		return
	}
	s.Router.SetSmartRouting(throughput >= s.MinThroughput)
}
