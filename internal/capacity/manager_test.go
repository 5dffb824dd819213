package capacity

import (
	"testing"
	"time"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/monitor"
)

type fakeQueue struct {
	concurrency int
	batchSize   int
	floor       int
}

func (f *fakeQueue) SetConcurrency(n int)   { f.concurrency = n }
func (f *fakeQueue) SetBatchSize(n int)     { f.batchSize = n }
func (f *fakeQueue) SetPriorityFloor(n int) { f.floor = n }
func (f *fakeQueue) BatchSize() int         { return f.batchSize }
func (f *fakeQueue) TotalDepth() int        { return 0 }

type fakeMetrics map[string]float64

func (f fakeMetrics) Latest(name string) (float64, bool) {
	v, ok := f[name]
	return v, ok
}

func testCapacityConfig() config.CapacityConfig {
	cfg := config.Default().Capacity
	cfg.ScalingRules = []config.ScalingRule{
		{Name: "depth", Metric: monitor.MetricQueueDepth, ScaleUpThreshold: 1000, ScaleDownThreshold: 100,
			CooldownMs: 60000, MinCapacity: 2, MaxCapacity: 8, Increment: 2},
		{Name: "lag", Metric: monitor.MetricEndToEndLatency, ScaleUpThreshold: 5000, ScaleDownThreshold: 500,
			CooldownMs: 60000, MinCapacity: 2, MaxCapacity: 8, Increment: 1},
	}
	return cfg
}

func newTestManager(metrics fakeMetrics) (*Manager, *fakeQueue, *time.Time) {
	q := &fakeQueue{batchSize: 25, floor: -1}
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	m := New(testCapacityConfig(), q, metrics, WithClock(clock))
	return m, q, &now
}

func TestInitialAllocationApplied(t *testing.T) {
	m, q, _ := newTestManager(fakeMetrics{})
	if got := m.Allocation(); got != config.Default().Capacity.InitialAllocation {
		t.Errorf("allocation = %+v", got)
	}
	if q.concurrency != 8 {
		t.Errorf("concurrency = %d, want initial 8", q.concurrency)
	}
}

func TestScaleUpAndProportionalResources(t *testing.T) {
	metrics := fakeMetrics{monitor.MetricQueueDepth: 5000}
	m, q, _ := newTestManager(metrics)

	m.Check()
	alloc := m.Allocation()
	if alloc.ProcessingUnits != 6 {
		t.Fatalf("units = %d, want 4+2", alloc.ProcessingUnits)
	}
	// Initial 4 units / 1024MB / 8 concurrency: 256MB and 2 workers per unit.
	if alloc.MemoryMB != 1536 || alloc.ConcurrencyLevel != 12 {
		t.Errorf("allocation = %+v, want proportional memory and concurrency", alloc)
	}
	if q.concurrency != 12 {
		t.Errorf("queue concurrency = %d, want 12", q.concurrency)
	}
}

func TestOneRulePerCycleAndCooldown(t *testing.T) {
	metrics := fakeMetrics{
		monitor.MetricQueueDepth:      5000,
		monitor.MetricEndToEndLatency: 9000,
	}
	m, _, now := newTestManager(metrics)

	m.Check()
	if units := m.Allocation().ProcessingUnits; units != 6 {
		t.Fatalf("units = %d, want only the first matching rule applied", units)
	}

	// Same cycle again inside the cooldown: the depth rule is muted but the
	// lag rule may fire.
	m.Check()
	if units := m.Allocation().ProcessingUnits; units != 7 {
		t.Fatalf("units = %d, want the lag rule's +1", units)
	}

	m.Check()
	if units := m.Allocation().ProcessingUnits; units != 7 {
		t.Error("both rules in cooldown should leave the allocation alone")
	}

	*now = now.Add(2 * time.Minute)
	m.Check()
	if units := m.Allocation().ProcessingUnits; units != 8 {
		t.Errorf("units = %d, want scaling to resume after cooldown", units)
	}
}

func TestScaleDownRespectsMinimum(t *testing.T) {
	metrics := fakeMetrics{monitor.MetricQueueDepth: 10}
	m, _, now := newTestManager(metrics)

	for i := 0; i < 5; i++ {
		m.Check()
		*now = now.Add(2 * time.Minute)
	}
	if units := m.Allocation().ProcessingUnits; units != 2 {
		t.Errorf("units = %d, want clamp at MinCapacity 2", units)
	}
}

func TestScaleUpClampsAtMaximum(t *testing.T) {
	metrics := fakeMetrics{monitor.MetricQueueDepth: 5000}
	m, _, now := newTestManager(metrics)

	for i := 0; i < 5; i++ {
		m.Check()
		*now = now.Add(2 * time.Minute)
	}
	if units := m.Allocation().ProcessingUnits; units != 8 {
		t.Errorf("units = %d, want clamp at MaxCapacity 8", units)
	}
}

func TestLoadSheddingEngagesAndRestores(t *testing.T) {
	metrics := fakeMetrics{monitor.MetricCPUUtilization: 0.95, monitor.MetricMemoryUtilization: 0.4}
	m, q, _ := newTestManager(metrics)

	m.Check()
	if !m.SheddingActive() || q.floor != mediumPriorityFloor {
		t.Fatalf("shedding=%v floor=%d, want engaged at medium floor", m.SheddingActive(), q.floor)
	}

	// Sitting exactly on the threshold is neither overloaded nor recovered.
	metrics[monitor.MetricCPUUtilization] = 0.9
	m.Check()
	if !m.SheddingActive() {
		t.Error("restore requires both metrics below the threshold")
	}

	metrics[monitor.MetricCPUUtilization] = 0.85
	m.Check()
	if m.SheddingActive() || q.floor != -1 {
		t.Errorf("shedding=%v floor=%d, want restored once both metrics fall below the threshold",
			m.SheddingActive(), q.floor)
	}
}

func TestScheduledChanges(t *testing.T) {
	m, q, now := newTestManager(fakeMetrics{})

	if _, err := m.Schedule(now.Add(time.Hour), config.Allocation{}); err == nil {
		t.Error("zero allocation should be rejected")
	}

	id, err := m.Schedule(now.Add(time.Hour), config.Allocation{ProcessingUnits: 16, MemoryMB: 4096, ConcurrencyLevel: 32})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	m.Check()
	if m.Allocation().ProcessingUnits != 4 {
		t.Fatal("future change must not apply early")
	}

	// The requested 16 units exceed the rules' MaxCapacity of 8.
	*now = now.Add(2 * time.Hour)
	m.Check()
	if m.Allocation().ProcessingUnits != 8 || q.concurrency != 32 {
		t.Errorf("allocation = %+v, want the scheduled change clamped to the rule ceiling", m.Allocation())
	}

	changes := m.ScheduledChanges()
	if len(changes) != 1 || !changes[0].Applied || changes[0].ID != id {
		t.Errorf("changes = %+v", changes)
	}
}

func TestBatchTuner(t *testing.T) {
	metrics := fakeMetrics{monitor.MetricUpdateTime: 200}
	q := &fakeQueue{batchSize: 32, floor: -1}
	now := time.Unix(1_700_000_000, 0)
	m := New(testCapacityConfig(), q, metrics,
		WithClock(func() time.Time { return now }),
		WithStrategy(BatchTuner{SlowMs: 100, MaxBatch: 64}))

	m.Check()
	if q.batchSize != 16 {
		t.Fatalf("batch = %d, want halved under slow processing", q.batchSize)
	}

	metrics[monitor.MetricUpdateTime] = 10
	m.Check()
	if q.batchSize != 32 {
		t.Errorf("batch = %d, want doubled when fast", q.batchSize)
	}
}

type fakeCache struct{ ttl time.Duration }

func (f *fakeCache) CacheTTL() time.Duration       { return f.ttl }
func (f *fakeCache) SetCacheTTL(ttl time.Duration) { f.ttl = ttl }

func TestCacheTunerTradesFreshnessForLatency(t *testing.T) {
	metrics := fakeMetrics{monitor.MetricEndToEndLatency: 4000}
	cache := &fakeCache{ttl: 10 * time.Minute}
	q := &fakeQueue{batchSize: 25, floor: -1}
	now := time.Unix(1_700_000_000, 0)
	m := New(testCapacityConfig(), q, metrics,
		WithClock(func() time.Time { return now }),
		WithStrategy(CacheTuner{Cache: cache, SlowMs: 1000, MinTTL: time.Minute, MaxTTL: 30 * time.Minute}))

	m.Check()
	if cache.ttl != 20*time.Minute {
		t.Fatalf("ttl = %v, want doubled under high latency", cache.ttl)
	}
	m.Check()
	if cache.ttl != 30*time.Minute {
		t.Fatalf("ttl = %v, want capped at MaxTTL", cache.ttl)
	}

	metrics[monitor.MetricEndToEndLatency] = 100
	m.Check()
	if cache.ttl != 15*time.Minute {
		t.Errorf("ttl = %v, want halved once latency recovers", cache.ttl)
	}
}

func TestRebalancerShiftsConcurrencyIntoBatches(t *testing.T) {
	metrics := fakeMetrics{
		monitor.MetricCPUUtilization:    0.85,
		monitor.MetricMemoryUtilization: 0.3,
	}
	q := &fakeQueue{batchSize: 16, floor: -1}
	now := time.Unix(1_700_000_000, 0)
	m := New(testCapacityConfig(), q, metrics,
		WithClock(func() time.Time { return now }),
		WithStrategy(Rebalancer{HighCPU: 0.8, LowMemory: 0.5, MaxBatch: 64}))

	m.Check()
	if got := m.Allocation().ConcurrencyLevel; got != 7 {
		t.Fatalf("concurrency = %d, want one worker shed from the initial 8", got)
	}
	if q.concurrency != 7 || q.batchSize != 32 {
		t.Errorf("queue concurrency=%d batch=%d, want 7 workers and a doubled batch", q.concurrency, q.batchSize)
	}

	metrics[monitor.MetricMemoryUtilization] = 0.7
	m.Check()
	if got := m.Allocation().ConcurrencyLevel; got != 7 {
		t.Errorf("concurrency = %d, want no rebalance without memory headroom", got)
	}
}

type fakeRouter struct{ smart bool }

func (f *fakeRouter) SetSmartRouting(enabled bool) { f.smart = enabled }

func TestSimplifierFollowsThroughput(t *testing.T) {
	metrics := fakeMetrics{monitor.MetricQueueThroughput: 1}
	router := &fakeRouter{smart: true}
	q := &fakeQueue{batchSize: 25, floor: -1}
	now := time.Unix(1_700_000_000, 0)
	m := New(testCapacityConfig(), q, metrics,
		WithClock(func() time.Time { return now }),
		WithStrategy(Simplifier{Router: router, MinThroughput: 5}))

	m.Check()
	if router.smart {
		t.Fatal("low throughput should fall back to static thresholds")
	}

	metrics[monitor.MetricQueueThroughput] = 50
	m.Check()
	if !router.smart {
		t.Error("recovered throughput should restore smart routing")
	}
}
