package monitor

import (
	"testing"
	"time"

	"github.com/coralix/trustflow/config"
)

func newTestMonitor(mutate func(*config.MonitorConfig)) (*Monitor, *time.Time, *[]Alert) {
	cfg := config.Default().Monitor
	if mutate != nil {
		mutate(&cfg)
	}
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	var alerts []Alert
	m := New(cfg, WithClock(clock), WithAlertFunc(func(a Alert) {
		alerts = append(alerts, a)
	}))
	return m, &now, &alerts
}

func TestThresholdAlerts(t *testing.T) {
	m, _, alerts := newTestMonitor(func(cfg *config.MonitorConfig) {
		cfg.Thresholds = map[string]config.Threshold{
			MetricQueueDepth: {Warning: 100, Critical: 500},
		}
	})

	m.Observe(MetricQueueDepth, 50)
	if len(*alerts) != 0 {
		t.Fatalf("alerts = %v, want none below warning", *alerts)
	}

	m.Observe(MetricQueueDepth, 150)
	if len(*alerts) != 1 || (*alerts)[0].Level != LevelWarning {
		t.Fatalf("alerts = %v, want one warning", *alerts)
	}

	m.Observe(MetricQueueDepth, 600)
	if len(*alerts) != 2 || (*alerts)[1].Level != LevelCritical {
		t.Fatalf("alerts = %v, want critical above 500", *alerts)
	}
}

func TestThroughputThresholdIsInverted(t *testing.T) {
	m, _, alerts := newTestMonitor(func(cfg *config.MonitorConfig) {
		cfg.Thresholds = map[string]config.Threshold{
			MetricQueueThroughput: {Warning: 50, Critical: 10},
		}
	})

	m.Observe(MetricQueueThroughput, 80)
	if len(*alerts) != 0 {
		t.Fatalf("alerts = %v, want none while throughput is healthy", *alerts)
	}
	m.Observe(MetricQueueThroughput, 30)
	if len(*alerts) != 1 || (*alerts)[0].Level != LevelWarning {
		t.Fatalf("alerts = %v, want warning when throughput drops", *alerts)
	}
	m.Observe(MetricQueueThroughput, 5)
	if len(*alerts) != 2 || (*alerts)[1].Level != LevelCritical {
		t.Fatalf("alerts = %v, want critical at the floor", *alerts)
	}
}

func TestAnomalyDetection(t *testing.T) {
	m, now, alerts := newTestMonitor(nil)

	// A steady baseline with a little jitter.
	values := []float64{100, 101, 99, 100, 102, 98, 100, 101, 99, 100}
	for _, v := range values {
		m.Observe(MetricUpdateTime, v)
		*now = now.Add(time.Second)
	}
	if len(*alerts) != 0 {
		t.Fatalf("alerts = %v, want none while establishing baseline", *alerts)
	}

	m.Observe(MetricUpdateTime, 180)
	found := false
	for _, a := range *alerts {
		if a.Level == LevelAnomaly && a.Metric == MetricUpdateTime {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %v, want an anomaly for the 180 spike", *alerts)
	}
}

func TestTrendDetection(t *testing.T) {
	m, now, _ := newTestMonitor(nil)

	// 1 unit per second climb.
	for i := 0; i < 30; i++ {
		m.Observe(MetricQueueDepth, float64(i))
		*now = now.Add(time.Second)
	}
	if got := m.Trend(MetricQueueDepth); got != TrendIncreasing {
		t.Errorf("trend = %s, want increasing", got)
	}

	for i := 0; i < 60; i++ {
		m.Observe(MetricErrorRate, float64(60-i))
		*now = now.Add(time.Second)
	}
	if got := m.Trend(MetricErrorRate); got != TrendDecreasing {
		t.Errorf("trend = %s, want decreasing", got)
	}

	for i := 0; i < 30; i++ {
		m.Observe(MetricEndToEndLatency, 5)
		*now = now.Add(time.Second)
	}
	if got := m.Trend(MetricEndToEndLatency); got != TrendStable {
		t.Errorf("trend = %s, want stable", got)
	}

	if got := m.Trend("unknown"); got != TrendStable {
		t.Errorf("trend of empty series = %s, want stable", got)
	}
}

func TestRetentionEviction(t *testing.T) {
	m, now, _ := newTestMonitor(func(cfg *config.MonitorConfig) {
		cfg.RetentionPeriodMs = time.Minute.Milliseconds()
	})

	m.Observe(MetricQueueDepth, 1)
	*now = now.Add(2 * time.Minute)
	m.Observe(MetricQueueDepth, 2)

	snapshot := m.Snapshot()[MetricQueueDepth]
	if snapshot.Count != 1 || snapshot.Latest != 2 {
		t.Errorf("snapshot = %+v, want only the fresh sample", snapshot)
	}
}

func TestSnapshotSummarizes(t *testing.T) {
	m, now, _ := newTestMonitor(nil)
	for _, v := range []float64{10, 20, 30} {
		m.Observe(MetricQueueThroughput, v)
		*now = now.Add(time.Second)
	}

	summary, ok := m.Snapshot()[MetricQueueThroughput]
	if !ok {
		t.Fatal("summary missing")
	}
	if summary.Count != 3 || summary.Min != 10 || summary.Max != 30 || summary.Avg != 20 {
		t.Errorf("summary = %+v", summary)
	}
	if latest, ok := m.Latest(MetricQueueThroughput); !ok || latest != 30 {
		t.Errorf("latest = %v,%v", latest, ok)
	}
}

func TestSamplersCollect(t *testing.T) {
	m, _, _ := newTestMonitor(nil)
	depth := 42.0
	m.RegisterSampler(MetricQueueDepth, func() float64 { return depth })

	m.Collect()
	if latest, ok := m.Latest(MetricQueueDepth); !ok || latest != 42 {
		t.Errorf("latest = %v,%v, want sampled 42", latest, ok)
	}
}
