package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/snapshot"
)

type stubFetcher struct {
	mu           sync.Mutex
	observations []Observation
	failures     int
	calls        int
}

func (f *stubFetcher) Fetch(_ context.Context, _ string) ([]Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("provider unavailable")
	}
	return f.observations, nil
}

func (f *stubFetcher) set(observations []Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = observations
}

type eventSink struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (s *eventSink) emit(_ context.Context, e *schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) types() []schema.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func testPollerConfig() config.PollerConfig {
	cfg := config.Default().Adapters.Social
	cfg.Providers = []string{"twitter"}
	cfg.MaxRetries = 2
	return cfg
}

func newSocialPoller(fetcher Fetcher, sink *eventSink, opts ...Option) *Poller {
	return New("social", testPollerConfig(), schema.SourceSocialMedia, SocialRules(),
		fetcher, snapshot.NewMemoryStore(), sink.emit, SocialPayload, opts...)
}

func observation(metric string, value float64) Observation {
	return Observation{
		EntityType: schema.EntityCreator,
		EntityID:   "creator-1",
		Metric:     metric,
		Value:      value,
		Provider:   "twitter",
	}
}

func TestFirstObservationOnlySeedsBaseline(t *testing.T) {
	fetcher := &stubFetcher{observations: []Observation{observation(MetricFollowers, 1000)}}
	sink := &eventSink{}
	p := newSocialPoller(fetcher, sink)

	p.Poll(context.Background())
	if len(sink.types()) != 0 {
		t.Errorf("events = %v, want none on the first sample", sink.types())
	}
}

func TestPercentRuleFiresAboveThreshold(t *testing.T) {
	fetcher := &stubFetcher{observations: []Observation{observation(MetricFollowers, 1000)}}
	sink := &eventSink{}
	p := newSocialPoller(fetcher, sink)
	ctx := context.Background()

	p.Poll(ctx)
	fetcher.set([]Observation{observation(MetricFollowers, 1050)})
	p.Poll(ctx)
	if len(sink.types()) != 0 {
		t.Fatalf("events = %v, want 5%% below the 10%% rule", sink.types())
	}

	fetcher.set([]Observation{observation(MetricFollowers, 1200)})
	p.Poll(ctx)
	got := sink.types()
	if len(got) != 1 || got[0] != schema.EventSocialFollowerChange {
		t.Fatalf("events = %v, want one follower change", got)
	}

	sink.mu.Lock()
	payload := sink.events[0].Payload.(schema.SocialDeltaPayload)
	sink.mu.Unlock()
	if payload.Previous != 1050 || payload.Current != 1200 || payload.Direction != schema.DirectionUp {
		t.Errorf("payload = %+v", payload)
	}
}

func TestAbsoluteRuleFiresOnSentimentShift(t *testing.T) {
	fetcher := &stubFetcher{observations: []Observation{observation(MetricSentiment, 0.5)}}
	sink := &eventSink{}
	p := newSocialPoller(fetcher, sink)
	ctx := context.Background()

	p.Poll(ctx)
	fetcher.set([]Observation{observation(MetricSentiment, 0.4)})
	p.Poll(ctx)
	if len(sink.types()) != 0 {
		t.Fatalf("events = %v, want 0.1 below the 0.2 rule", sink.types())
	}

	fetcher.set([]Observation{observation(MetricSentiment, 0.1)})
	p.Poll(ctx)
	got := sink.types()
	if len(got) != 1 || got[0] != schema.EventSocialSentimentShift {
		t.Fatalf("events = %v, want one sentiment shift", got)
	}

	sink.mu.Lock()
	payload := sink.events[0].Payload.(schema.SocialDeltaPayload)
	sink.mu.Unlock()
	if payload.Direction != schema.DirectionDown {
		t.Errorf("direction = %s, want down", payload.Direction)
	}
}

func TestZeroPreviousValueSkipsPercentRules(t *testing.T) {
	fetcher := &stubFetcher{observations: []Observation{observation(MetricMentions, 0)}}
	sink := &eventSink{}
	p := newSocialPoller(fetcher, sink)
	ctx := context.Background()

	p.Poll(ctx)
	fetcher.set([]Observation{observation(MetricMentions, 50)})
	p.Poll(ctx)
	if len(sink.types()) != 0 {
		t.Errorf("events = %v, want no division against a zero baseline", sink.types())
	}
}

func TestSigmaRuleNeedsBaselineThenFires(t *testing.T) {
	cfg := config.Default().Adapters.Market
	cfg.Providers = []string{"opensea"}
	fetcher := &stubFetcher{}
	sink := &eventSink{}
	p := New("market", cfg, schema.SourceMarketCondition, MarketRules(),
		fetcher, snapshot.NewMemoryStore(), sink.emit, MarketPayload)
	ctx := context.Background()

	volume := func(v float64) Observation {
		return Observation{
			EntityType: schema.EntityCollection,
			EntityID:   "col-1",
			Metric:     MetricVolume,
			Value:      v,
			Provider:   "opensea",
		}
	}
	// Steady volume builds the baseline without alerting.
	for _, v := range []float64{100, 102, 98, 101, 99, 100} {
		fetcher.set([]Observation{volume(v)})
		p.Poll(ctx)
	}
	if len(sink.types()) != 0 {
		t.Fatalf("events = %v, want none on a flat baseline", sink.types())
	}

	fetcher.set([]Observation{volume(300)})
	p.Poll(ctx)
	got := sink.types()
	if len(got) != 1 || got[0] != schema.EventMarketVolumeAnomaly {
		t.Fatalf("events = %v, want one volume anomaly", got)
	}

	sink.mu.Lock()
	payload := sink.events[0].Payload.(schema.MarketDeltaPayload)
	sink.mu.Unlock()
	if payload.StandardDeviations < 2 {
		t.Errorf("sigma = %v, want at least the rule threshold", payload.StandardDeviations)
	}
}

func TestMarketFloorPercentRule(t *testing.T) {
	cfg := config.Default().Adapters.Market
	cfg.Providers = []string{"opensea"}
	fetcher := &stubFetcher{}
	sink := &eventSink{}
	p := New("market", cfg, schema.SourceMarketCondition, MarketRules(),
		fetcher, snapshot.NewMemoryStore(), sink.emit, MarketPayload)
	ctx := context.Background()

	floor := func(v float64) Observation {
		return Observation{
			EntityType: schema.EntityCollection,
			EntityID:   "col-1",
			Metric:     MetricFloorPrice,
			Value:      v,
			Provider:   "opensea",
		}
	}
	fetcher.set([]Observation{floor(10)})
	p.Poll(ctx)
	fetcher.set([]Observation{floor(8.5)})
	p.Poll(ctx)

	got := sink.types()
	if len(got) != 1 || got[0] != schema.EventMarketFloorPriceChange {
		t.Fatalf("events = %v, want one floor price change", got)
	}
	sink.mu.Lock()
	payload := sink.events[0].Payload.(schema.MarketDeltaPayload)
	sink.mu.Unlock()
	if payload.PercentageChange != -15 || payload.Direction != schema.DirectionDown {
		t.Errorf("payload = %+v, want -15%% down", payload)
	}
}

func TestFetchFailureRetriesThenEscalates(t *testing.T) {
	fetcher := &stubFetcher{failures: 10}
	sink := &eventSink{}
	var faults []string
	p := newSocialPoller(fetcher, sink, WithFaultFunc(func(_ error, operation string) {
		faults = append(faults, operation)
	}))

	p.Poll(context.Background())
	if fetcher.calls != 2 {
		t.Errorf("calls = %d, want MaxRetries attempts", fetcher.calls)
	}
	if len(faults) != 1 || faults[0] != "adapter/social" {
		t.Errorf("faults = %v, want one escalation", faults)
	}
}

func TestFetchRecoversWithinRetryBudget(t *testing.T) {
	fetcher := &stubFetcher{failures: 1, observations: []Observation{observation(MetricFollowers, 10)}}
	sink := &eventSink{}
	p := newSocialPoller(fetcher, sink)

	p.Poll(context.Background())
	if fetcher.calls != 2 {
		t.Errorf("calls = %d, want a retry after the transient failure", fetcher.calls)
	}
}

func TestFetchBackoffGrowsExponentially(t *testing.T) {
	cfg := testPollerConfig()
	cfg.MaxRetries = 3
	fetcher := &stubFetcher{failures: 10}
	sink := &eventSink{}
	p := New("social", cfg, schema.SourceSocialMedia, SocialRules(),
		fetcher, snapshot.NewMemoryStore(), sink.emit, SocialPayload)

	start := time.Now()
	p.Poll(context.Background())
	elapsed := time.Since(start)

	if fetcher.calls != 3 {
		t.Fatalf("calls = %d, want the full retry budget", fetcher.calls)
	}
	// Waits of 100ms and 200ms separate the three attempts.
	if elapsed < 300*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the 300ms doubling backoff", elapsed)
	}
}

func TestRunPollsOnInterval(t *testing.T) {
	cfg := testPollerConfig()
	cfg.PollIntervalMs = 10
	fetcher := &stubFetcher{}
	sink := &eventSink{}
	p := New("social", cfg, schema.SourceSocialMedia, SocialRules(),
		fetcher, snapshot.NewMemoryStore(), sink.emit, SocialPayload)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		fetcher.mu.Lock()
		calls := fetcher.calls
		fetcher.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("poller never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
