package priority

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/schema"
)

func newTestPrioritizer() *Prioritizer {
	cfg := config.Default()
	return New(cfg.Prioritizer)
}

func event(kind schema.EventType, entityType schema.EntityType, src schema.Source, payload schema.Payload) *schema.Event {
	return &schema.Event{
		ID:         "evt-1",
		Type:       kind,
		EntityType: entityType,
		EntityID:   "abc",
		Source:     src,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    payload,
	}
}

func TestBaseAndModifiers(t *testing.T) {
	p := newTestPrioritizer()

	// nft_sale: base 8, nft +0, blockchain +1, price 5 no boost -> 9
	sale := event(schema.EventNFTSale, schema.EntityNFT, schema.SourceBlockchain,
		schema.SalePayload{Price: decimal.NewFromInt(5)})
	if got := p.Compute(sale); got != 9 {
		t.Errorf("sale priority = %d, want 9", got)
	}

	// social_follower_change: base 3, creator -1, social -1 -> 1
	follower := event(schema.EventSocialFollowerChange, schema.EntityCreator, schema.SourceSocialMedia, nil)
	if got := p.Compute(follower); got != 1 {
		t.Errorf("follower priority = %d, want 1", got)
	}
}

func TestContentBoosts(t *testing.T) {
	p := newTestPrioritizer()

	// big sale: 8 + 0 + 1 + 1 = 10
	bigSale := event(schema.EventNFTSale, schema.EntityNFT, schema.SourceBlockchain,
		schema.SalePayload{Price: decimal.NewFromInt(12)})
	if got := p.Compute(bigSale); got != 10 {
		t.Errorf("big sale priority = %d, want 10", got)
	}

	// wash trading at high confidence: 8 + 0 + 0 + 2 = 10 (clamped)
	wash := event(schema.EventFraudWashTrading, schema.EntityNFT, schema.SourceFraudDetection,
		schema.FraudPayload{Confidence: 0.9})
	if got := p.Compute(wash); got != 10 {
		t.Errorf("wash priority = %d, want 10", got)
	}

	// floor drop of 25%: 7 -1 (collection) +0 +1 = 7
	floor := event(schema.EventMarketFloorPriceChange, schema.EntityCollection, schema.SourceMarketCondition,
		schema.MarketDeltaPayload{PercentageChange: -25})
	if got := p.Compute(floor); got != 7 {
		t.Errorf("floor priority = %d, want 7", got)
	}

	// volume anomaly above 3 sigma: 6 -1 +0 +1 = 6
	volume := event(schema.EventMarketVolumeAnomaly, schema.EntityCollection, schema.SourceMarketCondition,
		schema.MarketDeltaPayload{StandardDeviations: 3.4})
	if got := p.Compute(volume); got != 6 {
		t.Errorf("volume priority = %d, want 6", got)
	}

	// sentiment magnitude over 0.5: 5 -1 -1 +1 = 4
	sentiment := event(schema.EventSocialSentimentShift, schema.EntityCreator, schema.SourceSocialMedia,
		schema.SocialDeltaPayload{Magnitude: 0.7})
	if got := p.Compute(sentiment); got != 4 {
		t.Errorf("sentiment priority = %d, want 4", got)
	}
}

func TestDynamicPriorityDisabled(t *testing.T) {
	cfg := config.Default().Prioritizer
	cfg.EnableDynamicPriority = false
	p := New(cfg)

	bigSale := event(schema.EventNFTSale, schema.EntityNFT, schema.SourceBlockchain,
		schema.SalePayload{Price: decimal.NewFromInt(100)})
	if got := p.Compute(bigSale); got != 9 {
		t.Errorf("priority = %d, want 9 without boost", got)
	}
}

func TestPrioritizeAssignsOnce(t *testing.T) {
	p := newTestPrioritizer()
	e := event(schema.EventNFTSale, schema.EntityNFT, schema.SourceBlockchain, nil)

	first := p.Prioritize(e)
	if !e.HasPriority() {
		t.Fatal("priority should be assigned")
	}
	// Mutate the payload; the assigned priority must stay fixed.
	e.Payload = schema.SalePayload{Price: decimal.NewFromInt(100)}
	second := p.Prioritize(e)
	if first != second {
		t.Errorf("priority changed after assignment: %d then %d", first, second)
	}
}

func TestPriorityAlwaysInRange(t *testing.T) {
	p := newTestPrioritizer()
	for _, kind := range schema.All() {
		for _, entity := range []schema.EntityType{schema.EntityNFT, schema.EntityCollection, schema.EntityCreator, schema.EntityMarket} {
			for _, src := range []schema.Source{schema.SourceBlockchain, schema.SourceFraudDetection, schema.SourceSocialMedia, schema.SourceMarketCondition} {
				got := p.Compute(event(kind, entity, src, schema.FraudPayload{Confidence: 1}))
				if got < MinPriority || got > MaxPriority {
					t.Errorf("%s/%s/%s priority %d out of range", kind, entity, src, got)
				}
			}
		}
	}
}

func TestConfigOverridesTables(t *testing.T) {
	cfg := config.Default().Prioritizer
	cfg.BasePriorities = map[string]int{"nft_sale": 2}
	cfg.SourceModifiers = map[string]int{"blockchain": 0}
	p := New(cfg)

	sale := event(schema.EventNFTSale, schema.EntityNFT, schema.SourceBlockchain, nil)
	if got := p.Compute(sale); got != 2 {
		t.Errorf("priority = %d, want 2 from overrides", got)
	}
}
