package route

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/schema"
)

func seededRouter(t *testing.T, mutate func(*config.RouterConfig)) (*Router, *time.Time) {
	t.Helper()
	cfg := config.Default().Router
	cfg.Seed = 42
	if mutate != nil {
		mutate(&cfg)
	}
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	return New(cfg, clock), &now
}

func saleEvent(entityID string, priority int) *schema.Event {
	e := &schema.Event{
		ID:         "evt-" + entityID,
		Type:       schema.EventNFTSale,
		EntityType: schema.EntityNFT,
		EntityID:   entityID,
		Source:     schema.SourceBlockchain,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    schema.SalePayload{Price: decimal.NewFromInt(5)},
	}
	e.SetPriority(priority)
	return e
}

func TestCooldownGating(t *testing.T) {
	r, now := seededRouter(t, func(cfg *config.RouterConfig) {
		// Force-admit every sample so the test only exercises the cooldown.
		cfg.UpdateThresholds = map[string]float64{"nft_sale": 1.0}
	})

	first := r.Route(saleEvent("A", 8))
	if !first.ShouldUpdate {
		t.Fatal("first event should be admitted")
	}

	// 30s later: still inside the 60s nft cooldown.
	*now = now.Add(30 * time.Second)
	second := r.Route(saleEvent("A", 8))
	if second.ShouldUpdate || second.ShouldNotify {
		t.Errorf("second event inside cooldown should return {false,false}, got %+v", second)
	}

	// Past the cooldown the entity is admitted again.
	*now = now.Add(31 * time.Second)
	third := r.Route(saleEvent("A", 8))
	if !third.ShouldUpdate {
		t.Error("event past cooldown should be admitted")
	}
}

func TestCooldownAdvancesOnlyOnAdmission(t *testing.T) {
	r, now := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.UpdateThresholds = map[string]float64{"nft_sale": 0.0}
	})

	// Rejected by the threshold gate: cooldown state must not advance.
	if d := r.Route(saleEvent("B", 5)); d.ShouldUpdate {
		t.Fatal("zero threshold should reject")
	}
	r.cfg.UpdateThresholds["nft_sale"] = 1.0
	*now = now.Add(time.Second)
	if d := r.Route(saleEvent("B", 5)); !d.ShouldUpdate {
		t.Error("rejection must not start a cooldown window")
	}
}

func TestCooldownIsPerEntity(t *testing.T) {
	r, _ := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.UpdateThresholds = map[string]float64{"nft_sale": 1.0}
	})

	if d := r.Route(saleEvent("A", 5)); !d.ShouldUpdate {
		t.Fatal("entity A should be admitted")
	}
	if d := r.Route(saleEvent("B", 5)); !d.ShouldUpdate {
		t.Error("entity B has its own cooldown window")
	}
}

func TestNotifyRequiresUpdate(t *testing.T) {
	r, now := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.UpdateThresholds = map[string]float64{"nft_sale": 0.0}
		cfg.NotificationThresholds = map[string]float64{"nft_sale": 1.0}
	})

	for i := 0; i < 50; i++ {
		*now = now.Add(2 * time.Minute)
		if d := r.Route(saleEvent("A", 5)); d.ShouldNotify {
			t.Fatal("notification must never fire without an update")
		}
	}
}

func TestNotificationPriorityBonus(t *testing.T) {
	r, now := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.UpdateThresholds = map[string]float64{"fraud_wash_trading": 1.0, "nft_sale": 1.0}
		cfg.NotificationThresholds = map[string]float64{"fraud_wash_trading": 1.0, "nft_sale": 1.0}
		cfg.EnableSmartRouting = false
	})

	fraud := saleEvent("F", 8)
	fraud.Type = schema.EventFraudWashTrading
	fraud.Payload = schema.FraudPayload{Confidence: 0.5}
	d := r.Route(fraud)
	if !d.ShouldNotify {
		t.Fatal("fraud event should notify at threshold 1.0")
	}
	if d.NotificationPriority != 9 {
		t.Errorf("fraud notification priority = %d, want 8+1", d.NotificationPriority)
	}

	*now = now.Add(time.Hour)
	sale := saleEvent("S", 10)
	d = r.Route(sale)
	if !d.ShouldNotify {
		t.Fatal("sale should notify at threshold 1.0")
	}
	if d.NotificationPriority != 10 {
		t.Errorf("sale notification priority = %d, want clamp at 10", d.NotificationPriority)
	}
}

func TestSmartRoutingReductionCappedAtThreshold(t *testing.T) {
	r, _ := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.EnableSmartRouting = true
		cfg.UpdateThresholds = map[string]float64{"fraud_wash_trading": 0.1}
	})

	fraud := saleEvent("F", 8)
	fraud.Type = schema.EventFraudWashTrading
	fraud.Payload = schema.FraudPayload{Confidence: 0.95}

	update, _ := r.thresholds(fraud)
	if update < 0 {
		t.Errorf("adjusted threshold = %v, must not go negative", update)
	}
	if update != 0 {
		t.Errorf("adjusted threshold = %v, reduction 0.3 against 0.1 should floor at 0", update)
	}
}

func TestSmartRoutingShrinksSaleThresholds(t *testing.T) {
	r, _ := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.EnableSmartRouting = true
		cfg.UpdateThresholds = map[string]float64{"nft_sale": 0.9}
		cfg.NotificationThresholds = map[string]float64{"nft_sale": 0.5}
	})

	big := saleEvent("A", 8)
	big.Payload = schema.SalePayload{Price: decimal.NewFromInt(50)}
	update, notify := r.thresholds(big)
	if diff := update - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("update threshold = %v, want 0.9-0.2", update)
	}
	if diff := notify - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("notify threshold = %v, want 0.5-0.3", notify)
	}
}

func TestSetSmartRoutingTogglesReductions(t *testing.T) {
	r, _ := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.EnableSmartRouting = true
		cfg.UpdateThresholds = map[string]float64{"nft_sale": 0.9}
	})

	big := saleEvent("A", 8)
	big.Payload = schema.SalePayload{Price: decimal.NewFromInt(50)}
	if update, _ := r.thresholds(big); update > 0.8 {
		t.Fatalf("update threshold = %v, want the smart reduction applied", update)
	}

	r.SetSmartRouting(false)
	if update, _ := r.thresholds(big); update != 0.9 {
		t.Errorf("update threshold = %v, want the static threshold after disabling", update)
	}

	r.SetSmartRouting(true)
	if update, _ := r.thresholds(big); update > 0.8 {
		t.Error("re-enabling should restore the reduction")
	}
}

func TestDeterministicModeUsesTokenBucket(t *testing.T) {
	r, now := seededRouter(t, func(cfg *config.RouterConfig) {
		cfg.Deterministic = true
		cfg.CooldownPeriodsMs = map[string]int{"nft": 1}
		cfg.UpdateThresholds = map[string]float64{"nft_sale": 1.0}
	})

	// Burst of 1 means the first event is admitted and an immediate second
	// draw on the same stream is not.
	if d := r.Route(saleEvent("A", 5)); !d.ShouldUpdate {
		t.Fatal("first draw should be admitted")
	}
	*now = now.Add(5 * time.Millisecond)
	if d := r.Route(saleEvent("A", 5)); d.ShouldUpdate {
		t.Error("second draw inside the refill window should be rejected")
	}
	// After a full second the bucket has refilled.
	*now = now.Add(2 * time.Second)
	if d := r.Route(saleEvent("A", 5)); !d.ShouldUpdate {
		t.Error("bucket should refill after a second")
	}
}

func TestSeededRoutingIsReproducible(t *testing.T) {
	run := func() []bool {
		r, now := seededRouter(t, nil)
		out := make([]bool, 0, 20)
		for i := 0; i < 20; i++ {
			*now = now.Add(2 * time.Minute)
			out = append(out, r.Route(saleEvent("A", 5)).ShouldUpdate)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded runs diverged at %d", i)
		}
	}
}
