// Package route decides whether an event triggers an update and/or a notification.
package route

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/schema"
)

// Decision is the router's verdict for one event.
type Decision struct {
	ShouldUpdate         bool
	ShouldNotify         bool
	UpdatePriority       int
	NotificationPriority int
}

type entityKey struct {
	entityType schema.EntityType
	entityID   string
}

type bucketKey struct {
	entityType schema.EntityType
	eventType  schema.EventType
}

// Default per-kind routing thresholds; unlisted kinds use the fallback.
var defaultUpdateThresholds = map[schema.EventType]float64{
	schema.EventNFTSale:                 0.9,
	schema.EventNFTTransfer:             0.8,
	schema.EventNFTMint:                 0.8,
	schema.EventContractUpdate:          0.85,
	schema.EventFraudWashTrading:        0.95,
	schema.EventFraudImageAnalysis:      0.9,
	schema.EventFraudSimilarityScore:    0.8,
	schema.EventFraudMetadataValidation: 0.75,
	schema.EventMarketFloorPriceChange:  0.85,
	schema.EventMarketVolumeAnomaly:     0.8,
	schema.EventSocialSentimentShift:    0.7,
	schema.EventSocialFollowerChange:    0.4,
}

var defaultNotificationThresholds = map[schema.EventType]float64{
	schema.EventNFTSale:                0.5,
	schema.EventFraudWashTrading:       0.8,
	schema.EventFraudImageAnalysis:     0.6,
	schema.EventMarketFloorPriceChange: 0.5,
	schema.EventMarketVolumeAnomaly:    0.4,
	schema.EventSocialSentimentShift:   0.3,
}

const (
	fallbackUpdateThreshold       = 0.75
	fallbackNotificationThreshold = 0.25
)

var bigSaleFloor = decimal.NewFromInt(10)

// Router gates events behind per-entity cooldowns and per-kind thresholds.
//
// The default gate is probabilistic: it smooths load without global rate
// counting. The deterministic mode replaces the random draws with a token
// bucket per (entityType, eventType) and exists as a compatibility flag for
// deployments that need reproducible routing.
type Router struct {
	cfg   config.RouterConfig
	clock func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	lastUpdate map[entityKey]time.Time
	update     map[bucketKey]*rate.Limiter
	notify     map[bucketKey]*rate.Limiter
}

// New constructs a Router. A zero seed falls back to a time-based seed.
func New(cfg config.RouterConfig, clock func() time.Time) *Router {
	if clock == nil {
		clock = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := new(Router)
	r.cfg = cfg
	r.clock = clock
	r.rng = rand.New(rand.NewPCG(seed, seed))
	r.lastUpdate = make(map[entityKey]time.Time)
	r.update = make(map[bucketKey]*rate.Limiter)
	r.notify = make(map[bucketKey]*rate.Limiter)
	return r
}

// Route computes the routing decision for the event. Cooldown state advances
// only on admitted updates.
func (r *Router) Route(e *schema.Event) Decision {
	priority := e.PriorityValue(0)
	decision := Decision{UpdatePriority: priority}

	now := r.clock()
	key := entityKey{entityType: e.EntityType, entityID: e.EntityID}
	cooldown := r.cfg.Cooldown(string(e.EntityType))

	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastUpdate[key]; ok && cooldown > 0 && now.Sub(last) < cooldown {
		return decision
	}

	updateThreshold, notifyThreshold := r.thresholds(e)

	if r.cfg.Deterministic {
		decision.ShouldUpdate = r.allow(r.update, e, updateThreshold, now)
		if decision.ShouldUpdate {
			decision.ShouldNotify = r.allow(r.notify, e, notifyThreshold, now)
		}
	} else {
		decision.ShouldUpdate = r.rng.Float64() < updateThreshold
		if decision.ShouldUpdate {
			decision.ShouldNotify = r.rng.Float64() < notifyThreshold
		}
	}

	if decision.ShouldUpdate {
		r.lastUpdate[key] = now
	}
	if decision.ShouldNotify {
		decision.NotificationPriority = notificationPriority(e, priority)
	}
	return decision
}

// SetSmartRouting toggles the content-aware threshold reductions at runtime.
func (r *Router) SetSmartRouting(enabled bool) {
	r.mu.Lock()
	r.cfg.EnableSmartRouting = enabled
	r.mu.Unlock()
}

// thresholds returns the adjusted update and notification thresholds.
func (r *Router) thresholds(e *schema.Event) (float64, float64) {
	update := lookup(r.cfg.UpdateThresholds, defaultUpdateThresholds, e.Type, fallbackUpdateThreshold)
	notify := lookup(r.cfg.NotificationThresholds, defaultNotificationThresholds, e.Type, fallbackNotificationThreshold)

	if !r.cfg.EnableSmartRouting {
		return update, notify
	}

	updateCut, notifyCut := smartReductions(e)
	// Reductions may not exceed the original threshold.
	update -= math.Min(updateCut, update)
	notify -= math.Min(notifyCut, notify)
	return update, notify
}

func smartReductions(e *schema.Event) (float64, float64) {
	switch e.Type {
	case schema.EventNFTSale:
		if price, ok := e.Price(); ok && price.GreaterThan(bigSaleFloor) {
			return 0.2, 0.3
		}
	case schema.EventFraudWashTrading:
		if conf, ok := e.FraudConfidence(); ok && conf > 0.8 {
			return 0.3, 0.4
		}
	case schema.EventMarketFloorPriceChange:
		if pct, ok := e.PercentageChange(); ok && math.Abs(pct) >= 20 {
			return 0.15, 0.2
		}
	}
	return 0, 0
}

func lookup(overrides map[string]float64, defaults map[schema.EventType]float64, kind schema.EventType, fallback float64) float64 {
	if v, ok := overrides[string(kind)]; ok {
		return clamp01(v)
	}
	if v, ok := defaults[kind]; ok {
		return v
	}
	return fallback
}

// allow consults the token bucket for the semantic stream, creating it on
// first use with a rate proportional to the configured threshold.
func (r *Router) allow(buckets map[bucketKey]*rate.Limiter, e *schema.Event, threshold float64, now time.Time) bool {
	if threshold <= 0 {
		return false
	}
	key := bucketKey{entityType: e.EntityType, eventType: e.Type}
	limiter, ok := buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(threshold), 1)
		buckets[key] = limiter
	}
	return limiter.AllowN(now, 1)
}

func notificationPriority(e *schema.Event, priority int) int {
	bonus := 0.0
	switch {
	case e.Type.IsFraud():
		bonus = 1
	case e.Type.IsPriceRelated():
		bonus = 0.5
	}
	boosted := int(math.Round(float64(priority) + bonus))
	if boosted < 0 {
		return 0
	}
	if boosted > 10 {
		return 10
	}
	return boosted
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
