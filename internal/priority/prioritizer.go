// Package priority computes the 0-10 priority scalar for events.
package priority

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/schema"
)

const (
	// MinPriority and MaxPriority bound the assigned scalar.
	MinPriority = 0
	MaxPriority = 10

	defaultBasePriority = 5
)

var defaultBasePriorities = map[schema.EventType]int{
	schema.EventNFTTransfer:                  6,
	schema.EventNFTSale:                      8,
	schema.EventNFTMint:                      6,
	schema.EventContractUpdate:               6,
	schema.EventCreatorActivity:              4,
	schema.EventCollectionPriceUpdate:        6,
	schema.EventFraudImageAnalysis:           7,
	schema.EventFraudSimilarityScore:         6,
	schema.EventFraudWashTrading:             8,
	schema.EventFraudMetadataValidation:      5,
	schema.EventSocialMentionFrequency:       4,
	schema.EventSocialSentimentShift:         5,
	schema.EventSocialFollowerChange:         3,
	schema.EventSocialCreatorAnnouncement:    4,
	schema.EventSocialCommunityGrowth:        3,
	schema.EventMarketFloorPriceChange:       7,
	schema.EventMarketVolumeAnomaly:          6,
	schema.EventMarketTrendShift:             5,
	schema.EventMarketSimilarNFTSale:         4,
	schema.EventMarketCreatorPortfolioChange: 4,
}

var defaultEntityModifiers = map[schema.EntityType]int{
	schema.EntityNFT:        0,
	schema.EntityCollection: -1,
	schema.EntityCreator:    -1,
	schema.EntityMarket:     -2,
}

var defaultSourceModifiers = map[schema.Source]int{
	schema.SourceBlockchain:      1,
	schema.SourceFraudDetection:  0,
	schema.SourceSocialMedia:     -1,
	schema.SourceMarketCondition: 0,
}

var bigSaleFloor = decimal.NewFromInt(10)

// Prioritizer assigns the priority scalar to events. It is deterministic:
// prioritizing the same event twice yields the same scalar.
type Prioritizer struct {
	cfg config.PrioritizerConfig
}

// New constructs a Prioritizer from configuration.
func New(cfg config.PrioritizerConfig) *Prioritizer {
	p := new(Prioritizer)
	p.cfg = cfg
	return p
}

// Prioritize computes the priority and assigns it on the event. Events that
// already carry a priority are left untouched.
func (p *Prioritizer) Prioritize(e *schema.Event) int {
	if e == nil {
		return defaultBasePriority
	}
	if e.HasPriority() {
		return e.PriorityValue(defaultBasePriority)
	}
	score := p.Compute(e)
	e.SetPriority(score)
	return score
}

// Compute returns the priority without mutating the event.
func (p *Prioritizer) Compute(e *schema.Event) int {
	score := p.base(e.Type)
	score += p.entityModifier(e.EntityType)
	score += p.sourceModifier(e.Source)
	if p.cfg.EnableDynamicPriority {
		score += p.contentBoost(e)
	}
	return clamp(score)
}

func (p *Prioritizer) base(kind schema.EventType) int {
	if base, ok := kind.NotificationBase(); ok {
		kind = base
	}
	if v, ok := p.cfg.BasePriorities[string(kind)]; ok {
		return v
	}
	if v, ok := defaultBasePriorities[kind]; ok {
		return v
	}
	return defaultBasePriority
}

func (p *Prioritizer) entityModifier(entityType schema.EntityType) int {
	if v, ok := p.cfg.EntityTypeModifiers[string(entityType)]; ok {
		return v
	}
	return defaultEntityModifiers[entityType]
}

func (p *Prioritizer) sourceModifier(src schema.Source) int {
	if v, ok := p.cfg.SourceModifiers[string(src)]; ok {
		return v
	}
	return defaultSourceModifiers[src]
}

func (p *Prioritizer) contentBoost(e *schema.Event) int {
	kind := e.Type
	if base, ok := kind.NotificationBase(); ok {
		kind = base
	}
	switch kind {
	case schema.EventNFTSale:
		if price, ok := e.Price(); ok && price.GreaterThan(bigSaleFloor) {
			return 1
		}
	case schema.EventMarketFloorPriceChange:
		if pct, ok := e.PercentageChange(); ok && math.Abs(pct) >= p.cfg.SignificantPriceChangeThreshold {
			return 1
		}
	case schema.EventFraudWashTrading, schema.EventFraudImageAnalysis:
		if conf, ok := e.FraudConfidence(); ok && conf >= p.cfg.SignificantFraudConfidenceThreshold {
			return 2
		}
	case schema.EventSocialSentimentShift:
		if shift, ok := e.SentimentShift(); ok && math.Abs(shift) > 0.5 {
			return 1
		}
	case schema.EventMarketVolumeAnomaly:
		if sigma, ok := e.StandardDeviations(); ok && sigma > 3 {
			return 1
		}
	}
	return 0
}

func clamp(v int) int {
	if v < MinPriority {
		return MinPriority
	}
	if v > MaxPriority {
		return MaxPriority
	}
	return v
}
