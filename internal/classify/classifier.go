// Package classify maps event kinds onto categories, impact, and urgency.
package classify

import (
	"math"

	"github.com/coralix/trustflow/internal/schema"
)

// Category groups event kinds by the nature of the change they describe.
type Category string

const (
	CategoryOwnershipChange    Category = "ownership_change"
	CategoryMarketActivity     Category = "market_activity"
	CategoryCreationActivity   Category = "creation_activity"
	CategoryMetadataChange     Category = "metadata_change"
	CategoryRiskAssessment     Category = "risk_assessment"
	CategoryMarketManipulation Category = "market_manipulation"
	CategorySocialActivity     Category = "social_activity"
	CategoryCreatorActivity    Category = "creator_activity"
)

// Urgency grades how quickly downstream handlers should react.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Classification is the classifier's verdict for one event.
type Classification struct {
	Category Category
	// Entities lists the entity types a handler for this kind may affect.
	Entities []schema.EntityType
	// Impact is the event's estimated effect on trust scores, in [0,1].
	Impact float64
	Urgency Urgency
	// Dependencies names event kinds whose prior processing this kind assumes.
	Dependencies []schema.EventType
}

type kindProfile struct {
	category     Category
	entities     []schema.EntityType
	baseImpact   float64
	baseUrgency  Urgency
	dependencies []schema.EventType
}

var profiles = map[schema.EventType]kindProfile{
	schema.EventNFTTransfer: {
		category: CategoryOwnershipChange, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityNFT, schema.EntityCollection},
	},
	schema.EventNFTSale: {
		category: CategoryMarketActivity, baseImpact: 0.8, baseUrgency: UrgencyHigh,
		entities: []schema.EntityType{schema.EntityNFT, schema.EntityCollection, schema.EntityMarket},
	},
	schema.EventNFTMint: {
		category: CategoryCreationActivity, baseImpact: 0.6, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityNFT, schema.EntityCollection, schema.EntityCreator},
	},
	schema.EventContractUpdate: {
		category: CategoryMetadataChange, baseImpact: 0.7, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityCollection},
	},
	schema.EventCreatorActivity: {
		category: CategoryCreatorActivity, baseImpact: 0.4, baseUrgency: UrgencyLow,
		entities: []schema.EntityType{schema.EntityCreator, schema.EntityCollection},
	},
	schema.EventCollectionPriceUpdate: {
		category: CategoryMarketActivity, baseImpact: 0.6, baseUrgency: UrgencyMedium,
		entities:     []schema.EntityType{schema.EntityCollection, schema.EntityMarket},
		dependencies: []schema.EventType{schema.EventNFTSale},
	},
	schema.EventFraudImageAnalysis: {
		category: CategoryRiskAssessment, baseImpact: 0.7, baseUrgency: UrgencyHigh,
		entities: []schema.EntityType{schema.EntityNFT, schema.EntityCreator},
	},
	schema.EventFraudSimilarityScore: {
		category: CategoryRiskAssessment, baseImpact: 0.6, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityNFT},
	},
	schema.EventFraudWashTrading: {
		category: CategoryMarketManipulation, baseImpact: 0.9, baseUrgency: UrgencyHigh,
		entities:     []schema.EntityType{schema.EntityNFT, schema.EntityCollection, schema.EntityMarket},
		dependencies: []schema.EventType{schema.EventNFTSale},
	},
	schema.EventFraudMetadataValidation: {
		category: CategoryRiskAssessment, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityNFT, schema.EntityCollection},
	},
	schema.EventSocialMentionFrequency: {
		category: CategorySocialActivity, baseImpact: 0.3, baseUrgency: UrgencyLow,
		entities: []schema.EntityType{schema.EntityCollection, schema.EntityCreator},
	},
	schema.EventSocialSentimentShift: {
		category: CategorySocialActivity, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityCollection, schema.EntityCreator},
	},
	schema.EventSocialFollowerChange: {
		category: CategorySocialActivity, baseImpact: 0.2, baseUrgency: UrgencyLow,
		entities: []schema.EntityType{schema.EntityCreator},
	},
	schema.EventSocialCreatorAnnouncement: {
		category: CategoryCreatorActivity, baseImpact: 0.4, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityCreator, schema.EntityCollection},
	},
	schema.EventSocialCommunityGrowth: {
		category: CategorySocialActivity, baseImpact: 0.3, baseUrgency: UrgencyLow,
		entities: []schema.EntityType{schema.EntityCollection},
	},
	schema.EventMarketFloorPriceChange: {
		category: CategoryMarketActivity, baseImpact: 0.7, baseUrgency: UrgencyHigh,
		entities:     []schema.EntityType{schema.EntityCollection, schema.EntityMarket},
		dependencies: []schema.EventType{schema.EventNFTSale},
	},
	schema.EventMarketVolumeAnomaly: {
		category: CategoryMarketActivity, baseImpact: 0.6, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityCollection, schema.EntityMarket},
	},
	schema.EventMarketTrendShift: {
		category: CategoryMarketActivity, baseImpact: 0.5, baseUrgency: UrgencyMedium,
		entities: []schema.EntityType{schema.EntityMarket},
	},
	schema.EventMarketSimilarNFTSale: {
		category: CategoryMarketActivity, baseImpact: 0.4, baseUrgency: UrgencyLow,
		entities:     []schema.EntityType{schema.EntityNFT},
		dependencies: []schema.EventType{schema.EventNFTSale},
	},
	schema.EventMarketCreatorPortfolioChange: {
		category: CategoryCreatorActivity, baseImpact: 0.4, baseUrgency: UrgencyLow,
		entities: []schema.EntityType{schema.EntityCreator},
	},
}

const defaultBaseImpact = 0.4

// Classifier computes static and content-aware classification for events.
// It is deterministic: classifying the same event twice yields the same result.
type Classifier struct{}

// New constructs a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify computes the classification for the event.
func (c *Classifier) Classify(e *schema.Event) Classification {
	kind := e.Type
	if base, ok := kind.NotificationBase(); ok {
		kind = base
	}
	profile, known := profiles[kind]
	if !known {
		profile = kindProfile{
			category:    CategoryMetadataChange,
			entities:    []schema.EntityType{e.EntityType},
			baseImpact:  defaultBaseImpact,
			baseUrgency: UrgencyLow,
		}
	}

	impact := c.impact(e, profile)
	return Classification{
		Category:     profile.category,
		Entities:     append([]schema.EntityType(nil), profile.entities...),
		Impact:       impact,
		Urgency:      urgencyFor(impact, profile.baseUrgency),
		Dependencies: append([]schema.EventType(nil), profile.dependencies...),
	}
}

// Dependencies returns the event kinds whose prior processing this kind
// assumes, used to order handler invocation inside a drained batch.
func (c *Classifier) Dependencies(kind schema.EventType) []schema.EventType {
	if base, ok := kind.NotificationBase(); ok {
		kind = base
	}
	profile, known := profiles[kind]
	if !known || len(profile.dependencies) == 0 {
		return nil
	}
	return append([]schema.EventType(nil), profile.dependencies...)
}

func (c *Classifier) impact(e *schema.Event, profile kindProfile) float64 {
	impact := profile.baseImpact

	switch e.EntityType {
	case schema.EntityNFT:
		impact += 0.1
	case schema.EntityCollection:
		impact += 0.05
	}

	if pct, ok := e.PercentageChange(); ok && math.Abs(pct)/100 > 0.2 {
		impact += 0.2
	}
	if conf, ok := e.FraudConfidence(); ok && conf > 0.7 {
		impact += 0.3
	}
	if shift, ok := e.SentimentShift(); ok && math.Abs(shift) > 0.5 {
		impact += 0.1
	}

	return clamp01(impact)
}

func urgencyFor(impact float64, base Urgency) Urgency {
	switch {
	case impact >= 0.7:
		return UrgencyHigh
	case impact >= 0.4:
		return base
	default:
		return UrgencyLow
	}
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
