package schema

import "strings"

// EventType enumerates the closed event taxonomy. Exact strings are part of
// the external contract.
type EventType string

// Blockchain events.
const (
	EventNFTTransfer           EventType = "nft_transfer"
	EventNFTSale               EventType = "nft_sale"
	EventNFTMint               EventType = "nft_mint"
	EventContractUpdate        EventType = "contract_update"
	EventCreatorActivity       EventType = "creator_activity"
	EventCollectionPriceUpdate EventType = "collection_price_update"
)

// Fraud-detection events.
const (
	EventFraudImageAnalysis      EventType = "fraud_image_analysis"
	EventFraudSimilarityScore    EventType = "fraud_similarity_score"
	EventFraudWashTrading        EventType = "fraud_wash_trading"
	EventFraudMetadataValidation EventType = "fraud_metadata_validation"
)

// Social-media events.
const (
	EventSocialMentionFrequency    EventType = "social_mention_frequency"
	EventSocialSentimentShift      EventType = "social_sentiment_shift"
	EventSocialFollowerChange      EventType = "social_follower_change"
	EventSocialCreatorAnnouncement EventType = "social_creator_announcement"
	EventSocialCommunityGrowth     EventType = "social_community_growth"
)

// Market-condition events.
const (
	EventMarketFloorPriceChange       EventType = "market_floor_price_change"
	EventMarketVolumeAnomaly          EventType = "market_volume_anomaly"
	EventMarketTrendShift             EventType = "market_trend_shift"
	EventMarketSimilarNFTSale         EventType = "market_similar_nft_sale"
	EventMarketCreatorPortfolioChange EventType = "market_creator_portfolio_change"
)

// NotificationPrefix marks synthesized notification events.
const NotificationPrefix = "notification_"

var eventTypes = map[EventType]struct{}{
	EventNFTTransfer:                  {},
	EventNFTSale:                      {},
	EventNFTMint:                      {},
	EventContractUpdate:               {},
	EventCreatorActivity:              {},
	EventCollectionPriceUpdate:        {},
	EventFraudImageAnalysis:           {},
	EventFraudSimilarityScore:         {},
	EventFraudWashTrading:             {},
	EventFraudMetadataValidation:      {},
	EventSocialMentionFrequency:       {},
	EventSocialSentimentShift:         {},
	EventSocialFollowerChange:         {},
	EventSocialCreatorAnnouncement:    {},
	EventSocialCommunityGrowth:        {},
	EventMarketFloorPriceChange:       {},
	EventMarketVolumeAnomaly:          {},
	EventMarketTrendShift:             {},
	EventMarketSimilarNFTSale:         {},
	EventMarketCreatorPortfolioChange: {},
}

// Valid reports whether the type is in the closed taxonomy or is a
// notification derived from it.
func (t EventType) Valid() bool {
	if _, ok := eventTypes[t]; ok {
		return true
	}
	if base, ok := t.NotificationBase(); ok {
		_, known := eventTypes[base]
		return known
	}
	return false
}

// IsNotification reports whether the type is a synthesized notification.
func (t EventType) IsNotification() bool {
	return strings.HasPrefix(string(t), NotificationPrefix)
}

// NotificationBase returns the original type a notification was derived from.
func (t EventType) NotificationBase() (EventType, bool) {
	if !t.IsNotification() {
		return "", false
	}
	return EventType(strings.TrimPrefix(string(t), NotificationPrefix)), true
}

// Notification derives the notification type for this kind.
func (t EventType) Notification() EventType {
	if t.IsNotification() {
		return t
	}
	return EventType(NotificationPrefix + string(t))
}

// IsFraud reports whether the type belongs to the fraud family.
func (t EventType) IsFraud() bool {
	return strings.HasPrefix(string(t), "fraud_")
}

// IsPriceRelated reports whether the type carries price information used by
// the router's notification bonus.
func (t EventType) IsPriceRelated() bool {
	switch t {
	case EventNFTSale, EventCollectionPriceUpdate, EventMarketFloorPriceChange, EventMarketSimilarNFTSale:
		return true
	default:
		return false
	}
}

// All returns the closed taxonomy in a stable order.
func All() []EventType {
	return []EventType{
		EventNFTTransfer, EventNFTSale, EventNFTMint, EventContractUpdate,
		EventCreatorActivity, EventCollectionPriceUpdate,
		EventFraudImageAnalysis, EventFraudSimilarityScore, EventFraudWashTrading,
		EventFraudMetadataValidation,
		EventSocialMentionFrequency, EventSocialSentimentShift, EventSocialFollowerChange,
		EventSocialCreatorAnnouncement, EventSocialCommunityGrowth,
		EventMarketFloorPriceChange, EventMarketVolumeAnomaly, EventMarketTrendShift,
		EventMarketSimilarNFTSale, EventMarketCreatorPortfolioChange,
	}
}
