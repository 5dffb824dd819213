package poll

import (
	"github.com/shopspring/decimal"

	"github.com/coralix/trustflow/internal/schema"
)

// Metric names reported by the social and market fetchers.
const (
	MetricFollowers = "followers"
	MetricMentions  = "mentions"
	MetricSentiment = "sentiment"
	MetricCommunity = "community"

	MetricFloorPrice = "floor"
	MetricVolume     = "volume"
	MetricTrend      = "trend"
	MetricPortfolio  = "portfolio"
)

// SocialRules returns the significance rules for the social-media poller.
func SocialRules() []Rule {
	return []Rule{
		{Metric: MetricFollowers, Kind: schema.EventSocialFollowerChange, Mode: ModePercent, Threshold: 10},
		{Metric: MetricMentions, Kind: schema.EventSocialMentionFrequency, Mode: ModePercent, Threshold: 20},
		{Metric: MetricSentiment, Kind: schema.EventSocialSentimentShift, Mode: ModeAbsolute, Threshold: 0.2},
		{Metric: MetricCommunity, Kind: schema.EventSocialCommunityGrowth, Mode: ModePercent, Threshold: 10},
	}
}

// SocialPayload renders a social delta payload.
func SocialPayload(change Change) schema.Payload {
	magnitude := change.Pct
	if magnitude == 0 {
		magnitude = change.Delta
	}
	return schema.SocialDeltaPayload{
		Metric:    change.Metric,
		Previous:  change.Previous,
		Current:   change.Current,
		Delta:     change.Delta,
		Magnitude: magnitude,
		Direction: change.Direction,
		Timeframe: change.Timeframe,
		Provider:  change.Provider,
	}
}

// MarketRules returns the significance rules for the market-condition poller.
func MarketRules() []Rule {
	return []Rule{
		{Metric: MetricFloorPrice, Kind: schema.EventMarketFloorPriceChange, Mode: ModePercent, Threshold: 10},
		{Metric: MetricVolume, Kind: schema.EventMarketVolumeAnomaly, Mode: ModeSigma, Threshold: 2},
		{Metric: MetricTrend, Kind: schema.EventMarketTrendShift, Mode: ModePercent, Threshold: 15},
		{Metric: MetricPortfolio, Kind: schema.EventMarketCreatorPortfolioChange, Mode: ModePercent, Threshold: 10},
	}
}

// MarketPayload renders a market delta payload.
func MarketPayload(change Change) schema.Payload {
	return schema.MarketDeltaPayload{
		Metric:             change.Metric,
		Previous:           decimal.NewFromFloat(change.Previous),
		Current:            decimal.NewFromFloat(change.Current),
		PercentageChange:   change.Pct,
		StandardDeviations: change.Sigma,
		Direction:          change.Direction,
		Timeframe:          change.Timeframe,
		Provider:           change.Provider,
	}
}
