package schema

import (
	"github.com/shopspring/decimal"
)

// Payload is the tagged variant carried by an event. Each kind family has a
// distinct record so content-aware rules can match exhaustively instead of
// probing an untyped map.
type Payload interface {
	payloadKind() string
}

// SalePayload accompanies nft_sale, market_similar_nft_sale, and
// collection_price_update events.
type SalePayload struct {
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency,omitempty"`
	Buyer       string          `json:"buyer,omitempty"`
	Seller      string          `json:"seller,omitempty"`
	Marketplace string          `json:"marketplace,omitempty"`
	TxHash      string          `json:"txHash,omitempty"`
}

func (SalePayload) payloadKind() string { return "sale" }

// TransferPayload accompanies nft_transfer and nft_mint events.
type TransferPayload struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	TxHash string `json:"txHash,omitempty"`
}

func (TransferPayload) payloadKind() string { return "transfer" }

// ContractPayload accompanies contract_update and creator_activity events.
type ContractPayload struct {
	Contract string `json:"contract"`
	Action   string `json:"action,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (ContractPayload) payloadKind() string { return "contract" }

// FraudPayload accompanies the fraud_* family.
type FraudPayload struct {
	Confidence        float64        `json:"confidence,omitempty"`
	SimilarityScore   float64        `json:"similarityScore,omitempty"`
	Threshold         float64        `json:"threshold,omitempty"`
	Results           map[string]any `json:"results,omitempty"`
	Flags             []string       `json:"flags,omitempty"`
	SimilarNFTs       []string       `json:"similarNfts,omitempty"`
	InvolvedAddresses []string       `json:"involvedAddresses,omitempty"`
	Issues            []string       `json:"issues,omitempty"`
}

func (FraudPayload) payloadKind() string { return "fraud" }

// DeltaDirection labels which way a polled metric moved.
type DeltaDirection string

const (
	// DirectionUp marks increases.
	DirectionUp DeltaDirection = "up"
	// DirectionDown marks decreases.
	DirectionDown DeltaDirection = "down"
)

// SocialDeltaPayload accompanies the social_* family; it carries the polled
// metric movement that crossed a significance threshold.
type SocialDeltaPayload struct {
	Metric    string         `json:"metric"`
	Previous  float64        `json:"previousValue"`
	Current   float64        `json:"newValue"`
	Delta     float64        `json:"delta"`
	Magnitude float64        `json:"magnitude,omitempty"`
	Direction DeltaDirection `json:"direction"`
	Timeframe string         `json:"timeframe,omitempty"`
	Provider  string         `json:"provider,omitempty"`
}

func (SocialDeltaPayload) payloadKind() string { return "social_delta" }

// MarketDeltaPayload accompanies the market_* family.
type MarketDeltaPayload struct {
	Metric             string          `json:"metric"`
	Previous           decimal.Decimal `json:"previousValue"`
	Current            decimal.Decimal `json:"newValue"`
	PercentageChange   float64         `json:"percentageChange,omitempty"`
	StandardDeviations float64         `json:"standardDeviations,omitempty"`
	Direction          DeltaDirection  `json:"direction"`
	Timeframe          string          `json:"timeframe,omitempty"`
	Provider           string          `json:"provider,omitempty"`
}

func (MarketDeltaPayload) payloadKind() string { return "market_delta" }

// NotificationPayload accompanies synthesized notification_<kind> events.
type NotificationPayload struct {
	OriginalID   string    `json:"originalId"`
	OriginalType EventType `json:"originalType"`
	Priority     int       `json:"priority"`
}

func (NotificationPayload) payloadKind() string { return "notification" }

// Price extracts the monetary amount from sale-like payloads.
func (e *Event) Price() (decimal.Decimal, bool) {
	if e == nil {
		return decimal.Decimal{}, false
	}
	switch p := e.Payload.(type) {
	case SalePayload:
		return p.Price, true
	case *SalePayload:
		return p.Price, true
	default:
		return decimal.Decimal{}, false
	}
}

// FraudConfidence extracts the detection confidence from fraud payloads.
func (e *Event) FraudConfidence() (float64, bool) {
	if e == nil {
		return 0, false
	}
	switch p := e.Payload.(type) {
	case FraudPayload:
		return p.Confidence, true
	case *FraudPayload:
		return p.Confidence, true
	default:
		return 0, false
	}
}

// PercentageChange extracts the relative movement from market payloads.
func (e *Event) PercentageChange() (float64, bool) {
	if e == nil {
		return 0, false
	}
	switch p := e.Payload.(type) {
	case MarketDeltaPayload:
		return p.PercentageChange, true
	case *MarketDeltaPayload:
		return p.PercentageChange, true
	default:
		return 0, false
	}
}

// StandardDeviations extracts the sigma distance from market payloads.
func (e *Event) StandardDeviations() (float64, bool) {
	if e == nil {
		return 0, false
	}
	switch p := e.Payload.(type) {
	case MarketDeltaPayload:
		return p.StandardDeviations, true
	case *MarketDeltaPayload:
		return p.StandardDeviations, true
	default:
		return 0, false
	}
}

// SentimentShift extracts the sentiment movement from social payloads.
func (e *Event) SentimentShift() (float64, bool) {
	if e == nil {
		return 0, false
	}
	switch p := e.Payload.(type) {
	case SocialDeltaPayload:
		if p.Magnitude != 0 {
			return p.Magnitude, true
		}
		return p.Delta, true
	case *SocialDeltaPayload:
		if p.Magnitude != 0 {
			return p.Magnitude, true
		}
		return p.Delta, true
	default:
		return 0, false
	}
}
