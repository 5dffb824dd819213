// Package schema defines the canonical event model shared by the pipeline.
package schema

import (
	"strings"
	"time"

	"github.com/coralix/trustflow/errs"
)

// EntityType identifies the class of entity an event is about.
type EntityType string

const (
	// EntityNFT identifies a single token.
	EntityNFT EntityType = "nft"
	// EntityCollection identifies a token collection.
	EntityCollection EntityType = "collection"
	// EntityCreator identifies a creator account.
	EntityCreator EntityType = "creator"
	// EntityMarket identifies a marketplace-wide scope.
	EntityMarket EntityType = "market"
)

// Valid reports whether the entity type is part of the closed set.
func (t EntityType) Valid() bool {
	switch t {
	case EntityNFT, EntityCollection, EntityCreator, EntityMarket:
		return true
	default:
		return false
	}
}

// Source identifies the upstream system an event originated from.
type Source string

const (
	// SourceBlockchain marks events from the chain monitor.
	SourceBlockchain Source = "blockchain"
	// SourceFraudDetection marks events from the fraud-detection webhook.
	SourceFraudDetection Source = "fraudDetection"
	// SourceSocialMedia marks events from the social-media poller.
	SourceSocialMedia Source = "socialMedia"
	// SourceMarketCondition marks events from the marketplace poller.
	SourceMarketCondition Source = "marketCondition"
)

// Valid reports whether the source is part of the closed set.
func (s Source) Valid() bool {
	switch s {
	case SourceBlockchain, SourceFraudDetection, SourceSocialMedia, SourceMarketCondition:
		return true
	default:
		return false
	}
}

// Topic names a queue-manager topic.
type Topic string

const (
	// TopicBlockchain queues chain-sourced update events.
	TopicBlockchain Topic = "blockchain"
	// TopicFraudDetection queues fraud-sourced update events.
	TopicFraudDetection Topic = "fraud_detection"
	// TopicSocialMedia queues social-sourced update events.
	TopicSocialMedia Topic = "social_media"
	// TopicMarketCondition queues market-sourced update events.
	TopicMarketCondition Topic = "market_condition"
	// TopicHighPriority queues events escalated above their source topic.
	TopicHighPriority Topic = "high_priority"
	// TopicDeadLetter receives events that exhausted their retry budget.
	TopicDeadLetter Topic = "dead_letter"
)

// TopicFor maps a source to its update topic.
func TopicFor(src Source) Topic {
	switch src {
	case SourceBlockchain:
		return TopicBlockchain
	case SourceFraudDetection:
		return TopicFraudDetection
	case SourceSocialMedia:
		return TopicSocialMedia
	case SourceMarketCondition:
		return TopicMarketCondition
	default:
		return TopicBlockchain
	}
}

// SemanticKey identifies the conflation stream an event belongs to.
type SemanticKey struct {
	EntityType EntityType
	EntityID   string
	Type       EventType
}

// Event is the atomic unit of work flowing through the pipeline.
//
// Payloads are treated as immutable once normalized by an adapter; Clone
// therefore copies the record and shares the payload.
type Event struct {
	ID         string     `json:"id"`
	Type       EventType  `json:"eventType"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Source     Source     `json:"source"`
	// Timestamp is milliseconds since epoch, set at normalization.
	Timestamp int64 `json:"timestamp"`
	// Priority is assigned once by the prioritizer and fixed afterwards.
	Priority *int `json:"priority,omitempty"`
	// ReceivedAt is set by the engine on ingestion and carried in-record so the
	// dispatcher can derive end-to-end latency without a shared side map.
	ReceivedAt time.Time `json:"-"`
	Payload    Payload   `json:"data,omitempty"`
}

// Key returns the semantic key used for conflation and partitioning.
func (e *Event) Key() SemanticKey {
	return SemanticKey{EntityType: e.EntityType, EntityID: e.EntityID, Type: e.Type}
}

// Topic returns the update topic derived from the event source.
func (e *Event) Topic() Topic {
	return TopicFor(e.Source)
}

// HasPriority reports whether the prioritizer already ran on this event.
func (e *Event) HasPriority() bool {
	return e != nil && e.Priority != nil
}

// PriorityValue returns the assigned priority, or fallback when unassigned.
func (e *Event) PriorityValue(fallback int) int {
	if e == nil || e.Priority == nil {
		return fallback
	}
	return *e.Priority
}

// SetPriority assigns the priority scalar. The first assignment wins.
func (e *Event) SetPriority(p int) {
	if e == nil || e.Priority != nil {
		return
	}
	v := p
	e.Priority = &v
}

// Clone returns a copy of the event sharing the immutable payload.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	dup := *e
	if e.Priority != nil {
		v := *e.Priority
		dup.Priority = &v
	}
	return &dup
}

// Validate ensures the record satisfies the event invariants.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CategoryValidation, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("schema/event", errs.CategoryValidation, errs.WithMessage("event id required"))
	}
	if !e.Type.Valid() {
		return errs.New("schema/event", errs.CategoryValidation,
			errs.WithMessage("unknown event type"), errs.WithContext("event_type", string(e.Type)))
	}
	if !e.EntityType.Valid() {
		return errs.New("schema/event", errs.CategoryValidation,
			errs.WithMessage("unknown entity type"), errs.WithContext("entity_type", string(e.EntityType)))
	}
	if strings.TrimSpace(e.EntityID) == "" {
		return errs.New("schema/event", errs.CategoryValidation, errs.WithMessage("entity id required"))
	}
	if !e.Source.Valid() {
		return errs.New("schema/event", errs.CategoryValidation,
			errs.WithMessage("unknown source"), errs.WithContext("source", string(e.Source)))
	}
	if e.Timestamp <= 0 {
		return errs.New("schema/event", errs.CategoryValidation, errs.WithMessage("timestamp required"))
	}
	return nil
}
