// Package chain subscribes to the blockchain monitor's websocket feed and
// normalizes on-chain activity into pipeline events.
package chain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/adapters"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/telemetry"
)

const (
	maxMessageBytes    = 1 << 20
	maxReconnectPause  = 30 * time.Second
	initialDialBackoff = 500 * time.Millisecond
)

// Conn is the read surface of one websocket session.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a websocket session. Swappable in tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageBytes)
	return &wsConn{conn: conn}, nil
}

// chainMessage is the wire format pushed by the blockchain monitor.
type chainMessage struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	NFTID        string `json:"nftId"`
	CollectionID string `json:"collectionId"`
	CreatorID    string `json:"creatorId"`
	From         string `json:"from"`
	To           string `json:"to"`
	TxHash       string `json:"txHash"`
	Price        string `json:"price"`
	Currency     string `json:"currency"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Marketplace  string `json:"marketplace"`
	Contract     string `json:"contract"`
	Action       string `json:"action"`
	Detail       string `json:"detail"`
	Timestamp    int64  `json:"timestamp"`
}

// Stream owns the websocket session and its reconnect loop.
type Stream struct {
	cfg   config.ChainAdapterConfig
	emit  adapters.EmitFunc
	fault adapters.FaultFunc
	dial  Dialer
	clock func() time.Time

	ready chan struct{}

	messageCounter   metric.Int64Counter
	discardCounter   metric.Int64Counter
	reconnectCounter metric.Int64Counter
}

// Option configures a Stream.
type Option func(*Stream)

// WithDialer swaps the websocket dialer, for tests.
func WithDialer(dial Dialer) Option {
	return func(s *Stream) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Stream) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithFaultFunc installs the fault escalation hook.
func WithFaultFunc(fn adapters.FaultFunc) Option {
	return func(s *Stream) {
		s.fault = fn
	}
}

// New constructs the chain stream adapter.
func New(cfg config.ChainAdapterConfig, emit adapters.EmitFunc, opts ...Option) (*Stream, error) {
	if emit == nil {
		return nil, errs.New("adapter/chain", errs.CategoryValidation, errs.WithMessage("emit func required"))
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.New("adapter/chain", errs.CategoryValidation, errs.WithMessage("stream url required"))
	}
	s := new(Stream)
	s.cfg = cfg
	s.emit = emit
	s.dial = dialWebsocket
	s.clock = time.Now
	s.ready = make(chan struct{})

	meter := otel.Meter("adapter.chain")
	s.messageCounter, _ = meter.Int64Counter("adapter.chain.messages",
		metric.WithDescription("Number of stream messages normalized into events"),
		metric.WithUnit("{message}"))
	s.discardCounter, _ = meter.Int64Counter("adapter.chain.discarded",
		metric.WithDescription("Number of stream messages discarded as malformed"),
		metric.WithUnit("{message}"))
	s.reconnectCounter, _ = meter.Int64Counter("adapter.chain.reconnects",
		metric.WithDescription("Number of websocket reconnect attempts"),
		metric.WithUnit("{attempt}"))

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Ready closes once the first session is established.
func (s *Stream) Ready() <-chan struct{} {
	return s.ready
}

// Run maintains the websocket session until ctx ends, reconnecting with
// exponential backoff after connection loss.
func (s *Stream) Run(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = initialDialBackoff
	backoffCfg.MaxInterval = maxReconnectPause

	var readyOnce sync.Once
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx, s.cfg.URL)
		if err != nil {
			if s.reconnectCounter != nil {
				s.reconnectCounter.Add(ctx, 1)
			}
			if s.fault != nil {
				s.fault(errs.New("adapter/chain", errs.CategoryConnection,
					errs.WithMessage("stream dial failed"), errs.WithCause(err), errs.WithRetryable()), "adapter/chain")
			}
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectPause
			}
			observability.Log().Error("chain stream dial failed",
				observability.F("url", s.cfg.URL),
				observability.F("retry_in", sleep),
				observability.F("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}

		backoffCfg.Reset()
		readyOnce.Do(func() { close(s.ready) })
		observability.Log().Info("chain stream connected", observability.F("url", s.cfg.URL))

		if err := s.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			observability.Log().Error("chain stream session ended",
				observability.F("error", err))
			if s.fault != nil {
				s.fault(errs.New("adapter/chain", errs.CategoryConnection,
					errs.WithMessage("stream session lost"), errs.WithCause(err), errs.WithRetryable()), "adapter/chain")
			}
		}
		_ = conn.Close()
	}
}

func (s *Stream) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.Handle(ctx, data)
	}
}

// Handle normalizes one raw stream message. Malformed messages are discarded;
// a bad message must not tear the session down.
func (s *Stream) Handle(ctx context.Context, data []byte) {
	var msg chainMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.discard(ctx, "malformed json")
		return
	}
	event, err := s.normalize(msg)
	if err != nil {
		s.discard(ctx, err.Error())
		return
	}
	if err := s.emit(ctx, event); err != nil {
		if s.fault != nil {
			s.fault(err, "adapter/chain")
		}
		return
	}
	if s.messageCounter != nil {
		s.messageCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventType.String(string(event.Type))))
	}
}

func (s *Stream) discard(ctx context.Context, reason string) {
	if s.discardCounter != nil {
		s.discardCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrReason.String(reason)))
	}
	observability.Log().Debug("discarding chain message",
		observability.F("reason", reason))
}

func (s *Stream) normalize(msg chainMessage) (*schema.Event, error) {
	eventType := schema.EventType(msg.Type)
	invalid := func(reason string) (*schema.Event, error) {
		return nil, errs.New("adapter/chain", errs.CategoryData,
			errs.WithMessage(reason), errs.WithContext("type", msg.Type))
	}

	var entityType schema.EntityType
	var entityID string
	var payload schema.Payload
	switch eventType {
	case schema.EventNFTTransfer, schema.EventNFTMint:
		if msg.NFTID == "" || msg.To == "" {
			return invalid("transfer requires nftId and recipient")
		}
		entityType, entityID = schema.EntityNFT, msg.NFTID
		payload = schema.TransferPayload{From: msg.From, To: msg.To, TxHash: msg.TxHash}
	case schema.EventNFTSale:
		if msg.NFTID == "" {
			return invalid("sale requires nftId")
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil || price.IsNegative() {
			return invalid("sale requires a non-negative price")
		}
		entityType, entityID = schema.EntityNFT, msg.NFTID
		payload = schema.SalePayload{
			Price:       price,
			Currency:    msg.Currency,
			Buyer:       msg.Buyer,
			Seller:      msg.Seller,
			Marketplace: msg.Marketplace,
			TxHash:      msg.TxHash,
		}
	case schema.EventCollectionPriceUpdate:
		if msg.CollectionID == "" {
			return invalid("price update requires collectionId")
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil || price.IsNegative() {
			return invalid("price update requires a non-negative price")
		}
		entityType, entityID = schema.EntityCollection, msg.CollectionID
		payload = schema.SalePayload{Price: price, Currency: msg.Currency, Marketplace: msg.Marketplace}
	case schema.EventContractUpdate:
		if msg.Contract == "" {
			return invalid("contract update requires contract")
		}
		entityType, entityID = schema.EntityCollection, msg.CollectionID
		if entityID == "" {
			entityID = msg.Contract
		}
		payload = schema.ContractPayload{Contract: msg.Contract, Action: msg.Action, Detail: msg.Detail}
	case schema.EventCreatorActivity:
		if msg.CreatorID == "" {
			return invalid("creator activity requires creatorId")
		}
		entityType, entityID = schema.EntityCreator, msg.CreatorID
		payload = schema.ContractPayload{Contract: msg.Contract, Action: msg.Action, Detail: msg.Detail}
	default:
		return invalid("unknown chain event type")
	}

	id := strings.TrimSpace(msg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	timestamp := msg.Timestamp
	if timestamp <= 0 {
		timestamp = s.clock().UnixMilli()
	}
	return &schema.Event{
		ID:         id,
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     schema.SourceBlockchain,
		Timestamp:  timestamp,
		Payload:    payload,
	}, nil
}
