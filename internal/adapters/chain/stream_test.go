package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/schema"
)

type sink struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (s *sink) emit(_ context.Context, e *schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sink) last(t *testing.T) *schema.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		t.Fatal("no events emitted")
	}
	return s.events[len(s.events)-1]
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestStream(t *testing.T, emit func(context.Context, *schema.Event) error, opts ...Option) *Stream {
	t.Helper()
	cfg := config.ChainAdapterConfig{Enabled: true, URL: "ws://localhost:9999/stream"}
	s, err := New(cfg, emit, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestHandleNormalizesSale(t *testing.T) {
	out := &sink{}
	s := newTestStream(t, out.emit)

	s.Handle(context.Background(), []byte(`{
		"id":"evt-1","type":"nft_sale","nftId":"nft-42","price":"1.25","currency":"ETH",
		"buyer":"0xb","seller":"0xs","marketplace":"opensea","txHash":"0xt","timestamp":1700000000000
	}`))

	e := out.last(t)
	if e.Type != schema.EventNFTSale || e.EntityType != schema.EntityNFT || e.EntityID != "nft-42" {
		t.Errorf("event = %+v", e)
	}
	if e.Source != schema.SourceBlockchain || e.Timestamp != 1700000000000 {
		t.Errorf("event = %+v", e)
	}
	price, ok := e.Price()
	if !ok || price.String() != "1.25" {
		t.Errorf("price = %v,%v", price, ok)
	}
}

func TestHandleNormalizesTransferAndMint(t *testing.T) {
	out := &sink{}
	s := newTestStream(t, out.emit)

	s.Handle(context.Background(), []byte(`{"type":"nft_transfer","nftId":"nft-1","from":"0xa","to":"0xb","txHash":"0xt"}`))
	if e := out.last(t); e.Type != schema.EventNFTTransfer {
		t.Errorf("type = %s", e.Type)
	}

	s.Handle(context.Background(), []byte(`{"type":"nft_mint","nftId":"nft-2","to":"0xc"}`))
	e := out.last(t)
	if e.Type != schema.EventNFTMint {
		t.Errorf("type = %s", e.Type)
	}
	if e.ID == "" {
		t.Error("missing wire id should be filled in")
	}
	payload, ok := e.Payload.(schema.TransferPayload)
	if !ok || payload.To != "0xc" {
		t.Errorf("payload = %+v", e.Payload)
	}
}

func TestHandleNormalizesCreatorAndContract(t *testing.T) {
	out := &sink{}
	s := newTestStream(t, out.emit)

	s.Handle(context.Background(), []byte(`{"type":"creator_activity","creatorId":"creator-1","action":"deploy"}`))
	if e := out.last(t); e.EntityType != schema.EntityCreator || e.EntityID != "creator-1" {
		t.Errorf("event = %+v", e)
	}

	s.Handle(context.Background(), []byte(`{"type":"contract_update","contract":"0xdeadbeef","action":"pause"}`))
	e := out.last(t)
	if e.EntityType != schema.EntityCollection || e.EntityID != "0xdeadbeef" {
		t.Errorf("contract fallback entity = %+v", e)
	}
}

func TestHandleDiscardsMalformedMessages(t *testing.T) {
	out := &sink{}
	s := newTestStream(t, out.emit)
	ctx := context.Background()

	cases := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"type":"unknown_kind","nftId":"nft-1"}`),
		[]byte(`{"type":"nft_sale","nftId":"nft-1","price":"not-a-number"}`),
		[]byte(`{"type":"nft_sale","price":"1.0"}`),
		[]byte(`{"type":"nft_transfer","nftId":"nft-1"}`),
		[]byte(`{"type":"collection_price_update","price":"1.0"}`),
	}
	for _, raw := range cases {
		s.Handle(ctx, raw)
	}
	if out.count() != 0 {
		t.Errorf("events = %d, want all discarded", out.count())
	}
}

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection reset")
	case frame, ok := <-c.frames:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return frame, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestRunReconnectsAfterSessionLoss(t *testing.T) {
	out := &sink{}
	var mu sync.Mutex
	var dials int
	conns := make(chan *fakeConn, 4)

	dial := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// First attempt fails so the loop exercises backoff.
			return nil, errors.New("connection refused")
		}
		conn := &fakeConn{frames: make(chan []byte, 4), closed: make(chan struct{})}
		conns <- conn
		return conn, nil
	}

	var faults []string
	s := newTestStream(t, out.emit,
		WithDialer(dial),
		WithFaultFunc(func(_ error, operation string) {
			mu.Lock()
			faults = append(faults, operation)
			mu.Unlock()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	first := <-conns
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("stream never became ready")
	}
	first.frames <- []byte(`{"type":"nft_mint","nftId":"nft-1","to":"0xa"}`)

	deadline := time.Now().Add(3 * time.Second)
	for out.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no event from the first session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Drop the session and expect a fresh dial.
	close(first.frames)
	var second *fakeConn
	select {
	case second = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("stream never reconnected")
	}
	second.frames <- []byte(`{"type":"nft_mint","nftId":"nft-2","to":"0xb"}`)

	for out.count() < 2 {
		if time.Now().After(deadline.Add(3 * time.Second)) {
			t.Fatal("no event from the second session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if dials < 3 {
		t.Errorf("dials = %d, want failed dial plus two sessions", dials)
	}
	if len(faults) == 0 {
		t.Error("connection failures should escalate")
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(config.ChainAdapterConfig{}, (&sink{}).emit); err == nil {
		t.Error("missing url accepted")
	}
	if _, err := New(config.ChainAdapterConfig{URL: "ws://x"}, nil); err == nil {
		t.Error("missing emit accepted")
	}
}
