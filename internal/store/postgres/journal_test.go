package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coralix/trustflow/internal/schema"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "trustflow",
			"POSTGRES_PASSWORD": "trustflow",
			"POSTGRES_DB":       "trustflow",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://trustflow:trustflow@%s:%s/trustflow?sslmode=disable", host, port.Port())
}

func saleEvent(id string) *schema.Event {
	priority := 7
	return &schema.Event{
		ID:         id,
		Type:       schema.EventNFTSale,
		EntityType: schema.EntityNFT,
		EntityID:   "nft-1",
		Source:     schema.SourceBlockchain,
		Timestamp:  time.Now().UnixMilli(),
		Priority:   &priority,
		Payload: schema.SalePayload{
			Price:    decimal.RequireFromString("2.5"),
			Currency: "ETH",
			Buyer:    "0xb",
		},
	}
}

func TestJournalLifecycle(t *testing.T) {
	dsn := startPostgres(t)
	require.NoError(t, Migrate(dsn))
	// Re-running migrations must be a no-op.
	require.NoError(t, Migrate(dsn))

	ctx := context.Background()
	j, err := New(ctx, dsn)
	require.NoError(t, err)
	defer j.Close()

	pending := saleEvent("evt-pending")
	processed := saleEvent("evt-processed")
	dead := saleEvent("evt-dead")
	for _, e := range []*schema.Event{pending, processed, dead} {
		require.NoError(t, j.Append(ctx, e.Topic(), e))
	}
	// Redelivery of an already journalled event is idempotent.
	require.NoError(t, j.Append(ctx, pending.Topic(), pending))

	require.NoError(t, j.MarkProcessed(ctx, processed.ID))
	require.NoError(t, j.MarkDeadLettered(ctx, dead.ID, "handler exhausted retries"))

	replay, err := j.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, replay, 1)

	got := replay[0]
	require.Equal(t, pending.ID, got.ID)
	require.Equal(t, schema.EventNFTSale, got.Type)
	require.Equal(t, schema.EntityNFT, got.EntityType)
	require.NotNil(t, got.Priority)
	require.Equal(t, 7, *got.Priority)

	payload, ok := got.Payload.(schema.SalePayload)
	require.True(t, ok, "payload rehydrated as %T", got.Payload)
	require.Equal(t, "2.5", payload.Price.String())
	require.Equal(t, "ETH", payload.Currency)
}

func TestPendingRehydratesPayloadFamilies(t *testing.T) {
	dsn := startPostgres(t)
	require.NoError(t, Migrate(dsn))

	ctx := context.Background()
	j, err := New(ctx, dsn)
	require.NoError(t, err)
	defer j.Close()

	fraud := &schema.Event{
		ID:         "evt-fraud",
		Type:       schema.EventFraudWashTrading,
		EntityType: schema.EntityNFT,
		EntityID:   "nft-9",
		Source:     schema.SourceFraudDetection,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    schema.FraudPayload{Confidence: 0.91, InvolvedAddresses: []string{"0xa", "0xb"}},
	}
	social := &schema.Event{
		ID:         "evt-social",
		Type:       schema.EventSocialFollowerChange,
		EntityType: schema.EntityCreator,
		EntityID:   "creator-1",
		Source:     schema.SourceSocialMedia,
		Timestamp:  time.Now().UnixMilli(),
		Payload: schema.SocialDeltaPayload{
			Metric: "followers", Previous: 100, Current: 150, Delta: 50,
			Direction: schema.DirectionUp,
		},
	}
	for _, e := range []*schema.Event{fraud, social} {
		require.NoError(t, j.Append(ctx, e.Topic(), e))
	}

	replay, err := j.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, replay, 2)

	byID := map[string]*schema.Event{}
	for _, e := range replay {
		byID[e.ID] = e
	}
	fraudPayload, ok := byID["evt-fraud"].Payload.(schema.FraudPayload)
	require.True(t, ok)
	require.Equal(t, 0.91, fraudPayload.Confidence)
	require.Equal(t, []string{"0xa", "0xb"}, fraudPayload.InvolvedAddresses)

	socialPayload, ok := byID["evt-social"].Payload.(schema.SocialDeltaPayload)
	require.True(t, ok)
	require.Equal(t, schema.DirectionUp, socialPayload.Direction)
	require.Equal(t, 150.0, socialPayload.Current)
}
