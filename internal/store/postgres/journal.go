// Package postgres persists the queue journal so in-flight events survive a
// restart. The queue manager writes through it; recovery replays pending rows.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is the durable write-through backing for the queue manager.
type Journal struct {
	pool *pgxpool.Pool
}

// Migrate brings the journal schema up to date.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrator: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// New connects the journal to the database.
func New(ctx context.Context, dsn string) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("store/postgres", errs.CategoryDependency,
			errs.WithMessage("connect failed"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("store/postgres", errs.CategoryDependency,
			errs.WithMessage("ping failed"), errs.WithCause(err), errs.WithRetryable())
	}
	return &Journal{pool: pool}, nil
}

// Close releases the connection pool.
func (j *Journal) Close() {
	j.pool.Close()
}

// Append records an admitted event. Re-appending the same event id is a no-op
// so redelivery after a crash stays idempotent.
func (j *Journal) Append(ctx context.Context, topic schema.Topic, e *schema.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return errs.New("store/postgres", errs.CategoryData,
			errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	_, err = j.pool.Exec(ctx, `
		INSERT INTO event_journal
			(event_id, topic, event_type, entity_type, entity_id, source, priority, event_ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING`,
		e.ID, string(topic), string(e.Type), string(e.EntityType), e.EntityID,
		string(e.Source), e.Priority, e.Timestamp, payload)
	if err != nil {
		return errs.New("store/postgres", errs.CategoryDependency,
			errs.WithMessage("append failed"), errs.WithCause(err), errs.WithRetryable())
	}
	return nil
}

// MarkProcessed finalizes a delivered event.
func (j *Journal) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := j.pool.Exec(ctx, `
		UPDATE event_journal
		SET status = 'processed', processed_at = now()
		WHERE event_id = $1`, eventID)
	if err != nil {
		return errs.New("store/postgres", errs.CategoryDependency,
			errs.WithMessage("mark processed failed"), errs.WithCause(err), errs.WithRetryable())
	}
	return nil
}

// MarkDeadLettered finalizes an event that exhausted its retry budget.
func (j *Journal) MarkDeadLettered(ctx context.Context, eventID string, reason string) error {
	_, err := j.pool.Exec(ctx, `
		UPDATE event_journal
		SET status = 'dead_lettered', processed_at = now(), reason = $2
		WHERE event_id = $1`, eventID, reason)
	if err != nil {
		return errs.New("store/postgres", errs.CategoryDependency,
			errs.WithMessage("mark dead-lettered failed"), errs.WithCause(err), errs.WithRetryable())
	}
	return nil
}

// Pending returns journalled events never marked processed or dead-lettered,
// oldest first, for replay after a restart.
func (j *Journal) Pending(ctx context.Context, limit int) ([]*schema.Event, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT event_id, event_type, entity_type, entity_id, source, priority, event_ts, payload
		FROM event_journal
		WHERE status = 'pending'
		ORDER BY appended_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, errs.New("store/postgres", errs.CategoryDependency,
			errs.WithMessage("pending query failed"), errs.WithCause(err), errs.WithRetryable())
	}
	defer rows.Close()

	var out []*schema.Event
	for rows.Next() {
		var (
			e         schema.Event
			eventType string
			entity    string
			source    string
			priority  *int
			raw       []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &entity, &e.EntityID, &source, &priority, &e.Timestamp, &raw); err != nil {
			return nil, errs.New("store/postgres", errs.CategoryData,
				errs.WithMessage("scan journal row"), errs.WithCause(err))
		}
		e.Type = schema.EventType(eventType)
		e.EntityType = schema.EntityType(entity)
		e.Source = schema.Source(source)
		e.Priority = priority
		payload, err := decodePayload(e.Type, raw)
		if err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("store/postgres", errs.CategoryDependency,
			errs.WithMessage("pending rows failed"), errs.WithCause(err), errs.WithRetryable())
	}
	return out, nil
}

// decodePayload rehydrates the typed payload from its journalled JSON. The
// payload family follows from the event type.
func decodePayload(t schema.EventType, raw []byte) (schema.Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if t.IsNotification() {
		return decodeAs[schema.NotificationPayload](t, raw)
	}
	switch {
	case t.IsFraud():
		return decodeAs[schema.FraudPayload](t, raw)
	case strings.HasPrefix(string(t), "social_"):
		return decodeAs[schema.SocialDeltaPayload](t, raw)
	}
	switch t {
	case schema.EventNFTSale, schema.EventCollectionPriceUpdate, schema.EventMarketSimilarNFTSale:
		return decodeAs[schema.SalePayload](t, raw)
	case schema.EventNFTTransfer, schema.EventNFTMint:
		return decodeAs[schema.TransferPayload](t, raw)
	case schema.EventContractUpdate, schema.EventCreatorActivity:
		return decodeAs[schema.ContractPayload](t, raw)
	default:
		return decodeAs[schema.MarketDeltaPayload](t, raw)
	}
}

func decodeAs[T schema.Payload](t schema.EventType, raw []byte) (schema.Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.New("store/postgres", errs.CategoryData,
			errs.WithMessage("decode payload"), errs.WithCause(err),
			errs.WithContext("event_type", string(t)))
	}
	return p, nil
}
