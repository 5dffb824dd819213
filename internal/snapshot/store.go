// Package snapshot stores the last polled observation per monitored entity.
package snapshot

import (
	"context"
	"strings"
	"time"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/schema"
)

// Key identifies a snapshot record.
type Key struct {
	EntityType schema.EntityType
	EntityID   string
	Provider   string
}

// Record represents the polled state of one entity as seen by one provider.
type Record struct {
	Key       Key
	// Values holds the latest observation per metric name.
	Values    map[string]float64
	// History holds a bounded window of prior observations per metric,
	// oldest first, used for sigma baselines.
	History   map[string][]float64
	Version   uint64
	UpdatedAt time.Time
}

// Store defines the snapshot store contract.
type Store interface {
	Get(ctx context.Context, key Key) (Record, bool, error)
	Put(ctx context.Context, record Record) (Record, error)
}

// Validate ensures the key identifies a monitorable entity.
func (k Key) Validate() error {
	if !k.EntityType.Valid() {
		return errs.New("snapshot/key", errs.CategoryValidation, errs.WithMessage("unknown entity type"))
	}
	if strings.TrimSpace(k.EntityID) == "" {
		return errs.New("snapshot/key", errs.CategoryValidation, errs.WithMessage("entity id required"))
	}
	if strings.TrimSpace(k.Provider) == "" {
		return errs.New("snapshot/key", errs.CategoryValidation, errs.WithMessage("provider required"))
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	clone := r
	clone.Values = make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		clone.Values[k] = v
	}
	clone.History = make(map[string][]float64, len(r.History))
	for k, v := range r.History {
		clone.History[k] = append([]float64(nil), v...)
	}
	return clone
}

// AppendHistory pushes the value onto the metric history, trimming to window.
func (r *Record) AppendHistory(metric string, value float64, window int) {
	if r.History == nil {
		r.History = make(map[string][]float64, 1)
	}
	hist := append(r.History[metric], value)
	if window > 0 && len(hist) > window {
		hist = hist[len(hist)-window:]
	}
	r.History[metric] = hist
}
