// Package dispatch fans events out to registered downstream handlers.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/schema"
)

// Wildcard matches any event kind or entity type in a registration.
const Wildcard = "*"

// Handler is the downstream contract invoked for each delivered event.
type Handler func(ctx context.Context, e *schema.Event) error

// Registration declares which events a handler accepts and how it runs.
type Registration struct {
	Name string
	// Kinds is the set of accepted event types; a single "*" accepts all.
	Kinds []string
	// EntityTypes is the set of accepted entity types; a single "*" accepts all.
	EntityTypes []string
	// RequiresSync handlers block the dispatch loop; async handlers run
	// concurrently under the dispatch timeout.
	RequiresSync bool
	// Priority orders handler invocation, highest first.
	Priority int
	Handler  Handler
}

type registered struct {
	Registration
	id  string
	seq uint64
}

func (r *registered) matches(e *schema.Event) bool {
	return matchSet(r.Kinds, string(e.Type)) && matchSet(r.EntityTypes, string(e.EntityType))
}

func matchSet(set []string, value string) bool {
	for _, s := range set {
		if s == Wildcard || s == value {
			return true
		}
	}
	return false
}

// Registry holds handler registrations. Reads take a snapshot; updates copy
// on write so dispatch never blocks behind registration churn.
type Registry struct {
	mu      sync.Mutex
	seq     uint64
	entries []*registered
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler and returns its registration id.
func (r *Registry) Register(reg Registration) (string, error) {
	if strings.TrimSpace(reg.Name) == "" {
		return "", errs.New("dispatch/register", errs.CategoryValidation, errs.WithMessage("handler name required"))
	}
	if reg.Handler == nil {
		return "", errs.New("dispatch/register", errs.CategoryValidation, errs.WithMessage("handler func required"))
	}
	if len(reg.Kinds) == 0 {
		return "", errs.New("dispatch/register", errs.CategoryValidation, errs.WithMessage("at least one event kind required"))
	}
	if len(reg.EntityTypes) == 0 {
		return "", errs.New("dispatch/register", errs.CategoryValidation, errs.WithMessage("at least one entity type required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.Name == reg.Name {
			return "", errs.New("dispatch/register", errs.CategoryValidation,
				errs.WithMessage("handler name already registered"), errs.WithContext("name", reg.Name))
		}
	}
	r.seq++
	entry := &registered{Registration: reg, id: uuid.NewString(), seq: r.seq}
	next := make([]*registered, len(r.entries), len(r.entries)+1)
	copy(next, r.entries)
	r.entries = append(next, entry)
	return entry.id, nil
}

// Unregister revokes a registration by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, entry := range r.entries {
		if entry.id == id {
			next := make([]*registered, 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			next = append(next, r.entries[i+1:]...)
			r.entries = next
			return nil
		}
	}
	return errs.New("dispatch/unregister", errs.CategoryValidation,
		errs.WithReason(errs.ReasonNotFound), errs.WithMessage("unknown registration id"))
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Invoke delivers the event to one named handler, bypassing matching. The
// fault handler's retry scheduler uses it to re-run a failed delivery.
func (r *Registry) Invoke(ctx context.Context, name string, e *schema.Event) error {
	r.mu.Lock()
	var target Handler
	for _, entry := range r.entries {
		if entry.Name == name {
			target = entry.Handler
			break
		}
	}
	r.mu.Unlock()
	if target == nil {
		return errs.New("dispatch/invoke", errs.CategoryValidation,
			errs.WithReason(errs.ReasonNotFound),
			errs.WithMessage("unknown handler"),
			errs.WithContext("name", name))
	}
	return target(ctx, e)
}

// match returns the handlers accepting the event, priority-ordered.
func (r *Registry) match(e *schema.Event) []*registered {
	r.mu.Lock()
	snapshot := r.entries
	r.mu.Unlock()

	matched := make([]*registered, 0, len(snapshot))
	for _, entry := range snapshot {
		if entry.matches(e) {
			matched = append(matched, entry)
		}
	}
	// Highest priority first; ties break on registration order.
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}
