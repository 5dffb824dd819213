// Package server exposes the operational HTTP surface: pipeline status,
// manual interventions, and the fraud webhook mount.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/capacity"
	"github.com/coralix/trustflow/internal/faults"
	"github.com/coralix/trustflow/internal/monitor"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/queue"
	"github.com/coralix/trustflow/internal/schema"
)

// Intervention actions accepted on POST /intervention.
const (
	ActionRetryError        = "retry_error"
	ActionScaleCapacity     = "scale_capacity"
	ActionVerifySystemState = "verify_system_state"
)

// QueueStatus is the queue-manager surface the server reads and drives.
type QueueStatus interface {
	Stats() map[schema.Topic]queue.Stats
	Depths() map[schema.Topic]int
	TotalDepth() int
	IsLive(id string) bool
	DeadLetters(limit int) []*schema.Event
	Enqueue(ctx context.Context, e *schema.Event) error
}

// FaultStatus is the error-handler surface the server reads and drives.
type FaultStatus interface {
	Unresolved() []faults.Record
	CountsByCategory() map[errs.Category]int
	Record(id string) (faults.Record, bool)
	Resolve(id string) error
	VerifyState(queues faults.QueueInspector) []faults.Issue
}

// MonitorStatus supplies metric summaries for the status report.
type MonitorStatus interface {
	Snapshot() map[string]monitor.Summary
}

// CapacityStatus is the capacity-manager surface the server reads and drives.
type CapacityStatus interface {
	Allocation() config.Allocation
	SheddingActive() bool
	ScheduledChanges() []capacity.ScheduledChange
	Schedule(at time.Time, allocation config.Allocation) (string, error)
}

// Deps wires the pipeline components into the server. FraudWebhook may be nil
// when the push adapter is disabled.
type Deps struct {
	Queue        QueueStatus
	Faults       FaultStatus
	Monitor      MonitorStatus
	Capacity     CapacityStatus
	FraudWebhook http.Handler
}

// Server is the operational HTTP listener.
type Server struct {
	cfg   config.ServerConfig
	deps  Deps
	clock func() time.Time
	http  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs the server. Listening starts with Run.
func New(cfg config.ServerConfig, deps Deps, opts ...Option) *Server {
	s := new(Server)
	s.cfg = cfg
	s.deps = deps
	s.clock = time.Now
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /intervention", s.handleIntervention)
	if s.deps.FraudWebhook != nil {
		mux.Handle("POST /webhooks/fraud", s.deps.FraudWebhook)
	}
	return mux
}

// Run serves until ctx ends, then drains with a shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	observability.Log().Info("ops server listening", observability.F("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return errs.New("server", errs.CategorySystem,
			errs.WithMessage("listener failed"), errs.WithCause(err))
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type statusReport struct {
	Time       time.Time                    `json:"time"`
	Queues     map[schema.Topic]queue.Stats `json:"queues"`
	TotalDepth int                          `json:"totalDepth"`
	Metrics    map[string]monitor.Summary   `json:"metrics"`
	Allocation config.Allocation            `json:"allocation"`
	Shedding   bool                         `json:"loadShedding"`
	Scheduled  []capacity.ScheduledChange   `json:"scheduledChanges"`
	Faults     []faults.Record              `json:"unresolvedFaults"`
	FaultTally map[errs.Category]int        `json:"faultsByCategory"`
	State      systemState                  `json:"systemState"`
}

type systemState struct {
	Consistent bool           `json:"consistent"`
	Issues     []faults.Issue `json:"issues"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := statusReport{
		Time:       s.clock(),
		Queues:     s.deps.Queue.Stats(),
		TotalDepth: s.deps.Queue.TotalDepth(),
		Metrics:    s.deps.Monitor.Snapshot(),
		Allocation: s.deps.Capacity.Allocation(),
		Shedding:   s.deps.Capacity.SheddingActive(),
		Scheduled:  s.deps.Capacity.ScheduledChanges(),
		Faults:     s.deps.Faults.Unresolved(),
		FaultTally: s.deps.Faults.CountsByCategory(),
	}
	issues := s.deps.Faults.VerifyState(s.deps.Queue)
	report.State = systemState{Consistent: len(issues) == 0, Issues: issues}
	writeJSON(w, http.StatusOK, report)
}

type interventionRequest struct {
	Action     string             `json:"action"`
	FaultID    string             `json:"faultId,omitempty"`
	Allocation *config.Allocation `json:"allocation,omitempty"`
	// At schedules a capacity change for a future instant; immediate when
	// empty.
	At string `json:"at,omitempty"`
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	var req interventionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	switch strings.TrimSpace(req.Action) {
	case ActionRetryError:
		s.retryError(w, r, req)
	case ActionScaleCapacity:
		s.scaleCapacity(w, req)
	case ActionVerifySystemState:
		issues := s.deps.Faults.VerifyState(s.deps.Queue)
		writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

// retryError resolves the fault and, when the fault pins a dead-lettered
// event, feeds that event back through the queue.
func (s *Server) retryError(w http.ResponseWriter, r *http.Request, req interventionRequest) {
	if req.FaultID == "" {
		writeError(w, http.StatusBadRequest, "faultId required")
		return
	}
	record, found := s.deps.Faults.Record(req.FaultID)
	if !found {
		writeError(w, http.StatusNotFound, "fault not found")
		return
	}
	if err := s.deps.Faults.Resolve(req.FaultID); err != nil {
		writeError(w, http.StatusNotFound, "fault not found")
		return
	}

	requeued := false
	if record.EventID != "" {
		for _, e := range s.deps.Queue.DeadLetters(0) {
			if e.ID != record.EventID {
				continue
			}
			if err := s.deps.Queue.Enqueue(r.Context(), e); err != nil {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			requeued = true
			break
		}
	}
	observability.Log().Info("fault retried by intervention",
		observability.F("fault_id", req.FaultID),
		observability.F("requeued", requeued))
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "requeued": requeued})
}

func (s *Server) scaleCapacity(w http.ResponseWriter, req interventionRequest) {
	if req.Allocation == nil {
		writeError(w, http.StatusBadRequest, "allocation required")
		return
	}
	at := s.clock()
	if req.At != "" {
		parsed, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC 3339")
			return
		}
		at = parsed
	}
	id, err := s.deps.Capacity.Schedule(at, *req.Allocation)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"changeId": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Log().Error("status encode failed", observability.F("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
