// Package queue implements the topic-based event queue manager: bounded
// enqueue, deduplication, conflation, partitioned draining, retries with
// exponential backoff, and dead-letter escalation.
package queue

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/schema"
	"github.com/coralix/trustflow/internal/telemetry"
)

const (
	// HighPriorityFloor escalates events at or above this priority onto the
	// high_priority topic regardless of source.
	HighPriorityFloor = 9

	// ewmaAlpha weights new processing-time samples.
	ewmaAlpha = 0.3

	// deadLetterRetention caps the inspectable dead-letter tail.
	deadLetterRetention = 1000
)

// ProcessFunc consumes a drained batch. The returned slice reports per-event
// outcomes positionally; a nil entry (or a slice shorter than the batch)
// marks the event as processed.
type ProcessFunc func(ctx context.Context, batch []*schema.Event) []error

// DeadLetterFunc receives events that exhausted their retry budget.
type DeadLetterFunc func(e *schema.Event, err error)

// Journal durably records queue transitions. All calls are best effort: a
// journal failure is logged, never surfaced to the enqueue path.
type Journal interface {
	Append(ctx context.Context, topic schema.Topic, e *schema.Event) error
	MarkProcessed(ctx context.Context, eventID string) error
	MarkDeadLettered(ctx context.Context, eventID string, reason string) error
}

// Stats is a point-in-time snapshot of one topic queue.
type Stats struct {
	Topic            schema.Topic `json:"topic"`
	Depth            int          `json:"depth"`
	Enqueued         uint64       `json:"enqueued"`
	Processed        uint64       `json:"processed"`
	Failed           uint64       `json:"failed"`
	Retried          uint64       `json:"retried"`
	DeadLettered     uint64       `json:"deadLettered"`
	Duplicates       uint64       `json:"duplicates"`
	Conflated        uint64       `json:"conflated"`
	Shed             uint64       `json:"shed"`
	AvgProcessingMs  float64      `json:"avgProcessingMs"`
	ThroughputPerSec float64      `json:"throughputPerSec"`
	LastDrainedAt    time.Time    `json:"lastDrainedAt"`
}

type entry struct {
	event    *schema.Event
	attempts int
}

type topicState struct {
	name      schema.Topic
	drainable bool
	wake      chan struct{}

	mu      sync.Mutex
	entries []*entry
	byKey   map[schema.SemanticKey]*entry
	stats   Stats
	ewmaSet bool
}

// Manager owns the per-topic queues and their drain workers. Topics are
// created on demand; the dead_letter topic accumulates without draining.
type Manager struct {
	cfg     config.QueueConfig
	clock   func() time.Time
	process ProcessFunc
	journal Journal
	onDead  DeadLetterFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	concurrency   atomic.Int64
	batchSize     atomic.Int64
	priorityFloor atomic.Int64

	mu     sync.Mutex
	live   map[string]schema.Topic
	topics map[schema.Topic]*topicState

	enqueuedCounter   metric.Int64Counter
	droppedCounter    metric.Int64Counter
	deadLetterCounter metric.Int64Counter
	processDuration   metric.Float64Histogram
	depthGauge        metric.Int64ObservableGauge
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithJournal installs a durable queue journal.
func WithJournal(journal Journal) Option {
	return func(m *Manager) {
		m.journal = journal
	}
}

// WithDeadLetterFunc installs the dead-letter escalation hook.
func WithDeadLetterFunc(fn DeadLetterFunc) Option {
	return func(m *Manager) {
		m.onDead = fn
	}
}

// WithConcurrency sets the initial per-topic drain concurrency.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency.Store(int64(n))
		}
	}
}

// NewManager constructs a Manager draining into process.
func NewManager(cfg config.QueueConfig, process ProcessFunc, opts ...Option) (*Manager, error) {
	if process == nil {
		return nil, errs.New("queue", errs.CategoryValidation, errs.WithMessage("process func required"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := new(Manager)
	m.cfg = cfg
	m.clock = time.Now
	m.process = process
	m.ctx = ctx
	m.cancel = cancel
	m.live = make(map[string]schema.Topic, 1024)
	m.topics = make(map[schema.Topic]*topicState, 8)
	m.concurrency.Store(int64(cfg.PartitionCount))
	m.batchSize.Store(int64(cfg.MaxBatchSize))
	m.priorityFloor.Store(-1)

	meter := otel.Meter("queue")
	m.enqueuedCounter, _ = meter.Int64Counter("queue.events.enqueued",
		metric.WithDescription("Number of events accepted onto topic queues"),
		metric.WithUnit("{event}"))
	m.droppedCounter, _ = meter.Int64Counter("queue.events.dropped",
		metric.WithDescription("Number of events rejected at enqueue"),
		metric.WithUnit("{event}"))
	m.deadLetterCounter, _ = meter.Int64Counter("queue.events.dead_lettered",
		metric.WithDescription("Number of events moved to the dead_letter topic"),
		metric.WithUnit("{event}"))
	m.processDuration, _ = meter.Float64Histogram("queue.processing.duration",
		metric.WithDescription("Per-event processing duration"),
		metric.WithUnit("ms"))
	m.depthGauge, _ = meter.Int64ObservableGauge("queue.depth",
		metric.WithDescription("Current queue depth across topics"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			for topic, depth := range m.Depths() {
				observer.Observe(int64(depth), metric.WithAttributes(telemetry.TopicAttributes(string(topic))...))
			}
			return nil
		}))

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Enqueue validates and queues the event onto its topic. Duplicates of live
// events are accepted silently; a full topic fails fast without mutation.
func (m *Manager) Enqueue(ctx context.Context, e *schema.Event) error {
	if m.closed.Load() {
		return errs.New("queue", errs.CategorySystem, errs.WithReason(errs.ReasonClosed), errs.WithMessage("queue manager closed"))
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if floor := m.priorityFloor.Load(); floor >= 0 && int64(e.PriorityValue(0)) < floor {
		m.recordDrop(ctx, e, errs.ReasonShedLoad)
		return errs.New("queue", errs.CategorySystem,
			errs.WithReason(errs.ReasonShedLoad),
			errs.WithRetryable(),
			errs.WithMessage("event below load-shedding priority floor"),
			errs.WithContext("event_id", e.ID))
	}

	topic := m.target(e)

	m.mu.Lock()
	if m.cfg.EnableDeduplication {
		if _, dup := m.live[e.ID]; dup {
			m.mu.Unlock()
			m.bumpDuplicate(topic)
			return nil
		}
	}
	ts := m.topicLocked(topic, true)

	ts.mu.Lock()
	if m.cfg.EnableConflation {
		if existing, ok := ts.byKey[e.Key()]; ok {
			previous := existing.event
			if !previous.ReceivedAt.IsZero() && e.ReceivedAt.IsZero() {
				e.ReceivedAt = previous.ReceivedAt
			}
			if previous.HasPriority() && !e.HasPriority() {
				e.SetPriority(previous.PriorityValue(0))
			}
			existing.event = e
			ts.stats.Conflated++
			ts.mu.Unlock()
			delete(m.live, previous.ID)
			m.live[e.ID] = topic
			m.mu.Unlock()
			m.journalAppend(ctx, topic, e)
			return nil
		}
	}
	if len(ts.entries) >= m.cfg.MaxQueueSize {
		ts.mu.Unlock()
		m.mu.Unlock()
		m.recordDrop(ctx, e, errs.ReasonQueueFull)
		return errs.New("queue", errs.CategorySystem,
			errs.WithReason(errs.ReasonQueueFull),
			errs.WithRetryable(),
			errs.WithSeverity(errs.SeverityMedium),
			errs.WithMessage("topic queue full"),
			errs.WithContext("topic", string(topic)))
	}
	en := &entry{event: e}
	ts.entries = append(ts.entries, en)
	ts.byKey[e.Key()] = en
	ts.stats.Enqueued++
	ts.mu.Unlock()

	m.live[e.ID] = topic
	m.mu.Unlock()

	if m.enqueuedCounter != nil {
		m.enqueuedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(string(topic))...))
	}
	m.journalAppend(ctx, topic, e)
	ts.notify()
	return nil
}

// target routes escalated events onto the high_priority topic.
func (m *Manager) target(e *schema.Event) schema.Topic {
	if e.PriorityValue(0) >= HighPriorityFloor {
		return schema.TopicHighPriority
	}
	return e.Topic()
}

// topicLocked returns the topic state, creating it and its drain loop on
// first use. Callers must hold m.mu.
func (m *Manager) topicLocked(topic schema.Topic, drainable bool) *topicState {
	ts, ok := m.topics[topic]
	if ok {
		return ts
	}
	ts = new(topicState)
	ts.name = topic
	ts.drainable = drainable
	ts.wake = make(chan struct{}, 1)
	ts.byKey = make(map[schema.SemanticKey]*entry, 256)
	ts.stats.Topic = topic
	m.topics[topic] = ts
	if drainable {
		m.wg.Add(1)
		go m.drainLoop(ts)
	}
	return ts
}

func (ts *topicState) notify() {
	select {
	case ts.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drainLoop(ts *topicState) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ts.wake:
		}
		for m.drainOnce(ts) {
			if m.ctx.Err() != nil {
				return
			}
		}
	}
}

// drainOnce pops a bounded prefix, groups it by partition, and processes the
// groups concurrently. Per-entity ordering holds because every event of an
// entity hashes to one partition group, groups run sequentially inside, and
// the next cycle starts only after this one completes.
func (m *Manager) drainOnce(ts *topicState) bool {
	batchSize := int(m.batchSize.Load())
	if batchSize <= 0 || !m.cfg.EnableBatching {
		batchSize = 1
	}
	concurrency := int(m.concurrency.Load())
	if concurrency <= 0 {
		concurrency = 1
	}

	ts.mu.Lock()
	if len(ts.entries) == 0 {
		ts.mu.Unlock()
		return false
	}
	take := batchSize * concurrency
	if take > len(ts.entries) {
		take = len(ts.entries)
	}
	popped := ts.entries[:take]
	remainder := make([]*entry, len(ts.entries)-take)
	copy(remainder, ts.entries[take:])
	ts.entries = remainder
	for _, en := range popped {
		if ts.byKey[en.event.Key()] == en {
			delete(ts.byKey, en.event.Key())
		}
	}
	more := len(ts.entries) > 0
	ts.mu.Unlock()

	groups := partitionGroups(popped, m.cfg.PartitionCount, batchSize)
	p := pool.New().WithMaxGoroutines(concurrency)
	for _, group := range groups {
		group := group
		p.Go(func() {
			m.processGroup(ts, group)
		})
	}
	p.Wait()

	ts.mu.Lock()
	ts.stats.LastDrainedAt = m.clock()
	more = more || len(ts.entries) > 0
	ts.mu.Unlock()
	return more
}

// partitionGroups splits entries into per-partition runs of at most batchSize
// while preserving arrival order inside each partition.
func partitionGroups(entries []*entry, partitions, batchSize int) [][]*entry {
	if partitions <= 1 {
		return chunk(entries, batchSize)
	}
	byPartition := make([][]*entry, partitions)
	for _, en := range entries {
		p := partitionOf(en.event, partitions)
		byPartition[p] = append(byPartition[p], en)
	}
	var groups [][]*entry
	for _, run := range byPartition {
		if len(run) > 0 {
			groups = append(groups, run)
		}
	}
	return groups
}

func chunk(entries []*entry, size int) [][]*entry {
	if len(entries) == 0 {
		return nil
	}
	var out [][]*entry
	for len(entries) > size {
		out = append(out, entries[:size])
		entries = entries[size:]
	}
	return append(out, entries)
}

func partitionOf(e *schema.Event, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(e.EntityType)))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(e.EntityID))
	return int(h.Sum32() % uint32(partitions))
}

func (m *Manager) processGroup(ts *topicState, group []*entry) {
	events := make([]*schema.Event, len(group))
	for i, en := range group {
		events[i] = en.event
	}
	start := m.clock()
	outcomes := m.process(m.ctx, events)
	elapsed := m.clock().Sub(start)
	perEventMs := float64(elapsed.Microseconds()) / 1000
	if len(group) > 0 {
		perEventMs /= float64(len(group))
	}
	if m.processDuration != nil {
		m.processDuration.Record(m.ctx, perEventMs, metric.WithAttributes(telemetry.TopicAttributes(string(ts.name))...))
	}

	processed := 0
	for i, en := range group {
		var err error
		if i < len(outcomes) {
			err = outcomes[i]
		}
		if err == nil {
			processed++
			m.complete(en.event)
			continue
		}
		m.retry(ts, en, err)
	}

	ts.mu.Lock()
	ts.stats.Processed += uint64(processed)
	if processed > 0 {
		ts.observeProcessingLocked(perEventMs, processed, elapsed)
	}
	ts.mu.Unlock()
}

// observeProcessingLocked folds a cycle into the EWMA stats. Callers hold ts.mu.
func (ts *topicState) observeProcessingLocked(perEventMs float64, processed int, elapsed time.Duration) {
	if !ts.ewmaSet {
		ts.stats.AvgProcessingMs = perEventMs
		ts.ewmaSet = true
	} else {
		ts.stats.AvgProcessingMs = ewmaAlpha*perEventMs + (1-ewmaAlpha)*ts.stats.AvgProcessingMs
	}
	if elapsed > 0 {
		rate := float64(processed) / elapsed.Seconds()
		if ts.stats.ThroughputPerSec == 0 {
			ts.stats.ThroughputPerSec = rate
		} else {
			ts.stats.ThroughputPerSec = ewmaAlpha*rate + (1-ewmaAlpha)*ts.stats.ThroughputPerSec
		}
	}
}

func (m *Manager) complete(e *schema.Event) {
	m.mu.Lock()
	delete(m.live, e.ID)
	m.mu.Unlock()
	if m.journal != nil {
		if err := m.journal.MarkProcessed(m.ctx, e.ID); err != nil {
			observability.Log().Error("journal mark processed failed",
				observability.F("event_id", e.ID), observability.F("error", err))
		}
	}
}

func (m *Manager) retry(ts *topicState, en *entry, cause error) {
	en.attempts++
	ts.mu.Lock()
	ts.stats.Failed++
	// attempts counts the initial delivery too; the event gets the full
	// MaxRetryAttempts retries before it dead-letters.
	deadLetter := en.attempts > m.cfg.MaxRetryAttempts
	if !deadLetter {
		ts.stats.Retried++
	}
	ts.mu.Unlock()

	if deadLetter {
		m.deadLetter(ts, en, cause)
		return
	}

	delay := m.cfg.RetryBaseDelay() << (en.attempts - 1)
	observability.Log().Debug("scheduling retry",
		observability.F("event_id", en.event.ID),
		observability.F("topic", string(ts.name)),
		observability.F("attempt", en.attempts),
		observability.F("delay", delay))
	time.AfterFunc(delay, func() {
		m.requeue(ts, en)
	})
}

// requeue places a retried entry back at the tail of its topic. The event id
// stays live for the whole retry window.
func (m *Manager) requeue(ts *topicState, en *entry) {
	if m.ctx.Err() != nil {
		return
	}
	ts.mu.Lock()
	if len(ts.entries) >= m.cfg.MaxQueueSize {
		ts.mu.Unlock()
		m.deadLetter(ts, en, errs.New("queue", errs.CategorySystem,
			errs.WithReason(errs.ReasonQueueFull),
			errs.WithMessage("topic queue full on retry")))
		return
	}
	ts.entries = append(ts.entries, en)
	if _, taken := ts.byKey[en.event.Key()]; !taken {
		ts.byKey[en.event.Key()] = en
	}
	ts.mu.Unlock()
	ts.notify()
}

func (m *Manager) deadLetter(ts *topicState, en *entry, cause error) {
	e := en.event
	ts.mu.Lock()
	ts.stats.DeadLettered++
	ts.mu.Unlock()

	m.mu.Lock()
	delete(m.live, e.ID)
	dl := m.topicLocked(schema.TopicDeadLetter, false)
	m.mu.Unlock()

	dl.mu.Lock()
	dl.entries = append(dl.entries, en)
	if len(dl.entries) > deadLetterRetention {
		dl.entries = dl.entries[len(dl.entries)-deadLetterRetention:]
	}
	dl.stats.Enqueued++
	dl.mu.Unlock()

	envelope := errs.New("queue", errs.CategoryOf(cause),
		errs.WithReason(errs.ReasonDeadLettered),
		errs.WithSeverity(errs.SeverityHigh),
		errs.WithMessage("event exhausted retry budget"),
		errs.WithContext("event_id", e.ID),
		errs.WithContext("topic", string(ts.name)),
		errs.WithCause(cause))
	observability.Log().Error("event dead-lettered",
		observability.F("event_id", e.ID),
		observability.F("event_type", string(e.Type)),
		observability.F("topic", string(ts.name)),
		observability.F("attempts", en.attempts),
		observability.F("error", cause))
	if m.deadLetterCounter != nil {
		m.deadLetterCounter.Add(m.ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(string(ts.name))...))
	}
	if m.journal != nil {
		if err := m.journal.MarkDeadLettered(m.ctx, e.ID, cause.Error()); err != nil {
			observability.Log().Error("journal mark dead-lettered failed",
				observability.F("event_id", e.ID), observability.F("error", err))
		}
	}
	if m.onDead != nil {
		m.onDead(e, envelope)
	}
}

func (m *Manager) journalAppend(ctx context.Context, topic schema.Topic, e *schema.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(ctx, topic, e); err != nil {
		observability.Log().Error("journal append failed",
			observability.F("event_id", e.ID), observability.F("error", err))
	}
}

func (m *Manager) bumpDuplicate(topic schema.Topic) {
	m.mu.Lock()
	ts := m.topicLocked(topic, true)
	m.mu.Unlock()
	ts.mu.Lock()
	ts.stats.Duplicates++
	ts.mu.Unlock()
}

func (m *Manager) recordDrop(ctx context.Context, e *schema.Event, reason string) {
	if m.droppedCounter != nil {
		m.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrReason.String(reason),
			telemetry.AttrEventType.String(string(e.Type))))
	}
	if reason == errs.ReasonShedLoad {
		topic := m.target(e)
		m.mu.Lock()
		ts := m.topicLocked(topic, true)
		m.mu.Unlock()
		ts.mu.Lock()
		ts.stats.Shed++
		ts.mu.Unlock()
	}
}

// SetConcurrency adjusts the drain concurrency applied from the next cycle.
func (m *Manager) SetConcurrency(n int) {
	if n > 0 {
		m.concurrency.Store(int64(n))
	}
}

// Concurrency returns the current drain concurrency.
func (m *Manager) Concurrency() int {
	return int(m.concurrency.Load())
}

// SetBatchSize adjusts the per-group batch size applied from the next cycle.
func (m *Manager) SetBatchSize(n int) {
	if n > 0 {
		m.batchSize.Store(int64(n))
	}
}

// BatchSize returns the current per-group batch size.
func (m *Manager) BatchSize() int {
	return int(m.batchSize.Load())
}

// SetPriorityFloor rejects future enqueues below the floor. A negative floor
// disables shedding.
func (m *Manager) SetPriorityFloor(floor int) {
	m.priorityFloor.Store(int64(floor))
}

// PriorityFloor returns the active shedding floor, or -1 when disabled.
func (m *Manager) PriorityFloor() int {
	return int(m.priorityFloor.Load())
}

// Depth returns the current depth of one topic.
func (m *Manager) Depth(topic schema.Topic) int {
	m.mu.Lock()
	ts, ok := m.topics[topic]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.entries)
}

// Depths returns the depth of every known topic.
func (m *Manager) Depths() map[schema.Topic]int {
	m.mu.Lock()
	states := make([]*topicState, 0, len(m.topics))
	for _, ts := range m.topics {
		states = append(states, ts)
	}
	m.mu.Unlock()

	depths := make(map[schema.Topic]int, len(states))
	for _, ts := range states {
		ts.mu.Lock()
		depths[ts.name] = len(ts.entries)
		ts.mu.Unlock()
	}
	return depths
}

// TotalDepth sums the depth across all topics.
func (m *Manager) TotalDepth() int {
	total := 0
	for _, depth := range m.Depths() {
		total += depth
	}
	return total
}

// Stats returns a snapshot of every known topic's counters.
func (m *Manager) Stats() map[schema.Topic]Stats {
	m.mu.Lock()
	states := make([]*topicState, 0, len(m.topics))
	for _, ts := range m.topics {
		states = append(states, ts)
	}
	m.mu.Unlock()

	out := make(map[schema.Topic]Stats, len(states))
	for _, ts := range states {
		ts.mu.Lock()
		snapshot := ts.stats
		snapshot.Depth = len(ts.entries)
		ts.mu.Unlock()
		out[ts.name] = snapshot
	}
	return out
}

// LiveEventIDs returns the ids currently queued or in flight.
func (m *Manager) LiveEventIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	return ids
}

// IsLive reports whether the event id is still queued or in flight.
func (m *Manager) IsLive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[id]
	return ok
}

// DeadLetters returns clones of the most recent dead-lettered events, newest
// last, up to limit.
func (m *Manager) DeadLetters(limit int) []*schema.Event {
	m.mu.Lock()
	dl, ok := m.topics[schema.TopicDeadLetter]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	n := len(dl.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*schema.Event, 0, n)
	for _, en := range dl.entries[len(dl.entries)-n:] {
		out = append(out, en.event.Clone())
	}
	return out
}

// Close stops accepting events and cancels the drain loops.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		m.cancel()
	}
}

// Shutdown closes the manager and waits for drain loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Close()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return errs.New("queue", errs.CategoryTimeout,
			errs.WithMessage("shutdown deadline exceeded"), errs.WithCause(ctx.Err()))
	case <-done:
		return nil
	}
}
