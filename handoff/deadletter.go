package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/internal/metrics"
	"github.com/flowrelay/flowrelay/types"
)

// RecordStatus is the triage status of a dead-letter record.
type RecordStatus string

const (
	// RecordPending awaits manual triage or replay.
	RecordPending RecordStatus = "pending"
	// RecordHandled was remediated by a registered handler or replay.
	RecordHandled RecordStatus = "handled"
	// RecordUnhandled had a handler that failed; needs escalation.
	RecordUnhandled RecordStatus = "unhandled"
)

// Record is a terminally failed item retained for triage. The original
// message is kept verbatim for replay.
type Record struct {
	ID              string       `json:"id"`
	Reason          string       `json:"reason"`
	Error           string       `json:"error,omitempty"`
	OriginalMessage any          `json:"original_message"`
	Status          RecordStatus `json:"status"`
	Attempts        int          `json:"attempts"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Handler remediates dead letters for a known reason.
type Handler func(ctx context.Context, rec *Record) error

// DeadLetterStore persists dead-letter records. The queue works without
// one; persistence failures are logged and never block triage.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, rec *Record) error
}

// DeadLetterQueue is the terminal store for handoffs and steps that
// exhausted every recovery path. Records are retained indefinitely — dead
// letters are rare by definition and require human or automated triage,
// so this is the one deliberately unbounded store in the core.
type DeadLetterQueue struct {
	logger    *zap.Logger
	collector *metrics.Collector
	store     DeadLetterStore

	mu       sync.RWMutex
	records  map[string]*Record
	order    []string
	handlers map[string]Handler
}

// NewDeadLetterQueue creates a dead-letter queue.
func NewDeadLetterQueue(logger *zap.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterQueue{
		logger:   logger.With(zap.String("component", "dead_letter_queue")),
		records:  make(map[string]*Record),
		handlers: make(map[string]Handler),
	}
}

// SetCollector attaches a metrics collector.
func (q *DeadLetterQueue) SetCollector(c *metrics.Collector) {
	q.collector = c
}

// SetStore attaches a persistent store.
func (q *DeadLetterQueue) SetStore(s DeadLetterStore) {
	q.store = s
}

// RegisterHandler registers automatic remediation for a known reason.
func (q *DeadLetterQueue) RegisterHandler(reason string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[reason] = h
}

// Handle records a terminally failed item. When a handler is registered
// for the reason it runs immediately and the record becomes HANDLED or
// UNHANDLED; otherwise the record stays PENDING for manual replay.
func (q *DeadLetterQueue) Handle(ctx context.Context, item any, reason string, cause error) *Record {
	now := time.Now()
	rec := &Record{
		ID:              uuid.NewString(),
		Reason:          reason,
		OriginalMessage: item,
		Status:          RecordPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	q.mu.Lock()
	q.records[rec.ID] = rec
	q.order = append(q.order, rec.ID)
	handler, hasHandler := q.handlers[reason]
	snapshot := rec.clone()
	q.mu.Unlock()

	q.logger.Warn("dead-lettered item",
		zap.String("record_id", rec.ID),
		zap.String("reason", reason),
		zap.Error(cause))
	q.collector.RecordDeadLetter(reason)

	if hasHandler {
		status := RecordHandled
		if err := handler(ctx, snapshot); err != nil {
			status = RecordUnhandled
			q.logger.Error("dead-letter handler failed",
				zap.String("record_id", rec.ID),
				zap.String("reason", reason),
				zap.Error(err))
		}
		snapshot = q.update(rec.ID, func(r *Record) { r.Status = status })
	}

	q.persist(ctx, snapshot)
	return snapshot
}

// Replay re-submits the original item through the given function and
// increments the attempt counter. A successful replay marks the record
// HANDLED.
func (q *DeadLetterQueue) Replay(ctx context.Context, id string, resubmit func(ctx context.Context, item any) error) error {
	rec := q.update(id, func(r *Record) { r.Attempts++ })
	if rec == nil {
		return types.NewError(types.ErrDeadLettered, "dead-letter record not found: "+id)
	}

	if err := resubmit(ctx, rec.OriginalMessage); err != nil {
		q.persist(ctx, q.update(id, func(r *Record) { r.Status = RecordUnhandled }))
		q.logger.Warn("dead-letter replay failed",
			zap.String("record_id", id),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err))
		return err
	}

	q.persist(ctx, q.update(id, func(r *Record) { r.Status = RecordHandled }))
	q.logger.Info("dead-letter replayed",
		zap.String("record_id", id),
		zap.Int("attempts", rec.Attempts))
	return nil
}

// Get returns a snapshot of a record by id.
func (q *DeadLetterQueue) Get(id string) (*Record, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns snapshots of every record, oldest first.
func (q *DeadLetterQueue) List() []*Record {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Record, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.records[id].clone())
	}
	return out
}

// ListByStatus returns snapshots of records with the given status, oldest
// first.
func (q *DeadLetterQueue) ListByStatus(status RecordStatus) []*Record {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*Record
	for _, id := range q.order {
		if q.records[id].Status == status {
			out = append(out, q.records[id].clone())
		}
	}
	return out
}

// update mutates the stored record under the write lock and returns a
// snapshot of the result, or nil when the id is unknown. Stored records are
// only ever written while the lock is held; every read path hands out
// snapshots, so triage can run concurrently with replays.
func (q *DeadLetterQueue) update(id string, fn func(*Record)) *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return nil
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	return rec.clone()
}

func (rec *Record) clone() *Record {
	c := *rec
	return &c
}

func (q *DeadLetterQueue) persist(ctx context.Context, rec *Record) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveDeadLetter(ctx, rec); err != nil {
		q.logger.Error("failed to persist dead-letter record",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
}
