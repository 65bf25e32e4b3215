package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/internal/metrics"
	"github.com/flowrelay/flowrelay/types"
)

// ScheduleKind selects the cadence of a schedule.
type ScheduleKind string

const (
	// ScheduleOnce fires a single time after Delay.
	ScheduleOnce ScheduleKind = "once"
	// ScheduleInterval fires every Interval.
	ScheduleInterval ScheduleKind = "interval"
	// ScheduleDaily fires once per day at Hour:Minute.
	ScheduleDaily ScheduleKind = "daily"
	// ScheduleCron fires per a five-field cron expression.
	ScheduleCron ScheduleKind = "cron"
)

// ScheduleSpec describes when a schedule fires.
type ScheduleSpec struct {
	Kind ScheduleKind

	// Delay applies to once schedules.
	Delay time.Duration
	// Interval applies to interval schedules.
	Interval time.Duration
	// Hour and Minute apply to daily schedules.
	Hour, Minute int
	// Cron is a five-field expression (minute hour dom month dow).
	Cron string
}

// RunRecord is one fire outcome kept in the schedule's bounded run log.
type RunRecord struct {
	FiredAt time.Time
	Err     error
}

const runLogCapacity = 32

// ScheduleHandle is the caller's view of an armed schedule.
type ScheduleHandle struct {
	ID   string
	Spec ScheduleSpec

	mu       sync.Mutex
	timer    *time.Timer
	nextFire time.Time
	runs     []RunRecord
	stopped  bool
}

// NextFire returns the next computed fire time.
func (h *ScheduleHandle) NextFire() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextFire
}

// Runs returns the retained fire outcomes, oldest first.
func (h *ScheduleHandle) Runs() []RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RunRecord(nil), h.runs...)
}

func (h *ScheduleHandle) recordRun(rec RunRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, rec)
	if len(h.runs) > runLogCapacity {
		h.runs = h.runs[len(h.runs)-runLogCapacity:]
	}
}

// Scheduler fires workflow executions on once, interval, daily, or cron
// cadences. Each schedule owns a single re-armed timer — never a poll
// loop — and missed fires are not caught up: after a pause only the next
// future fire time is computed from "now".
type Scheduler struct {
	orchestrator *Orchestrator
	collector    *metrics.Collector
	logger       *zap.Logger

	mu        sync.Mutex
	schedules map[string]*ScheduleHandle
	stopped   bool
}

// NewScheduler creates a scheduler bound to an orchestrator.
func NewScheduler(orchestrator *Orchestrator, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		orchestrator: orchestrator,
		logger:       logger.With(zap.String("component", "scheduler")),
		schedules:    make(map[string]*ScheduleHandle),
	}
}

// SetCollector attaches a metrics collector.
func (s *Scheduler) SetCollector(c *metrics.Collector) {
	s.collector = c
}

// Schedule arms a new schedule that invokes run on each fire.
func (s *Scheduler) Schedule(id string, spec ScheduleSpec, run func(ctx context.Context) error) (*ScheduleHandle, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, types.NewError(types.ErrValidation, "scheduler is stopped")
	}
	if _, exists := s.schedules[id]; exists {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("schedule %q already exists", id))
	}

	handle := &ScheduleHandle{ID: id, Spec: spec}
	s.schedules[id] = handle
	s.arm(handle, run, time.Now())

	s.logger.Info("armed schedule",
		zap.String("schedule_id", id),
		zap.String("kind", string(spec.Kind)),
		zap.Time("next_fire", handle.nextFire))
	return handle, nil
}

// Cancel disarms and removes a schedule.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.schedules[id]
	if !ok {
		return false
	}
	delete(s.schedules, id)

	handle.mu.Lock()
	handle.stopped = true
	if handle.timer != nil {
		handle.timer.Stop()
	}
	handle.mu.Unlock()

	s.logger.Info("cancelled schedule", zap.String("schedule_id", id))
	return true
}

// Stop disarms every schedule. The scheduler accepts no new schedules
// afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.schedules))
	for id := range s.schedules {
		ids = append(ids, id)
	}
	s.stopped = true
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(id)
	}
}

// arm computes the next fire from now and starts the single timer. Caller
// holds s.mu or guarantees the handle is not yet visible.
func (s *Scheduler) arm(handle *ScheduleHandle, run func(ctx context.Context) error, now time.Time) {
	next, ok := nextFire(handle.Spec, now)
	if !ok {
		return
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.stopped {
		return
	}
	handle.nextFire = next
	handle.timer = time.AfterFunc(time.Until(next), func() {
		s.fire(handle, run)
	})
}

func (s *Scheduler) fire(handle *ScheduleHandle, run func(ctx context.Context) error) {
	firedAt := time.Now()
	err := run(context.Background())
	handle.recordRun(RunRecord{FiredAt: firedAt, Err: err})

	status := "success"
	if err != nil {
		status = "failure"
		s.logger.Warn("scheduled run failed",
			zap.String("schedule_id", handle.ID),
			zap.Error(err))
	}
	s.collector.RecordScheduledFire(handle.ID, status)

	if handle.Spec.Kind == ScheduleOnce {
		s.Cancel(handle.ID)
		return
	}
	// Re-arm from now, not from the theoretical previous fire: a paused
	// process does not catch up on missed fires.
	s.arm(handle, run, time.Now())
}

func validateSpec(spec ScheduleSpec) error {
	switch spec.Kind {
	case ScheduleOnce:
		if spec.Delay < 0 {
			return types.NewError(types.ErrValidation, "once schedule requires a non-negative delay")
		}
	case ScheduleInterval:
		if spec.Interval <= 0 {
			return types.NewError(types.ErrValidation, "interval schedule requires a positive interval")
		}
	case ScheduleDaily:
		if spec.Hour < 0 || spec.Hour > 23 || spec.Minute < 0 || spec.Minute > 59 {
			return types.NewError(types.ErrValidation, "daily schedule requires a valid hour and minute")
		}
	case ScheduleCron:
		if _, err := parseCron(spec.Cron); err != nil {
			return types.NewError(types.ErrValidation, "invalid cron expression").WithCause(err)
		}
	default:
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown schedule kind %q", spec.Kind))
	}
	return nil
}

// nextFire computes the next future fire strictly after now.
func nextFire(spec ScheduleSpec, now time.Time) (time.Time, bool) {
	switch spec.Kind {
	case ScheduleOnce:
		return now.Add(spec.Delay), true
	case ScheduleInterval:
		return now.Add(spec.Interval), true
	case ScheduleDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), spec.Hour, spec.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true
	case ScheduleCron:
		schedule, err := parseCron(spec.Cron)
		if err != nil {
			return time.Time{}, false
		}
		return schedule.next(now), true
	}
	return time.Time{}, false
}

// cronSchedule is a parsed five-field cron expression: minute, hour, day
// of month, month, day of week. Supported syntax: *, lists (a,b), ranges
// (a-b), and steps (*/n, a-b/n).
type cronSchedule struct {
	minutes  map[int]bool
	hours    map[int]bool
	days     map[int]bool
	months   map[int]bool
	weekdays map[int]bool
}

func parseCron(expression string) (*cronSchedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q must have 5 fields, got %d", expression, len(fields))
	}

	minutes, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hours, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	days, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	months, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	weekdays, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &cronSchedule{
		minutes:  minutes,
		hours:    hours,
		days:     days,
		months:   months,
		weekdays: weekdays,
	}, nil
}

func parseCronField(field string, min, max int) (map[int]bool, error) {
	values := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		rangePart, step := part, 1
		if slash := strings.IndexByte(part, '/'); slash >= 0 {
			rangePart = part[:slash]
			parsed, err := strconv.Atoi(part[slash+1:])
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = parsed
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			// full range
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			var err error
			if lo, err = strconv.Atoi(bounds[0]); err != nil {
				return nil, fmt.Errorf("invalid range %q", rangePart)
			}
			if hi, err = strconv.Atoi(bounds[1]); err != nil {
				return nil, fmt.Errorf("invalid range %q", rangePart)
			}
		default:
			value, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rangePart)
			}
			lo, hi = value, value
		}

		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("value out of range [%d, %d] in %q", min, max, part)
		}
		for v := lo; v <= hi; v += step {
			values[v] = true
		}
	}
	return values, nil
}

// next returns the first matching time strictly after now, scanned at
// minute granularity.
func (c *cronSchedule) next(now time.Time) time.Time {
	t := now.Truncate(time.Minute).Add(time.Minute)
	// Four years bounds the scan even for Feb 29 expressions.
	limit := t.AddDate(4, 0, 0)
	for t.Before(limit) {
		if c.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return t
}

func (c *cronSchedule) matches(t time.Time) bool {
	return c.minutes[t.Minute()] &&
		c.hours[t.Hour()] &&
		c.days[t.Day()] &&
		c.months[int(t.Month())] &&
		c.weekdays[int(t.Weekday())]
}
