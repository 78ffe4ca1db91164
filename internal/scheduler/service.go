// Package scheduler owns the task registry and turns due task
// definitions into queued work items on a fixed cadence.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/dispatch"
	"github.com/murphys7017/music-server/internal/domain"
	"github.com/murphys7017/music-server/internal/kv"
	"github.com/murphys7017/music-server/internal/registry"
	"github.com/murphys7017/music-server/internal/schedule"
)

// ErrInvalid reports a rejected administrative request. The message
// wrapped around it says which field was wrong.
var ErrInvalid = errors.New("invalid task")

// LastTickKey is where the loop records its last completed pass in the
// shared state store.
const LastTickKey = "scheduler:last_tick"

// TickInfo is the value stored under LastTickKey.
type TickInfo struct {
	At         time.Time `json:"at"`
	Due        int       `json:"due"`
	Dispatched int       `json:"dispatched"`
}

const (
	defaultTickEvery      = time.Minute
	defaultRetryDelay     = 5 * time.Second
	defaultItemMaxRetries = 3
)

// Options tunes the scheduling loop. Zero values take defaults.
type Options struct {
	TickEvery      time.Duration // cadence between passes, default 1m
	RetryDelay     time.Duration // wait after a failed pass, default 5s
	ItemMaxRetries int           // retry budget stamped on work items, default 3
}

func (o Options) withDefaults() Options {
	if o.TickEvery <= 0 {
		o.TickEvery = defaultTickEvery
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.ItemMaxRetries <= 0 {
		o.ItemMaxRetries = defaultItemMaxRetries
	}
	return o
}

type Service struct {
	log   zerolog.Logger
	store registry.Store
	queue *dispatch.Queue
	state *kv.Store
	opts  Options
	stop  chan struct{}
}

func New(log zerolog.Logger, store registry.Store, queue *dispatch.Queue, state *kv.Store, opts Options) *Service {
	return &Service{
		log:   log.With().Str("component", "scheduler").Logger(),
		store: store,
		queue: queue,
		state: state,
		opts:  opts.withDefaults(),
		stop:  make(chan struct{}),
	}
}

// Run drives the loop until ctx is done or Stop is called. The first
// pass happens immediately; afterwards passes run every TickEvery,
// shortened to RetryDelay after a pass that failed outright.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().Dur("every", s.opts.TickEvery).Msg("scheduler loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer.C:
			delay := s.opts.TickEvery
			// A started pass always commits or rolls back as a whole;
			// cancellation takes effect between passes.
			if err := s.tick(context.WithoutCancel(ctx), time.Now().UTC()); err != nil {
				s.log.Error().Err(err).Dur("retry_in", s.opts.RetryDelay).Msg("scheduler pass failed")
				delay = s.opts.RetryDelay
			}
			timer.Reset(delay)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// tick runs one scheduling pass: query due tasks, push a work item per
// task, then persist all row changes and audit records in a single
// transaction. A task that cannot be prepared is skipped without
// touching the others; a failure to query or commit aborts the whole
// pass and leaves every row as it was.
func (s *Service) tick(ctx context.Context, now time.Time) error {
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("query due tasks: %w", err)
	}

	var updates []registry.TaskUpdate
	var dispatched []domain.WorkItem
	for _, task := range due {
		update, ok := s.prepare(task, now)
		if !ok {
			continue
		}
		item := s.queue.Push(domain.WorkItem{
			WorkType:       task.WorkType,
			Params:         task.Params,
			SourceTaskID:   task.ID,
			SourceTaskName: task.Name,
			CreatedAt:      now,
			Status:         domain.StatusPending,
			MaxRetries:     s.opts.ItemMaxRetries,
		})
		updates = append(updates, update)
		dispatched = append(dispatched, item)
		s.log.Info().
			Str("task_id", task.ID).
			Str("task_name", task.Name).
			Str("item_id", item.ID).
			Str("work_type", task.WorkType).
			Msg("work item dispatched")
	}

	if len(updates) > 0 || len(dispatched) > 0 {
		if err := s.store.CommitTick(ctx, updates, dispatched); err != nil {
			return fmt.Errorf("commit tick: %w", err)
		}
	}
	s.state.Set(LastTickKey, TickInfo{At: now, Due: len(due), Dispatched: len(dispatched)}, 0)
	return nil
}

// prepare works out the post-dispatch row state for one due task. The
// second return is false when the task is skipped this pass.
func (s *Service) prepare(task domain.TaskDefinition, now time.Time) (registry.TaskUpdate, bool) {
	update := registry.TaskUpdate{
		ID:        task.ID,
		RunCount:  task.RunCount + 1,
		LastRunAt: now,
		Enabled:   true,
	}

	res, err := schedule.Compute(task, now)
	switch {
	case errors.Is(err, schedule.ErrCronSyntax):
		// Still dispatch this run; with no computable next run the
		// task goes dormant until its expression is fixed.
		s.log.Warn().
			Str("task_id", task.ID).
			Str("cron_expr", task.CronExpr).
			Msg("unusable cron expression, task will not run again")
	case err != nil:
		s.log.Error().Err(err).
			Str("task_id", task.ID).
			Str("task_name", task.Name).
			Msg("cannot compute next run, skipping task")
		return registry.TaskUpdate{}, false
	case res.Fallback:
		s.log.Warn().
			Str("task_id", task.ID).
			Str("cron_expr", task.CronExpr).
			Time("next_run", res.At).
			Msg("cron expression outside supported forms, defaulting to one hour")
		at := res.At
		update.NextRunAt = &at
	case res.Has:
		at := res.At
		update.NextRunAt = &at
	}

	if task.Kind == domain.ScheduleOnce {
		update.Enabled = false
	}
	// Exhaustion disables the task but keeps its next run time, so a
	// resume grants one more run. Only Once tasks and unusable cron
	// expressions end up with a null next run.
	if task.MaxRuns > 0 && update.RunCount >= task.MaxRuns {
		update.Enabled = false
	}
	return update, true
}

// AddTaskInput is everything a caller may say about a new task.
type AddTaskInput struct {
	Name            string
	WorkType        string
	Params          json.RawMessage
	Kind            domain.ScheduleKind
	IntervalSeconds int
	CronExpr        string
	ExecuteAt       *time.Time
	MaxRuns         int
	Description     string
}

func (in AddTaskInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if in.WorkType == "" {
		return fmt.Errorf("%w: work_type is required", ErrInvalid)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown schedule_kind %q", ErrInvalid, in.Kind)
	}
	if in.Kind == domain.ScheduleInterval && in.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalid)
	}
	if in.Kind == domain.ScheduleCron && in.CronExpr == "" {
		return fmt.Errorf("%w: cron_expression is required", ErrInvalid)
	}
	if in.MaxRuns < 0 {
		return fmt.Errorf("%w: max_runs must not be negative", ErrInvalid)
	}
	if len(in.Params) > 0 && !json.Valid(in.Params) {
		return fmt.Errorf("%w: parameters must be valid JSON", ErrInvalid)
	}
	return nil
}

// AddTask registers a new task definition. Its first run is at
// ExecuteAt when given, otherwise the next pass; later runs come from
// the schedule calculator.
func (s *Service) AddTask(ctx context.Context, in AddTaskInput) (domain.TaskDefinition, error) {
	if err := in.validate(); err != nil {
		return domain.TaskDefinition{}, err
	}

	now := time.Now().UTC()
	next := now
	var executeAt *time.Time
	if in.ExecuteAt != nil {
		at := in.ExecuteAt.UTC()
		executeAt = &at
		next = at
	}
	params := in.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	task := domain.TaskDefinition{
		ID:              "tsk_" + uuid.NewString(),
		Name:            in.Name,
		WorkType:        in.WorkType,
		Params:          params,
		Kind:            in.Kind,
		IntervalSeconds: in.IntervalSeconds,
		CronExpr:        in.CronExpr,
		ExecuteAt:       executeAt,
		MaxRuns:         in.MaxRuns,
		NextRunAt:       &next,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
		Description:     in.Description,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return domain.TaskDefinition{}, fmt.Errorf("create task: %w", err)
	}

	if task.Kind == domain.ScheduleCron {
		if res, err := schedule.Compute(task, now); err != nil || res.Fallback {
			s.log.Warn().
				Str("task_id", task.ID).
				Str("cron_expr", task.CronExpr).
				Msg("cron expression outside supported forms")
		}
	}
	s.log.Info().
		Str("task_id", task.ID).
		Str("task_name", task.Name).
		Str("work_type", task.WorkType).
		Str("schedule_kind", string(task.Kind)).
		Time("next_run", next).
		Msg("task added")
	return task, nil
}

// EnsureTask registers the task unless one with the same name already
// exists, and returns whichever definition ends up in the registry.
func (s *Service) EnsureTask(ctx context.Context, in AddTaskInput) (domain.TaskDefinition, error) {
	existing, err := s.store.GetTaskByName(ctx, in.Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return domain.TaskDefinition{}, fmt.Errorf("look up task %q: %w", in.Name, err)
	}
	return s.AddTask(ctx, in)
}

func (s *Service) GetTask(ctx context.Context, id string) (domain.TaskDefinition, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, onlyEnabled bool) ([]domain.TaskDefinition, error) {
	return s.store.ListTasks(ctx, onlyEnabled)
}

// PauseTask stops a task from firing without forgetting it.
func (s *Service) PauseTask(ctx context.Context, id string) error {
	if err := s.store.SetTaskEnabled(ctx, id, false); err != nil {
		return err
	}
	s.log.Info().Str("task_id", id).Msg("task paused")
	return nil
}

// ResumeTask re-enables a task; its next run time is left untouched.
// Resuming an exhausted max_runs task grants it one more run. Once
// tasks and tasks with a dead cron expression keep no next run time
// and stay dormant even when enabled.
func (s *Service) ResumeTask(ctx context.Context, id string) error {
	if err := s.store.SetTaskEnabled(ctx, id, true); err != nil {
		return err
	}
	s.log.Info().Str("task_id", id).Msg("task resumed")
	return nil
}

func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}
