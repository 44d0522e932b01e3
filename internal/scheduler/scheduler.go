package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/tracing"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Starter creates and dispatches executions. Satisfied by engine.Engine.
type Starter interface {
	Prepare(ctx context.Context, req engine.StartRequest) (*store.Execution, error)
	Dispatch(ctx context.Context, exec *store.Execution) error
	AbandonDispatch(ctx context.Context, exec *store.Execution, cause error) error
}

// CreateScheduleRequest describes a new schedule.
type CreateScheduleRequest struct {
	WorkflowID     string         `json:"workflow_id" validate:"required"`
	CronExpression string         `json:"cron_expression" validate:"required"`
	Timezone       string         `json:"timezone,omitempty" validate:"omitempty,timezone"`
	InputData      map[string]any `json:"input_data,omitempty"`
	// Paused creates the schedule without arming it.
	Paused bool `json:"paused,omitempty"`
}

// UpdateScheduleRequest edits a schedule. Nil fields are left unchanged.
type UpdateScheduleRequest struct {
	CronExpression *string        `json:"cron_expression,omitempty" validate:"omitempty,min=1"`
	Timezone       *string        `json:"timezone,omitempty" validate:"omitempty,timezone"`
	InputData      map[string]any `json:"input_data,omitempty"`
}

// Config holds scheduler settings.
type Config struct {
	// Timezone applies to schedules created without one.
	Timezone string `yaml:"timezone" validate:"omitempty,timezone"`
	// DispatchKey names the circuit breaker guarding dispatch.
	DispatchKey string             `yaml:"dispatch_key"`
	Retry       engine.RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	retry := engine.DefaultRetryConfig()
	retry.RetryableErrors = []string{schema.ErrCodeDispatch}
	return Config{
		Timezone:    "UTC",
		DispatchKey: "dispatch:nodeflow.dispatch",
		Retry:       retry,
	}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source used for next-fire computation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithFireLock makes fires exclusive across scheduler instances.
func WithFireLock(l FireLock) Option {
	return func(s *Scheduler) { s.lock = l }
}

// WithBreakers shares a circuit breaker registry with other components.
func WithBreakers(r *engine.CircuitBreakerRegistry) Option {
	return func(s *Scheduler) { s.breakers = r }
}

// WithRetryExecutor overrides the dispatch retry executor.
func WithRetryExecutor(r *engine.RetryExecutor) Option {
	return func(s *Scheduler) { s.retry = r }
}

// WithTracer sets the tracer used for fire spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// Scheduler keeps one cron entry per active schedule and starts a scheduled
// execution on every fire.
type Scheduler struct {
	store    store.Store
	starter  Starter
	cfg      Config
	cron     *cron.Cron
	breakers *engine.CircuitBreakerRegistry
	retry    *engine.RetryExecutor
	lock     FireLock
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
	baseCtx context.Context
	started bool
}

// NewScheduler creates a Scheduler. It does not fire until Start is called.
func NewScheduler(s store.Store, starter Starter, cfg Config, opts ...Option) *Scheduler {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.DispatchKey == "" {
		cfg.DispatchKey = DefaultConfig().DispatchKey
	}
	sch := &Scheduler{
		store:    s,
		starter:  starter,
		cfg:      cfg,
		retry:    engine.NewRetryExecutor(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
		tracer:   tracing.Tracer(),
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]cron.EntryID),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(sch)
	}
	if sch.breakers == nil {
		sch.breakers = engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())
	}
	sch.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{sch.logger})),
		cron.WithLogger(cronLogger{sch.logger}),
	)
	return sch
}

// Create validates and persists a schedule, arming it unless paused.
func (s *Scheduler) Create(ctx context.Context, req CreateScheduleRequest) (*store.ScheduledWorkflow, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	tz := req.Timezone
	if tz == "" {
		tz = s.cfg.Timezone
	}
	now := s.now()
	next, err := NextFireTime(req.CronExpression, tz, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetWorkflow(ctx, req.WorkflowID); err != nil {
		return nil, err
	}

	sched := &store.ScheduledWorkflow{
		ID:             uuid.New().String(),
		WorkflowID:     req.WorkflowID,
		CronExpression: req.CronExpression,
		Timezone:       tz,
		Status:         schema.ScheduleStatusActive,
		InputData:      req.InputData,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Paused {
		sched.Status = schema.ScheduleStatusPaused
	} else {
		sched.NextExecutionAt = &next
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	if sched.Status == schema.ScheduleStatusActive {
		if err := s.register(sched); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(logging.WithScheduleID(ctx, sched.ID), "schedule created",
		slog.String("workflow_id", sched.WorkflowID),
		slog.String("cron", sched.CronExpression),
		slog.String("timezone", tz))
	return sched, nil
}

// Update changes the cron expression, timezone or input of a schedule and
// recomputes its next fire time.
func (s *Scheduler) Update(ctx context.Context, id string, req UpdateScheduleRequest) (*store.ScheduledWorkflow, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	sched, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}

	update := store.ScheduleUpdate{InputData: req.InputData}
	if req.CronExpression != nil {
		sched.CronExpression = *req.CronExpression
		update.CronExpression = req.CronExpression
	}
	if req.Timezone != nil {
		sched.Timezone = *req.Timezone
		update.Timezone = req.Timezone
	}
	next, err := NextFireTime(sched.CronExpression, sched.Timezone, s.now())
	if err != nil {
		return nil, err
	}
	if sched.Status == schema.ScheduleStatusActive {
		update.NextExecutionAt = &next
		sched.NextExecutionAt = &next
	}
	if req.InputData != nil {
		sched.InputData = req.InputData
	}
	if err := s.store.UpdateSchedule(ctx, id, update); err != nil {
		return nil, err
	}
	if sched.Status == schema.ScheduleStatusActive {
		if err := s.register(sched); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(logging.WithScheduleID(ctx, id), "schedule updated", slog.String("cron", sched.CronExpression))
	return sched, nil
}

// Pause stops a schedule from firing. Fire times that pass while paused are never caught up.
func (s *Scheduler) Pause(ctx context.Context, id string) (*store.ScheduledWorkflow, error) {
	return s.setStatus(ctx, id, schema.ScheduleStatusPaused)
}

// Resume re-arms a paused schedule from the current time.
func (s *Scheduler) Resume(ctx context.Context, id string) (*store.ScheduledWorkflow, error) {
	return s.setStatus(ctx, id, schema.ScheduleStatusActive)
}

// Delete retires a schedule. The row is kept with status deleted.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	_, err := s.setStatus(ctx, id, schema.ScheduleStatusDeleted)
	return err
}

func (s *Scheduler) setStatus(ctx context.Context, id string, status schema.ScheduleStatus) (*store.ScheduledWorkflow, error) {
	sched, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.Status == status {
		return sched, nil
	}

	update := store.ScheduleUpdate{Status: &status}
	var next time.Time
	if status == schema.ScheduleStatusActive {
		next, err = NextFireTime(sched.CronExpression, sched.Timezone, s.now())
		if err != nil {
			return nil, err
		}
		update.NextExecutionAt = &next
	} else {
		update.ClearNextExecution = true
	}
	if err := s.store.UpdateSchedule(ctx, id, update); err != nil {
		return nil, err
	}

	sched.Status = status
	sched.NextExecutionAt = nil
	if status == schema.ScheduleStatusActive {
		sched.NextExecutionAt = &next
		if err := s.register(sched); err != nil {
			return nil, err
		}
	} else {
		s.unregister(id)
	}
	s.logger.InfoContext(logging.WithScheduleID(ctx, id), "schedule "+string(status))
	return sched, nil
}

// Get returns a schedule by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*store.ScheduledWorkflow, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns schedules matching filter.
func (s *Scheduler) List(ctx context.Context, filter store.ScheduleFilter) ([]*store.ScheduledWorkflow, error) {
	return s.store.ListSchedules(ctx, filter)
}

// Start arms every active schedule and starts the cron runner. Stale
// NextExecutionAt values are recomputed from now; missed fires are not replayed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	active := schema.ScheduleStatusActive
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Status: &active})
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("list active schedules: %w", err)
	}

	now := s.now()
	armed := 0
	for _, sched := range schedules {
		sctx := logging.WithScheduleID(ctx, sched.ID)
		next, err := NextFireTime(sched.CronExpression, sched.Timezone, now)
		if err != nil {
			s.logger.ErrorContext(sctx, "skip schedule with invalid cron", slog.String("error", err.Error()))
			continue
		}
		if sched.NextExecutionAt == nil || !sched.NextExecutionAt.Equal(next) {
			if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{NextExecutionAt: &next}); err != nil {
				s.logger.WarnContext(sctx, "recompute next execution", slog.String("error", err.Error()))
			}
		}
		if err := s.register(sched); err != nil {
			s.logger.ErrorContext(sctx, "arm schedule", slog.String("error", err.Error()))
			continue
		}
		armed++
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("schedules", armed))
	return nil
}

// Stop halts the cron runner, waits for in-flight fires and disarms every entry.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// register installs or replaces the cron entry of an active schedule.
func (s *Scheduler) register(sched *store.ScheduledWorkflow) error {
	spec, err := cronSpec(sched.CronExpression, sched.Timezone)
	if err != nil {
		return err
	}
	id := sched.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
		delete(s.entries, id)
	}
	entry, err := s.cron.AddFunc(spec, func() { s.onTick(id) })
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", sched.CronExpression, err.Error())
	}
	s.entries[id] = entry
	return nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

func (s *Scheduler) armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Scheduler) onTick(id string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	fireAt := s.now().Truncate(time.Minute)
	if err := s.fire(ctx, id, fireAt); err != nil {
		s.logger.ErrorContext(logging.WithScheduleID(ctx, id), "schedule fire failed", slog.String("error", err.Error()))
	}
}

// fire starts one scheduled execution. Failures are counted on the schedule;
// the cron entry stays armed either way.
func (s *Scheduler) fire(ctx context.Context, id string, fireAt time.Time) error {
	ctx = logging.WithScheduleID(ctx, id)
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Status != schema.ScheduleStatusActive {
		s.unregister(id)
		return nil
	}
	ctx = logging.WithWorkflowID(ctx, sched.WorkflowID)

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, id, fireAt)
		if err != nil {
			err = fmt.Errorf("acquire fire lock: %w", err)
			s.fallback(ctx, sched, fireAt, err)
			return err
		}
		if !ok {
			s.logger.DebugContext(ctx, "fire claimed by another instance", slog.Time("fire_at", fireAt))
			return nil
		}
	}

	ctx, span := tracing.StartSpan(ctx, s.tracer, "schedule.fire",
		attribute.String(tracing.ScheduleIDKey, id),
		attribute.String(tracing.WorkflowIDKey, sched.WorkflowID),
	)
	defer span.End()

	exec, err := s.dispatch(ctx, sched)
	if err != nil {
		tracing.SetError(span, err)
		s.fallback(ctx, sched, fireAt, err)
		return err
	}

	if err := s.store.UpdateSchedule(ctx, id, store.ScheduleUpdate{
		IncrementExecution: true,
		LastExecutionAt:    &fireAt,
		NextExecutionAt:    s.nextAfter(ctx, sched, fireAt),
	}); err != nil {
		s.logger.WarnContext(ctx, "record schedule fire", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "schedule fired",
		slog.String("execution_id", exec.ID),
		slog.Time("fire_at", fireAt))
	return nil
}

// dispatch creates one execution and enqueues it through the dispatch
// breaker, retrying only the enqueue. An execution whose dispatch is given up
// is marked failed. Errors creating the execution do not touch the breaker.
func (s *Scheduler) dispatch(ctx context.Context, sched *store.ScheduledWorkflow) (*store.Execution, error) {
	req := engine.StartRequest{
		WorkflowID: sched.WorkflowID,
		InputData:  sched.InputData,
		Mode:       schema.ExecutionModeScheduled,
	}

	var (
		exec      *store.Execution
		permanent error
	)
	_, err := s.breakers.Execute(ctx, s.cfg.DispatchKey, func(ctx context.Context) (any, error) {
		var err error
		if exec, err = s.starter.Prepare(ctx, req); err != nil {
			permanent = err
			return nil, nil
		}
		r := s.retry.ExecuteWithRetry(ctx, func(ctx context.Context) (any, error) {
			return nil, s.starter.Dispatch(ctx, exec)
		}, s.cfg.Retry)
		if r.Success {
			return nil, nil
		}
		return nil, r.Err
	}, nil)
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		if exec != nil {
			// Recorded even when ctx ended mid-retry so the execution is not left pending.
			if aerr := s.starter.AbandonDispatch(context.WithoutCancel(ctx), exec, err); aerr != nil {
				s.logger.WarnContext(ctx, "record abandoned dispatch",
					slog.String("execution_id", exec.ID),
					slog.String("error", aerr.Error()))
			}
		}
		return exec, err
	}
	return exec, nil
}

// fallback records a failed fire so the trigger is never lost silently.
func (s *Scheduler) fallback(ctx context.Context, sched *store.ScheduledWorkflow, fireAt time.Time, cause error) {
	s.logger.ErrorContext(ctx, "scheduled fire failed",
		slog.Time("fire_at", fireAt),
		slog.String("code", schema.CodeOf(cause)),
		slog.String("error", cause.Error()))
	if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		IncrementFailure: true,
		NextExecutionAt:  s.nextAfter(ctx, sched, fireAt),
	}); err != nil {
		s.logger.WarnContext(ctx, "record schedule failure", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) nextAfter(ctx context.Context, sched *store.ScheduledWorkflow, fireAt time.Time) *time.Time {
	from := s.now()
	if fireAt.After(from) {
		from = fireAt
	}
	next, err := NextFireTime(sched.CronExpression, sched.Timezone, from)
	if err != nil {
		s.logger.WarnContext(ctx, "compute next execution", slog.String("error", err.Error()))
		return nil
	}
	return &next
}

// live loads a schedule that has not been deleted.
func (s *Scheduler) live(ctx context.Context, id string) (*store.ScheduledWorkflow, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.Status == schema.ScheduleStatusDeleted {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	return sched, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule request: %s", verrs.Error()).
		WithDetails(map[string]any{"fields": fields}).
		WithCause(err)
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
