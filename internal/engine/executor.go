package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/tracing"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Engine is the central execution coordinator.
type Engine interface {
	// Start creates a pending execution of a workflow and dispatches it to a worker.
	// It does not wait for the run.
	Start(ctx context.Context, req StartRequest) (*store.Execution, error)

	// Prepare creates a pending execution without dispatching it.
	Prepare(ctx context.Context, req StartRequest) (*store.Execution, error)

	// Dispatch enqueues a pending execution for a worker. A failed enqueue is
	// returned as DISPATCH_ERROR and leaves the execution pending, so callers may retry.
	Dispatch(ctx context.Context, exec *store.Execution) error

	// AbandonDispatch marks a pending execution failed once its dispatch is given up.
	AbandonDispatch(ctx context.Context, exec *store.Execution, cause error) error

	// Run executes a pending execution to a terminal state. It is invoked by workers.
	// Failures after the execution is running are recorded on the execution, not returned.
	Run(ctx context.Context, executionID string) error

	// Cancel moves a non-terminal execution to cancelled and stops its in-flight run.
	Cancel(ctx context.Context, executionID, byUserID string) (*store.Execution, error)

	// MarkTimeout moves a non-terminal execution to timeout. Issued by an external watchdog.
	MarkTimeout(ctx context.Context, executionID, reason string) (*store.Execution, error)

	// Status returns the execution with its logs and per-node runs.
	Status(ctx context.Context, executionID string) (*ExecutionStatus, error)
}

// StartRequest describes a new execution.
type StartRequest struct {
	WorkflowID string               `json:"workflow_id" validate:"required"`
	InputData  map[string]any       `json:"input_data,omitempty"`
	Mode       schema.ExecutionMode `json:"mode,omitempty"`
	UserID     string               `json:"user_id,omitempty"`
}

// ExecutionStatus is a snapshot of an execution for querying.
type ExecutionStatus struct {
	Execution *store.Execution      `json:"execution"`
	Nodes     []*store.NodeRun      `json:"nodes,omitempty"`
	Logs      []*store.ExecutionLog `json:"logs,omitempty"`
}

// Dispatcher enqueues jobs for workers. Satisfied by *queue.Queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts schema.JobOptions) (string, error)
}

// RunnerRegistry resolves node runners by type. Satisfied by *nodes.Registry.
type RunnerRegistry interface {
	Get(nodeType string) (nodes.Runner, error)
}

// Config holds engine settings.
type Config struct {
	// Job is applied to every execution.run job the engine enqueues.
	Job schema.JobOptions `yaml:"job"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{Job: schema.JobOptions{Attempts: 3, Backoff: time.Second}}
}

// Option customizes the engine.
type Option func(*executor)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *executor) { e.logger = l }
}

// WithSink sets where status, log and metrics events go.
func WithSink(s EventSink) Option {
	return func(e *executor) { e.sink = s }
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *executor) { e.tracer = t }
}

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) Option {
	return func(e *executor) { e.now = now }
}

// WithTransitionHook registers a hook run after every status transition.
func WithTransitionHook(h TransitionHook) Option {
	return func(e *executor) { e.fsm.OnAny(h) }
}

// executor is the concrete Engine implementation.
type executor struct {
	store      store.Store
	runners    RunnerRegistry
	dispatcher Dispatcher
	cfg        Config
	fsm        *ExecutionFSM
	sink       EventSink
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewEngine creates an Engine with the given dependencies.
func NewEngine(s store.Store, runners RunnerRegistry, dispatcher Dispatcher, cfg Config, opts ...Option) Engine {
	e := &executor{
		store:      s,
		runners:    runners,
		dispatcher: dispatcher,
		cfg:        cfg,
		fsm:        NewExecutionFSM(),
		sink:       NopSink{},
		logger:     slog.Default(),
		tracer:     tracing.Tracer(),
		now:        func() time.Time { return time.Now().UTC() },
		running:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.fsm.OnAny(func(ctx context.Context, id string, from, to schema.ExecutionStatus) error {
		e.logger.DebugContext(ctx, "execution transition",
			slog.String("from", string(from)), slog.String("to", string(to)))
		return nil
	})
	return e
}

// Start creates a pending execution and enqueues it.
func (e *executor) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	exec, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.Dispatch(ctx, exec); err != nil {
		if aerr := e.AbandonDispatch(ctx, exec, err); aerr != nil {
			e.logger.WarnContext(ctx, "record dispatch failure", slog.String("error", aerr.Error()))
		}
		return exec, err
	}
	return exec, nil
}

func (e *executor) Prepare(ctx context.Context, req StartRequest) (*store.Execution, error) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = schema.ExecutionModeManual
	}
	if !mode.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid execution mode %q", mode)
	}

	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	exec := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		UserID:     req.UserID,
		Mode:       mode,
		Status:     schema.ExecutionStatusPending,
		InputData:  copyMap(req.InputData),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)

	queued := &store.ExecutionLog{
		Level:     schema.LogLevelInfo,
		Message:   "execution queued",
		Data:      map[string]any{"mode": string(mode), "workflow_name": wf.Name},
		CreatedAt: now,
	}
	if err := e.store.CreateExecution(ctx, exec, queued); err != nil {
		return nil, storeError("create execution", err)
	}
	e.sink.EmitLog(ctx, exec.ID, queued)
	e.emitStatus(ctx, exec)
	e.logger.InfoContext(ctx, "execution queued", slog.String("mode", string(mode)))
	return exec, nil
}

func (e *executor) Dispatch(ctx context.Context, exec *store.Execution) error {
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)
	payload := schema.ExecutionRunPayload{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID}
	if _, err := e.dispatcher.Enqueue(ctx, schema.JobTypeExecutionRun, payload, e.cfg.Job); err != nil {
		e.logger.WarnContext(ctx, "dispatch failed", slog.String("error", err.Error()))
		return schema.NewErrorf(schema.ErrCodeDispatch, "dispatch execution: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (e *executor) AbandonDispatch(ctx context.Context, exec *store.Execution, cause error) error {
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)
	e.logger.ErrorContext(ctx, "dispatch abandoned", slog.String("error", cause.Error()))
	return e.finalize(ctx, exec, finalState{
		status:     schema.ExecutionStatusFailed,
		expect:     []schema.ExecutionStatus{schema.ExecutionStatusPending},
		errMessage: cause.Error(),
		logLevel:   schema.LogLevelError,
		logMessage: "execution failed: " + cause.Error(),
		counted:    true,
	})
}

// Run executes a pending execution.
func (e *executor) Run(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)

	if err := e.fsm.Transition(ctx, exec.ID, exec.Status, schema.ExecutionStatusRunning); err != nil {
		return err
	}
	started := e.now()
	running := schema.ExecutionStatusRunning
	err = e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:       &running,
		StartedAt:    &started,
		ExpectStatus: []schema.ExecutionStatus{schema.ExecutionStatusPending},
	})
	if schema.IsCode(err, schema.ErrCodeConflict) {
		// Someone else moved it first.
		cur, gerr := e.store.GetExecution(ctx, exec.ID)
		if gerr != nil {
			return gerr
		}
		if cerr := e.fsm.Check(exec.ID, cur.Status, schema.ExecutionStatusRunning); cerr != nil {
			return cerr
		}
		return err
	}
	if err != nil {
		return storeError("start execution", err)
	}
	exec.Status = running
	exec.StartedAt = &started
	e.afterTransition(ctx, exec.ID, schema.ExecutionStatusPending, running)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(exec.ID, cancel)
	defer e.untrack(exec.ID)

	runCtx, span := tracing.StartSpan(runCtx, e.tracer, "execution.run",
		attribute.String(tracing.ExecutionIDKey, exec.ID),
		attribute.String(tracing.WorkflowIDKey, exec.WorkflowID),
		attribute.String(tracing.ExecutionMode, string(exec.Mode)),
	)
	defer span.End()

	e.emitStatus(runCtx, exec)
	e.appendLog(runCtx, exec, schema.LogLevelInfo, "execution started", nil, nil)
	e.logger.InfoContext(runCtx, "execution started")

	e.execute(runCtx, exec, span)
	return nil
}

// execute runs the nodes of a running execution in topological order.
func (e *executor) execute(ctx context.Context, exec *store.Execution, span trace.Span) {
	// Store writes must survive cancellation of the run context.
	pctx := context.WithoutCancel(ctx)
	executed, total := 0, 0

	defer func() {
		if r := recover(); r != nil {
			err := schema.NewErrorf(schema.ErrCodeNodeExecution, "panic during execution: %v", r)
			tracing.SetError(span, err)
			e.failRun(pctx, exec, err, string(debug.Stack()), executed, total)
		}
	}()

	wf, err := e.store.GetWorkflow(pctx, exec.WorkflowID)
	if err != nil {
		e.failRun(pctx, exec, err, "", executed, total)
		return
	}

	g := wf.Graph().EnabledSubgraph()
	if len(g.Nodes) == 0 {
		e.failRun(pctx, exec, schema.NewErrorf(schema.ErrCodeNoEnabledNodes,
			"workflow %s has no enabled nodes", wf.ID), "", executed, total)
		return
	}
	if res := validation.ValidateGraph(g); !res.Valid() {
		e.failRun(pctx, exec, res.Err(), "", executed, total)
		return
	}
	order := validation.Order(g)
	total = len(order)

	data := copyMap(exec.InputData)
	for i, nodeID := range order {
		if e.interrupted(pctx, exec) {
			return
		}
		node, _ := g.NodeByID(nodeID)

		if err := e.advance(pctx, exec, node, progressAt(i, total)); err != nil {
			if !schema.IsCode(err, schema.ErrCodeConflict) {
				e.failRun(pctx, exec, err, "", executed, total)
			}
			return
		}

		out, err := e.runNode(ctx, exec, node, data, i, total)
		if err != nil {
			if e.interrupted(pctx, exec) {
				return
			}
			nerr := nodeError(node, err)
			e.appendLog(pctx, exec, schema.LogLevelError, err.Error(), &node, map[string]any{
				"event": store.LogEventNodeFailed,
				"code":  schema.CodeOf(nerr),
			})
			tracing.SetError(span, nerr, attribute.String(tracing.NodeIDKey, node.ID))
			e.failRun(pctx, exec, nerr, "", executed, total)
			return
		}

		executed++
		e.appendLog(pctx, exec, schema.LogLevelInfo,
			fmt.Sprintf("node %s completed successfully", node.DisplayName()), &node,
			map[string]any{"event": store.LogEventNodeCompleted, "output": out})
		data = out
	}

	e.complete(pctx, exec, data, executed, total)
}

// advance records that node is about to run.
func (e *executor) advance(ctx context.Context, exec *store.Execution, node schema.Node, progress int) error {
	nodeID := node.ID
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		CurrentNodeID: &nodeID,
		Progress:      &progress,
		ExpectStatus:  []schema.ExecutionStatus{schema.ExecutionStatusRunning},
	}); err != nil {
		return err
	}
	exec.CurrentNodeID = nodeID
	exec.Progress = progress
	e.emitStatus(ctx, exec)
	e.appendLog(ctx, exec, schema.LogLevelInfo, fmt.Sprintf("executing node %s", node.DisplayName()), &node,
		map[string]any{"event": store.LogEventNodeStarted, "node_type": node.Type})
	return nil
}

func (e *executor) runNode(ctx context.Context, exec *store.Execution, node schema.Node, input map[string]any, index, total int) (map[string]any, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	ctx, span := tracing.StartSpan(ctx, e.tracer, "node.execute",
		attribute.String(tracing.NodeIDKey, node.ID),
		attribute.String(tracing.NodeTypeKey, node.Type),
		attribute.Int(tracing.NodeIndexKey, index),
	)
	defer span.End()

	runner, err := e.runners.Get(node.Type)
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	ec := nodes.ExecutionContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		Mode:        exec.Mode,
		Index:       index,
		Total:       total,
		Logger:      logging.LogWith(ctx, e.logger),
	}
	out, err := runner.Execute(ctx, node, copyMap(input), ec)
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// interrupted re-reads the persisted status and reports whether the execution
// left running out of band.
func (e *executor) interrupted(ctx context.Context, exec *store.Execution) bool {
	cur, err := e.store.GetExecution(ctx, exec.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "status check failed", slog.String("error", err.Error()))
		return false
	}
	if cur.Status == schema.ExecutionStatusRunning {
		return false
	}
	exec.Status = cur.Status
	e.logger.InfoContext(ctx, "execution interrupted", slog.String("status", string(cur.Status)))
	return true
}

func (e *executor) complete(ctx context.Context, exec *store.Execution, output map[string]any, executed, total int) {
	full := 100
	err := e.finalize(ctx, exec, finalState{
		status:     schema.ExecutionStatusCompleted,
		expect:     []schema.ExecutionStatus{schema.ExecutionStatusRunning},
		output:     output,
		progress:   &full,
		logLevel:   schema.LogLevelInfo,
		logMessage: "execution completed",
		counted:    true,
		executed:   executed,
		total:      total,
	})
	if err != nil && !schema.IsCode(err, schema.ErrCodeConflict) && !schema.IsCode(err, schema.ErrCodeAlreadyTerminal) {
		e.logger.ErrorContext(ctx, "record completion", slog.String("error", err.Error()))
		return
	}
	if err == nil {
		e.logger.InfoContext(ctx, "execution completed", slog.Int("nodes", executed))
	}
}

func (e *executor) failRun(ctx context.Context, exec *store.Execution, cause error, stack string, executed, total int) {
	msg := cause.Error()
	data := map[string]any{"code": schema.CodeOf(cause)}
	var ne *schema.NodeflowError
	if errors.As(cause, &ne) && ne.NodeID != "" {
		data["node_id"] = ne.NodeID
	}
	e.logger.ErrorContext(ctx, "execution failed", slog.String("error", msg))

	err := e.finalize(ctx, exec, finalState{
		status:     schema.ExecutionStatusFailed,
		expect:     []schema.ExecutionStatus{schema.ExecutionStatusRunning},
		errMessage: msg,
		errStack:   stack,
		logLevel:   schema.LogLevelError,
		logMessage: "execution failed: " + msg,
		logData:    data,
		counted:    true,
		executed:   executed,
		total:      total,
	})
	if err != nil && !schema.IsCode(err, schema.ErrCodeConflict) && !schema.IsCode(err, schema.ErrCodeAlreadyTerminal) {
		e.logger.ErrorContext(ctx, "record failure", slog.String("error", err.Error()))
	}
}

// Cancel moves a non-terminal execution to cancelled.
func (e *executor) Cancel(ctx context.Context, executionID, byUserID string) (*store.Execution, error) {
	msg := "execution cancelled"
	if byUserID != "" {
		msg += " by " + byUserID
	}
	exec, err := e.terminate(ctx, executionID, finalState{
		status:     schema.ExecutionStatusCancelled,
		logLevel:   schema.LogLevelWarn,
		logMessage: msg,
		logData:    map[string]any{"user_id": byUserID},
	})
	if err != nil {
		return nil, err
	}
	e.cancelRun(executionID)
	return exec, nil
}

// MarkTimeout moves a non-terminal execution to timeout.
func (e *executor) MarkTimeout(ctx context.Context, executionID, reason string) (*store.Execution, error) {
	msg := "execution timed out"
	if reason != "" {
		msg += ": " + reason
	}
	exec, err := e.terminate(ctx, executionID, finalState{
		status:     schema.ExecutionStatusTimeout,
		errMessage: msg,
		logLevel:   schema.LogLevelError,
		logMessage: msg,
		counted:    true,
	})
	if err != nil {
		return nil, err
	}
	e.cancelRun(executionID)
	return exec, nil
}

// terminate applies an out-of-band terminal transition, retrying when the
// execution moves between the read and the conditional write.
func (e *executor) terminate(ctx context.Context, executionID string, fin finalState) (*store.Execution, error) {
	const maxAttempts = 3
	fin.expect = nonTerminalStatuses

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var exec *store.Execution
		exec, err = e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		lctx := logging.WithExecution(ctx, exec.ID, exec.WorkflowID)

		err = e.finalize(lctx, exec, fin)
		if schema.IsCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.logger.InfoContext(lctx, fin.logMessage)
		return exec, nil
	}
	return nil, err
}

// Status returns the execution with its logs.
func (e *executor) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	logs, err := e.store.ListExecutionLogs(ctx, executionID, 0)
	if err != nil {
		return nil, storeError("list execution logs", err)
	}
	st := &ExecutionStatus{Execution: exec, Logs: logs}
	if runs, err := store.ReplayNodeRuns(logs); err != nil {
		e.logger.WarnContext(ctx, "replay node runs", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	} else {
		st.Nodes = runs
	}
	return st, nil
}

// --- terminal transitions ---

type finalState struct {
	status     schema.ExecutionStatus
	expect     []schema.ExecutionStatus
	output     map[string]any
	progress   *int
	errMessage string
	errStack   string
	logLevel   schema.LogLevel
	logMessage string
	logData    map[string]any
	// counted terminal states update the workflow's run counters.
	counted  bool
	executed int
	total    int
}

// finalize validates and persists a terminal transition, then logs and emits it.
// It returns CONFLICT when the persisted status is no longer one of fin.expect.
func (e *executor) finalize(ctx context.Context, exec *store.Execution, fin finalState) error {
	if err := e.fsm.Transition(ctx, exec.ID, exec.Status, fin.status); err != nil {
		return err
	}

	now := e.now()
	dur := durationMs(exec, now)
	update := store.ExecutionUpdate{
		Status:       &fin.status,
		FinishedAt:   &now,
		DurationMs:   &dur,
		OutputData:   fin.output,
		Progress:     fin.progress,
		ExpectStatus: fin.expect,
	}
	if fin.errMessage != "" {
		update.ErrorMessage = &fin.errMessage
	}
	if fin.errStack != "" {
		update.ErrorStack = &fin.errStack
	}
	if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}

	from := exec.Status
	exec.Status = fin.status
	exec.FinishedAt = &now
	exec.DurationMs = &dur
	exec.UpdatedAt = now
	if fin.output != nil {
		exec.OutputData = fin.output
	}
	if fin.progress != nil {
		exec.Progress = *fin.progress
	}
	if fin.errMessage != "" {
		exec.ErrorMessage = fin.errMessage
	}
	if fin.errStack != "" {
		exec.ErrorStack = fin.errStack
	}

	e.afterTransition(ctx, exec.ID, from, fin.status)

	if fin.logMessage != "" {
		e.appendLog(ctx, exec, fin.logLevel, fin.logMessage, nil, fin.logData)
	}
	if fin.counted {
		success := fin.status == schema.ExecutionStatusCompleted
		if err := e.store.IncrementWorkflowCounters(ctx, exec.WorkflowID, success, now); err != nil {
			e.logger.WarnContext(ctx, "update workflow counters", slog.String("error", err.Error()))
		}
	}

	e.emitStatus(ctx, exec)
	e.sink.EmitMetrics(ctx, exec.ID, ExecutionMetrics{
		WorkflowID:    exec.WorkflowID,
		Mode:          exec.Mode,
		Status:        exec.Status,
		DurationMs:    dur,
		NodesExecuted: fin.executed,
		NodesTotal:    fin.total,
	})
	return nil
}

// --- helpers ---

func (e *executor) appendLog(ctx context.Context, exec *store.Execution, level schema.LogLevel, message string, node *schema.Node, data map[string]any) {
	l := &store.ExecutionLog{
		ExecutionID: exec.ID,
		Level:       level,
		Message:     message,
		Data:        data,
		CreatedAt:   e.now(),
	}
	if node != nil {
		l.NodeID = node.ID
		l.NodeName = node.DisplayName()
	}
	if err := e.store.AppendExecutionLog(ctx, l); err != nil {
		e.logger.WarnContext(ctx, "append execution log", slog.String("error", err.Error()))
		return
	}
	e.sink.EmitLog(ctx, exec.ID, l)
}

func (e *executor) emitStatus(ctx context.Context, exec *store.Execution) {
	e.sink.EmitStatus(ctx, StatusEvent{
		ExecutionID:   exec.ID,
		WorkflowID:    exec.WorkflowID,
		Status:        exec.Status,
		Progress:      exec.Progress,
		CurrentNodeID: exec.CurrentNodeID,
	})
}

func (e *executor) afterTransition(ctx context.Context, id string, from, to schema.ExecutionStatus) {
	if err := e.fsm.AfterTransition(ctx, id, from, to); err != nil {
		e.logger.WarnContext(ctx, "transition hook failed", slog.String("error", err.Error()))
	}
}

func (e *executor) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *executor) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *executor) cancelRun(id string) {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// progressAt is the progress reported before running node i of n.
func progressAt(i, n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Round(float64(i) / float64(n) * 100))
}

func durationMs(exec *store.Execution, now time.Time) int64 {
	from := exec.CreatedAt
	if exec.StartedAt != nil {
		from = *exec.StartedAt
	}
	if from.IsZero() {
		return 0
	}
	return now.Sub(from).Milliseconds()
}

func nodeError(node schema.Node, err error) *schema.NodeflowError {
	var ne *schema.NodeflowError
	if errors.As(err, &ne) && ne.Code == schema.ErrCodeUnknownNodeType {
		return schema.NewError(ne.Code, ne.Message).WithNode(node.ID).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeNodeExecution, "node %s failed: %s", node.DisplayName(), err.Error()).
		WithNode(node.ID).WithCause(err)
}

func storeError(op string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
