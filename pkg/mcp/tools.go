package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// handleDefine validates a graph and stores it as a new workflow.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	g, err := graphArgs(req)
	if err != nil {
		return toolError(err), nil
	}
	if len(g.Nodes) == 0 {
		return mcp.NewToolResultError("nodes is required"), nil
	}
	if s.validator != nil {
		if res := s.validator.Validate(g); !res.Valid() {
			return marshalResult(map[string]any{"valid": false, "result": res})
		}
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Nodes:       g.Nodes,
		Connections: g.Connections,
		Active:      req.GetBool("active", true),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return toolError(err), nil
	}
	s.logger.InfoContext(ctx, "workflow defined", slog.String("workflow_id", wf.ID), slog.String("name", name))
	return marshalResult(map[string]any{"valid": true, "workflow": wf})
}

// handleValidate validates a stored workflow or an inline graph.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("validation is not configured"), nil
	}

	var g schema.WorkflowGraph
	if id := req.GetString("workflow_id", ""); id != "" {
		wf, err := s.store.GetWorkflow(ctx, id)
		if err != nil {
			return toolError(err), nil
		}
		g = wf.Graph()
	} else {
		var err error
		if g, err = graphArgs(req); err != nil {
			return toolError(err), nil
		}
		if len(g.Nodes) == 0 {
			return mcp.NewToolResultError("either workflow_id or nodes is required"), nil
		}
	}

	res := s.validator.Validate(g)
	return marshalResult(map[string]any{"valid": res.Valid(), "result": res})
}

// handleStart creates a pending execution and dispatches it.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	start := engine.StartRequest{
		WorkflowID: workflowID,
		InputData:  mcp.ParseStringMap(req, "input", nil),
		Mode:       schema.ExecutionMode(req.GetString("mode", string(schema.ExecutionModeManual))),
		UserID:     req.GetString("user_id", ""),
	}

	// Subscribe before starting so no status event is missed.
	var events <-chan streaming.StreamEvent
	var unsubscribe func()
	if req.GetBool("watch", false) && s.hub != nil {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			events, unsubscribe, err = s.hub.Subscribe(context.WithoutCancel(ctx), streaming.EventFilter{
				WorkflowID: workflowID,
				EventTypes: []string{schema.EventExecutionStatus},
			})
			if err != nil {
				s.logger.WarnContext(ctx, "subscribe execution events", slog.String("error", err.Error()))
				events, unsubscribe = nil, nil
			}
		}
	}

	exec, err := s.engine.Start(ctx, start)
	if err != nil {
		if unsubscribe != nil {
			unsubscribe()
		}
		return toolError(err), nil
	}

	watching := false
	if events != nil {
		s.captureSession(ctx, exec.ID)
		go s.watch(context.WithoutCancel(ctx), exec.ID, events, unsubscribe)
		watching = true
	}
	return marshalResult(map[string]any{"execution": exec, "watching": watching})
}

// handleStatus returns the execution with its node runs and logs.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	status, err := s.engine.Status(ctx, executionID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(status)
}

// handleCancel cancels a non-terminal execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.engine.Cancel(ctx, executionID, req.GetString("user_id", ""))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"execution": exec})
}

// handleSchedule dispatches schedule management actions.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	if action == "create" {
		sched, err := s.scheduler.Create(ctx, scheduler.CreateScheduleRequest{
			WorkflowID:     req.GetString("workflow_id", ""),
			CronExpression: req.GetString("cron_expression", ""),
			Timezone:       req.GetString("timezone", ""),
			InputData:      mcp.ParseStringMap(req, "input", nil),
			Paused:         req.GetBool("paused", false),
		})
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"schedule": sched})
	}

	id := req.GetString("schedule_id", "")
	if id == "" {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}

	var sched *store.ScheduledWorkflow
	switch action {
	case "update":
		upd := scheduler.UpdateScheduleRequest{InputData: mcp.ParseStringMap(req, "input", nil)}
		if v := req.GetString("cron_expression", ""); v != "" {
			upd.CronExpression = &v
		}
		if v := req.GetString("timezone", ""); v != "" {
			upd.Timezone = &v
		}
		sched, err = s.scheduler.Update(ctx, id, upd)
	case "pause":
		sched, err = s.scheduler.Pause(ctx, id)
	case "resume":
		sched, err = s.scheduler.Resume(ctx, id)
	case "delete":
		if err = s.scheduler.Delete(ctx, id); err == nil {
			return marshalResult(map[string]any{"ok": true, "schedule_id": id, "status": schema.ScheduleStatusDeleted})
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown schedule action: %s", action)), nil
	}
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"schedule": sched})
}

// handleQuery lists workflows, executions, schedules or logs.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	case "logs":
		return s.queryLogs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if active, ok := filter["active"].(bool); ok {
		wf.Active = &active
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.ExecutionStatus(status)
		ef.Status = &st
	}
	if mode, ok := filter["mode"].(string); ok && mode != "" {
		m := schema.ExecutionMode(mode)
		ef.Mode = &m
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: expected RFC3339", since)), nil
		}
		ef.Since = &t
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *Server) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduleFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		sf.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.ScheduleStatus(status)
		sf.Status = &st
	}

	schedules, err := s.store.ListSchedules(ctx, sf)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

func (s *Server) queryLogs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, _ := filter["execution_id"].(string)
	if executionID == "" {
		return mcp.NewToolResultError("log query requires 'execution_id' in filter"), nil
	}
	logs, err := s.store.ListExecutionLogs(ctx, executionID, int64(extractInt(filter, "since_sequence", 0)))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"logs": logs})
}

// --- Internal helpers ---

// watch forwards status events of one execution to the session that started
// it until the execution is terminal or the watch times out.
func (s *Server) watch(ctx context.Context, executionID string, events <-chan streaming.StreamEvent, unsubscribe func()) {
	ctx, cancel := context.WithTimeout(ctx, s.watchTimeout)
	defer cancel()
	defer unsubscribe()
	defer s.sessions.Forget(executionID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ExecutionID != executionID {
				continue
			}
			status, _ := ev.Payload.(engine.StatusEvent)
			payload := map[string]any{
				"execution_id":    executionID,
				"workflow_id":     ev.WorkflowID,
				"status":          status.Status,
				"progress":        status.Progress,
				"current_node_id": status.CurrentNodeID,
			}
			if err := s.notifier.Notify(ctx, executionID, payload); err != nil {
				s.logger.WarnContext(ctx, "notify execution status",
					slog.String("execution_id", executionID),
					slog.String("error", err.Error()))
			}
			if status.Status.IsTerminal() {
				return
			}
		}
	}
}

// captureSession maps key to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, key string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(key, session.SessionID())
	}
}

// graphArgs decodes the nodes and connections arguments.
func graphArgs(req mcp.CallToolRequest) (schema.WorkflowGraph, error) {
	var g schema.WorkflowGraph
	args := req.GetArguments()
	if err := decodeArg(args, "nodes", &g.Nodes); err != nil {
		return g, err
	}
	if err := decodeArg(args, "connections", &g.Connections); err != nil {
		return g, err
	}
	return g, nil
}

func decodeArg(args map[string]any, key string, out any) error {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %s", key, err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %s", key, err.Error())
	}
	return nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError renders err as a tool error. NodeflowError messages carry their code.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
