package tooling

import (
	"context"
	"strings"

	"github.com/ssh-vom/analysisd/internal/timeline"
)

// ToolCall is one tool invocation issued by the model, already normalized.
type ToolCall struct {
	ID        string
	Name      string
	Arguments Arguments
}

// SQLToolRequest is the input to a run_sql dispatch.
type SQLToolRequest struct {
	WorldlineID             string
	SQL                     string
	Limit                   int
	AllowedExternalAliases  []string
	CallID                  string
}

// PythonToolRequest is the input to a run_python dispatch.
type PythonToolRequest struct {
	WorldlineID string
	Code        string
	Timeout     int
	CallID      string
}

// SQLExecutor runs the SQL tool, grounded on
// original_source/backend/services/tool_executor.py::execute_sql_tool.
type SQLExecutor interface {
	ExecuteSQLTool(ctx context.Context, req SQLToolRequest) (map[string]any, error)
}

// PythonExecutor runs the Python sandbox tool, grounded on
// original_source/backend/services/tool_executor.py::execute_python_tool.
type PythonExecutor interface {
	ExecutePythonTool(ctx context.Context, req PythonToolRequest) (map[string]any, error)
}

// SpawnSubagentsInput is the input to a spawn_subagents dispatch, carrying
// the already-clamped numeric arguments and the resolved fork point.
type SpawnSubagentsInput struct {
	WorldlineID            string
	ToolCallID             string
	Tasks                  []map[string]any
	Goal                   string
	RequestedFromEventID   string
	FromEventID            string
	FromEventResolution    string
	TimeoutS               int
	MaxIterations          int
	MaxSubagents           int
	MaxParallelSubagents   int
}

// SubagentRunner fans a spawn_subagents call out to child worldline turns and
// aggregates their results; the concrete implementation lives in
// internal/subagent.
type SubagentRunner interface {
	Run(ctx context.Context, input SpawnSubagentsInput) (map[string]any, error)
}

// Dispatcher routes normalized tool calls to their executors, mirroring
// tool_dispatcher.py::ToolDispatcher.execute_tool_call.
type Dispatcher struct {
	SQL      SQLExecutor
	Python   PythonExecutor
	Timeline *timeline.Service
	Subagent SubagentRunner
}

// Result is what execute_tool_call returns: the tool_result payload plus,
// for time_travel, the worldline id execution continues on.
type Result struct {
	Payload           map[string]any
	NewWorldlineID    string
}

// Execute dispatches one tool call. subagentDepth > 0 disables
// spawn_subagents for child (subagent) turns, matching the original's
// nesting guard.
func (d *Dispatcher) Execute(ctx context.Context, worldlineID string, call ToolCall, carriedUserMessage string, allowedExternalAliases []string, subagentDepth int) (*Result, error) {
	name := strings.TrimSpace(call.Name)
	args := call.Arguments
	if args == nil {
		args = Arguments{}
	}

	if err := ValidateToolArguments(name, args); err != nil {
		return &Result{Payload: map[string]any{"error": "invalid arguments for '" + name + "': " + err.Error()}}, nil
	}

	switch name {
	case "run_sql":
		return d.executeSQL(ctx, worldlineID, call, args, allowedExternalAliases)
	case "run_python":
		return d.executePython(ctx, worldlineID, call, args)
	case "time_travel":
		return d.executeTimeTravel(ctx, worldlineID, call, args, carriedUserMessage)
	case "spawn_subagents":
		return d.executeSpawnSubagents(ctx, worldlineID, call, args, subagentDepth)
	default:
		return &Result{Payload: map[string]any{"error": "unknown tool '" + name + "'"}}, nil
	}
}

func (d *Dispatcher) executeSQL(ctx context.Context, worldlineID string, call ToolCall, args Arguments, allowedExternalAliases []string) (*Result, error) {
	sql, ok := args["sql"].(string)
	if !ok || strings.TrimSpace(sql) == "" {
		return &Result{Payload: map[string]any{"error": "run_sql requires a non-empty 'sql' string"}}, nil
	}
	limit := clampInt(args["limit"], 100, 1, 10000)

	result, err := d.SQL.ExecuteSQLTool(ctx, SQLToolRequest{
		WorldlineID:            worldlineID,
		SQL:                    sql,
		Limit:                  limit,
		AllowedExternalAliases: allowedExternalAliases,
		CallID:                 call.ID,
	})
	if err != nil {
		return &Result{Payload: map[string]any{"error": err.Error()}}, nil
	}
	return &Result{Payload: result}, nil
}

func (d *Dispatcher) executePython(ctx context.Context, worldlineID string, call ToolCall, args Arguments) (*Result, error) {
	code, ok := args["code"].(string)
	if !ok || strings.TrimSpace(code) == "" {
		return &Result{Payload: map[string]any{"error": "run_python requires a non-empty 'code' string"}}, nil
	}
	timeout := clampInt(args["timeout"], 30, 1, 120)

	result, err := d.Python.ExecutePythonTool(ctx, PythonToolRequest{
		WorldlineID: worldlineID,
		Code:        code,
		Timeout:     timeout,
		CallID:      call.ID,
	})
	if err != nil {
		return &Result{Payload: map[string]any{"error": err.Error()}}, nil
	}
	return &Result{Payload: result}, nil
}

func (d *Dispatcher) executeTimeTravel(ctx context.Context, worldlineID string, call ToolCall, args Arguments, carriedUserMessage string) (*Result, error) {
	fromEventID, ok := args["from_event_id"].(string)
	if !ok || strings.TrimSpace(fromEventID) == "" {
		return &Result{Payload: map[string]any{"error": "time_travel requires 'from_event_id'"}}, nil
	}
	branchName, _ := args["name"].(string)

	branch, err := d.Timeline.BranchFromEvent(ctx, worldlineID, fromEventID, timeline.BranchOptions{
		Name:               branchName,
		AppendEvents:       true,
		CarriedUserMessage: carriedUserMessage,
	})
	if err != nil {
		return &Result{Payload: map[string]any{"error": err.Error()}}, nil
	}

	return &Result{
		Payload: map[string]any{
			"new_worldline_id": branch.NewWorldlineID,
			"from_event_id":    branch.FromEventID,
			"created_event_ids": branch.CreatedEventIDs,
		},
		NewWorldlineID: branch.NewWorldlineID,
	}, nil
}

func (d *Dispatcher) executeSpawnSubagents(ctx context.Context, worldlineID string, call ToolCall, args Arguments, subagentDepth int) (*Result, error) {
	if subagentDepth > 0 {
		return &Result{Payload: map[string]any{
			"error":      "spawn_subagents is disabled for subagent child turns",
			"error_code": "spawn_subagents_nested_not_allowed",
		}}, nil
	}

	tasksRaw, _ := args["tasks"].([]any)
	goal, _ := args["goal"].(string)
	if len(tasksRaw) == 0 && strings.TrimSpace(goal) == "" {
		return &Result{Payload: map[string]any{"error": "spawn_subagents requires non-empty 'goal' or 'tasks'"}}, nil
	}

	var requested *string
	if raw, ok := args["from_event_id"].(string); ok && strings.TrimSpace(raw) != "" {
		trimmed := strings.TrimSpace(raw)
		requested = &trimmed
	}

	resolution, err := d.Timeline.ResolveForkEventIDOrHead(ctx, worldlineID, requested)
	if err != nil {
		return &Result{Payload: map[string]any{"error": err.Error()}}, nil
	}

	tasks := make([]map[string]any, 0, len(tasksRaw))
	for _, t := range tasksRaw {
		if m, ok := t.(map[string]any); ok {
			tasks = append(tasks, m)
		}
	}

	result, err := d.Subagent.Run(ctx, SpawnSubagentsInput{
		WorldlineID:          worldlineID,
		ToolCallID:           call.ID,
		Tasks:                tasks,
		Goal:                 goal,
		RequestedFromEventID: derefStr(requested),
		FromEventID:          resolution.EventID,
		FromEventResolution:  resolution.Reason,
		TimeoutS:             clampInt(args["timeout_s"], 300, 1, 1800),
		MaxIterations:        clampInt(args["max_iterations"], 8, 1, 100),
		MaxSubagents:         clampInt(args["max_subagents"], 8, 1, 50),
		MaxParallelSubagents: clampInt(args["max_parallel_subagents"], 3, 1, 10),
	})
	if err != nil {
		return &Result{Payload: map[string]any{"error": err.Error()}}, nil
	}
	return &Result{Payload: result}, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
