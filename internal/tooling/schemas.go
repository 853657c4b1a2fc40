// Package tooling normalizes and dispatches model-issued tool calls: SQL and
// Python sandbox execution, time travel, and subagent fan-out. Ported from
// original_source/backend/chat/tooling.py and
// original_source/backend/services/tool_executor.py.
package tooling

// ToolDefinition is one entry advertised to the LLM client's tool-use API.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// SQLToolSchema mirrors tooling.py's SQL_TOOL_SCHEMA.
var SQLToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"sql":   map[string]any{"type": "string"},
		"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 10000},
	},
	"required":             []string{"sql"},
	"additionalProperties": false,
}

// PythonToolSchema mirrors tooling.py's PYTHON_TOOL_SCHEMA.
var PythonToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"code":    map[string]any{"type": "string"},
		"timeout": map[string]any{"type": "integer", "minimum": 1, "maximum": 120},
	},
	"required":             []string{"code"},
	"additionalProperties": false,
}

// TimeTravelToolSchema mirrors tooling.py's TIME_TRAVEL_TOOL_SCHEMA.
var TimeTravelToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"from_event_id": map[string]any{"type": "string"},
		"name":          map[string]any{"type": "string"},
	},
	"required":             []string{"from_event_id"},
	"additionalProperties": false,
}

// SpawnSubagentsToolSchema mirrors tooling.py's SPAWN_SUBAGENTS_TOOL_SCHEMA.
var SpawnSubagentsToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"goal": map[string]any{"type": "string"},
		"tasks": map[string]any{
			"type":     "array",
			"minItems": 1,
			"maxItems": 50,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message":     map[string]any{"type": "string"},
					"label":       map[string]any{"type": "string"},
					"branch_name": map[string]any{"type": "string"},
				},
				"required":             []string{"message"},
				"additionalProperties": false,
			},
		},
		"from_event_id":          map[string]any{"type": "string"},
		"timeout_s":              map[string]any{"type": "integer", "minimum": 1, "maximum": 1800},
		"max_iterations":         map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
		"max_subagents":          map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
		"max_parallel_subagents": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
	},
	"anyOf": []map[string]any{
		{"required": []string{"goal"}},
		{"required": []string{"tasks"}},
	},
	"additionalProperties": false,
}

// ToolDefinitions returns the advertised tool set, gated by the runtime's
// capability flags — matches tool_definitions()'s insertion order: run_sql
// first, run_python inserted right after it, spawn_subagents appended last.
func ToolDefinitions(includePython, includeSpawnSubagents bool) []ToolDefinition {
	tools := []ToolDefinition{
		{
			Name: "run_sql",
			Description: "Execute a read-only SQL query against the worldline DuckDB. " +
				"Use for table reads and aggregations.",
			InputSchema: SQLToolSchema,
		},
	}

	if includePython {
		pythonTool := ToolDefinition{
			Name: "run_python",
			Description: "Execute Python in the sandbox workspace for this worldline. " +
				"Use for plotting, data manipulation, and file artifacts. " +
				"For plots: use matplotlib (plt.plot, plt.bar, etc.) and call " +
				"plt.savefig('plot.png') before plt.show() to persist the image.",
			InputSchema: PythonToolSchema,
		}
		tools = append(tools[:1], append([]ToolDefinition{pythonTool}, tools[1:]...)...)
	}

	if includeSpawnSubagents {
		tools = append(tools, ToolDefinition{
			Name: "spawn_subagents",
			Description: "Fan out parallel child investigations by branching worldlines from a " +
				"prior event. Prefer passing `goal` and let the system split work into " +
				"tasks automatically; optionally pass explicit `tasks`. The parent turn " +
				"blocks until child worldlines finish, then returns aggregated results.",
			InputSchema: SpawnSubagentsToolSchema,
		})
	}
	return tools
}

// ToolNameToEventType maps a tool-use name to the event type its call is
// recorded as; the empty string means "not a recognized tool".
func ToolNameToEventType(toolName string) string {
	switch toolName {
	case "run_sql":
		return "tool_call_sql"
	case "run_python":
		return "tool_call_python"
	case "spawn_subagents":
		return "tool_call_subagents"
	default:
		return ""
	}
}
