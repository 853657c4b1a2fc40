// Package toolexec implements the run_sql and run_python tool executors:
// read-only SQL against a worldline's analytical DB, and sandboxed Python
// with prior-successful-code replay and latest-SQL-result context injection.
// Ported from original_source/backend/services/tool_executor.py.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/ssh-vom/analysisd/internal/analyticaldb"
	"github.com/ssh-vom/analysisd/internal/errs"
	"github.com/ssh-vom/analysisd/internal/ids"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/sandbox"
	"github.com/ssh-vom/analysisd/internal/store"
	"github.com/ssh-vom/analysisd/internal/timeline"
	"github.com/ssh-vom/analysisd/internal/tooling"
)

var readOnlyPrefixes = map[string]bool{
	"select": true, "with": true, "show": true, "describe": true, "explain": true,
}

// ValidateReadOnlySQL rejects anything but a single read-only statement,
// matching tool_executor.py::validate_read_only_sql.
func ValidateReadOnlySQL(sql string) error {
	stripped := strings.TrimLeft(strings.TrimSpace(sql), "(")
	fields := strings.Fields(stripped)
	first := ""
	if len(fields) > 0 {
		first = strings.ToLower(fields[0])
	}
	if !readOnlyPrefixes[first] {
		return &errs.BadRequestError{Reason: "only read-only SQL is allowed"}
	}
	if strings.Contains(strings.TrimRight(stripped, ";"), ";") {
		return &errs.BadRequestError{Reason: "multiple SQL statements are not allowed"}
	}
	return nil
}

// SQLExecutor implements tooling.SQLExecutor against an analyticaldb.Driver,
// recording tool_call_sql/tool_result_sql events around the query.
type SQLExecutor struct {
	DB       *analyticaldb.Driver
	Timeline *timeline.Service
}

func (e *SQLExecutor) ExecuteSQLTool(ctx context.Context, req tooling.SQLToolRequest) (map[string]any, error) {
	if err := ValidateReadOnlySQL(req.SQL); err != nil {
		return nil, err
	}
	started := time.Now()

	head, err := e.Timeline.CurrentHead(ctx, req.WorldlineID)
	if err != nil {
		return nil, err
	}

	callPayload := map[string]any{"sql": req.SQL, "limit": req.Limit}
	if req.AllowedExternalAliases != nil {
		normalized := make([]string, 0, len(req.AllowedExternalAliases))
		for _, alias := range req.AllowedExternalAliases {
			if trimmed := strings.TrimSpace(alias); trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
		callPayload["allowed_external_aliases"] = normalized
	}
	if req.CallID != "" {
		callPayload["call_id"] = req.CallID
	}

	callEvent, err := e.Timeline.AppendWithRetry(ctx, req.WorldlineID, head, model.EventToolCallSQL, callPayload, 4)
	if err != nil {
		return nil, fmt.Errorf("append tool_call_sql: %w", err)
	}

	var result map[string]any
	var queryErr error
	read, err := e.DB.ExecuteRead(ctx, req.WorldlineID, req.SQL, req.Limit, req.AllowedExternalAliases)
	if err != nil {
		queryErr = err
		result = map[string]any{"error": err.Error()}
	} else {
		result = map[string]any{
			"columns":       read.Columns,
			"rows":          read.Rows,
			"row_count":     read.RowCount,
			"preview_count": read.PreviewCount,
			"execution_ms":  time.Since(started).Milliseconds(),
		}
	}

	callEventID := callEvent.ID
	if _, err := e.Timeline.AppendAndAdvance(ctx, req.WorldlineID, &callEventID, model.EventToolResultSQL, result); err != nil {
		return nil, fmt.Errorf("append tool_result_sql: %w", err)
	}

	if queryErr != nil {
		return nil, queryErr
	}
	return result, nil
}

// PythonExecutor implements tooling.PythonExecutor against a sandbox.Manager,
// replaying prior successful Python in the same worldline when the sandbox
// isn't already warm, and injecting the latest successful SQL result as a
// LATEST_SQL_RESULT/LATEST_SQL_DF binding.
type PythonExecutor struct {
	Sandbox   *sandbox.Manager
	Timeline  *timeline.Service
	Artifacts *store.ArtifactStore
	// PythonBinary runs the syntax-only preflight compile check; defaults to
	// "python3" (matching sandbox.NewProcessRunner's default worker command).
	PythonBinary string
}

var toolInvocationRe = map[string]*regexp.Regexp{
	"run_sql":     regexp.MustCompile(`\brun_sql\s*\(`),
	"run_python":  regexp.MustCompile(`\brun_python\s*\(`),
	"time_travel": regexp.MustCompile(`\btime_travel\s*\(`),
}

func detectForbiddenToolInvocations(code string) []string {
	var found []string
	for _, name := range []string{"run_sql", "run_python", "time_travel"} {
		if toolInvocationRe[name].MatchString(code) {
			found = append(found, name)
		}
	}
	return found
}

// pythonCompileCheckScript feeds stdin to Python's own compile() builtin and
// prints the syntax-error location as JSON, so the preflight never has to
// parse Python itself — it borrows the sandbox's own interpreter for a
// compile-only dry run.
const pythonCompileCheckScript = `import sys, json
src = sys.stdin.read()
label = sys.argv[1] if len(sys.argv) > 1 else "<preflight>"
try:
    compile(src, label, "exec")
except SyntaxError as exc:
    print(json.dumps({
        "ok": False,
        "message": str(exc.msg or "invalid syntax"),
        "line": exc.lineno or 0,
        "column": exc.offset or 0,
        "text": (exc.text or "").strip(),
    }))
else:
    print(json.dumps({"ok": True}))
`

type pythonCompileCheck struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Text    string `json:"text"`
}

// preflightCompileError runs code through pythonCompileCheckScript and, on a
// syntax error, returns a tool_result_python-shaped error payload tagged with
// errorCode — nil when code compiles cleanly or the preflight itself could
// not run (fail open, matching the sandbox being the real source of truth).
// Grounded on tool_executor.py's _python_preflight_error_payload/
// _format_syntax_error compile-twice behavior.
func (e *PythonExecutor) preflightCompileError(ctx context.Context, code, label, errorCode string) map[string]any {
	binary := e.PythonBinary
	if binary == "" {
		binary = "python3"
	}
	cmd := exec.CommandContext(ctx, binary, "-I", "-c", pythonCompileCheckScript, label)
	cmd.Stdin = strings.NewReader(code)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil
	}

	var check pythonCompileCheck
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &check); err != nil || check.OK {
		return nil
	}

	var location []string
	if check.Line > 0 {
		location = append(location, fmt.Sprintf("line %d", check.Line))
	}
	if check.Column > 0 {
		location = append(location, fmt.Sprintf("column %d", check.Column))
	}
	locationText := ""
	if len(location) > 0 {
		locationText = " at " + strings.Join(location, ", ")
	}
	message := fmt.Sprintf("Python code failed syntax preflight%s: %s.", locationText, check.Message)
	if strings.TrimSpace(check.Text) != "" {
		message += " Offending line: " + strings.TrimSpace(check.Text)
	}

	payload := map[string]any{
		"error":      message,
		"error_code": errorCode,
		"retryable":  true,
	}
	if check.Line > 0 {
		payload["line"] = check.Line
	}
	if check.Column > 0 {
		payload["column"] = check.Column
	}
	return payload
}

func (e *PythonExecutor) ExecutePythonTool(ctx context.Context, req tooling.PythonToolRequest) (map[string]any, error) {
	started := time.Now()

	head, err := e.Timeline.CurrentHead(ctx, req.WorldlineID)
	if err != nil {
		return nil, err
	}

	priorEvents, err := e.Timeline.RebuildHistory(ctx, req.WorldlineID, head)
	if err != nil {
		return nil, err
	}
	priorCodes := extractSuccessfulPythonCodes(priorEvents)
	latestSQLResult := extractLatestSuccessfulSQLResult(priorEvents)

	sandboxWarm := false
	for _, wid := range e.Sandbox.ActiveWorldlines() {
		if wid == req.WorldlineID {
			sandboxWarm = true
			break
		}
	}
	replayCodes := priorCodes
	if sandboxWarm {
		replayCodes = nil
	}

	executionCode := buildReplayCode(replayCodes, req.Code)
	if sqlContext := buildSQLContextCode(latestSQLResult); sqlContext != "" {
		executionCode = sqlContext + "\n\n" + executionCode
	}

	callPayload := map[string]any{"code": req.Code, "timeout": req.Timeout}
	if req.CallID != "" {
		callPayload["call_id"] = req.CallID
	}
	callEvent, err := e.Timeline.AppendWithRetry(ctx, req.WorldlineID, head, model.EventToolCallPython, callPayload, 4)
	if err != nil {
		return nil, fmt.Errorf("append tool_call_python: %w", err)
	}
	callEventID := callEvent.ID

	if forbidden := detectForbiddenToolInvocations(req.Code); len(forbidden) > 0 {
		payload := map[string]any{
			"error": fmt.Sprintf(
				"Python code attempted to call backend tools directly (%s). Use tool calls at the "+
					"model level (run_sql/run_python) and keep Python as plain executable analysis code.",
				strings.Join(forbidden, ", ")),
			"error_code":         "python_tool_invocation_forbidden",
			"retryable":          true,
			"invalid_tool_calls": forbidden,
		}
		if _, err := e.Timeline.AppendAndAdvance(ctx, req.WorldlineID, &callEventID, model.EventToolResultPython, payload); err != nil {
			return nil, fmt.Errorf("append tool_result_python: %w", err)
		}
		return payload, nil
	}

	if payload := e.preflightCompileError(ctx, req.Code, "<run_python_code>", "python_compile_error"); payload != nil {
		if _, err := e.Timeline.AppendAndAdvance(ctx, req.WorldlineID, &callEventID, model.EventToolResultPython, payload); err != nil {
			return nil, fmt.Errorf("append tool_result_python: %w", err)
		}
		return payload, nil
	}
	if payload := e.preflightCompileError(ctx, executionCode, "<run_python_execution_payload>", "python_execution_payload_compile_error"); payload != nil {
		payload["error"] = "Generated execution payload failed syntax preflight before sandbox run: " + payload["error"].(string)
		if _, err := e.Timeline.AppendAndAdvance(ctx, req.WorldlineID, &callEventID, model.EventToolResultPython, payload); err != nil {
			return nil, fmt.Errorf("append tool_result_python: %w", err)
		}
		return payload, nil
	}

	raw, err := e.Sandbox.Execute(ctx, req.WorldlineID, executionCode, req.Timeout)
	if err != nil {
		payload := map[string]any{
			"error":      err.Error(),
			"error_code": "python_runtime_error",
			"retryable":  false,
		}
		if _, aerr := e.Timeline.AppendAndAdvance(ctx, req.WorldlineID, &callEventID, model.EventToolResultPython, payload); aerr != nil {
			return nil, fmt.Errorf("append tool_result_python: %w", aerr)
		}
		return payload, nil
	}

	apiArtifacts, dbArtifacts := projectArtifacts(raw)
	result := map[string]any{
		"stdout":       raw["stdout"],
		"stderr":       raw["stderr"],
		"error":        raw["error"],
		"artifacts":    apiArtifacts,
		"previews":     valueOr(raw["previews"], map[string]any{"dataframes": []any{}}),
		"execution_ms": time.Since(started).Milliseconds(),
	}

	resultEvent, err := e.Timeline.AppendAndAdvance(ctx, req.WorldlineID, &callEventID, model.EventToolResultPython, result)
	if err != nil {
		return nil, fmt.Errorf("append tool_result_python: %w", err)
	}

	for _, artifact := range dbArtifacts {
		if artifact.Path == "" {
			continue
		}
		artifact.WorldlineID = req.WorldlineID
		artifact.EventID = resultEvent.ID
		if _, err := e.Artifacts.Insert(ctx, artifact); err != nil {
			return nil, fmt.Errorf("insert artifact: %w", err)
		}
	}

	return result, nil
}

func valueOr(v, fallback any) any {
	if v == nil {
		return fallback
	}
	return v
}

func projectArtifacts(raw map[string]any) ([]map[string]any, []model.Artifact) {
	rawArtifacts, _ := raw["artifacts"].([]any)
	apiArtifacts := make([]map[string]any, 0, len(rawArtifacts))
	dbArtifacts := make([]model.Artifact, 0, len(rawArtifacts))
	for _, a := range rawArtifacts {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := m["type"].(string)
		if typ == "" {
			typ = "file"
		}
		name, _ := m["name"].(string)
		if name == "" {
			name = "artifact"
		}
		path, _ := m["path"].(string)
		artifactID := ids.New(ids.PrefixArtifact)

		apiArtifacts = append(apiArtifacts, map[string]any{
			"type": typ, "name": name, "artifact_id": artifactID,
		})
		dbArtifacts = append(dbArtifacts, model.Artifact{
			ID: artifactID, Type: model.ArtifactType(typ), Name: name, Path: path,
		})
	}
	return apiArtifacts, dbArtifacts
}

func extractSuccessfulPythonCodes(events []*model.Event) []string {
	byID := make(map[string]*model.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	var codes []string
	for _, e := range events {
		if e.Type != model.EventToolResultPython {
			continue
		}
		if _, hasError := e.Payload["error"]; hasError && e.Payload["error"] != nil {
			continue
		}
		if e.ParentEventID == nil {
			continue
		}
		callEvent, ok := byID[*e.ParentEventID]
		if !ok || callEvent.Type != model.EventToolCallPython {
			continue
		}
		if code, ok := callEvent.Payload["code"].(string); ok && code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

func extractLatestSuccessfulSQLResult(events []*model.Event) map[string]any {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Type != model.EventToolResultSQL {
			continue
		}
		if errVal, hasError := e.Payload["error"]; hasError && errVal != nil {
			continue
		}
		return e.Payload
	}
	return nil
}

func buildSQLContextCode(latest map[string]any) string {
	if latest == nil {
		return ""
	}
	serialized, err := json.Marshal(latest)
	if err != nil {
		return ""
	}
	escaped := strings.ReplaceAll(string(serialized), `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	return strings.Join([]string{
		"import json",
		fmt.Sprintf("LATEST_SQL_RESULT = json.loads('%s')", escaped),
		"LATEST_SQL_COLUMNS = [c.get('name', '') for c in (LATEST_SQL_RESULT.get('columns') or []) if isinstance(c, dict)]",
		"LATEST_SQL_ROWS = LATEST_SQL_RESULT.get('rows') or []",
		"try:",
		"    import pandas as pd",
		"    LATEST_SQL_DF = pd.DataFrame(LATEST_SQL_ROWS, columns=LATEST_SQL_COLUMNS)",
		"except Exception:",
		"    LATEST_SQL_DF = None",
	}, "\n")
}

func indent(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}

func buildReplayCode(priorCodes []string, currentCode string) string {
	if len(priorCodes) == 0 {
		return currentCode
	}
	chunks := []string{"import contextlib", "import io"}
	for idx, code := range priorCodes {
		chunks = append(chunks, fmt.Sprintf(
			"# replay_step_%d\n_replay_stdout = io.StringIO()\n_replay_stderr = io.StringIO()\n"+
				"with contextlib.redirect_stdout(_replay_stdout), contextlib.redirect_stderr(_replay_stderr):\n%s",
			idx+1, indent(code)))
	}
	chunks = append(chunks, fmt.Sprintf("# current_step\n%s", currentCode))
	return strings.Join(chunks, "\n\n")
}
