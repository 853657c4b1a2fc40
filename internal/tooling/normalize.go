package tooling

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Arguments is a tool call's argument bag, mirroring the loosely-typed JSON
// object the model actually sends — the normalization pipeline below has to
// tolerate field aliasing and partial/malformed streaming fragments, so a
// strict struct would fight the problem rather than solve it.
type Arguments map[string]any

func clone(args Arguments) Arguments {
	out := make(Arguments, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// extractTextField returns a trimmed non-empty string, or ("", false) for
// anything else (nil, non-string, blank).
func extractTextField(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// LooksLikeCompleteToolArgs reports whether a streamed argument delta parses
// as a JSON object carrying one of the recognized payload keys.
func LooksLikeCompleteToolArgs(argsDelta string) bool {
	if argsDelta == "" || !strings.HasPrefix(strings.TrimSpace(argsDelta), "{") {
		return false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(argsDelta), &parsed); err != nil {
		return false
	}
	_, hasSQL := parsed["sql"]
	_, hasCode := parsed["code"]
	_, hasTasks := parsed["tasks"]
	_, hasGoal := parsed["goal"]
	return hasSQL || hasCode || hasTasks || hasGoal
}

// ChunkHasNonEmptyCodeOrSQL reports whether a streamed delta chunk carries
// real code/sql/goal/tasks content, so accumulators don't overwrite a
// complete payload with an empty or partial one.
func ChunkHasNonEmptyCodeOrSQL(argsDelta, toolName string) bool {
	if argsDelta == "" {
		return false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(argsDelta), &parsed); err != nil {
		return false
	}

	switch toolName {
	case "run_sql":
		for _, key := range []string{"sql", "query", "statement"} {
			if _, ok := extractTextField(parsed[key]); ok {
				return true
			}
		}
		return false
	case "run_python":
		for _, key := range []string{"code", "python", "script", "input"} {
			if _, ok := extractTextField(parsed[key]); ok {
				return true
			}
		}
		return false
	case "spawn_subagents":
		if _, ok := extractTextField(parsed["goal"]); ok {
			return true
		}
		if tasks, ok := parsed["tasks"].([]any); ok && len(tasks) > 0 {
			return true
		}
		return false
	default:
		_, hasSQL := parsed["sql"]
		_, hasCode := parsed["code"]
		_, hasTasks := parsed["tasks"]
		_, hasGoal := parsed["goal"]
		return hasSQL || hasCode || hasTasks || hasGoal
	}
}

func stripMarkdownCodeFence(value string) string {
	stripped := strings.TrimSpace(value)
	if !strings.HasPrefix(stripped, "```") {
		return value
	}
	lines := strings.Split(stripped, "\n")
	if len(lines) == 0 {
		return value
	}
	if strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var fieldAliases = map[string][]string{
	"code": {"python", "script", "input", "query"},
	"sql":  {"query", "statement"},
}

// unwrapEmbeddedArgumentPayload handles a field whose value is itself a JSON
// object string (the model nested its whole argument payload inside one
// field), e.g. `code` == `{"code":"print(1)","timeout":30}` unwraps to
// `print(1)`.
func unwrapEmbeddedArgumentPayload(value, field string) string {
	candidate := strings.TrimSpace(stripMarkdownCodeFence(value))
	if !strings.HasPrefix(candidate, "{") {
		return candidate
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return candidate
	}

	if direct, ok := extractTextField(parsed[field]); ok {
		return direct
	}
	for _, alias := range fieldAliases[field] {
		if v, ok := extractTextField(parsed[alias]); ok {
			return v
		}
	}
	return candidate
}

func clampInt(raw any, def, min, max int) int {
	n := def
	switch v := raw.(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case string:
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		} else {
			n = def
		}
	case nil:
		n = def
	default:
		n = def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func normalizeTimeoutOrLimit(toolName string, arguments Arguments) Arguments {
	result := clone(arguments)
	switch toolName {
	case "run_sql":
		result["limit"] = clampInt(result["limit"], 100, 1, 10000)
	case "run_python":
		result["timeout"] = clampInt(result["timeout"], 30, 1, 120)
	case "spawn_subagents":
		result["timeout_s"] = clampInt(result["timeout_s"], 300, 1, 1800)
		result["max_iterations"] = clampInt(result["max_iterations"], 8, 1, 100)
		result["max_subagents"] = clampInt(result["max_subagents"], 8, 1, 50)
		result["max_parallel_subagents"] = clampInt(result["max_parallel_subagents"], 3, 1, 10)
	}
	return result
}

// maybeExtractNestedArguments handles a `_raw` payload of the shape
// `{"arguments": {...}}` or `{"arguments": "{...}"}`, returning the nested
// object, or the top-level parsed object if there's no `arguments` field.
func maybeExtractNestedArguments(raw string) (map[string]any, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}

	nested, ok := parsed["arguments"]
	if !ok {
		return parsed, true
	}
	switch n := nested.(type) {
	case map[string]any:
		return n, true
	case string:
		var nestedParsed map[string]any
		if err := json.Unmarshal([]byte(n), &nestedParsed); err != nil {
			return nil, false
		}
		return nestedParsed, true
	default:
		return parsed, true
	}
}

func rescueCodeFieldFromRaw(raw, codeField string) (string, bool) {
	pattern := regexp.MustCompile(`"` + regexp.QuoteMeta(codeField) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	match := pattern.FindStringSubmatch(raw)
	if match == nil {
		return "", false
	}
	var decoded string
	if err := json.Unmarshal([]byte(`"`+match[1]+`"`), &decoded); err != nil {
		return "", false
	}
	return decoded, true
}

// NormalizeToolArguments reconciles field aliasing, embedded-JSON payloads
// and `_raw` streaming-fragment rescue into the canonical argument shape each
// tool's dispatcher expects. Ported algorithm-for-algorithm from
// tooling.py::normalize_tool_arguments.
func NormalizeToolArguments(toolName string, arguments Arguments) Arguments {
	resolvedTool := strings.TrimSpace(toolName)
	result := clone(arguments)
	if result == nil {
		result = Arguments{}
	}

	if resolvedTool == "run_sql" {
		sql, ok := extractTextField(result["sql"])
		if !ok {
			sql, ok = extractTextField(result["query"])
		}
		if !ok {
			sql, ok = extractTextField(result["statement"])
		}
		if ok {
			result["sql"] = unwrapEmbeddedArgumentPayload(sql, "sql")
		}
	}

	if resolvedTool == "run_python" {
		code, ok := extractTextField(result["code"])
		if !ok {
			code, ok = extractTextField(result["python"])
		}
		if !ok {
			code, ok = extractTextField(result["script"])
		}
		if !ok {
			code, ok = extractTextField(result["input"])
		}
		if !ok {
			code, ok = extractTextField(result["query"])
		}
		if ok {
			result["code"] = unwrapEmbeddedArgumentPayload(code, "code")
		}
	}

	if raw, ok := extractTextField(result["_raw"]); ok {
		if nested, ok := maybeExtractNestedArguments(raw); ok {
			merged := make(Arguments, len(nested)+len(result))
			for k, v := range nested {
				if k != "_raw" {
					merged[k] = v
				}
			}
			for k, v := range result {
				if k != "_raw" {
					merged[k] = v
				}
			}
			result = merged
		}

		codeField := "code"
		if resolvedTool == "run_sql" {
			codeField = "sql"
		}
		rawLooksComplete := strings.HasSuffix(strings.TrimSpace(raw), "}")

		// Try regex extraction whenever code/sql is missing - including
		// incomplete _raw for tools other than run_sql/run_python.
		if _, has := result[codeField]; !has {
			if resolvedTool != "run_sql" && resolvedTool != "run_python" || rawLooksComplete {
				if decoded, ok := rescueCodeFieldFromRaw(raw, codeField); ok {
					result[codeField] = decoded
				}
			}
		}
		// Also try regex on incomplete _raw for run_sql/run_python when
		// still missing.
		if _, has := result[codeField]; !has && (resolvedTool == "run_sql" || resolvedTool == "run_python") {
			if decoded, ok := rescueCodeFieldFromRaw(raw, codeField); ok && strings.TrimSpace(decoded) != "" {
				result[codeField] = decoded
			}
		}

		if _, has := result[codeField]; !has {
			rawStripped := strings.TrimSpace(raw)
			if rawStripped != "" && resolvedTool != "run_sql" && resolvedTool != "run_python" {
				result[codeField] = rawStripped
			}
		}
	}

	if resolvedTool == "run_sql" {
		if _, ok := result["sql"].(string); !ok {
			delete(result, "sql")
		}
	}
	if resolvedTool == "run_python" {
		if _, ok := result["code"].(string); !ok {
			delete(result, "code")
		}
	}

	if resolvedTool == "run_sql" {
		if sql, ok := extractTextField(result["sql"]); ok {
			result["sql"] = unwrapEmbeddedArgumentPayload(sql, "sql")
		}
	}
	if resolvedTool == "run_python" {
		if code, ok := extractTextField(result["code"]); ok {
			result["code"] = unwrapEmbeddedArgumentPayload(code, "code")
		}
	}

	delete(result, "_raw")
	return normalizeTimeoutOrLimit(resolvedTool, result)
}
