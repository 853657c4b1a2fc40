package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ssh-vom/analysisd/internal/llm"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/store"
	"github.com/ssh-vom/analysisd/internal/timeline"
	"github.com/ssh-vom/analysisd/internal/tooling"
)

const timeRFC3339 = "2006-01-02T15:04:05Z07:00"

// timeColumnPattern flags column names that look like temporal dimensions,
// matching data_intent.py's regex for time_columns.
var timeColumnPattern = regexp.MustCompile(`(?i)(date|time|month|year|day|week|quarter)`)

// loopLimitReason marks the terminal state_trace transition recorded when a
// turn exhausts max_iterations without a final answer; internal/subagent
// matches on this exact string when deciding whether a child turn's outcome
// warrants a synthesis-only retry.
const loopLimitReason = "max_iterations_reached"

// maxToolCallsPerTurn bounds how many times each tool may be invoked inside
// a single turn, preventing runaway loops.
var maxToolCallsPerTurn = map[string]int{
	"run_sql":     3,
	"run_python":  3,
	"time_travel": 1,
}

const maxToolResultChars = 12_000

// OnEvent is called once per event appended during the turn, including
// events produced by a time_travel branch switch.
type OnEvent func(ctx context.Context, worldlineID string, event *model.Event)

// Engine runs the model/tool-call loop for a single chat turn.
type Engine struct {
	LLM           llm.Client
	Dispatcher    *tooling.Dispatcher
	Timeline      *timeline.Service
	Artifacts     *store.ArtifactStore
	MaxIterations int
	MaxTokens     int
	Provider      string
	Model         string
}

// Result is what RunTurn returns: the worldline the turn ended on (it may
// have switched mid-turn via time_travel) plus every event appended.
type Result struct {
	ActiveWorldlineID string
	Events            []*model.Event
	Transitions       []Transition
}

// TurnOptions overrides RunTurn's defaults for a single call: subagent child
// turns pass a lower per-turn MaxIterations and, on their synthesis-only
// retry, AllowTools=false so the model must answer from context already
// gathered instead of issuing more tool calls.
type TurnOptions struct {
	SubagentDepth          int
	AllowedExternalAliases []string
	OnEvent                OnEvent
	MaxIterations          int
	AllowTools             bool
}

// RunTurn appends the user's message, then drives the tool-call loop until a
// final assistant message is produced or the iteration cap is hit. Grounded
// on engine.py::ChatEngine.run_turn.
func (e *Engine) RunTurn(ctx context.Context, worldlineID, message string, subagentDepth int, allowedExternalAliases []string, onEvent OnEvent) (*Result, error) {
	return e.RunTurnWithOptions(ctx, worldlineID, message, TurnOptions{
		SubagentDepth:          subagentDepth,
		AllowedExternalAliases: allowedExternalAliases,
		OnEvent:                onEvent,
		AllowTools:             true,
	})
}

// RunTurnWithOptions is RunTurn with subagent-specific overrides; see
// TurnOptions. Grounded on
// original_source/backend/chat/runtime/tool_dispatcher.py's run_child_turn
// wiring (child_max_iterations, allow_tools).
func (e *Engine) RunTurnWithOptions(ctx context.Context, worldlineID, message string, opts TurnOptions) (*Result, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message must not be empty")
	}
	subagentDepth := opts.SubagentDepth
	allowedExternalAliases := opts.AllowedExternalAliases
	onEvent := opts.OnEvent

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = 6
	}

	activeWorldlineID := worldlineID
	startingRowID, err := e.Timeline.MaxRowID(ctx, activeWorldlineID)
	if err != nil {
		return nil, err
	}

	state := StatePlanning
	var transitions []Transition

	head, err := e.Timeline.CurrentHead(ctx, activeWorldlineID)
	if err != nil {
		return nil, err
	}
	userEvent, err := e.Timeline.AppendWithRetry(ctx, activeWorldlineID, head, model.EventUserMessage,
		map[string]any{"text": message}, 4)
	if err != nil {
		return nil, fmt.Errorf("append user_message: %w", err)
	}
	if onEvent != nil {
		onEvent(ctx, activeWorldlineID, userEvent)
	}

	messages, err := e.buildMessages(ctx, activeWorldlineID)
	if err != nil {
		return nil, err
	}

	var finalText string
	haveFinalText := false
	successfulSignatures := map[string]bool{}
	toolCallCount := map[string]int{}
	pythonSucceeded := false

iterations:
	for i := 0; i < maxIterations; i++ {
		state = TransitionState(state, StateDataFetching, "iteration", &transitions, activeWorldlineID, nil)

		var resp *generateResponse
		if !opts.AllowTools {
			resp, err = e.generateTextOnly(ctx, messages)
		} else {
			resp, err = e.generate(ctx, messages, !pythonSucceeded)
		}
		if err != nil {
			return nil, err
		}

		if strings.TrimSpace(resp.Thinking) != "" {
			head, err = e.Timeline.CurrentHead(ctx, activeWorldlineID)
			if err != nil {
				return nil, err
			}
			planEvent, err := e.Timeline.AppendWithRetry(ctx, activeWorldlineID, head, model.EventAssistantPlan,
				map[string]any{"text": resp.Thinking}, 4)
			if err != nil {
				return nil, fmt.Errorf("append assistant_plan: %w", err)
			}
			if onEvent != nil {
				onEvent(ctx, activeWorldlineID, planEvent)
			}
		}

		if resp.Text != "" {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Text
			if finalText == "" {
				finalText = "Done."
			}
			haveFinalText = true
			break iterations
		}

		for _, toolCall := range resp.ToolCalls {
			toolName := strings.TrimSpace(toolCall.Name)

			if toolName == "run_python" && pythonSucceeded {
				finalText = "Python already ran successfully in this turn, so I stopped " +
					"additional Python executions and finalized the result."
				haveFinalText = true
				break iterations
			}

			toolCallCount[toolName]++
			if max, ok := maxToolCallsPerTurn[toolName]; ok && toolCallCount[toolName] > max {
				finalText = fmt.Sprintf("I stopped because `%s` was called too many times "+
					"in one turn. Please refine the request and try again.", toolName)
				haveFinalText = true
				break iterations
			}

			var rawArgs map[string]any
			_ = json.Unmarshal([]byte(toolCall.Arguments), &rawArgs)
			normalizedArgs := tooling.NormalizeToolArguments(toolName, tooling.Arguments(rawArgs))

			signature := toolSignature(activeWorldlineID, toolName, normalizedArgs)
			if successfulSignatures[signature] {
				finalText = "I stopped because the model repeated the same tool call " +
					"with identical arguments in this turn."
				haveFinalText = true
				break iterations
			}

			result, err := e.Dispatcher.Execute(ctx, activeWorldlineID, tooling.ToolCall{
				ID: toolCall.CallID, Name: toolName, Arguments: normalizedArgs,
			}, message, allowedExternalAliases, subagentDepth)
			if err != nil {
				return nil, err
			}

			if result.NewWorldlineID != "" && result.NewWorldlineID != activeWorldlineID {
				activeWorldlineID = result.NewWorldlineID
				messages, err = e.buildMessages(ctx, activeWorldlineID)
				if err != nil {
					return nil, err
				}
			}

			serialized := serializeToolResult(result.Payload)
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: fmt.Sprintf("Tool result for %s: %s", toolName, serialized),
			})

			if errVal, hasError := result.Payload["error"]; !hasError || errVal == nil {
				successfulSignatures[signature] = true
				if toolName == "run_python" {
					pythonSucceeded = true
				}
			}
		}
	}

	finalReason := "final_answer"
	if !haveFinalText {
		finalText = "I reached the tool-loop limit before producing a final answer."
		finalReason = loopLimitReason
	}

	state = TransitionState(state, StateCompleted, finalReason, &transitions, activeWorldlineID, nil)

	assistantPayload := map[string]any{"text": finalText}
	if len(transitions) > 0 {
		trace := make([]map[string]any, len(transitions))
		for i, t := range transitions {
			trace[i] = map[string]any{"from_state": string(t.From), "to_state": string(t.To), "reason": t.Reason}
		}
		assistantPayload["state_trace"] = trace
	}

	head, err = e.Timeline.CurrentHead(ctx, activeWorldlineID)
	if err != nil {
		return nil, err
	}
	assistantEvent, err := e.Timeline.AppendWithRetry(ctx, activeWorldlineID, head, model.EventAssistantMessage,
		assistantPayload, 4)
	if err != nil {
		return nil, fmt.Errorf("append assistant_message: %w", err)
	}
	if onEvent != nil {
		onEvent(ctx, activeWorldlineID, assistantEvent)
	}

	events, err := e.Timeline.EventsSinceRowID(ctx, activeWorldlineID, startingRowID)
	if err != nil {
		return nil, err
	}

	return &Result{ActiveWorldlineID: activeWorldlineID, Events: events, Transitions: transitions}, nil
}

// accumulatingCall collects streaming fragments of one tool call by id.
type accumulatingCall struct {
	id       string
	name     string
	argsJSON string
}

type generateResponse struct {
	Text      string
	Thinking  string
	ToolCalls []llm.ToolCallChunk
}

// generate drains one LLM streaming call into an assembled response, merging
// streamed tool-call argument fragments per call id the way a non-streaming
// client would deliver them already-complete.
func (e *Engine) generate(ctx context.Context, messages []llm.Message, includePython bool) (*generateResponse, error) {
	defs := tooling.ToolDefinitions(includePython, true)
	toolDefs := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		schemaJSON, _ := json.Marshal(d.InputSchema)
		toolDefs[i] = llm.ToolDefinition{Name: d.Name, Description: d.Description, ParametersSchema: string(schemaJSON)}
	}

	ch, err := e.LLM.Generate(ctx, &llm.GenerateInput{
		Messages:  messages,
		Provider:  e.Provider,
		Model:     e.Model,
		MaxTokens: e.MaxTokens,
		Tools:     toolDefs,
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var thinking strings.Builder
	calls := map[string]*accumulatingCall{}
	var order []string

	for chunk := range ch {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			text.WriteString(c.Content)
		case *llm.ThinkingChunk:
			thinking.WriteString(c.Content)
		case *llm.ToolCallChunk:
			acc, ok := calls[c.CallID]
			if !ok {
				acc = &accumulatingCall{id: c.CallID, name: c.Name}
				calls[c.CallID] = acc
				order = append(order, c.CallID)
			}
			if c.Name != "" {
				acc.name = c.Name
			}
			if tooling.ChunkHasNonEmptyCodeOrSQL(c.Arguments, acc.name) || acc.argsJSON == "" {
				acc.argsJSON = c.Arguments
			}
		case *llm.ErrorChunk:
			return nil, fmt.Errorf("llm error: %s", c.Message)
		}
	}

	resp := &generateResponse{Text: text.String(), Thinking: thinking.String()}
	for _, id := range order {
		acc := calls[id]
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCallChunk{CallID: acc.id, Name: acc.name, Arguments: acc.argsJSON})
	}
	return resp, nil
}

// generateTextOnly drives one LLM call with no tools offered, forcing a
// synthesis-only answer from the conversation already built up — used for a
// subagent's post-loop-limit retry.
func (e *Engine) generateTextOnly(ctx context.Context, messages []llm.Message) (*generateResponse, error) {
	ch, err := e.LLM.Generate(ctx, &llm.GenerateInput{
		Messages:  messages,
		Provider:  e.Provider,
		Model:     e.Model,
		MaxTokens: e.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	var thinking strings.Builder
	for chunk := range ch {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			text.WriteString(c.Content)
		case *llm.ThinkingChunk:
			thinking.WriteString(c.Content)
		case *llm.ErrorChunk:
			return nil, fmt.Errorf("llm error: %s", c.Message)
		}
	}
	return &generateResponse{Text: text.String(), Thinking: thinking.String()}, nil
}

// toolSignature builds the canonical dedup key from the *normalized*
// arguments, per spec.md's "(worldline_id, name, normalized_args)" — two
// calls that alias to the same normalized args (e.g. `query` vs `sql`) must
// collide on this signature even though their raw JSON differs.
func toolSignature(worldlineID, toolName string, args tooling.Arguments) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := strings.Builder{}
	b.WriteString(worldlineID)
	b.WriteString("|")
	b.WriteString(toolName)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, args[k])
	}
	return b.String()
}

func serializeToolResult(payload map[string]any) string {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	s := string(serialized)
	if len(s) > maxToolResultChars {
		s = s[:maxToolResultChars] + "...(truncated)"
	}
	return s
}

// buildMessages rebuilds the LLM conversation from a worldline's event
// history, collapsing tool-result events into a bounded text summary, then
// injects the two always-on "memory" system messages spec.md:72 mandates:
// an artifact inventory and, when a successful SQL result exists, a
// data-intent checkpoint. Grounded on engine.py::_build_llm_messages plus
// artifact_memory.py::upsert_artifact_inventory_message and
// data_intent.py::upsert_data_intent_message.
func (e *Engine) buildMessages(ctx context.Context, worldlineID string) ([]llm.Message, error) {
	head, err := e.Timeline.CurrentHead(ctx, worldlineID)
	if err != nil {
		return nil, err
	}
	events, err := e.Timeline.RebuildHistory(ctx, worldlineID, head)
	if err != nil {
		return nil, err
	}

	var messages []llm.Message
	for _, event := range events {
		switch event.Type {
		case model.EventUserMessage:
			if text, ok := event.Payload["text"].(string); ok && text != "" {
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: text})
			}
		case model.EventAssistantMessage:
			if text, ok := event.Payload["text"].(string); ok && text != "" {
				messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: text})
			}
		case model.EventToolResultSQL, model.EventToolResultPython:
			summary := serializeToolResult(event.Payload)
			if len(summary) > 2000 {
				summary = summary[:2000] + "...(truncated)"
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: fmt.Sprintf("Prior %s result: %s", event.Type, summary),
			})
		}
	}

	if e.Artifacts != nil {
		inventoryMsg, err := e.buildArtifactInventoryMessage(ctx, worldlineID)
		if err != nil {
			return nil, err
		}
		if inventoryMsg != nil {
			insertAt := 0
			if len(messages) > 0 {
				insertAt = 1
			}
			messages = insertMessage(messages, insertAt, *inventoryMsg)
		}
	}

	if dataIntentMsg := dataIntentMessageFromEvents(events); dataIntentMsg != nil {
		insertAt := len(messages)
		if len(messages) >= 2 {
			insertAt = 2
		}
		messages = insertMessage(messages, insertAt, *dataIntentMsg)
	}

	return messages, nil
}

func insertMessage(messages []llm.Message, index int, msg llm.Message) []llm.Message {
	if index >= len(messages) {
		return append(messages, msg)
	}
	messages = append(messages, llm.Message{})
	copy(messages[index+1:], messages[index:])
	messages[index] = msg
	return messages
}

const (
	artifactInventoryHeader   = "Artifact inventory for this worldline"
	artifactInventoryMaxItems = 40
	dataIntentHeader          = "SQL-to-Python data checkpoint"
)

// buildArtifactInventoryMessage lists the worldline's artifacts, most
// recently created first, deduped by name — matching
// artifact_memory.py::artifact_inventory_from_events's dedup-by-name and cap,
// but sourced from the artifacts table via internal/store.ArtifactStore
// rather than replayed from event payloads.
func (e *Engine) buildArtifactInventoryMessage(ctx context.Context, worldlineID string) (*llm.Message, error) {
	artifacts, err := e.Artifacts.ListByWorldline(ctx, worldlineID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var inventory []map[string]any
	for _, a := range artifacts {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		inventory = append(inventory, map[string]any{
			"artifact_id":     a.ID,
			"name":            name,
			"type":            string(a.Type),
			"created_at":      a.CreatedAt.Format(timeRFC3339),
			"source_event_id": a.EventID,
			"producer":        "run_python",
		})
		if len(inventory) >= artifactInventoryMaxItems {
			break
		}
	}
	if len(inventory) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"artifact_count": len(inventory),
		"artifacts":      inventory,
		"instructions": "Check this inventory before creating files. Reuse existing " +
			"artifacts instead of regenerating identical outputs.",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact inventory: %w", err)
	}
	content := fmt.Sprintf("%s (always-on memory):\n%s", artifactInventoryHeader, raw)
	return &llm.Message{Role: llm.RoleSystem, Content: content}, nil
}

// dataIntentMessageFromEvents finds the most recent successful tool_result_sql
// event and summarizes it as a data-intent checkpoint, matching
// data_intent.py::data_intent_from_events / build_data_intent_summary.
func dataIntentMessageFromEvents(events []*model.Event) *llm.Message {
	byID := make(map[string]*model.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event.Type != model.EventToolResultSQL {
			continue
		}
		if _, hasErr := event.Payload["error"]; hasErr {
			continue
		}

		var sqlPreview string
		if event.ParentEventID != nil {
			if parent, ok := byID[*event.ParentEventID]; ok && parent != nil {
				if sql, ok := parent.Payload["sql"].(string); ok && strings.TrimSpace(sql) != "" {
					sqlPreview = strings.Join(strings.Fields(sql), " ")
					if len(sqlPreview) > 220 {
						sqlPreview = sqlPreview[:220] + "..."
					}
				}
			}
		}

		summary := buildDataIntentSummary(event.Payload, sqlPreview)
		if summary == nil {
			return nil
		}
		payload := map[string]any{
			"data_intent": summary,
			"instructions": "Use this checkpoint when planning follow-up SQL/Python steps. " +
				"If Python is needed, reference LATEST_SQL_RESULT/LATEST_SQL_DF instead of " +
				"refetching identical data.",
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		content := fmt.Sprintf("%s (always-on memory):\n%s", dataIntentHeader, raw)
		return &llm.Message{Role: llm.RoleSystem, Content: content}
	}
	return nil
}

func buildDataIntentSummary(sqlResult map[string]any, sqlPreview string) map[string]any {
	if _, hasErr := sqlResult["error"]; hasErr {
		return nil
	}

	columnsMeta, _ := sqlResult["columns"].([]any)
	var columns, dimensions, measures, timeColumns []string
	for _, raw := range columnsMeta {
		col, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(fmt.Sprintf("%v", valueOrEmpty(col["name"])))
		if name == "" {
			continue
		}
		columns = append(columns, name)
		if isNumericSQLType(fmt.Sprintf("%v", valueOrEmpty(col["type"]))) {
			measures = append(measures, name)
		} else {
			dimensions = append(dimensions, name)
		}
		if timeColumnPattern.MatchString(name) {
			timeColumns = append(timeColumns, name)
		}
	}

	rowCount := intFromAny(sqlResult["row_count"])
	previewCount := intFromAny(sqlResult["preview_count"])

	return map[string]any{
		"source":        "latest_successful_sql",
		"row_count":     rowCount,
		"preview_count": previewCount,
		"columns":       capStrings(columns, 24),
		"dimensions":    capStrings(dimensions, 16),
		"measures":      capStrings(measures, 16),
		"time_columns":  capStrings(timeColumns, 8),
		"sql_preview":   sqlPreview,
	}
}

func valueOrEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func capStrings(items []string, max int) []string {
	if len(items) > max {
		return items[:max]
	}
	return items
}

func isNumericSQLType(typeName string) bool {
	lowered := strings.ToLower(strings.TrimSpace(typeName))
	for _, token := range []string{"int", "decimal", "double", "float", "real", "numeric", "hugeint"} {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}
