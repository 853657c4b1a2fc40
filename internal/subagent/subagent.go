// Package subagent fans a spawn_subagents tool call out into independent
// child worldline turns, running them with bounded parallelism and per-task
// retry, then aggregates their outcomes. Ported from
// original_source/backend/chat/subagents.py and
// original_source/backend/chat/runtime/subagent_runner.py.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ssh-vom/analysisd/internal/analyticaldb"
	"github.com/ssh-vom/analysisd/internal/capacity"
	"github.com/ssh-vom/analysisd/internal/coordinator"
	"github.com/ssh-vom/analysisd/internal/ids"
	"github.com/ssh-vom/analysisd/internal/llm"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/store"
	"github.com/ssh-vom/analysisd/internal/timeline"
	"github.com/ssh-vom/analysisd/internal/tooling"
)

const (
	maxRetriesPerSubagent  = 3
	retryDelayBaseSeconds  = 1.0
	retryDelayMaxSeconds   = 8.0
	loopLimitTextMarker    = "i reached the tool-loop limit"
	loopLimitReason        = "max_iterations_reached"
	loopLimitFailureCode   = "subagent_loop_limit"
	assistantPreviewChars  = 220
)

var retryableErrorSubstrings = []string{
	"429", "503", "timeout", "connection", "network", "temporarily unavailable",
}

var whitespaceRe = regexp.MustCompile(`\s+`)
var nonLabelCharsRe = regexp.MustCompile(`[^a-z0-9_-]`)
var multiDashRe = regexp.MustCompile(`-+`)

// RunChildTurn executes one child turn and returns the worldline execution
// ended on plus every event appended. allowTools=false forces a tool-free
// synthesis-only answer (the post-loop-limit retry).
type RunChildTurn func(ctx context.Context, worldlineID, message string, maxIterations int, allowTools bool) (string, []*model.Event, error)

// ProgressEvent is one status update emitted as child tasks progress.
type ProgressEvent struct {
	FanoutGroupID        string
	GroupSeq             int
	ParentToolCallID     string
	SourceWorldlineID    string
	FromEventID          string
	TaskIndex            int
	TaskLabel            string
	TaskStatus           string
	Phase                string
	TaskCount            int
	MaxSubagents         int
	MaxParallelSubagents int
	ChildWorldlineID     string
	ResultWorldlineID    string
	OrderingKey          string
	AssistantPreview     string
	Error                string
	QueueReason          string
	RetryCount           int
	QueuedCount          int
	RunningCount         int
	CompletedCount       int
	FailedCount          int
	TimedOutCount        int
}

// OnProgress is invoked on every status transition (or, when force is
// intended by the caller, always).
type OnProgress func(ctx context.Context, event ProgressEvent)

// Prepared is emitted once, after branches for every accepted task have been
// created but before any child turn starts running.
type Prepared struct {
	TaskCount           int
	RequestedTaskCount  int
	AcceptedTaskCount   int
	TruncatedTaskCount  int
	AcceptedTasks       []map[string]any
}

// OnPrepared is invoked once per spawn_subagents call.
type OnPrepared func(ctx context.Context, prepared Prepared)

// Input is the already-resolved, already-clamped input to Run.
type Input struct {
	SourceWorldlineID    string
	FromEventID          string
	Tasks                []map[string]any
	Goal                 string
	ToolCallID           string
	TimeoutS             int
	MaxIterations        int
	MaxSubagents         int
	MaxParallelSubagents int
}

// Runner implements tooling.SubagentRunner.
type Runner struct {
	Timeline     *timeline.Service
	LLM          llm.Client
	Capacity     *capacity.Controller
	Coordinator  *coordinator.Coordinator
	RunChildTurn RunChildTurn
	Log          *slog.Logger

	// Artifacts and DB drive fan-in: copying child-worldline artifact files
	// into the parent worldline's workspace and recording new artifact rows
	// under the tool_result_subagents event once a task completes. Both may
	// be nil in tests that don't exercise fan-in.
	Artifacts *store.ArtifactStore
	DB        *analyticaldb.Driver
}

// New constructs a Runner. log may be nil.
func New(t *timeline.Service, llmClient llm.Client, cap *capacity.Controller, coord *coordinator.Coordinator, runChild RunChildTurn, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Timeline: t, LLM: llmClient, Capacity: cap, Coordinator: coord, RunChildTurn: runChild, Log: log}
}

// Run implements tooling.SubagentRunner, adapting the dispatcher's clamped
// SpawnSubagentsInput into this package's Input/progress-free blocking call.
func (r *Runner) Run(ctx context.Context, in tooling.SpawnSubagentsInput) (map[string]any, error) {
	result, err := r.RunBlocking(ctx, Input{
		SourceWorldlineID:    in.WorldlineID,
		FromEventID:          in.FromEventID,
		Tasks:                in.Tasks,
		Goal:                 in.Goal,
		ToolCallID:            in.ToolCallID,
		TimeoutS:             in.TimeoutS,
		MaxIterations:        in.MaxIterations,
		MaxSubagents:         in.MaxSubagents,
		MaxParallelSubagents: in.MaxParallelSubagents,
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type childRun struct {
	taskIndex        int
	taskLabel        string
	taskMessage      string
	childRunID       string
	childWorldlineID string
	branchName       string
	orderingKey      string
}

// RunBlocking executes every accepted task to completion (or timeout/cancel)
// and returns the aggregated spawn_subagents tool result. Grounded on
// subagents.py::spawn_subagents_blocking.
func (r *Runner) RunBlocking(ctx context.Context, in Input, onProgress OnProgress, onPrepared OnPrepared) (map[string]any, error) {
	fanoutGroupID := ids.New("fanout")

	timeoutS := clampInt(in.TimeoutS, 300, 1, 1800)
	maxIterations := clampInt(in.MaxIterations, 8, 1, 100)
	maxSubagents := clampInt(in.MaxSubagents, 8, 1, 50)
	maxParallel := clampInt(in.MaxParallelSubagents, 3, 1, 10)

	head, err := r.Timeline.CurrentHead(ctx, in.SourceWorldlineID)
	if err != nil {
		return nil, err
	}
	callEvent, err := r.Timeline.AppendWithRetry(ctx, in.SourceWorldlineID, head, model.EventToolCallSubagents, map[string]any{
		"call_id":                in.ToolCallID,
		"goal":                   in.Goal,
		"tasks":                  in.Tasks,
		"from_event_id":          in.FromEventID,
		"timeout_s":              timeoutS,
		"max_iterations":         maxIterations,
		"max_subagents":          maxSubagents,
		"max_parallel_subagents": maxParallel,
	}, 4)
	if err != nil {
		return nil, fmt.Errorf("append tool_call_subagents: %w", err)
	}
	callEventID := callEvent.ID

	requestedTaskCount := len(in.Tasks)
	resolvedTasks := in.Tasks
	if len(resolvedTasks) > maxSubagents {
		resolvedTasks = resolvedTasks[:maxSubagents]
	}
	if len(resolvedTasks) == 0 && strings.TrimSpace(in.Goal) != "" {
		derived, err := deriveTasksFromGoal(ctx, r.LLM, in.Goal, maxSubagents)
		if err != nil {
			return nil, err
		}
		for _, d := range derived {
			resolvedTasks = append(resolvedTasks, map[string]any{"label": d.Label, "message": d.Message})
		}
	}
	if len(resolvedTasks) == 0 {
		return nil, fmt.Errorf("spawn_subagents could not derive tasks from input")
	}
	if requestedTaskCount == 0 {
		requestedTaskCount = len(resolvedTasks)
	}
	acceptedTaskCount := len(resolvedTasks)
	truncatedTaskCount := requestedTaskCount - acceptedTaskCount
	if truncatedTaskCount < 0 {
		truncatedTaskCount = 0
	}

	var runs []childRun
	var acceptedTasks []map[string]any
	for idx, task := range resolvedTasks {
		message := strings.TrimSpace(stringField(task, "message"))
		if message == "" {
			return nil, fmt.Errorf("spawn_subagents task #%d message must be non-empty", idx+1)
		}
		label := strings.TrimSpace(stringField(task, "label"))
		if label == "" {
			label = fmt.Sprintf("task-%d", idx+1)
		}
		branchName := strings.TrimSpace(stringField(task, "branch_name"))
		if branchName == "" {
			branchName = fmt.Sprintf("subagent-%d", idx+1)
		}
		orderingKey := fmt.Sprintf("%s:%d", fanoutGroupID, idx)

		branch, err := r.Timeline.BranchFromEvent(ctx, in.SourceWorldlineID, in.FromEventID, timeline.BranchOptions{
			Name:         branchName,
			AppendEvents: false,
		})
		if err != nil {
			return nil, fmt.Errorf("branch for task %d: %w", idx, err)
		}

		runs = append(runs, childRun{
			taskIndex:        idx,
			taskLabel:        label,
			taskMessage:      message,
			childRunID:       ids.New("childrun"),
			childWorldlineID: branch.NewWorldlineID,
			branchName:       branchName,
			orderingKey:      orderingKey,
		})
		acceptedTasks = append(acceptedTasks, map[string]any{
			"task_index":         idx,
			"task_label":         label,
			"branch_name":        branchName,
			"child_worldline_id": branch.NewWorldlineID,
			"ordering_key":       orderingKey,
		})
	}

	if onPrepared != nil {
		onPrepared(ctx, Prepared{
			TaskCount:          acceptedTaskCount,
			RequestedTaskCount: requestedTaskCount,
			AcceptedTaskCount:  acceptedTaskCount,
			TruncatedTaskCount: truncatedTaskCount,
			AcceptedTasks:      acceptedTasks,
		})
	}

	agg := &aggregator{
		fanoutGroupID:        fanoutGroupID,
		toolCallID:           in.ToolCallID,
		sourceWorldlineID:    in.SourceWorldlineID,
		fromEventID:          in.FromEventID,
		acceptedTaskCount:    acceptedTaskCount,
		maxSubagents:         maxSubagents,
		maxParallel:          maxParallel,
		onProgress:           onProgress,
		status:               make(map[int]string, len(runs)),
	}
	for _, run := range runs {
		agg.status[run.taskIndex] = "queued"
	}
	for _, run := range runs {
		agg.emit(ctx, run, "queued", "queued", "", "", "", "", 0, true)
	}

	sem := make(chan struct{}, maxParallel)
	results := make([]map[string]any, len(runs))
	var wg sync.WaitGroup

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	for i, run := range runs {
		i, run := i, run
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				results[i] = timeoutResult(run, timeoutS, 0)
				agg.emit(ctx, run, "timeout", "finished", run.childWorldlineID, "", resultStr(results[i], "error"), "", 0, false)
				return
			}
			defer func() { <-sem }()
			results[i] = r.runOne(runCtx, run, in, maxIterations, timeoutS, agg)
		}()
	}
	wg.Wait()

	var sorted []map[string]any
	completed, failed, timedOut := 0, 0, 0
	loopLimitFailures, retriedTasks, recoveredTasks := 0, 0, 0
	failureSummary := map[string]int{}
	for _, result := range results {
		if result == nil {
			continue
		}
		sorted = append(sorted, result)
		switch resultStr(result, "status") {
		case "completed":
			completed++
		case "timeout":
			timedOut++
		default:
			failed++
		}
		if resultStr(result, "failure_code") == loopLimitFailureCode {
			loopLimitFailures++
		}
		if retryCount, _ := result["retry_count"].(int); retryCount > 0 {
			retriedTasks++
		}
		if recovered, _ := result["recovered"].(bool); recovered {
			recoveredTasks++
		}
		if code := resultStr(result, "failure_code"); code != "" {
			failureSummary[code]++
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		ii, _ := sorted[i]["task_index"].(int)
		jj, _ := sorted[j]["task_index"].(int)
		return ii < jj
	})

	partialFailure := failed > 0 || timedOut > 0
	resultPayload := map[string]any{
		"fanout_group_id":          fanoutGroupID,
		"parent_tool_call_id":      in.ToolCallID,
		"source_worldline_id":      in.SourceWorldlineID,
		"from_event_id":            in.FromEventID,
		"task_count":               acceptedTaskCount,
		"requested_task_count":     requestedTaskCount,
		"accepted_task_count":      acceptedTaskCount,
		"truncated_task_count":     truncatedTaskCount,
		"accepted_tasks":           acceptedTasks,
		"max_subagents":            maxSubagents,
		"max_parallel_subagents":   maxParallel,
		"completed_count":          completed,
		"failed_count":             failed,
		"timed_out_count":          timedOut,
		"loop_limit_failure_count": loopLimitFailures,
		"retried_task_count":       retriedTasks,
		"recovered_task_count":     recoveredTasks,
		"failure_summary":          failureSummary,
		"all_completed":            !partialFailure,
		"partial_failure":          partialFailure,
		"tasks":                    sorted,
	}

	resultEvent, err := r.Timeline.AppendAndAdvance(ctx, in.SourceWorldlineID, &callEventID, model.EventToolResultAgents, resultPayload)
	if err != nil {
		return nil, fmt.Errorf("append tool_result_subagents: %w", err)
	}

	var mergedArtifacts []map[string]any
	for i, run := range runs {
		result := results[i]
		if result == nil || resultStr(result, "status") != "completed" {
			continue
		}
		sourceWorldlineID := resultStr(result, "result_worldline_id")
		if sourceWorldlineID == "" {
			sourceWorldlineID = run.childWorldlineID
		}
		merged, err := r.mergeChildArtifacts(ctx, sourceWorldlineID, in.SourceWorldlineID, resultEvent.ID, run.taskLabel, run.taskIndex)
		if err != nil {
			r.Log.Warn("subagent artifact fan-in failed", "task_index", run.taskIndex, "error", err)
			continue
		}
		mergedArtifacts = append(mergedArtifacts, merged...)
	}
	resultPayload["merged_artifacts"] = mergedArtifacts

	return resultPayload, nil
}

// mergeChildArtifacts copies every artifact file sourceWorldlineID produced
// into targetWorldlineID's workspace, prefixed with a normalized task label,
// and records a new artifact row for each copy under targetEventID. Grounded
// on artifact_merger.py::copy_artifacts_to_parent.
func (r *Runner) mergeChildArtifacts(ctx context.Context, sourceWorldlineID, targetWorldlineID, targetEventID, taskLabel string, taskIndex int) ([]map[string]any, error) {
	if r.Artifacts == nil || r.DB == nil {
		return nil, nil
	}
	artifacts, err := r.Artifacts.ListByWorldline(ctx, sourceWorldlineID)
	if err != nil {
		return nil, fmt.Errorf("list child artifacts: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, nil
	}

	labelPrefix := normalizeLabel(taskLabel)
	if labelPrefix == "" {
		labelPrefix = fmt.Sprintf("task-%d", taskIndex)
	}

	sourceWorkspace := r.DB.WorkspacePath(sourceWorldlineID)
	targetWorkspace := r.DB.WorkspacePath(targetWorldlineID)
	if err := os.MkdirAll(targetWorkspace, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir target workspace: %w", err)
	}

	var merged []map[string]any
	for _, artifact := range artifacts {
		if artifact.Name == "" || artifact.Path == "" {
			continue
		}
		sourcePath := artifact.Path
		if !filepath.IsAbs(sourcePath) {
			sourcePath = filepath.Join(sourceWorkspace, sourcePath)
		}
		info, statErr := os.Stat(sourcePath)
		if statErr != nil || info.IsDir() {
			r.Log.Warn("skipping artifact copy, source not found", "path", sourcePath)
			continue
		}

		prefixedName := labelPrefix + "_" + artifact.Name
		targetPath := filepath.Join(targetWorkspace, prefixedName)
		if err := copyArtifactFile(sourcePath, targetPath); err != nil {
			r.Log.Warn("failed to copy artifact", "name", artifact.Name, "error", err)
			continue
		}

		inserted, err := r.Artifacts.Insert(ctx, model.Artifact{
			WorldlineID: targetWorldlineID,
			EventID:     targetEventID,
			Type:        artifact.Type,
			Name:        prefixedName,
			Path:        targetPath,
		})
		if err != nil {
			return nil, fmt.Errorf("insert merged artifact: %w", err)
		}

		merged = append(merged, map[string]any{
			"artifact_id":         inserted.ID,
			"name":                prefixedName,
			"type":                string(artifact.Type),
			"source_worldline_id": sourceWorldlineID,
			"source_name":         artifact.Name,
			"task_label":          taskLabel,
			"task_index":          taskIndex,
		})
	}
	return merged, nil
}

func copyArtifactFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// normalizeLabel lowercases label, collapses runs of characters outside
// [a-z0-9_-] to a single dash, and truncates to 30 chars — the filename
// prefix _normalize_label in artifact_merger.py computes for merged
// artifacts.
func normalizeLabel(label string) string {
	clean := strings.ToLower(strings.TrimSpace(label))
	clean = nonLabelCharsRe.ReplaceAllString(clean, "-")
	clean = multiDashRe.ReplaceAllString(clean, "-")
	clean = strings.Trim(clean, "-")
	if len(clean) > 30 {
		clean = clean[:30]
	}
	return clean
}

func (r *Runner) runOne(ctx context.Context, run childRun, in Input, maxIterations, timeoutS int, agg *aggregator) map[string]any {
	lease, err := r.Capacity.Subagent.Acquire(ctx)
	if err != nil {
		agg.emit(ctx, run, "failed", "finished", run.childWorldlineID, "", err.Error(), "capacity_limit_reached", 0, false)
		return map[string]any{
			"task_index": run.taskIndex, "task_label": run.taskLabel,
			"child_worldline_id": run.childWorldlineID, "ordering_key": run.orderingKey,
			"status": "failed", "error": err.Error(), "failure_code": "subagent_capacity_limit_reached",
			"retry_count": 0, "recovered": false, "terminal_reason": "capacity_limit_reached",
			"result_worldline_id": run.childWorldlineID, "assistant_preview": "",
		}
	}
	defer lease.Release()

	agg.emit(ctx, run, "running", "started", run.childWorldlineID, "", "", "", 0, false)

	attempt := func(allowTools bool) (activeWorldlineID string, events []*model.Event, err error) {
		return r.runChildWithRetry(ctx, run.childWorldlineID, run.taskMessage, maxIterations, allowTools)
	}

	initialWorldlineID, initialEvents, err := attempt(true)
	if err != nil {
		if ctx.Err() != nil {
			result := timeoutResult(run, timeoutS, 0)
			agg.emit(ctx, run, "timeout", "finished", run.childWorldlineID, "", resultStr(result, "error"), "", 0, false)
			return result
		}
		errStr := truncate(err.Error(), 4000)
		agg.emit(ctx, run, "failed", "finished", run.childWorldlineID, "", errStr, "", 0, false)
		return map[string]any{
			"task_index": run.taskIndex, "task_label": run.taskLabel,
			"child_worldline_id": run.childWorldlineID, "ordering_key": run.orderingKey,
			"status": "failed", "error": errStr, "failure_code": "subagent_error",
			"retry_count": 0, "recovered": false, "terminal_reason": "error",
			"result_worldline_id": run.childWorldlineID, "assistant_preview": "",
		}
	}

	initialAssistantText := assistantTextFromEvents(initialEvents)
	resultWorldlineID := initialWorldlineID
	assistantText := initialAssistantText
	terminalReason := terminalReasonFromEvents(initialEvents)
	recovered := false
	retryCount := 0

	if isLoopLimitOutcome(initialEvents, initialAssistantText) {
		retryCount = 1
		agg.emit(ctx, run, "running", "retrying", resultWorldlineID, assistantPreview(assistantText), "", "", retryCount, true)

		finalWorldlineID, finalEvents, ferr := attempt(false)
		if ferr != nil {
			errStr := truncate(ferr.Error(), 4000)
			agg.emit(ctx, run, "failed", "finished", resultWorldlineID, "", errStr, "", retryCount, false)
			return map[string]any{
				"task_index": run.taskIndex, "task_label": run.taskLabel,
				"child_worldline_id": run.childWorldlineID, "ordering_key": run.orderingKey,
				"status": "failed", "error": errStr, "failure_code": "subagent_error",
				"retry_count": retryCount, "recovered": false, "terminal_reason": "error",
				"result_worldline_id": resultWorldlineID, "assistant_preview": "",
			}
		}
		finalAssistantText := assistantTextFromEvents(finalEvents)
		recovered = !isLoopLimitOutcome(finalEvents, finalAssistantText)
		resultWorldlineID = finalWorldlineID
		assistantText = finalAssistantText
		terminalReason = terminalReasonFromEvents(finalEvents)

		if !recovered {
			errStr := "subagent reached tool-loop limit after synthesis-only retry"
			agg.emit(ctx, run, "failed", "finished", resultWorldlineID, assistantPreview(assistantText), errStr, "", retryCount, false)
			return map[string]any{
				"task_index": run.taskIndex, "task_label": run.taskLabel,
				"child_worldline_id": run.childWorldlineID, "ordering_key": run.orderingKey,
				"status": "failed", "error": errStr, "failure_code": loopLimitFailureCode,
				"retry_count": retryCount, "recovered": false, "terminal_reason": loopLimitReason,
				"result_worldline_id": resultWorldlineID, "assistant_preview": assistantPreview(assistantText),
			}
		}
	}

	agg.emit(ctx, run, "completed", "finished", resultWorldlineID, assistantPreview(assistantText), "", "", retryCount, false)
	return map[string]any{
		"task_index": run.taskIndex, "task_label": run.taskLabel,
		"child_worldline_id": run.childWorldlineID, "ordering_key": run.orderingKey,
		"status": "completed", "error": nil, "failure_code": "",
		"retry_count": retryCount, "recovered": recovered, "terminal_reason": terminalReason,
		"result_worldline_id": resultWorldlineID, "assistant_preview": assistantPreview(assistantText),
	}
}

// runChildWithRetry invokes RunChildTurn through the turn coordinator (so the
// child worldline's own serialization invariant holds) with exponential
// backoff retry on transient errors.
func (r *Runner) runChildWithRetry(ctx context.Context, worldlineID, message string, maxIterations int, allowTools bool) (string, []*model.Event, error) {
	type outcome struct {
		worldlineID string
		events      []*model.Event
	}

	var lastErr error
	for attempt := 0; attempt < maxRetriesPerSubagent; attempt++ {
		out, err := coordinator.Run(ctx, r.Coordinator, worldlineID, func(ctx context.Context) (outcome, error) {
			wid, events, rerr := r.RunChildTurn(ctx, worldlineID, message, maxIterations, allowTools)
			return outcome{worldlineID: wid, events: events}, rerr
		})
		if err == nil {
			return out.worldlineID, out.events, nil
		}
		lastErr = err
		if !isRetryableError(err.Error()) {
			return "", nil, err
		}
		if attempt >= maxRetriesPerSubagent-1 {
			break
		}
		delay := retryDelayBaseSeconds * pow2(attempt)
		if delay > retryDelayMaxSeconds {
			delay = retryDelayMaxSeconds
		}
		jitter := delay * rand.Float64() * 0.5
		select {
		case <-time.After(time.Duration((delay + jitter) * float64(time.Second))):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	return "", nil, lastErr
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

type aggregator struct {
	mu                   sync.Mutex
	fanoutGroupID        string
	toolCallID           string
	sourceWorldlineID    string
	fromEventID          string
	acceptedTaskCount    int
	maxSubagents         int
	maxParallel          int
	onProgress           OnProgress
	status               map[int]string
	progressSeq          int
}

func (a *aggregator) emit(ctx context.Context, run childRun, status, phase, resultWorldlineID, preview, errMsg, queueReason string, retryCount int, force bool) {
	if a.onProgress == nil {
		return
	}
	a.mu.Lock()
	previous := a.status[run.taskIndex]
	if previous == status && !force {
		a.mu.Unlock()
		return
	}
	a.status[run.taskIndex] = status
	counters := a.counters()
	a.progressSeq++
	seq := a.progressSeq
	a.mu.Unlock()

	a.onProgress(ctx, ProgressEvent{
		FanoutGroupID: a.fanoutGroupID, GroupSeq: seq, ParentToolCallID: a.toolCallID,
		SourceWorldlineID: a.sourceWorldlineID, FromEventID: a.fromEventID,
		TaskIndex: run.taskIndex, TaskLabel: run.taskLabel, TaskStatus: status, Phase: phase,
		TaskCount: a.acceptedTaskCount, MaxSubagents: a.maxSubagents, MaxParallelSubagents: a.maxParallel,
		ChildWorldlineID: run.childWorldlineID, ResultWorldlineID: resultWorldlineID,
		OrderingKey: run.orderingKey, AssistantPreview: preview, Error: errMsg, QueueReason: queueReason,
		RetryCount: retryCount,
		QueuedCount: counters["queued"], RunningCount: counters["running"],
		CompletedCount: counters["completed"], FailedCount: counters["failed"], TimedOutCount: counters["timeout"],
	})
}

func (a *aggregator) counters() map[string]int {
	counters := map[string]int{"queued": 0, "running": 0, "completed": 0, "failed": 0, "timeout": 0}
	for _, status := range a.status {
		switch status {
		case "queued":
			counters["queued"]++
		case "running":
			counters["running"]++
		case "completed":
			counters["completed"]++
		case "timeout":
			counters["timeout"]++
		default:
			counters["failed"]++
		}
	}
	return counters
}

func timeoutResult(run childRun, timeoutS, retryCount int) map[string]any {
	return map[string]any{
		"task_index": run.taskIndex, "task_label": run.taskLabel,
		"child_worldline_id": run.childWorldlineID, "ordering_key": run.orderingKey,
		"status": "timeout", "error": fmt.Sprintf("timed out after waiting %ds for child run", timeoutS),
		"failure_code": "subagent_timeout", "retry_count": retryCount, "recovered": false,
		"terminal_reason": "timeout", "result_worldline_id": run.childWorldlineID, "assistant_preview": "",
	}
}

func resultStr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func assistantPreview(text string) string {
	return truncate(text, assistantPreviewChars)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func assistantTextFromEvents(events []*model.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != model.EventAssistantMessage {
			continue
		}
		if text, ok := events[i].Payload["text"].(string); ok && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

func assistantPayloadFromEvents(events []*model.Event) map[string]any {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == model.EventAssistantMessage {
			return events[i].Payload
		}
	}
	return nil
}

func stateTraceReasons(payload map[string]any) []string {
	var reasons []string
	trace, ok := payload["state_trace"].([]any)
	if !ok {
		return reasons
	}
	for _, step := range trace {
		m, ok := step.(map[string]any)
		if !ok {
			continue
		}
		if reason, ok := m["reason"].(string); ok && strings.TrimSpace(reason) != "" {
			reasons = append(reasons, strings.TrimSpace(reason))
		}
	}
	return reasons
}

func terminalReasonFromEvents(events []*model.Event) string {
	payload := assistantPayloadFromEvents(events)
	if payload == nil {
		return ""
	}
	reasons := stateTraceReasons(payload)
	for _, reason := range reasons {
		if reason == loopLimitReason {
			return loopLimitReason
		}
	}
	if len(reasons) > 0 {
		return reasons[len(reasons)-1]
	}
	if text, ok := payload["text"].(string); ok && strings.Contains(strings.ToLower(text), loopLimitTextMarker) {
		return loopLimitReason
	}
	return ""
}

func isLoopLimitOutcome(events []*model.Event, assistantText string) bool {
	if assistantText == "" {
		assistantText = assistantTextFromEvents(events)
	}
	if strings.Contains(strings.ToLower(assistantText), loopLimitTextMarker) {
		return true
	}
	payload := assistantPayloadFromEvents(events)
	if payload == nil {
		return false
	}
	for _, reason := range stateTraceReasons(payload) {
		if reason == loopLimitReason {
			return true
		}
	}
	return false
}

func isRetryableError(errStr string) bool {
	if errStr == "" {
		return false
	}
	lower := strings.ToLower(errStr)
	for _, substr := range retryableErrorSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// taskSpec is one derived (label, message) pair.
type taskSpec struct {
	Label   string
	Message string
}

func fallbackTaskSplit(goal string, maxTasks int) []taskSpec {
	cleanGoal := strings.TrimSpace(whitespaceRe.ReplaceAllString(goal, " "))
	if cleanGoal == "" {
		return nil
	}
	base := []taskSpec{
		{Label: "schema-scout", Message: fmt.Sprintf(
			"Investigate schema and relevant tables for this goal: %s. Return only the key tables/columns needed.", cleanGoal)},
		{Label: "metrics-core", Message: fmt.Sprintf(
			"Compute the core metrics and primary findings for this goal: %s. Focus on concise, high-signal results.", cleanGoal)},
		{Label: "quality-checks", Message: fmt.Sprintf(
			"Investigate anomalies, edge-cases, and caveats for this goal: %s. Return risks, outliers, and confidence notes.", cleanGoal)},
	}
	n := maxTasks
	if n > len(base) {
		n = len(base)
	}
	if n < 1 {
		n = 1
	}
	return base[:n]
}

// deriveTasksFromGoal asks the model to split a free-form goal into
// independent parallel task prompts, falling back to a fixed three-task
// split if the model's response isn't usable strict JSON.
func deriveTasksFromGoal(ctx context.Context, llmClient llm.Client, goal string, maxTasks int) ([]taskSpec, error) {
	normalizedGoal := strings.TrimSpace(goal)
	if normalizedGoal == "" {
		return nil, nil
	}

	upper := maxTasks
	if upper < 2 {
		upper = 2
	}
	if upper > 10 {
		upper = 10
	}
	prompt := fmt.Sprintf(
		"Split the user goal into independent parallel analysis tasks. "+
			`Return strict JSON with shape: {"tasks":[{"label":"short-id","message":"task prompt"}]}. `+
			"Create between 2 and %d tasks. Each message must be concrete and self-contained. No markdown.", upper)

	ch, err := llmClient.Generate(ctx, &llm.GenerateInput{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: normalizedGoal},
		},
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for chunk := range ch {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			text.WriteString(c.Content)
		case *llm.ErrorChunk:
			return nil, fmt.Errorf("llm error: %s", c.Message)
		}
	}

	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return fallbackTaskSplit(normalizedGoal, maxTasks), nil
	}

	var parsed struct {
		Tasks []struct {
			Label   string `json:"label"`
			Message string `json:"message"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fallbackTaskSplit(normalizedGoal, maxTasks), nil
	}

	var out []taskSpec
	for idx, entry := range parsed.Tasks {
		message := strings.TrimSpace(entry.Message)
		if message == "" {
			continue
		}
		label := strings.TrimSpace(entry.Label)
		if label == "" {
			label = fmt.Sprintf("task-%d", idx+1)
		}
		out = append(out, taskSpec{Label: truncate(label, 80), Message: truncate(message, 4000)})
		if len(out) >= maxTasks {
			break
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	return fallbackTaskSplit(normalizedGoal, maxTasks), nil
}

func clampInt(v, def, min, max int) int {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
