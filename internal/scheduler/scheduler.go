// Package scheduler owns the durable ChatTurnJob lifecycle: enqueue, a
// crash-safe restart (queued jobs resumed in creation order), and the
// conditional queued->running claim that lets at most one goroutine ever
// execute a given job. Ported from original_source/backend/chat/jobs.py's
// ChatJobScheduler and enqueue_chat_turn_job.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ssh-vom/analysisd/internal/capacity"
	"github.com/ssh-vom/analysisd/internal/coordinator"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/store"
	"github.com/ssh-vom/analysisd/internal/turn"
)

const previewChars = 220

// TurnRunner is the single entry point the scheduler drives per job — in
// production this is (*turn.Engine).RunTurn, narrowed to the shape the
// scheduler actually needs.
type TurnRunner interface {
	RunTurn(ctx context.Context, worldlineID, message string, subagentDepth int, allowedExternalAliases []string, onEvent turn.OnEvent) (*turn.Result, error)
}

// Scheduler drives every queued ChatTurnJob to completion, at most once
// concurrently per worldline (via the Coordinator) and within the global
// turn capacity pool.
type Scheduler struct {
	Jobs        *store.JobStore
	Coordinator *coordinator.Coordinator
	Capacity    *capacity.Pool
	Runner      TurnRunner
	Log         *slog.Logger

	mu        sync.Mutex
	scheduled map[string]context.CancelFunc
}

// New constructs a Scheduler. log may be nil.
func New(jobs *store.JobStore, coord *coordinator.Coordinator, turnPool *capacity.Pool, runner TurnRunner, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Jobs:        jobs,
		Coordinator: coord,
		Capacity:    turnPool,
		Runner:      runner,
		Log:         log,
		scheduled:   make(map[string]context.CancelFunc),
	}
}

// Start recovers from a crash: every job stuck in "running" (this process
// died mid-turn) is reset to "queued", then every queued job is scheduled in
// created_at ASC, job_id ASC order, matching jobs.py::ChatJobScheduler.start.
func (s *Scheduler) Start(ctx context.Context) error {
	reset, err := s.Jobs.ResetRunningToQueued(ctx)
	if err != nil {
		return fmt.Errorf("reset running jobs: %w", err)
	}
	if reset > 0 {
		s.Log.Warn("reset running jobs to queued on scheduler start", "count", reset)
	}

	queued, err := s.Jobs.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		s.Schedule(job.ID)
	}
	return nil
}

// Schedule starts background execution of jobID unless it is already
// scheduled, deduplicating via the in-flight map the way
// ChatJobScheduler._scheduled_tasks does.
func (s *Scheduler) Schedule(jobID string) {
	s.mu.Lock()
	if _, already := s.scheduled[jobID]; already {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.scheduled[jobID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.scheduled, jobID)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.runJob(runCtx, jobID); err != nil {
			s.Log.Error("job run failed", "job_id", jobID, "error", err)
		}
	}()
}

// Shutdown cancels every scheduling goroutine that has not yet started
// executing its turn. Per the resolved design decision, shutdown never
// cancels a turn already running inside the turn engine — only the
// scheduling wrapper around it.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.scheduled))
	for id, cancel := range s.scheduled {
		cancels = append(cancels, cancel)
		delete(s.scheduled, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Scheduler) runJob(ctx context.Context, jobID string) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != model.JobQueued {
		return nil
	}

	claimed, err := s.Jobs.MarkRunning(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", jobID, err)
	}
	if !claimed {
		return nil
	}

	lease, err := s.Capacity.Acquire(ctx)
	if err != nil {
		_ = s.Jobs.MarkFailed(ctx, jobID, fmt.Sprintf("capacity acquire failed: %v", err))
		return err
	}
	defer lease.Release()

	// Shutdown cancels only the steps above; once the turn is handed to the
	// coordinator, it and the job's terminal status outlive the cancellation.
	turnCtx := context.WithoutCancel(ctx)
	result, err := coordinator.Run(turnCtx, s.Coordinator, job.WorldlineID, func(ctx context.Context) (*turn.Result, error) {
		return s.Runner.RunTurn(ctx, job.WorldlineID, job.Request.Message, 0, nil, nil)
	})
	if err != nil {
		_ = s.Jobs.MarkFailed(turnCtx, jobID, err.Error())
		return err
	}

	summary := buildSummary(result.Events)
	if err := s.Jobs.MarkCompleted(turnCtx, jobID, result.ActiveWorldlineID, summary); err != nil {
		return fmt.Errorf("mark completed %s: %w", jobID, err)
	}
	return nil
}

// buildSummary derives a job completion summary from the events a turn
// produced: the event count plus a truncated preview of the final assistant
// message, matching jobs.py::_build_summary.
func buildSummary(events []*model.Event) model.JobSummary {
	summary := model.JobSummary{EventCount: len(events)}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != model.EventAssistantMessage {
			continue
		}
		text, _ := events[i].Payload["text"].(string)
		if len(text) > previewChars {
			text = text[:previewChars] + "..."
		}
		summary.AssistantPreview = text
		break
	}
	return summary
}

// Enqueue inserts a new queued job and schedules it for execution.
func (s *Scheduler) Enqueue(ctx context.Context, p store.EnqueueParams) (string, error) {
	jobID, err := s.Jobs.Enqueue(ctx, p)
	if err != nil {
		return "", err
	}
	s.Schedule(jobID)
	return jobID, nil
}
