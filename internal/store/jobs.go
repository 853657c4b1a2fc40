package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ssh-vom/analysisd/internal/ids"
	"github.com/ssh-vom/analysisd/internal/model"
)

// JobStore implements the durable ChatTurnJob primitives: enqueue, the
// conditional queued->running claim, and terminal-state transitions.
// Grounded on original_source/backend/chat/jobs.py's SQL helpers.
type JobStore struct {
	db *sql.DB
}

// EnqueueParams describes a new durable job.
type EnqueueParams struct {
	ThreadID         string
	WorldlineID      string
	Request          model.TurnRequest
	ParentJobID      *string
	FanoutGroupID    *string
	TaskLabel        *string
	ParentToolCallID *string
}

// Enqueue inserts a new queued job row.
func (s *JobStore) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	id := ids.New(ids.PrefixJob)
	requestJSON, err := json.Marshal(p.Request)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_turn_jobs
		   (job_id, thread_id, worldline_id, request, parent_job_id, fanout_group_id, task_label, parent_tool_call_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued')`,
		id, p.ThreadID, p.WorldlineID, requestJSON, p.ParentJobID, p.FanoutGroupID, p.TaskLabel, p.ParentToolCallID,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// Get loads a job row.
func (s *JobStore) Get(ctx context.Context, jobID string) (*model.ChatTurnJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, thread_id, worldline_id, request, parent_job_id, fanout_group_id,
		        task_label, parent_tool_call_id, status, error, result_worldline_id,
		        result_summary, created_at, started_at, completed_at
		 FROM chat_turn_jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

// MarkRunning atomically transitions a job from queued to running. Returns
// claimed=false (no error) if the row was not in the queued state — the
// caller must abort silently in that case, matching jobs.py::_mark_running.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string) (claimed bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs SET status = 'running', started_at = now()
		 WHERE job_id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkCompleted transitions a job to completed, recording the result
// worldline and summary.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID, resultWorldlineID string, summary model.JobSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs
		 SET status = 'completed', completed_at = now(), result_worldline_id = $2, result_summary = $3
		 WHERE job_id = $1`, jobID, resultWorldlineID, summaryJSON)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to failed, recording the (truncated) error.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	const maxLen = 2000
	if len(reason) > maxLen {
		reason = reason[:maxLen]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs SET status = 'failed', completed_at = now(), error = $2
		 WHERE job_id = $1`, jobID, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetRunningToQueued resets every job stuck in running back to queued; called
// once at scheduler start, implementing the crash-recovery rule of spec §3.
func (s *JobStore) ResetRunningToQueued(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs SET status = 'queued', started_at = NULL WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	return res.RowsAffected()
}

// ListQueued returns every queued job ordered oldest-first, for scheduling on
// start.
func (s *JobStore) ListQueued(ctx context.Context) ([]*model.ChatTurnJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, thread_id, worldline_id, request, parent_job_id, fanout_group_id,
		        task_label, parent_tool_call_id, status, error, result_worldline_id,
		        result_summary, created_at, started_at, completed_at
		 FROM chat_turn_jobs WHERE status = 'queued' ORDER BY created_at ASC, job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ChatTurnJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*model.ChatTurnJob, error) {
	var (
		job                                                                       model.ChatTurnJob
		requestJSON, resultSummaryJSON                                            []byte
		parentJobID, fanoutGroupID, taskLabel, parentToolCallID                   sql.NullString
		errText, resultWorldlineID                                                sql.NullString
		startedAt, completedAt                                                    sql.NullTime
		status                                                                    string
	)
	if err := row.Scan(
		&job.ID, &job.ThreadID, &job.WorldlineID, &requestJSON,
		&parentJobID, &fanoutGroupID, &taskLabel, &parentToolCallID,
		&status, &errText, &resultWorldlineID, &resultSummaryJSON,
		&job.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(requestJSON, &job.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	job.Status = model.JobStatus(status)
	if parentJobID.Valid {
		job.ParentJobID = &parentJobID.String
	}
	if fanoutGroupID.Valid {
		job.FanoutGroupID = &fanoutGroupID.String
	}
	if taskLabel.Valid {
		job.TaskLabel = &taskLabel.String
	}
	if parentToolCallID.Valid {
		job.ParentToolCallID = &parentToolCallID.String
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	if resultWorldlineID.Valid {
		job.ResultWorldlineID = &resultWorldlineID.String
	}
	if len(resultSummaryJSON) > 0 {
		var summary model.JobSummary
		if err := json.Unmarshal(resultSummaryJSON, &summary); err == nil {
			job.ResultSummary = &summary
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}
