// Package model defines the entities of the analysis runtime's event-sourced
// data model: threads, worldlines, events, snapshots, artifacts and durable
// turn jobs.
package model

import "time"

// EventType enumerates every kind of event that can be appended to a
// worldline's timeline.
type EventType string

const (
	EventUserMessage       EventType = "user_message"
	EventAssistantPlan     EventType = "assistant_plan"
	EventAssistantMessage  EventType = "assistant_message"
	EventToolCallSQL       EventType = "tool_call_sql"
	EventToolResultSQL     EventType = "tool_result_sql"
	EventToolCallPython    EventType = "tool_call_python"
	EventToolResultPython  EventType = "tool_result_python"
	EventToolCallSubagents EventType = "tool_call_subagents"
	EventToolResultAgents  EventType = "tool_result_subagents"
	EventTimeTravel        EventType = "time_travel"
	EventWorldlineCreated  EventType = "worldline_created"
	EventCSVImport         EventType = "csv_import"
	EventExternalDBAttach  EventType = "external_db_attached"
	EventExternalDBDetach  EventType = "external_db_detached"
)

// JobStatus enumerates the lifecycle of a ChatTurnJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ArtifactType enumerates the kinds of files a sandbox execution can produce.
type ArtifactType string

const (
	ArtifactImage ArtifactType = "image"
	ArtifactCSV   ArtifactType = "csv"
	ArtifactPDF   ArtifactType = "pdf"
	ArtifactMD    ArtifactType = "md"
	ArtifactFile  ArtifactType = "file"
)

// Thread groups one or more worldlines under a single conversation topic.
type Thread struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Worldline is one linear branch of conversation history.
type Worldline struct {
	ID                string
	ThreadID          string
	ParentWorldlineID *string
	ForkedFromEventID *string
	HeadEventID       *string
	Name              string
	CreatedAt         time.Time
}

// Event is an immutable record appended to a worldline's history.
type Event struct {
	ID            string
	WorldlineID   string
	ParentEventID *string
	Type          EventType
	Payload       map[string]any
	RowID         int64
	CreatedAt     time.Time
}

// Snapshot is a point-in-time copy of a worldline's analytical DB, keyed by
// the event at which it was captured.
type Snapshot struct {
	ID          string
	WorldlineID string
	EventID     string
	DBPath      string
	CreatedAt   time.Time
}

// Artifact is a file produced inside a sandbox execution.
type Artifact struct {
	ID          string
	WorldlineID string
	EventID     string
	Type        ArtifactType
	Name        string
	Path        string
	CreatedAt   time.Time
}

// ChatTurnJob is a durable record of a queued or executing turn.
type ChatTurnJob struct {
	ID          string
	ThreadID    string
	WorldlineID string
	Request     TurnRequest

	ParentJobID       *string
	FanoutGroupID     *string
	TaskLabel         *string
	ParentToolCallID  *string

	Status            JobStatus
	Error             *string
	ResultWorldlineID *string
	ResultSummary     *JobSummary

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TurnRequest is the input to a single turn execution.
type TurnRequest struct {
	Message       string
	Provider      string
	Model         string
	MaxIterations int
}

// JobSummary is recorded on job completion: event count plus a preview of the
// final assistant message.
type JobSummary struct {
	EventCount       int    `json:"event_count"`
	AssistantPreview string `json:"assistant_preview"`
}
