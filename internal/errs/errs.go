// Package errs defines the typed error kinds cross-component failures surface
// as, per the runtime's error handling design: bad input, missing entities,
// optimistic-concurrency conflicts and capacity exhaustion are all reified as
// distinct error types rather than ad-hoc strings, so callers can type-switch
// instead of matching on message text.
package errs

import "fmt"

// BadRequestError marks caller input that is rejected before any side effect:
// empty messages, non-read-only SQL, multiple statements, unknown tools,
// malformed subagent tasks.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return "bad request: " + e.Reason }

// NotFoundError marks a reference to an unknown thread, worldline or event.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// HeadConflictError is the event store's optimistic-concurrency failure: the
// worldline's current head no longer matches the caller's expected parent.
type HeadConflictError struct {
	WorldlineID string
	Expected    string
	Actual      string
}

func (e *HeadConflictError) Error() string {
	return fmt.Sprintf("head conflict on worldline %s: expected %s, actual %s", e.WorldlineID, e.Expected, e.Actual)
}

// CapacityLimitError is returned when a capacity pool's admission queue is
// already full. Callers surface it directly (429-equivalent) or, for
// scheduled jobs, record it as the job's failure reason.
type CapacityLimitError struct {
	Pool     string
	MaxQueue int
}

func (e *CapacityLimitError) Error() string {
	return fmt.Sprintf("%s queue limit reached (%d)", e.Pool, e.MaxQueue)
}

// SandboxCapacityError is the sandbox pool's equivalent of CapacityLimitError.
// Unlike CapacityLimitError it is treated as a transient tool error and
// reified into the tool_result_python payload rather than surfaced to the
// caller, so the turn continues.
type SandboxCapacityError struct {
	MaxQueue int
}

func (e *SandboxCapacityError) Error() string {
	return fmt.Sprintf("sandbox queue full (%d waiting)", e.MaxQueue)
}

// ShutdownError is returned to callers whose submission was still pending
// when the owning turn coordinator shut down.
type ShutdownError struct {
	Component string
}

func (e *ShutdownError) Error() string { return e.Component + " is shutting down" }
