package model

import "time"

// JobStatus tracks the monotonic lifecycle of one agent turn.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// statusRank gives the monotonic ordering used to assert that a job's status
// never regresses.
var statusRank = map[JobStatus]int{
	JobPending:   0,
	JobRunning:   1,
	JobCompleted: 2,
	JobFailed:    2,
}

// CanTransition reports whether moving from from to to respects the
// pending -> running -> (completed | failed) monotonic invariant.
func CanTransition(from, to JobStatus) bool {
	return statusRank[to] >= statusRank[from]
}

// TriggerType records what caused a job to be created.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerFork    TriggerType = "fork"
	TriggerHook    TriggerType = "hook"
)

// TriggerChat builds the "chat-<platform>" trigger type for an inbound chat event.
func TriggerChat(platform string) TriggerType {
	return TriggerType("chat-" + platform)
}

// ExitReason classifies why a finalized job ended.
type ExitReason string

const (
	ExitSuccess   ExitReason = "success"
	ExitError     ExitReason = "error"
	ExitTimeout   ExitReason = "timeout"
	ExitCancelled ExitReason = "cancelled"
	ExitMaxTurns  ExitReason = "max_turns"
)

// Job represents one agent turn end to end.
type Job struct {
	ID            string      `json:"id"`
	Agent         string      `json:"agent"`
	TriggerType   TriggerType `json:"trigger_type"`
	Status        JobStatus   `json:"status"`
	Prompt        string      `json:"prompt"`
	ScheduleName  string      `json:"schedule_name,omitempty"`
	ForkedFrom    string      `json:"forked_from,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	Summary       string      `json:"summary,omitempty"`
	ExitReason    ExitReason  `json:"exit_reason,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    time.Time   `json:"finished_at,omitempty"`
	OutputFile    string      `json:"output_file,omitempty"`
}

// RunnerResult is what the job executor returns to its caller (fleet manager's
// trigger entry point, in turn to whoever called it).
type RunnerResult struct {
	Job     Job
	Err     error
}
