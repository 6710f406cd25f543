package run

import "errors"

// Status captures the lifecycle of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final and immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusTimeout, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPassed, StatusFailed, StatusTimeout, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Trigger identifies what initiated a run.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerScheduled  Trigger = "scheduled"
	TriggerRemoteAPI  Trigger = "remote-api"
	TriggerPlayground Trigger = "playground"
)

// Run is one execution attempt of a job. Timestamps are unix seconds; zero
// means unset. CompletedAt is set iff Status is terminal.
type Run struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id"`
	ProjectID   string  `json:"project_id"`
	OrgID       string  `json:"org_id"`
	Status      Status  `json:"status"`
	Trigger     Trigger `json:"trigger"`
	Location    string  `json:"location,omitempty"`
	Engine      string  `json:"engine,omitempty"`
	Source      string  `json:"source,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	StartedAt   int64   `json:"started_at,omitempty"`
	CompletedAt int64   `json:"completed_at,omitempty"`
	UpdatedAt   int64   `json:"updated_at"`
	Error       string  `json:"error,omitempty"`
}

// StatusReport is the payload the execution engine publishes on the bus to
// report run progress and terminal outcomes.
type StatusReport struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Event is a lifecycle event fanned out to firehose listeners.
type Event struct {
	RunID  string `json:"run_id"`
	JobID  string `json:"job_id,omitempty"`
	Status Status `json:"status"`
	At     int64  `json:"at"`
	Error  string `json:"error,omitempty"`
}

var (
	// ErrNotFound indicates the run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrAlreadyTerminal indicates a transition out of a terminal status.
	ErrAlreadyTerminal = errors.New("run already terminal")
	// ErrInvalidTransition indicates a disallowed status transition.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// allowedTransitions guards the run state machine. Runs are created queued;
// the engine's reports are trusted verbatim, so queued may jump straight to a
// terminal status when the running report was lost. Terminal states allow
// nothing.
var allowedTransitions = map[Status][]Status{
	"":            {StatusQueued},
	StatusQueued:  {StatusRunning, StatusPassed, StatusFailed, StatusTimeout, StatusCancelled, StatusError},
	StatusRunning: {StatusPassed, StatusFailed, StatusTimeout, StatusCancelled, StatusError},
}

func transitionAllowed(from, to Status) bool {
	if from == to && !from.Terminal() {
		return true
	}
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}
