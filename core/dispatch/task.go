package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/runbeam/runbeam/core/run"
)

// Engine identifies which execution engine interprets a task.
type Engine string

const (
	// EngineBrowser runs scripted multi-test jobs.
	EngineBrowser Engine = "browser"
	// EngineLoad runs load-test jobs.
	EngineLoad Engine = "load"
)

// Valid reports whether e is a known execution engine.
func (e Engine) Valid() bool {
	return e == EngineBrowser || e == EngineLoad
}

// TaskBase carries the fields common to every execution task.
type TaskBase struct {
	RunID     string `json:"run_id"`
	JobID     string `json:"job_id"`
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
}

// BrowserTask is the payload for the scripted multi-test engine.
type BrowserTask struct {
	TaskBase
	Tests     []TestScript      `json:"tests"`
	Variables map[string]string `json:"variables,omitempty"`
	Secrets   map[string]string `json:"secrets,omitempty"`
	Trigger   run.Trigger       `json:"trigger"`
	JobType   string            `json:"job_type,omitempty"`
}

// LoadTask is the payload for the load-test engine.
type LoadTask struct {
	TaskBase
	Script        string       `json:"script"`
	PrimaryTestID string       `json:"primary_test_id"`
	Tests         []TestScript `json:"tests"`
	Location      string       `json:"location,omitempty"`
}

// TaskEnvelope is the discriminated union submitted to the work queue.
// Exactly one variant is populated, chosen by the job's engine.
type TaskEnvelope struct {
	Engine  Engine       `json:"engine"`
	Browser *BrowserTask `json:"browser,omitempty"`
	Load    *LoadTask    `json:"load,omitempty"`
}

// RunID returns the run identifier embedded in the populated variant.
func (t *TaskEnvelope) RunID() string {
	switch {
	case t.Browser != nil:
		return t.Browser.RunID
	case t.Load != nil:
		return t.Load.RunID
	}
	return ""
}

// Validate checks that exactly one variant matching the engine tag is set.
func (t *TaskEnvelope) Validate() error {
	switch t.Engine {
	case EngineBrowser:
		if t.Browser == nil || t.Load != nil {
			return fmt.Errorf("browser task envelope malformed")
		}
	case EngineLoad:
		if t.Load == nil || t.Browser != nil {
			return fmt.Errorf("load task envelope malformed")
		}
	default:
		return fmt.Errorf("unknown engine %q", t.Engine)
	}
	if t.RunID() == "" {
		return fmt.Errorf("task envelope missing run id")
	}
	return nil
}

// DecodeTaskEnvelope parses and validates a task payload off the wire.
func DecodeTaskEnvelope(data []byte) (*TaskEnvelope, error) {
	var env TaskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
