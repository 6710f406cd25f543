package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runbeam/runbeam/core/infra/bus"
	"github.com/runbeam/runbeam/core/infra/logging"
	"github.com/runbeam/runbeam/core/infra/metrics"
	"github.com/runbeam/runbeam/core/run"
)

// EventPublisher fans run lifecycle events out to firehose listeners.
// Publishing is best-effort; a flaky bus never fails a trigger.
type EventPublisher interface {
	Publish(subject string, v any) error
}

// Result is what a successful trigger returns to the caller.
type Result struct {
	RunID       string `json:"run_id"`
	JobName     string `json:"job_name"`
	TestCount   int    `json:"test_count"`
	TriggeredBy string `json:"triggered_by"`
	TriggeredAt int64  `json:"triggered_at"`
}

// Dispatcher turns an admitted trigger into a queued run: it creates the run
// record, prepares and validates the job's scripts, and submits the task to
// the bounded work queue.
type Dispatcher struct {
	runs    run.Store
	jobs    JobStore
	queue   Queue
	prep    ScriptPreparer
	events  EventPublisher
	metrics metrics.TriggerMetrics
	now     func() time.Time
}

func NewDispatcher(runs run.Store, jobs JobStore, queue Queue, prep ScriptPreparer, events EventPublisher, m metrics.TriggerMetrics) *Dispatcher {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		runs:    runs,
		jobs:    jobs,
		queue:   queue,
		prep:    prep,
		events:  events,
		metrics: m,
		now:     time.Now,
	}
}

// Dispatch runs the trigger pipeline for jobID. Script failures and queue
// capacity rejections fail the run pre-submission and are returned to the
// caller as typed errors; anything else surfaces as an internal error with
// the run marked errored.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, trigger run.Trigger, triggeredBy string) (*Result, error) {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Engine.Valid() {
		return nil, fmt.Errorf("job %s has unknown engine %q", job.ID, job.Engine)
	}
	d.metrics.IncTriggersReceived(string(job.Engine))

	now := d.now()
	r := &run.Run{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		OrgID:     job.OrgID,
		Status:    run.StatusQueued,
		Trigger:   trigger,
		Location:  job.Location,
		Engine:    string(job.Engine),
		Source:    triggeredBy,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}
	if err := d.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	d.publishEvent(r, run.StatusQueued, "")

	env, testCount, err := d.buildTask(ctx, job, r, trigger)
	if err != nil {
		return nil, d.failPreSubmission(ctx, r, err)
	}

	if _, err := d.queue.Enqueue(ctx, env); err != nil {
		return nil, d.failPreSubmission(ctx, r, err)
	}
	d.metrics.IncTasksEnqueued(string(job.Engine))

	return &Result{
		RunID:       r.ID,
		JobName:     job.Name,
		TestCount:   testCount,
		TriggeredBy: triggeredBy,
		TriggeredAt: r.CreatedAt,
	}, nil
}

// buildTask prepares the job's scripts and assembles the engine-specific
// task variant.
func (d *Dispatcher) buildTask(ctx context.Context, job *Job, r *run.Run, trigger run.Trigger) (*TaskEnvelope, int, error) {
	prepared, err := d.prep.Prepare(ctx, job)
	if err != nil {
		return nil, 0, fmt.Errorf("prepare scripts: %w", err)
	}

	base := TaskBase{
		RunID:     r.ID,
		JobID:     job.ID,
		OrgID:     job.OrgID,
		ProjectID: job.ProjectID,
	}

	switch job.Engine {
	case EngineBrowser:
		if err := validateBrowserScripts(prepared); err != nil {
			return nil, 0, err
		}
		return &TaskEnvelope{
			Engine: EngineBrowser,
			Browser: &BrowserTask{
				TaskBase:  base,
				Tests:     prepared.Tests,
				Variables: prepared.Variables,
				Secrets:   prepared.Secrets,
				Trigger:   trigger,
			},
		}, len(prepared.Tests), nil
	case EngineLoad:
		primary, err := validateLoadScripts(prepared)
		if err != nil {
			return nil, 0, err
		}
		return &TaskEnvelope{
			Engine: EngineLoad,
			Load: &LoadTask{
				TaskBase:      base,
				Script:        primary.Body,
				PrimaryTestID: primary.ID,
				Tests:         prepared.Tests,
				Location:      job.Location,
			},
		}, len(prepared.Tests), nil
	}
	return nil, 0, fmt.Errorf("unknown engine %q", job.Engine)
}

// failPreSubmission marks the run failed (or errored) before any task runs,
// then hands the original error back so the transport layer can map it.
func (d *Dispatcher) failPreSubmission(ctx context.Context, r *run.Run, cause error) error {
	status := run.StatusError
	detail := cause.Error()

	var scriptErr *ScriptError
	switch {
	case errors.As(cause, &scriptErr):
		status = run.StatusFailed
		detail = scriptErr.Error()
		d.metrics.IncTriggersRejected("script_validation")
	case errors.Is(cause, ErrQueueFull):
		status = run.StatusFailed
		d.metrics.IncQueueRejections(r.Engine)
	default:
		d.metrics.IncTriggersRejected("internal")
	}

	if _, err := d.runs.SetStatus(ctx, r.ID, status, detail); err != nil {
		logging.Error("dispatch", "failed to mark run after pre-submission failure",
			"run_id", r.ID, "status", status, "error", err)
	}
	d.publishEvent(r, status, detail)
	return cause
}

func (d *Dispatcher) publishEvent(r *run.Run, status run.Status, detail string) {
	if d.events == nil {
		return
	}
	ev := run.Event{
		RunID:  r.ID,
		JobID:  r.JobID,
		Status: status,
		At:     d.now().Unix(),
		Error:  detail,
	}
	if err := d.events.Publish(bus.SubjectRunEvents, ev); err != nil {
		logging.Error("dispatch", "run event publish failed", "run_id", r.ID, "error", err)
	}
}
