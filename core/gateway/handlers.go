package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runbeam/runbeam/core/admission"
	"github.com/runbeam/runbeam/core/dispatch"
	"github.com/runbeam/runbeam/core/infra/bus"
	"github.com/runbeam/runbeam/core/infra/logging"
	"github.com/runbeam/runbeam/core/run"
	"github.com/runbeam/runbeam/core/stream"
)

const maxTriggerBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]string{"error": code, "reason": reason})
}

// writeAdmissionError maps the admission and dispatch error taxonomy onto
// HTTP statuses. Unknown errors become opaque 500s; their detail goes to the
// log, not the client.
func writeAdmissionError(w http.ResponseWriter, err error) {
	var rateErr *admission.RateLimitError
	var scriptErr *dispatch.ScriptError

	switch {
	case errors.Is(err, admission.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "invalid_credential", "credential not recognized")
	case errors.Is(err, admission.ErrCredentialDisabled):
		writeError(w, http.StatusUnauthorized, "credential_disabled", "credential has been disabled")
	case errors.Is(err, admission.ErrCredentialExpired):
		writeError(w, http.StatusUnauthorized, "credential_expired", "credential has expired")
	case errors.Is(err, admission.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", "credential not valid for this job")
	case errors.Is(err, admission.ErrSubscriptionRequired):
		writeError(w, http.StatusPaymentRequired, "subscription_required", "an active subscription is required")
	case errors.As(err, &rateErr):
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateErr.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rateErr.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rateErr.ResetAt.Unix(), 10))
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "credential rate limit exceeded")
	case errors.Is(err, dispatch.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job_not_found", "job does not exist")
	case errors.Is(err, run.ErrNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", "run does not exist")
	case errors.As(err, &scriptErr):
		writeError(w, http.StatusBadRequest, "script_invalid", scriptErr.Detail)
	case errors.Is(err, dispatch.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "queue_full", "execution queue is at capacity, retry later")
	default:
		logging.Error("gateway", "internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(raw) > len(prefix) && strings.EqualFold(raw[:len(prefix)], prefix) {
		return strings.TrimSpace(raw[len(prefix):])
	}
	return ""
}

// triggerRequest is the optional request body. A missing body is fine; extra
// fields sent by older clients are ignored.
type triggerRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

func (s *server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing_job_id", "job id required")
		return
	}
	secret := bearerToken(r)
	if secret == "" {
		writeError(w, http.StatusUnauthorized, "invalid_credential", "bearer credential required")
		return
	}

	// The body is optional and only carries attribution; a client that sends
	// garbage still gets its run.
	var body triggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTriggerBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		logging.Debug("gateway", "trigger body ignored", "job_id", jobID, "error", err)
		body = triggerRequest{}
	}

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	authCtx, err := s.gate.Authorize(r.Context(), secret, jobID, job.OrgID)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	triggeredBy := strings.TrimSpace(body.TriggeredBy)
	if triggeredBy == "" {
		triggeredBy = authCtx.Credential.Name
	}
	if triggeredBy == "" {
		triggeredBy = authCtx.Credential.ID
	}

	result, err := s.dispatcher.Dispatch(r.Context(), jobID, run.TriggerRemoteAPI, triggeredBy)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	if s.subs != nil {
		if err := s.subs.RecordRun(r.Context(), job.OrgID); err != nil {
			logging.Error("gateway", "run usage record failed", "org_id", job.OrgID, "error", err)
		}
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(authCtx.Quota.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(authCtx.Quota.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(authCtx.Quota.ResetAt.Unix(), 10))
	writeJSON(w, http.StatusOK, result)
}

// handleTriggerInfo describes how to invoke the trigger without consuming
// quota or recording usage.
func (s *server) handleTriggerInfo(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing_job_id", "job id required")
		return
	}
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"job_name":   job.Name,
		"engine":     job.Engine,
		"test_count": len(job.TestIDs),
		"method":     http.MethodPost,
		"auth":       "Authorization: Bearer <trigger credential>",
	})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			limit = v
		}
	}
	runs, err := s.runs.ListRecent(r.Context(), limit)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing_run_id", "run id required")
		return
	}
	record, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	events, err := s.runs.Events(r.Context(), runID)
	if err != nil {
		logging.Error("gateway", "run events load failed", "run_id", runID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":    record,
		"events": events,
	})
}

func (s *server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing_run_id", "run id required")
		return
	}
	// Serve returns an error only before any stream bytes are written, so
	// responding with a status code here is always safe.
	if err := s.broker.Serve(w, r, runID); err != nil {
		if errors.Is(err, stream.ErrViewForbidden) {
			writeError(w, http.StatusForbidden, "view_forbidden", "not permitted to view this run")
			return
		}
		logging.Error("gateway", "run stream failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing_run_id", "run id required")
		return
	}

	prior, err := s.runs.Cancel(r.Context(), runID)
	if errors.Is(err, run.ErrAlreadyTerminal) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "already_terminal",
			"run_id": runID,
			"status": prior,
			"reason": "run already reached a terminal status",
		})
		return
	}
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	// A run cancelled before pickup still holds its admission slot.
	if prior == run.StatusQueued {
		s.releaseQueueSlot(r.Context(), runID)
	}

	// Synthetic cancellation event so listeners see the cancel even when the
	// engine never reports back.
	ev := run.Event{
		RunID:  runID,
		Status: run.StatusCancelled,
		At:     time.Now().Unix(),
	}
	s.broadcast(ev)
	if err := s.bus.Publish(bus.SubjectRunEvents, ev); err != nil {
		logging.Error("gateway", "cancel event publish failed", "run_id", runID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"status": run.StatusCancelled,
	})
}
