package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runbeam/runbeam/core/infra/config"
	"github.com/runbeam/runbeam/core/infra/logging"
	"github.com/runbeam/runbeam/core/infra/metrics"
	"github.com/runbeam/runbeam/core/run"
)

// State tracks a broker connection's lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateStreaming  State = "streaming"
	StateClosed     State = "closed"
)

// Shutdown reasons, used as the metrics label.
const (
	reasonComplete    = "complete"
	reasonClientAbort = "client_abort"
	reasonMissingRun  = "missing_run"
	reasonBrokerError = "broker_error"
)

// statusUnknown marks a completion emitted because the run row disappeared.
const statusUnknown = "unknown"

// RunGetter is the slice of the run store the broker needs.
type RunGetter interface {
	Get(ctx context.Context, id string) (*run.Run, error)
}

// ViewAuthorizer decides whether the caller may watch a run's console.
type ViewAuthorizer interface {
	Authorize(ctx context.Context, r *run.Run) error
}

// AllowAll authorizes every viewer. Deployments with project-scoped viewers
// substitute their own implementation.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *run.Run) error { return nil }

// ErrViewForbidden indicates the viewer may not watch this run.
var ErrViewForbidden = errors.New("run view forbidden")

// ConsoleChannel returns the pub/sub channel the engine publishes a run's
// console lines on.
func ConsoleChannel(engine, runID string) string {
	return fmt.Sprintf("%s:run:%s:console", engine, runID)
}

// Broker serves one client's live console stream for one run over SSE. It
// owns a dedicated pub/sub handle plus the heartbeat and status-poll timers,
// and releases everything exactly once regardless of how the stream ends.
type Broker struct {
	runs    RunGetter
	client  *redis.Client
	auth    ViewAuthorizer
	cfg     config.StreamConfig
	metrics metrics.StreamMetrics
}

func NewBroker(runs RunGetter, client *redis.Client, auth ViewAuthorizer, cfg config.StreamConfig, m metrics.StreamMetrics) *Broker {
	if auth == nil {
		auth = AllowAll{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Broker{runs: runs, client: client, auth: auth, cfg: cfg, metrics: m}
}

// session is the per-connection state. A fresh one is built for every
// Serve call; Broker itself holds no connection state.
type session struct {
	runID  string
	state  State
	out    *sseWriter
	pubsub *redis.PubSub

	closeOnce sync.Once
	metrics   metrics.StreamMetrics
}

// Serve streams the run's console to the client until the run completes or
// the client goes away. Authorization and the terminal-at-open check happen
// before any subscription is created. A non-nil error means nothing was
// written yet, so the caller still owns the response.
func (b *Broker) Serve(w http.ResponseWriter, r *http.Request, runID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}
	ctx := r.Context()

	current, err := b.runs.Get(ctx, runID)
	if err != nil && !errors.Is(err, run.ErrNotFound) {
		return err
	}
	if current != nil {
		if err := b.auth.Authorize(ctx, current); err != nil {
			return fmt.Errorf("%w: %v", ErrViewForbidden, err)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sess := &session{
		runID:   runID,
		state:   StateConnecting,
		out:     newSSEWriter(w, flusher),
		metrics: b.metrics,
	}
	b.metrics.IncStreamsOpened()

	// No reconnect hint for a run that does not exist; retrying a missing
	// stream would never succeed.
	if current == nil {
		sess.errorComplete("run not found", statusUnknown)
		sess.shutdown(reasonMissingRun)
		return nil
	}
	sess.out.retryHint(b.cfg.RetryHintMillis)

	if current.Status.Terminal() {
		sess.event("ready", map[string]string{"run_id": runID})
		sess.event("complete", map[string]string{"status": string(current.Status)})
		sess.shutdown(reasonComplete)
		return nil
	}

	sess.pubsub = b.client.Subscribe(ctx, ConsoleChannel(current.Engine, runID))
	if _, err := sess.pubsub.Receive(ctx); err != nil {
		// The stream is already open; the failure goes to the client as an
		// SSE error, not as an HTTP status.
		logging.Error("stream", "console subscribe failed", "run_id", runID, "error", err)
		sess.errorComplete("console subscription failed", statusUnknown)
		sess.shutdown(reasonBrokerError)
		return nil
	}
	sess.state = StateSubscribed
	sess.event("ready", map[string]string{"run_id": runID})

	b.loop(ctx, sess)
	return nil
}

// loop multiplexes console lines, heartbeats, status polls, and client
// disconnect. It returns only after shutdown has run.
func (b *Broker) loop(ctx context.Context, sess *session) {
	heartbeat := time.NewTicker(b.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(b.cfg.PollInterval)
	defer poll.Stop()

	lines := sess.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			// The transport is gone; nothing more may be written to it.
			sess.out.disable()
			sess.shutdown(reasonClientAbort)
			return

		case msg, ok := <-lines:
			if !ok {
				sess.errorComplete("console subscription lost", statusUnknown)
				sess.shutdown(reasonBrokerError)
				return
			}
			sess.state = StateStreaming
			sess.event("console", map[string]string{"line": msg.Payload})
			sess.metrics.IncConsoleLines()

		case now := <-heartbeat.C:
			sess.event("heartbeat", map[string]int64{"ts": now.Unix()})

		case <-poll.C:
			current, err := b.runs.Get(ctx, sess.runID)
			if errors.Is(err, run.ErrNotFound) {
				sess.errorComplete("run record missing", statusUnknown)
				sess.shutdown(reasonMissingRun)
				return
			}
			if err != nil {
				logging.Error("stream", "status poll failed", "run_id", sess.runID, "error", err)
				continue
			}
			if current.Status.Terminal() {
				sess.event("complete", map[string]string{"status": string(current.Status)})
				sess.shutdown(reasonComplete)
				return
			}
		}
	}
}

func (s *session) event(name string, payload any) {
	if err := s.out.event(name, payload); err != nil {
		logging.Debug("stream", "event write failed", "run_id", s.runID, "event", name, "error", err)
	}
}

func (s *session) errorComplete(message, status string) {
	s.event("error", map[string]string{"message": message})
	s.event("complete", map[string]string{"status": status})
}

// shutdown releases the subscription and accounts the stream exactly once.
// Late callers are no-ops, so racing exit paths cannot double-release.
func (s *session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.state = StateClosed
		if s.pubsub != nil {
			if err := s.pubsub.Close(); err != nil {
				logging.Debug("stream", "pubsub close failed", "run_id", s.runID, "error", err)
			}
		}
		s.metrics.DecStreamsOpen()
		s.metrics.IncStreamShutdowns(reason)
		logging.Debug("stream", "stream closed", "run_id", s.runID, "reason", reason)
	})
}

// sseWriter serializes server-sent events onto the response. Once disabled
// it swallows writes, which keeps racing exit paths off a dead transport.
type sseWriter struct {
	mu       sync.Mutex
	w        io.Writer
	flush    func()
	disabled bool
}

func newSSEWriter(w io.Writer, f http.Flusher) *sseWriter {
	return &sseWriter{w: w, flush: f.Flush}
}

func (s *sseWriter) retryHint(millis int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled || millis <= 0 {
		return
	}
	fmt.Fprintf(s.w, "retry: %d\n\n", millis)
	s.flush()
}

func (s *sseWriter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) disable() {
	s.mu.Lock()
	s.disabled = true
	s.mu.Unlock()
}
