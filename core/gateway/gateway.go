package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/runbeam/runbeam/core/admission"
	"github.com/runbeam/runbeam/core/dispatch"
	"github.com/runbeam/runbeam/core/infra/bus"
	"github.com/runbeam/runbeam/core/infra/config"
	"github.com/runbeam/runbeam/core/infra/logging"
	infraMetrics "github.com/runbeam/runbeam/core/infra/metrics"
	"github.com/runbeam/runbeam/core/infra/redisutil"
	"github.com/runbeam/runbeam/core/run"
	"github.com/runbeam/runbeam/core/stream"
)

// Bus is the messaging surface the gateway needs.
type Bus interface {
	Publish(subject string, v any) error
	Subscribe(subject, queue string, handler func(data []byte) error) error
}

type server struct {
	runs       *run.RedisStore // Typed for Events and ListRecent
	jobs       dispatch.JobStore
	gate       *admission.Gate
	dispatcher *dispatch.Dispatcher
	queue      *dispatch.RedisNATSQueue
	broker     *stream.Broker
	subs       *admission.PlanChecker
	bus        Bus
	redis      *redis.Client

	clients   map[*websocket.Conn]chan run.Event
	clientsMu sync.RWMutex
	eventsCh  chan run.Event

	metrics infraMetrics.GatewayMetrics
	started time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return isAllowedOrigin(r) },
}

// Run wires the stores, admission gate, dispatcher, and stream broker
// together and serves HTTP until the listener fails.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = client.Close() }()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	plans, err := config.LoadPlanConfig(cfg.PlanConfig)
	if err != nil {
		logging.Warn("gateway", "plan config unavailable, using defaults", "path", cfg.PlanConfig, "error", err)
		plans = config.DefaultPlans()
	}

	promMetrics := infraMetrics.NewProm("runbeam")
	go func() {
		if err := infraMetrics.Serve(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	runs := run.NewRedisStore(client)
	jobs := dispatch.NewRedisJobStore(client)
	gate := admission.NewGate(
		admission.NewRedisCredentialStore(client),
		admission.NewFixedWindowLimiter(client),
		admission.NewPlanChecker(client, plans),
	)
	queue := dispatch.NewRedisNATSQueue(client, natsBus, map[dispatch.Engine]int{
		dispatch.EngineBrowser: cfg.QueueLimits.Browser,
		dispatch.EngineLoad:    cfg.QueueLimits.Load,
	})
	dispatcher := dispatch.NewDispatcher(runs, jobs, queue, dispatch.NewRedisScriptPreparer(client), natsBus, promMetrics)
	broker := stream.NewBroker(runs, client, stream.AllowAll{}, cfg.Stream, promMetrics)

	s := &server{
		runs:       runs,
		jobs:       jobs,
		gate:       gate,
		dispatcher: dispatcher,
		queue:      queue,
		broker:     broker,
		subs:       admission.NewPlanChecker(client, plans),
		bus:        natsBus,
		redis:      client,
		clients:    make(map[*websocket.Conn]chan run.Event),
		eventsCh:   make(chan run.Event, 512),
		metrics:    promMetrics,
		started:    time.Now().UTC(),
	}

	s.startBusTaps()
	return startHTTPServer(s, cfg.HTTPAddr)
}

// startBusTaps subscribes to engine status reports and lifecycle events once
// for the lifetime of the gateway.
func (s *server) startBusTaps() {
	// Engine status reports -> run store. Reports against terminal runs are
	// expected during cancel races; they are logged and dropped.
	if err := s.bus.Subscribe(bus.SubjectRunStatus, "gateway", func(data []byte) error {
		var report run.StatusReport
		if err := json.Unmarshal(data, &report); err != nil {
			return fmt.Errorf("decode status report: %w", err)
		}
		if report.RunID == "" || !report.Status.Valid() {
			return fmt.Errorf("malformed status report: %q/%q", report.RunID, report.Status)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		prev, err := s.runs.SetStatus(ctx, report.RunID, report.Status, report.Error)
		if errors.Is(err, run.ErrAlreadyTerminal) || errors.Is(err, run.ErrInvalidTransition) {
			logging.Info("gateway", "status report dropped", "run_id", report.RunID, "status", report.Status, "reason", err)
			return nil
		}
		if err != nil {
			return err
		}
		// The run left the queue: the engine either picked it up or reported a
		// terminal outcome directly, so its admission slot is free again.
		if prev == run.StatusQueued {
			s.releaseQueueSlot(ctx, report.RunID)
		}
		s.broadcast(run.Event{
			RunID:  report.RunID,
			Status: report.Status,
			At:     time.Now().Unix(),
			Error:  report.Error,
		})
		return nil
	}); err != nil {
		logging.Error("gateway", "bus subscribe failed", "subject", bus.SubjectRunStatus, "error", err)
	}

	// Lifecycle events published by other gateway instances -> WS listeners.
	if err := s.bus.Subscribe(bus.SubjectRunEvents, "", func(data []byte) error {
		var ev run.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode run event: %w", err)
		}
		s.broadcast(ev)
		return nil
	}); err != nil {
		logging.Error("gateway", "bus subscribe failed", "subject", bus.SubjectRunEvents, "error", err)
	}

	// Broadcast loop to WS clients.
	go func() {
		for evt := range s.eventsCh {
			var slowClients []*websocket.Conn
			s.clientsMu.RLock()
			for conn, ch := range s.clients {
				select {
				case ch <- evt:
				default:
					slowClients = append(slowClients, conn)
				}
			}
			s.clientsMu.RUnlock()

			if len(slowClients) > 0 {
				s.clientsMu.Lock()
				for _, conn := range slowClients {
					delete(s.clients, conn)
				}
				s.clientsMu.Unlock()
				for _, conn := range slowClients {
					if err := conn.Close(); err != nil {
						logging.Error("gateway", "ws client close failed", "error", err)
					}
				}
			}
		}
	}()
}

// releaseQueueSlot frees the per-engine queue slot a run reserved at trigger
// time. Callers invoke it exactly once, on the transition out of queued.
func (s *server) releaseQueueSlot(ctx context.Context, runID string) {
	if s.queue == nil {
		return
	}
	rec, err := s.runs.Get(ctx, runID)
	if err != nil {
		logging.Error("gateway", "queue slot release lookup failed", "run_id", runID, "error", err)
		return
	}
	if err := s.queue.Release(ctx, dispatch.Engine(rec.Engine)); err != nil {
		logging.Error("gateway", "queue slot release failed", "run_id", runID, "engine", rec.Engine, "error", err)
	}
}

func (s *server) broadcast(ev run.Event) {
	select {
	case s.eventsCh <- ev:
	default:
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/jobs/{jobId}/trigger", s.instrumented("/api/v1/jobs/{jobId}/trigger", s.handleTrigger))
	mux.HandleFunc("GET /api/v1/jobs/{jobId}/trigger", s.instrumented("/api/v1/jobs/{jobId}/trigger", s.handleTriggerInfo))

	mux.HandleFunc("GET /api/v1/runs", s.instrumented("/api/v1/runs", s.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{runId}", s.instrumented("/api/v1/runs/{runId}", s.handleGetRun))
	mux.HandleFunc("GET /api/v1/runs/{runId}/stream", s.instrumented("/api/v1/runs/{runId}/stream", s.handleRunStream))
	mux.HandleFunc("POST /api/v1/runs/{runId}/cancel", s.instrumented("/api/v1/runs/{runId}/cancel", s.handleCancelRun))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleFirehose))

	return corsMiddleware(rateLimitMiddleware(mux))
}

func startHTTPServer(s *server, httpAddr string) error {
	handler := s.routes()

	logging.Info("gateway", "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// SSE responses stay open far longer than a normal request.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("gateway", "http server error", "error", err)
		return err
	}
	return nil
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}

	natsConnected := false
	natsStatus := "UNKNOWN"
	if nb, ok := s.bus.(*bus.NatsBus); ok {
		natsConnected = nb.IsConnected()
		natsStatus = nb.Status()
	}

	redisOK := false
	redisErr := ""
	if s.redis == nil {
		redisErr = "redis unavailable"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := s.redis.Ping(ctx).Err()
		cancel()
		if err != nil {
			redisErr = err.Error()
		} else {
			redisOK = true
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
		},
		"redis": map[string]any{
			"ok":    redisOK,
			"error": redisErr,
		},
	})
}

// handleFirehose streams run lifecycle events to a websocket client.
func (s *server) handleFirehose(w http.ResponseWriter, r *http.Request) {
	logging.Info("gateway", "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan run.Event, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
		close(clientCh)
	}()

	for {
		select {
		case ev, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("gateway", "event marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
