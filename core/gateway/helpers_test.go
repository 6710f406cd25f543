package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/runbeam/runbeam/core/admission"
	"github.com/runbeam/runbeam/core/dispatch"
	"github.com/runbeam/runbeam/core/infra/config"
	infraMetrics "github.com/runbeam/runbeam/core/infra/metrics"
	"github.com/runbeam/runbeam/core/run"
	"github.com/runbeam/runbeam/core/stream"
)

type stubBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]func([]byte) error
}

func newStubBus() *stubBus {
	return &stubBus{
		published: map[string][][]byte{},
		handlers:  map[string]func([]byte) error{},
	}
}

func (b *stubBus) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *stubBus) Subscribe(subject, queue string, handler func(data []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return nil
}

func (b *stubBus) publishedOn(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[subject]))
	copy(out, b.published[subject])
	return out
}

func (b *stubBus) deliver(t *testing.T, subject string, v any) error {
	t.Helper()
	b.mu.Lock()
	handler := b.handlers[subject]
	b.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscriber on %s", subject)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return handler(data)
}

type testHarness struct {
	server *server
	client *redis.Client
	bus    *stubBus
	creds  *admission.RedisCredentialStore
	jobs   *dispatch.RedisJobStore
	prep   *dispatch.RedisScriptPreparer
	subs   *admission.PlanChecker
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sb := newStubBus()
	plans := config.DefaultPlans()

	runs := run.NewRedisStore(client)
	jobs := dispatch.NewRedisJobStore(client)
	creds := admission.NewRedisCredentialStore(client)
	subs := admission.NewPlanChecker(client, plans)
	gate := admission.NewGate(creds, admission.NewFixedWindowLimiter(client), subs)
	queue := dispatch.NewRedisNATSQueue(client, sb, map[dispatch.Engine]int{
		dispatch.EngineBrowser: 8,
		dispatch.EngineLoad:    2,
	})
	prep := dispatch.NewRedisScriptPreparer(client)
	dispatcher := dispatch.NewDispatcher(runs, jobs, queue, prep, sb, infraMetrics.Noop{})
	broker := stream.NewBroker(runs, client, stream.AllowAll{}, config.StreamConfig{
		HeartbeatInterval: 5 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		RetryHintMillis:   1000,
	}, infraMetrics.Noop{})

	s := &server{
		runs:       runs,
		jobs:       jobs,
		gate:       gate,
		dispatcher: dispatcher,
		queue:      queue,
		broker:     broker,
		subs:       subs,
		bus:        sb,
		redis:      client,
		clients:    make(map[*websocket.Conn]chan run.Event),
		eventsCh:   make(chan run.Event, 512),
		metrics:    infraMetrics.Noop{},
		started:    time.Now().UTC(),
	}
	s.startBusTaps()

	return &testHarness{
		server: s,
		client: client,
		bus:    sb,
		creds:  creds,
		jobs:   jobs,
		prep:   prep,
		subs:   subs,
	}
}

// seedTriggerableJob stores a browser job with one valid script, an active
// subscription, and a minted credential. Returns the job id and the
// credential's plaintext secret.
func (h *testHarness) seedTriggerableJob(t *testing.T) (jobID, secret string) {
	t.Helper()
	ctx := context.Background()

	jobID = "job-web"
	if err := h.jobs.Put(ctx, &dispatch.Job{
		ID:        jobID,
		Name:      "homepage smoke",
		OrgID:     "org-acme",
		ProjectID: "proj-web",
		Engine:    dispatch.EngineBrowser,
		TestIDs:   []string{"t-home"},
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := h.prep.PutScript(ctx, &dispatch.TestScript{
		ID:   "t-home",
		Name: "homepage loads",
		Type: "browser",
		Body: "open {{BASE_URL}}",
	}); err != nil {
		t.Fatalf("seed script: %v", err)
	}
	if err := h.client.HSet(ctx, "project:vars:proj-web", "BASE_URL", "https://acme.test").Err(); err != nil {
		t.Fatalf("seed vars: %v", err)
	}
	if err := h.subs.SetBilling(ctx, "org-acme", "team", "active"); err != nil {
		t.Fatalf("seed billing: %v", err)
	}

	_, secret, err := h.creds.Mint(ctx, jobID, "ci credential", 0, admission.RateLimitPolicy{})
	if err != nil {
		t.Fatalf("mint credential: %v", err)
	}
	return jobID, secret
}
