package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
	fail     error
}

func (p *recordingPublisher) Publish(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, v)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func browserEnvelope(runID string) *TaskEnvelope {
	return &TaskEnvelope{
		Engine: EngineBrowser,
		Browser: &BrowserTask{
			TaskBase: TaskBase{RunID: runID, JobID: "job-1", OrgID: "org-1"},
			Tests:    []TestScript{{ID: "t-1", Type: "browser", Body: "step()"}},
		},
	}
}

func TestEnqueueWithinCapacity(t *testing.T) {
	client := newTestRedis(t)
	pub := &recordingPublisher{}
	q := NewRedisNATSQueue(client, pub, map[Engine]int{EngineBrowser: 2})
	ctx := context.Background()

	pos, err := q.Enqueue(ctx, browserEnvelope("run-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if pos != 1 {
		t.Fatalf("position = %d, want 1", pos)
	}
	pos, err = q.Enqueue(ctx, browserEnvelope("run-2"))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if pos != 2 {
		t.Fatalf("position = %d, want 2", pos)
	}
	if pub.count() != 2 {
		t.Fatalf("published %d tasks, want 2", pub.count())
	}
	if pub.subjects[0] != "runbeam.tasks.browser" {
		t.Fatalf("subject = %q", pub.subjects[0])
	}
}

func TestEnqueueAtCapacityRejects(t *testing.T) {
	client := newTestRedis(t)
	pub := &recordingPublisher{}
	q := NewRedisNATSQueue(client, pub, map[Engine]int{EngineBrowser: 1})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, browserEnvelope("run-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, browserEnvelope("run-2"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d tasks, want 1", pub.count())
	}

	// The rejected attempt must not hold a slot.
	depth, err := q.Depth(ctx, EngineBrowser)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}

func TestEnqueuePublishFailureReleasesSlot(t *testing.T) {
	client := newTestRedis(t)
	pub := &recordingPublisher{fail: fmt.Errorf("nats down")}
	q := NewRedisNATSQueue(client, pub, map[Engine]int{EngineBrowser: 4})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, browserEnvelope("run-1"))
	if err == nil {
		t.Fatal("expected publish error")
	}
	if errors.Is(err, ErrQueueFull) {
		t.Fatalf("publish failure must not look like capacity: %v", err)
	}
	depth, err := q.Depth(ctx, EngineBrowser)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("depth = %d, want 0 after rollback", depth)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	client := newTestRedis(t)
	pub := &recordingPublisher{}
	q := NewRedisNATSQueue(client, pub, map[Engine]int{EngineBrowser: 1})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, browserEnvelope("run-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, browserEnvelope("run-2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if err := q.Release(ctx, EngineBrowser); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := q.Enqueue(ctx, browserEnvelope("run-3")); err != nil {
		t.Fatalf("enqueue after release: %v", err)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisNATSQueue(client, &recordingPublisher{}, map[Engine]int{EngineLoad: 1})
	ctx := context.Background()

	if err := q.Release(ctx, EngineLoad); err != nil {
		t.Fatalf("release: %v", err)
	}
	depth, err := q.Depth(ctx, EngineLoad)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("depth = %d, want 0", depth)
	}
}

func TestEnqueueRejectsUnconfiguredEngine(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisNATSQueue(client, &recordingPublisher{}, map[Engine]int{EngineBrowser: 1})

	env := &TaskEnvelope{
		Engine: EngineLoad,
		Load: &LoadTask{
			TaskBase: TaskBase{RunID: "run-1", JobID: "job-1"},
			Script:   "export default function() {}",
		},
	}
	if _, err := q.Enqueue(context.Background(), env); err == nil {
		t.Fatal("expected error for engine with no configured capacity")
	}
}
