package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/runbeam/runbeam/core/infra/config"
)

func newTestGate(t *testing.T) (*Gate, *RedisCredentialStore, *PlanChecker, *redis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	creds := NewRedisCredentialStore(client)
	plans := NewPlanChecker(client, config.DefaultPlans())
	gate := NewGate(creds, NewFixedWindowLimiter(client), plans)
	return gate, creds, plans, client
}

func activateOrg(t *testing.T, plans *PlanChecker, orgID string) {
	t.Helper()
	if err := plans.SetBilling(context.Background(), orgID, "team", "active"); err != nil {
		t.Fatalf("seed billing: %v", err)
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	gate, creds, plans, _ := newTestGate(t)
	ctx := context.Background()
	activateOrg(t, plans, "org-1")

	cred, secret, err := creds.Mint(ctx, "job-1", "ci key", 0, RateLimitPolicy{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	authCtx, err := gate.Authorize(ctx, secret, "job-1", "org-1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if authCtx.Credential.ID != cred.ID {
		t.Fatalf("unexpected credential: %s", authCtx.Credential.ID)
	}
	if authCtx.Quota.Remaining >= authCtx.Quota.Limit {
		t.Fatalf("expected quota consumed: %+v", authCtx.Quota)
	}

	// Usage recording is async; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := creds.ListByJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) == 1 && list[0].RequestCount == 1 && list[0].LastUsedAt > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage not recorded: %+v", list)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthorizeRejectsShortAndUnknownSecrets(t *testing.T) {
	gate, creds, plans, _ := newTestGate(t)
	ctx := context.Background()
	activateOrg(t, plans, "org-1")
	if _, _, err := creds.Mint(ctx, "job-1", "key", 0, RateLimitPolicy{}); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := gate.Authorize(ctx, "short", "job-1", "org-1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for short secret, got %v", err)
	}
	if _, err := gate.Authorize(ctx, "rbk_0000000000000000000000000000", "job-1", "org-1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for unknown secret, got %v", err)
	}
}

func TestAuthorizeDisabledAndExpired(t *testing.T) {
	gate, creds, plans, _ := newTestGate(t)
	ctx := context.Background()
	activateOrg(t, plans, "org-1")

	disabled, secret, err := creds.Mint(ctx, "job-1", "disabled", 0, RateLimitPolicy{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	disabled.Enabled = false
	if err := creds.Put(ctx, disabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := gate.Authorize(ctx, secret, "job-1", "org-1"); !errors.Is(err, ErrCredentialDisabled) {
		t.Fatalf("expected ErrCredentialDisabled, got %v", err)
	}

	_, expiredSecret, err := creds.Mint(ctx, "job-2", "expired", time.Now().Add(-time.Hour).Unix(), RateLimitPolicy{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := gate.Authorize(ctx, expiredSecret, "job-2", "org-1"); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
}

func TestAuthorizeWrongJobScope(t *testing.T) {
	gate, creds, plans, _ := newTestGate(t)
	ctx := context.Background()
	activateOrg(t, plans, "org-1")

	_, secret, err := creds.Mint(ctx, "job-1", "key", 0, RateLimitPolicy{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	// The credential is scoped to job-1; job-2 has no matching credential.
	if _, err := gate.Authorize(ctx, secret, "job-2", "org-1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for foreign job, got %v", err)
	}
}

func TestAuthorizeRateLimited(t *testing.T) {
	gate, creds, plans, _ := newTestGate(t)
	ctx := context.Background()
	activateOrg(t, plans, "org-1")

	policy := RateLimitPolicy{Enabled: true, Window: time.Minute, Max: 3}
	_, secret, err := creds.Mint(ctx, "job-1", "limited", 0, policy)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := gate.Authorize(ctx, secret, "job-1", "org-1"); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}

	_, err = gate.Authorize(ctx, secret, "job-1", "org-1")
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", rle.RetryAfter)
	}
	if rle.Remaining != 0 || rle.Limit != 3 {
		t.Fatalf("unexpected quota metadata: %+v", rle)
	}
}

func TestAuthorizeSubscriptionRequired(t *testing.T) {
	gate, creds, plans, _ := newTestGate(t)
	ctx := context.Background()

	_, secret, err := creds.Mint(ctx, "job-1", "key", 0, RateLimitPolicy{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// No billing record at all.
	if _, err := gate.Authorize(ctx, secret, "job-1", "org-none"); !errors.Is(err, ErrSubscriptionRequired) {
		t.Fatalf("expected ErrSubscriptionRequired, got %v", err)
	}

	// Inactive subscription.
	if err := plans.SetBilling(ctx, "org-1", "team", "past_due"); err != nil {
		t.Fatalf("seed billing: %v", err)
	}
	if _, err := gate.Authorize(ctx, secret, "job-1", "org-1"); !errors.Is(err, ErrSubscriptionRequired) {
		t.Fatalf("expected ErrSubscriptionRequired for inactive, got %v", err)
	}
}

func TestPlanCheckerQuota(t *testing.T) {
	_, _, plans, client := newTestGate(t)
	ctx := context.Background()

	if err := plans.SetBilling(ctx, "org-q", "free", "active"); err != nil {
		t.Fatalf("seed billing: %v", err)
	}
	// The free plan allows 50 monthly runs.
	if err := client.HSet(ctx, "org:billing:org-q", "runs_this_month", 50).Err(); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	if err := plans.Check(ctx, "org-q"); !errors.Is(err, ErrSubscriptionRequired) {
		t.Fatalf("expected quota exhaustion, got %v", err)
	}

	if err := client.HSet(ctx, "org:billing:org-q", "runs_this_month", 49).Err(); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	if err := plans.Check(ctx, "org-q"); err != nil {
		t.Fatalf("expected under-quota org to pass, got %v", err)
	}
	if err := plans.RecordRun(ctx, "org-q"); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := plans.Check(ctx, "org-q"); !errors.Is(err, ErrSubscriptionRequired) {
		t.Fatalf("expected quota exhaustion after record, got %v", err)
	}
}
