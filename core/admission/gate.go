package admission

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/runbeam/runbeam/core/infra/logging"
)

// minCredentialLength rejects obviously bogus secrets before any lookup.
const minCredentialLength = 20

const usageTimeout = 5 * time.Second

// AuthContext is the result of a successful admission check.
type AuthContext struct {
	Credential *Credential
	JobID      string
	OrgID      string
	Quota      Quota
}

// Gate combines credential verification, per-credential rate limiting, and
// the subscription/plan check that together admit a trigger request.
type Gate struct {
	creds   CredentialStore
	limiter *FixedWindowLimiter
	subs    SubscriptionChecker
	now     func() time.Time
}

func NewGate(creds CredentialStore, limiter *FixedWindowLimiter, subs SubscriptionChecker) *Gate {
	return &Gate{creds: creds, limiter: limiter, subs: subs, now: time.Now}
}

// Authorize validates the bearer secret against the credentials scoped to
// jobID and enforces rate and subscription limits for orgID. On success the
// usage counters are bumped asynchronously; recording failures never affect
// the admission decision.
func (g *Gate) Authorize(ctx context.Context, secret, jobID, orgID string) (*AuthContext, error) {
	if len(secret) < minCredentialLength {
		return nil, ErrInvalidCredential
	}
	if jobID == "" {
		return nil, ErrUnauthorized
	}

	creds, err := g.creds.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}

	supplied := []byte(HashSecret(secret))
	var matched *Credential
	for i := range creds {
		// Constant-time comparison over every stored hash so timing does not
		// leak which credential matched.
		if subtle.ConstantTimeCompare(supplied, []byte(creds[i].SecretHash)) == 1 && matched == nil {
			matched = &creds[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidCredential
	}

	if !matched.Enabled {
		return nil, ErrCredentialDisabled
	}
	if matched.Expired(g.now()) {
		return nil, ErrCredentialExpired
	}
	if matched.JobID != jobID {
		return nil, ErrUnauthorized
	}

	quota, err := g.limiter.Allow(ctx, matched.ID, matched.Policy())
	if err != nil {
		return nil, err
	}

	if g.subs != nil {
		if err := g.subs.Check(ctx, orgID); err != nil {
			return nil, err
		}
	}

	go g.recordUsage(matched.ID)

	return &AuthContext{Credential: matched, JobID: jobID, OrgID: orgID, Quota: quota}, nil
}

func (g *Gate) recordUsage(credID string) {
	ctx, cancel := context.WithTimeout(context.Background(), usageTimeout)
	defer cancel()
	if err := g.creds.RecordUsage(ctx, credID); err != nil {
		logging.Error("admission", "usage record failed", "credential_id", credID, "error", err)
	}
}
