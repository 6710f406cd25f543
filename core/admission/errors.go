package admission

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredential indicates no credential matched the supplied secret.
	ErrInvalidCredential = errors.New("invalid_credential")
	// ErrCredentialDisabled indicates the matched credential is disabled.
	ErrCredentialDisabled = errors.New("credential_disabled")
	// ErrCredentialExpired indicates the matched credential is past its expiry.
	ErrCredentialExpired = errors.New("credential_expired")
	// ErrUnauthorized indicates the credential is not scoped to the target job.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSubscriptionRequired indicates the owning org has no valid billing state.
	ErrSubscriptionRequired = errors.New("subscription_required")
)

// RateLimitError carries retry metadata for a rejected request.
type RateLimitError struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}
