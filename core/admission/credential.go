package admission

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runbeam/runbeam/core/infra/logging"
)

const (
	credMetaKeyPrefix = "apikey:meta:"
	credJobKeyPrefix  = "apikey:job:"

	// secretPrefixLen is how much of the plaintext is kept for display.
	secretPrefixLen = 8
)

// RateLimitPolicy is the per-credential request budget.
type RateLimitPolicy struct {
	Enabled bool
	Window  time.Duration
	Max     int
}

// DefaultRateLimitPolicy applies when a credential has no stored policy.
var DefaultRateLimitPolicy = RateLimitPolicy{Enabled: true, Window: time.Minute, Max: 60}

// Credential authorizes remote triggering of exactly one job. Only the
// sha256 hash of the secret and a short prefix are persisted.
type Credential struct {
	ID           string
	Name         string
	Prefix       string
	SecretHash   string
	JobID        string
	Enabled      bool
	ExpiresAt    int64
	LastUsedAt   int64
	RequestCount int64
	RateLimit    RateLimitPolicy
}

// Expired reports whether the credential is past its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() > c.ExpiresAt
}

// Policy returns the stored rate-limit policy. A fully unset policy falls
// back to the default; an explicitly disabled one is honored as-is.
func (c *Credential) Policy() RateLimitPolicy {
	p := c.RateLimit
	if !p.Enabled && p.Window == 0 && p.Max == 0 {
		return DefaultRateLimitPolicy
	}
	if p.Enabled && (p.Window <= 0 || p.Max <= 0) {
		return DefaultRateLimitPolicy
	}
	return p
}

// HashSecret returns the hex sha256 digest persisted for a plaintext secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CredentialStore persists credentials and usage counters.
type CredentialStore interface {
	ListByJob(ctx context.Context, jobID string) ([]Credential, error)
	RecordUsage(ctx context.Context, credID string) error
}

// RedisCredentialStore implements CredentialStore backed by Redis.
type RedisCredentialStore struct {
	client *redis.Client
}

func NewRedisCredentialStore(client *redis.Client) *RedisCredentialStore {
	return &RedisCredentialStore{client: client}
}

// Put persists a credential record. Credential CRUD is an administrative
// concern; this store only needs it for seeding and tests.
func (s *RedisCredentialStore) Put(ctx context.Context, c *Credential) error {
	if c == nil || c.ID == "" || c.JobID == "" {
		return fmt.Errorf("credential id and job id required")
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, credMetaKey(c.ID), map[string]any{
		"name":           c.Name,
		"prefix":         c.Prefix,
		"secret_hash":    c.SecretHash,
		"job_id":         c.JobID,
		"enabled":        strconv.FormatBool(c.Enabled),
		"expires_at":     c.ExpiresAt,
		"last_used_at":   c.LastUsedAt,
		"request_count":  c.RequestCount,
		"rl_enabled":     strconv.FormatBool(c.RateLimit.Enabled),
		"rl_window_secs": int64(c.RateLimit.Window / time.Second),
		"rl_max":         c.RateLimit.Max,
	})
	pipe.SAdd(ctx, credJobKey(c.JobID), c.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListByJob returns every credential scoped to the job.
func (s *RedisCredentialStore) ListByJob(ctx context.Context, jobID string) ([]Credential, error) {
	ids, err := s.client.SMembers(ctx, credJobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGetAll(ctx, credMetaKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Credential, 0, len(ids))
	for _, id := range ids {
		meta, _ := cmds[id].Result()
		if len(meta) == 0 {
			continue
		}
		out = append(out, credentialFromMeta(id, meta))
	}
	return out, nil
}

// RecordUsage bumps last-used and the cumulative request counter.
func (s *RedisCredentialStore) RecordUsage(ctx context.Context, credID string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, credMetaKey(credID), "last_used_at", time.Now().Unix())
	pipe.HIncrBy(ctx, credMetaKey(credID), "request_count", 1)
	_, err := pipe.Exec(ctx)
	return err
}

// Mint creates and persists a new enabled credential for a job, returning the
// record and the plaintext secret. The plaintext is never stored and never
// surfaced again.
func (s *RedisCredentialStore) Mint(ctx context.Context, jobID, name string, expiresAt int64, policy RateLimitPolicy) (*Credential, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := "rbk_" + hex.EncodeToString(raw)

	c := &Credential{
		ID:         newCredentialID(),
		Name:       name,
		Prefix:     secret[:secretPrefixLen],
		SecretHash: HashSecret(secret),
		JobID:      jobID,
		Enabled:    true,
		ExpiresAt:  expiresAt,
		RateLimit:  policy,
	}
	if err := s.Put(ctx, c); err != nil {
		return nil, "", err
	}
	logging.Info("admission", "credential minted", "credential_id", c.ID, "job_id", jobID)
	return c, secret, nil
}

func newCredentialID() string {
	raw := make([]byte, 8)
	_, _ = rand.Read(raw)
	return "key_" + hex.EncodeToString(raw)
}

func credentialFromMeta(id string, meta map[string]string) Credential {
	parseInt := func(field string) int64 {
		v, _ := strconv.ParseInt(meta[field], 10, 64)
		return v
	}
	windowSecs := parseInt("rl_window_secs")
	return Credential{
		ID:           id,
		Name:         meta["name"],
		Prefix:       meta["prefix"],
		SecretHash:   meta["secret_hash"],
		JobID:        meta["job_id"],
		Enabled:      meta["enabled"] == "true",
		ExpiresAt:    parseInt("expires_at"),
		LastUsedAt:   parseInt("last_used_at"),
		RequestCount: parseInt("request_count"),
		RateLimit: RateLimitPolicy{
			Enabled: meta["rl_enabled"] == "true",
			Window:  time.Duration(windowSecs) * time.Second,
			Max:     int(parseInt("rl_max")),
		},
	}
}

func credMetaKey(id string) string {
	return credMetaKeyPrefix + id
}

func credJobKey(jobID string) string {
	return credJobKeyPrefix + jobID
}
