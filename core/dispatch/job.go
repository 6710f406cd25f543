package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const jobMetaKeyPrefix = "job:meta:"

// ErrJobNotFound indicates the target job does not exist.
var ErrJobNotFound = errors.New("job not found")

// Job is a named collection of test scripts with a trigger configuration.
// Job CRUD is an administrative surface; this core only reads jobs and seeds
// them for tests and ops tooling.
type Job struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	OrgID     string   `json:"org_id"`
	ProjectID string   `json:"project_id"`
	Engine    Engine   `json:"engine"`
	Location  string   `json:"location,omitempty"`
	TestIDs   []string `json:"test_ids"`
}

// JobStore reads job records.
type JobStore interface {
	Get(ctx context.Context, id string) (*Job, error)
}

// RedisJobStore implements JobStore backed by Redis.
type RedisJobStore struct {
	client *redis.Client
}

func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job id required")
	}
	meta, err := s.client.HGetAll(ctx, jobMetaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:        id,
		Name:      meta["name"],
		OrgID:     meta["org_id"],
		ProjectID: meta["project_id"],
		Engine:    Engine(meta["engine"]),
		Location:  meta["location"],
	}
	if raw := meta["test_ids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.TestIDs); err != nil {
			return nil, fmt.Errorf("decode job test ids: %w", err)
		}
	}
	return job, nil
}

// Put persists a job record for seeding and tests.
func (s *RedisJobStore) Put(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id required")
	}
	testIDs, err := json.Marshal(job.TestIDs)
	if err != nil {
		return fmt.Errorf("encode job test ids: %w", err)
	}
	return s.client.HSet(ctx, jobMetaKey(job.ID), map[string]any{
		"name":       job.Name,
		"org_id":     job.OrgID,
		"project_id": job.ProjectID,
		"engine":     string(job.Engine),
		"location":   job.Location,
		"test_ids":   string(testIDs),
	}).Err()
}

func jobMetaKey(id string) string {
	return jobMetaKeyPrefix + id
}
