package run

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	runMetaKeyPrefix   = "run:meta:"
	runEventsKeyPrefix = "run:events:"
	recentRunsKey      = "run:recent"
	recentRunsKeep     = 1000
)

// Store tracks run records and drives the run state machine. SetStatus and
// Cancel report the status the run held before the call so callers can react
// to the transition itself, such as freeing a queue slot when a run leaves
// queued.
type Store interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	SetStatus(ctx context.Context, id string, status Status, errDetail string) (Status, error)
	Cancel(ctx context.Context, id string) (Status, error)
	ListRecent(ctx context.Context, limit int64) ([]Run, error)
}

// RedisStore implements Store backed by Redis. The client handle is shared
// process-wide and owned by the caller.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Create persists a new run. The run is always created queued.
func (s *RedisStore) Create(ctx context.Context, r *Run) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("run id required")
	}
	if r.JobID == "" {
		return fmt.Errorf("run job id required")
	}
	now := time.Now().Unix()
	r.Status = StatusQueued
	r.CreatedAt = now
	r.UpdatedAt = now

	metaKey := runMetaKey(r.ID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, metaKey, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if existing != "" {
			return fmt.Errorf("run %s already exists", r.ID)
		}

		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, map[string]any{
			"job_id":     r.JobID,
			"project_id": r.ProjectID,
			"org_id":     r.OrgID,
			"status":     string(r.Status),
			"trigger":    string(r.Trigger),
			"location":   r.Location,
			"engine":     r.Engine,
			"source":     r.Source,
			"created_at": r.CreatedAt,
			"updated_at": r.UpdatedAt,
		})
		pipe.ZAdd(ctx, stateIndexKey(r.Status), redis.Z{Score: float64(now), Member: r.ID})
		pipe.ZAdd(ctx, recentRunsKey, redis.Z{Score: float64(now), Member: r.ID})
		pipe.ZRemRangeByRank(ctx, recentRunsKey, 0, -(recentRunsKeep + 1))
		pipe.RPush(ctx, runEventsKey(r.ID), eventEntry(now, r.Status))
		_, err = pipe.Exec(ctx)
		return err
	}, metaKey)
}

// Get returns the stored run or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id required")
	}
	meta, err := s.client.HGetAll(ctx, runMetaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, ErrNotFound
	}
	return runFromMeta(id, meta), nil
}

// GetStatus returns only the run status, or ErrNotFound.
func (s *RedisStore) GetStatus(ctx context.Context, id string) (Status, error) {
	val, err := s.client.HGet(ctx, runMetaKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(val), nil
}

// SetStatus transitions a run, enforcing the state machine, and returns the
// status the run held before the call. Terminal statuses record completed_at;
// entering running records started_at. Transitions out of a terminal status
// return ErrAlreadyTerminal so callers can log and ignore.
func (s *RedisStore) SetStatus(ctx context.Context, id string, status Status, errDetail string) (Status, error) {
	if id == "" {
		return "", fmt.Errorf("run id required")
	}
	if !status.Valid() {
		return "", fmt.Errorf("unknown run status %q", status)
	}

	var result Status
	metaKey := runMetaKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		prevRaw, err := tx.HGet(ctx, metaKey, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev := Status(prevRaw)
		result = prev
		if prev.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrAlreadyTerminal, prev, status)
		}
		if !transitionAllowed(prev, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, status)
		}

		now := time.Now().Unix()
		fields := map[string]any{
			"status":     string(status),
			"updated_at": now,
		}
		if errDetail != "" {
			fields["error"] = errDetail
		}
		if status == StatusRunning {
			started, _ := tx.HGet(ctx, metaKey, "started_at").Int64()
			if started == 0 {
				fields["started_at"] = now
			}
		}
		if status.Terminal() {
			fields["completed_at"] = now
		}

		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, fields)
		if prev != status {
			pipe.ZRem(ctx, stateIndexKey(prev), id)
			pipe.ZAdd(ctx, stateIndexKey(status), redis.Z{Score: float64(now), Member: id})
		}
		pipe.ZAdd(ctx, recentRunsKey, redis.Z{Score: float64(now), Member: id})
		pipe.ZRemRangeByRank(ctx, recentRunsKey, 0, -(recentRunsKeep + 1))
		pipe.RPush(ctx, runEventsKey(id), eventEntry(now, status))
		_, err = pipe.Exec(ctx)
		return err
	}, metaKey)
	return result, err
}

// Cancel atomically cancels a run unless it is already terminal and returns
// the status the run held before the call. For already-terminal runs the
// stored status comes back alongside ErrAlreadyTerminal.
func (s *RedisStore) Cancel(ctx context.Context, id string) (Status, error) {
	if id == "" {
		return "", fmt.Errorf("run id required")
	}
	metaKey := runMetaKey(id)

	var result Status
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		prevRaw, err := tx.HGet(ctx, metaKey, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev := Status(prevRaw)
		result = prev
		if prev.Terminal() {
			return ErrAlreadyTerminal
		}

		now := time.Now().Unix()
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, map[string]any{
			"status":       string(StatusCancelled),
			"completed_at": now,
			"updated_at":   now,
		})
		pipe.ZRem(ctx, stateIndexKey(prev), id)
		pipe.ZAdd(ctx, stateIndexKey(StatusCancelled), redis.Z{Score: float64(now), Member: id})
		pipe.ZAdd(ctx, recentRunsKey, redis.Z{Score: float64(now), Member: id})
		pipe.RPush(ctx, runEventsKey(id), eventEntry(now, StatusCancelled))
		_, err = pipe.Exec(ctx)
		return err
	}, metaKey)
	return result, err
}

// ListRecent returns the N most recently updated runs.
func (s *RedisStore) ListRecent(ctx context.Context, limit int64) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := s.client.ZRevRangeWithScores(ctx, recentRunsKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	// Batch fetch metadata to avoid N+1 round trips.
	pipe := s.client.Pipeline()
	metaCmds := make(map[string]*redis.MapStringStringCmd, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok || id == "" {
			continue
		}
		metaCmds[id] = pipe.HGetAll(ctx, runMetaKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Run, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok || id == "" {
			continue
		}
		meta, _ := metaCmds[id].Result()
		if len(meta) == 0 {
			continue
		}
		out = append(out, *runFromMeta(id, meta))
	}
	return out, nil
}

// Events returns the recorded status history for a run.
func (s *RedisStore) Events(ctx context.Context, id string) ([]Event, error) {
	entries, err := s.client.LRange(ctx, runEventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(entries))
	for _, raw := range entries {
		at, status, ok := parseEventEntry(raw)
		if !ok {
			continue
		}
		out = append(out, Event{RunID: id, Status: status, At: at})
	}
	return out, nil
}

func runFromMeta(id string, meta map[string]string) *Run {
	parse := func(field string) int64 {
		v, _ := strconv.ParseInt(meta[field], 10, 64)
		return v
	}
	return &Run{
		ID:          id,
		JobID:       meta["job_id"],
		ProjectID:   meta["project_id"],
		OrgID:       meta["org_id"],
		Status:      Status(meta["status"]),
		Trigger:     Trigger(meta["trigger"]),
		Location:    meta["location"],
		Engine:      meta["engine"],
		Source:      meta["source"],
		CreatedAt:   parse("created_at"),
		StartedAt:   parse("started_at"),
		CompletedAt: parse("completed_at"),
		UpdatedAt:   parse("updated_at"),
		Error:       meta["error"],
	}
}

func eventEntry(at int64, status Status) string {
	return fmt.Sprintf("%d|%s", at, status)
}

func parseEventEntry(raw string) (int64, Status, bool) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	at, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return at, Status(parts[1]), true
}

func runMetaKey(id string) string {
	return runMetaKeyPrefix + id
}

func runEventsKey(id string) string {
	return runEventsKeyPrefix + id
}

func stateIndexKey(status Status) string {
	return "run:index:" + string(status)
}
