package job

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jeffreysanford/soundforge/internal/apperr"
)

// Store is the Job Store (spec.md §4.2): a keyed document store mapping
// jobId -> Job, generalized from the teacher's whole-JSON-blob
// saveJobToRedis/loadJobFromRedis into a per-field Redis hash so that
// PatchStatusProgress/PatchTerminal can CAS on the current status without
// a read-modify-write race.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(id string) string {
	return "job:" + id
}

func userIndexKey(userID string) string {
	return "jobs:by-user:" + userID
}

// Create persists a new Job with status=queued, attempts=0. Idempotent on
// id conflict per I5: if the key already exists, returns the existing Job
// and no error rather than overwriting it.
func (s *Store) Create(ctx context.Context, j *Job) (*Job, error) {
	j.Status = StatusQueued
	j.Attempts = 0
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	fields, err := toHash(j)
	if err != nil {
		return nil, apperr.Storage(err)
	}

	k := key(j.ID)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			return errAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, fields)
			if j.UserID != "" {
				pipe.SAdd(ctx, userIndexKey(j.UserID), j.ID)
			}
			return nil
		})
		return err
	}

	err = s.rdb.Watch(ctx, txf, k)
	if errors.Is(err, errAlreadyExists) {
		existing, getErr := s.Get(ctx, j.ID)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return j, nil
}

var errAlreadyExists = errors.New("job already exists")

// Get returns the Job projection for id, or apperr.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	res, err := s.rdb.HGetAll(ctx, key(id)).Result()
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if len(res) == 0 {
		return nil, apperr.NotFound("job %s", id)
	}
	return fromHash(res)
}

// ListFilter restricts List to a user and/or status.
type ListFilter struct {
	UserID string
	Status Status
}

// List returns jobs matching filter. When UserID is set this uses the
// jobs:by-user index instead of a Redis KEYS scan — the teacher's
// handleListJobs scans with `KEYS job:*`, which is a known anti-pattern on
// a live Redis and is not repeated here.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var ids []string
	var err error
	if filter.UserID != "" {
		ids, err = s.rdb.SMembers(ctx, userIndexKey(filter.UserID)).Result()
	} else {
		ids, err = s.scanAllIDs(ctx)
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			if apperr.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) scanAllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "job:*", 200).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			ids = append(ids, k[len("job:"):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// PatchStatusProgress performs the worker-owned intermediate mutation
// (spec.md §4.4 step 3) under the same CAS as PatchTerminal. mutate sets the
// fields itself: the worker moves the job to StatusProcessing and sets
// attempts and startedAt; Report(progress) changes only the progress field,
// with no status change.
func (s *Store) PatchStatusProgress(ctx context.Context, id string, mutate func(j *Job) error) (*Job, error) {
	return s.cas(ctx, id, mutate)
}

// PatchTerminal performs the API/worker-owned terminal mutation (completed,
// failed, cancelled). Idempotent: if the job is already terminal, mutate is
// still invoked so callers can detect no-op via the returned Job's status,
// but the CAS check rejects any actual state change away from a terminal
// status (L2 — replaying Report(completed) is a no-op).
func (s *Store) PatchTerminal(ctx context.Context, id string, mutate func(j *Job) error) (*Job, error) {
	return s.cas(ctx, id, mutate)
}

// cas is the shared optimistic-transaction core: read current Job inside a
// WATCH, let mutate decide the new desired state, verify the transition
// against the I1 DAG (no-op instead of error when the job is already
// terminal and mutate asks for any other status — L2/P6 idempotence), and
// commit atomically.
func (s *Store) cas(ctx context.Context, id string, mutate func(j *Job) error) (*Job, error) {
	k := key(id)
	var result *Job

	txf := func(tx *redis.Tx) error {
		res, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		if len(res) == 0 {
			return apperr.NotFound("job %s", id)
		}
		current, err := fromHash(res)
		if err != nil {
			return err
		}
		before := current.Status

		if err := mutate(current); err != nil {
			return err
		}

		if current.Status != before {
			if before.Terminal() {
				// L2/P6: replaying a terminal report is a no-op, not an error.
				current.Status = before
				result = current
				return nil
			}
			if !CanTransition(before, current.Status) {
				return apperr.IllegalTransition(string(before), string(current.Status))
			}
		}

		fields, err := toHash(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, fields)
			return nil
		})
		if err != nil {
			return err
		}
		result = current
		return nil
	}

	err := s.rdb.Watch(ctx, txf, k)
	if err != nil {
		if apperr.Is(err, apperr.ErrNotFound) || apperr.Is(err, apperr.ErrIllegalTransition) || apperr.Is(err, apperr.ErrValidation) {
			return nil, err
		}
		return nil, apperr.Storage(err)
	}
	return result, nil
}

func toHash(j *Job) (map[string]interface{}, error) {
	opts := ""
	if len(j.Options) > 0 {
		opts = string(j.Options)
	}
	result := ""
	if len(j.Result) > 0 {
		result = string(j.Result)
	}
	var startedAt, completedAt string
	if j.StartedAt != nil {
		startedAt = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		completedAt = j.CompletedAt.Format(time.RFC3339Nano)
	}
	var progress string
	if j.Progress != nil {
		b, err := json.Marshal(j.Progress)
		if err != nil {
			return nil, err
		}
		progress = string(b)
	}

	return map[string]interface{}{
		"id":          j.ID,
		"userId":      j.UserID,
		"narrative":   j.Narrative,
		"duration":    strconv.Itoa(j.Duration),
		"generator":   j.Generator,
		"model":       j.Model,
		"options":     opts,
		"status":      string(j.Status),
		"attempts":    strconv.Itoa(j.Attempts),
		"createdAt":   j.CreatedAt.Format(time.RFC3339Nano),
		"startedAt":   startedAt,
		"completedAt": completedAt,
		"artifactUrl": j.ArtifactURL,
		"result":      result,
		"progress":    progress,
		"error":       j.Error,
		"requestId":   j.RequestID,
	}, nil
}

func fromHash(h map[string]string) (*Job, error) {
	j := &Job{
		ID:          h["id"],
		UserID:      h["userId"],
		Narrative:   h["narrative"],
		Generator:   h["generator"],
		Model:       h["model"],
		Status:      Status(h["status"]),
		ArtifactURL: h["artifactUrl"],
		Error:       h["error"],
		RequestID:   h["requestId"],
	}
	if h["options"] != "" {
		j.Options = []byte(h["options"])
	}
	if h["result"] != "" {
		j.Result = []byte(h["result"])
	}
	if d, err := strconv.Atoi(h["duration"]); err == nil {
		j.Duration = d
	}
	if a, err := strconv.Atoi(h["attempts"]); err == nil {
		j.Attempts = a
	}
	if h["createdAt"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, h["createdAt"]); err == nil {
			j.CreatedAt = t
		}
	}
	if h["startedAt"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, h["startedAt"]); err == nil {
			j.StartedAt = &t
		}
	}
	if h["completedAt"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, h["completedAt"]); err == nil {
			j.CompletedAt = &t
		}
	}
	if h["progress"] != "" {
		var p Progress
		if err := json.Unmarshal([]byte(h["progress"]), &p); err == nil {
			j.Progress = &p
		}
	}
	return j, nil
}
