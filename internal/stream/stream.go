// Package stream implements the Job Stream (spec.md §4.3/§6): an ordered,
// persistent, consumer-group-acknowledged log on key jobs:stream, with a
// companion jobs:stream:dead stream for terminal failures. The teacher only
// ever used plain Redis GET/SET; this generalizes to the Streams API the
// go-redis/v8 client it already depends on fully supports.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jeffreysanford/soundforge/internal/apperr"
	"github.com/jeffreysanford/soundforge/internal/job"
)

// Stream wraps a Redis client scoped to one main stream + its dead stream.
type Stream struct {
	rdb        *redis.Client
	name       string
	deadName   string
	group      string
	consumer   string
}

// New constructs a Stream. group/consumer identify this process within the
// consumer group per spec.md §6 (JOBS_GROUP/JOBS_CONSUMER).
func New(rdb *redis.Client, name, deadName, group, consumer string) *Stream {
	return &Stream{rdb: rdb, name: name, deadName: deadName, group: group, consumer: consumer}
}

// EnsureGroup creates the consumer group at the start of the stream if it
// does not already exist. Safe to call on every process start.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, s.group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists — not an error.
		if isBusyGroup(err) {
			return nil
		}
		return apperr.Storage(err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Enqueue appends one entry to the main stream and returns its broker id.
func (s *Stream) Enqueue(ctx context.Context, e job.StreamEntry) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		Values: toValues(e),
	}).Result()
	if err != nil {
		return "", apperr.Storage(err)
	}
	return id, nil
}

// Entry is one delivered stream message.
type Entry struct {
	ID     string
	Fields job.StreamEntry
}

// Consume blocks (up to block) reading up to count new entries for this
// consumer. Returns (nil, nil) on timeout with no entries — callers should
// loop. Use block=0 to block indefinitely (not recommended outside tests).
func (s *Stream) Consume(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, apperr.TransientUpstream("stream read failed: %v", err)
	}
	return flatten(res), nil
}

// ClaimStale reclaims entries pending longer than minIdle, for recovery
// from a crashed consumer (spec.md §4.3's claim-threshold).
func (s *Stream) ClaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.name,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, apperr.TransientUpstream("xpending failed: %v", err)
	}

	var staleIDs []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}

	msgs, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.name,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		return nil, apperr.TransientUpstream("xclaim failed: %v", err)
	}
	return toEntries(msgs), nil
}

// Ack acknowledges entries so they are removed from the pending list.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.name, s.group, ids...).Err(); err != nil {
		return apperr.Storage(err)
	}
	return nil
}

// DeadLetter appends an entry to the dead stream. No consumer group is
// needed — operators tail it directly.
func (s *Stream) DeadLetter(ctx context.Context, e job.DeadLetterEntry) error {
	values := map[string]interface{}{
		"jobId":     e.JobID,
		"error":     e.Error,
		"attempts":  e.Attempts,
		"narrative": e.Narrative,
		"duration":  e.Duration,
		"generator": e.Generator,
		"requestId": e.RequestID,
	}
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: s.deadName, Values: values}).Err(); err != nil {
		return apperr.Storage(err)
	}
	return nil
}

// Depth reports the main stream length, its consumer group's pending count,
// and the dead-letter stream length — the introspection surface behind
// GET /admin/queue, generalizing the teacher's GetWorkerActivity RPC without
// the dropped gRPC control plane (see DESIGN.md).
func (s *Stream) Depth(ctx context.Context) (streamLen, pending, deadLen int64, err error) {
	streamLen, err = s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, 0, 0, apperr.Storage(err)
	}

	summary, err := s.rdb.XPending(ctx, s.name, s.group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, 0, apperr.Storage(err)
	}
	if summary != nil {
		pending = summary.Count
	}

	deadLen, err = s.rdb.XLen(ctx, s.deadName).Result()
	if err != nil {
		return 0, 0, 0, apperr.Storage(err)
	}
	return streamLen, pending, deadLen, nil
}

func toValues(e job.StreamEntry) map[string]interface{} {
	opts := ""
	if len(e.Options) > 0 {
		opts = string(e.Options)
	}
	return map[string]interface{}{
		"jobId":      e.JobID,
		"narrative":  e.Narrative,
		"duration":   e.Duration,
		"model":      e.Model,
		"options":    opts,
		"requestId":  e.RequestID,
		"retryCount": e.RetryCount,
	}
}

func flatten(res []redis.XStream) []Entry {
	var out []Entry
	for _, stream := range res {
		out = append(out, toEntries(stream.Messages)...)
	}
	return out
}

func toEntries(msgs []redis.XMessage) []Entry {
	var out []Entry
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Fields: fieldsFromValues(m.Values)})
	}
	return out
}

func fieldsFromValues(v map[string]interface{}) job.StreamEntry {
	e := job.StreamEntry{}
	if s, ok := v["jobId"].(string); ok {
		e.JobID = s
	}
	if s, ok := v["narrative"].(string); ok {
		e.Narrative = s
	}
	if s, ok := v["duration"].(string); ok {
		var d int
		_ = json.Unmarshal([]byte(s), &d)
		e.Duration = d
	}
	if s, ok := v["model"].(string); ok {
		e.Model = s
	}
	if s, ok := v["options"].(string); ok && s != "" {
		e.Options = []byte(s)
	}
	if s, ok := v["requestId"].(string); ok {
		e.RequestID = s
	}
	if s, ok := v["retryCount"].(string); ok {
		var r int
		_ = json.Unmarshal([]byte(s), &r)
		e.RetryCount = r
	}
	return e
}
