package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffreysanford/soundforge/internal/job"
)

func newTestStream(t *testing.T, consumer string) *Stream {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := New(rdb, "jobs:stream", "jobs:stream:dead", "workers", consumer)
	require.NoError(t, s.EnsureGroup(context.Background()))
	return s
}

func TestEnqueueAndConsumeRoundTrip(t *testing.T) {
	s := newTestStream(t, "consumer-1")
	ctx := context.Background()

	id, err := s.Enqueue(ctx, job.StreamEntry{JobID: "job-1", Narrative: "n", Duration: 30, RequestID: "req-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := s.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-1", entries[0].Fields.JobID)
	assert.Equal(t, "req-1", entries[0].Fields.RequestID)
}

func TestConsumeDeliversOnceUntilAcked(t *testing.T) {
	s := newTestStream(t, "consumer-1")
	ctx := context.Background()

	_, err := s.Enqueue(ctx, job.StreamEntry{JobID: "job-1"})
	require.NoError(t, err)

	first, err := s.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second read for new ("> ") entries by the same consumer must be
	// empty: the entry is pending, not yet delivered as "new" again.
	second, err := s.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, s.Ack(ctx, first[0].ID))
}

func TestClaimStaleReclaimsFromCrashedConsumer(t *testing.T) {
	s1 := newTestStream(t, "consumer-1")
	ctx := context.Background()

	_, err := s1.Enqueue(ctx, job.StreamEntry{JobID: "job-1"})
	require.NoError(t, err)

	delivered, err := s1.Consume(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	// consumer-1 "crashes" without acking. A second consumer on the same
	// group claims it once it has been idle at least minIdle.
	s2 := New(s1.rdb, s1.name, s1.deadName, s1.group, "consumer-2")

	claimed, err := s2.ClaimStale(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "job-1", claimed[0].Fields.JobID)
}

func TestDeadLetterAppendsToDeadStream(t *testing.T) {
	s := newTestStream(t, "consumer-1")
	ctx := context.Background()

	err := s.DeadLetter(ctx, job.DeadLetterEntry{JobID: "job-1", Error: "exhausted retries", Attempts: 3})
	require.NoError(t, err)

	length, err := s.rdb.XLen(ctx, s.deadName).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestDepthReportsStreamAndDeadLetterSizes(t *testing.T) {
	s := newTestStream(t, "consumer-1")
	ctx := context.Background()

	_, err := s.Enqueue(ctx, job.StreamEntry{JobID: "job-1"})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, job.StreamEntry{JobID: "job-2"})
	require.NoError(t, err)
	require.NoError(t, s.DeadLetter(ctx, job.DeadLetterEntry{JobID: "job-3", Error: "boom"}))

	streamLen, _, deadLen, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, streamLen)
	assert.EqualValues(t, 1, deadLen)
}
