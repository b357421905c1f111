package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffreysanford/soundforge/internal/config"
	"github.com/jeffreysanford/soundforge/internal/generator"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/stream"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testHarness struct {
	jobs   *job.Store
	stream *stream.Stream
	pool   *Pool
}

func newHarness(t *testing.T, genURL string, maxRetries int) *testHarness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := job.NewStore(rdb)
	jobStream := stream.New(rdb, "jobs:stream", "jobs:stream:dead", "workers", "test-consumer")
	require.NoError(t, jobStream.EnsureGroup(context.Background()))

	reportSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(reportSrv.Close)

	genClient := generator.New(map[string]string{"jen1": genURL}, "", 2*time.Second)

	cfg := config.Worker{
		Concurrency:      1,
		MaxRetries:       maxRetries,
		ClaimThreshold:   time.Hour, // keep the reaper out of these tests' way
		GeneratorTimeout: 2 * time.Second,
		ReportURL:        reportSrv.URL,
	}

	pool := New(jobs, jobStream, genClient, nil, cfg, noopLogger())

	return &testHarness{jobs: jobs, stream: jobStream, pool: pool}
}

func waitForTerminal(t *testing.T, jobs *job.Store, jobID string, timeout time.Duration) *job.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := jobs.Get(context.Background(), jobID)
		require.NoError(t, err)
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", jobID, timeout)
	return nil
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generator.Result{Title: "done"})
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 3)
	ctx := context.Background()

	_, err := h.jobs.Create(ctx, &job.Job{ID: "retry-job", Narrative: "n", Duration: 30, Generator: "jen1"})
	require.NoError(t, err)
	_, err = h.stream.Enqueue(ctx, job.StreamEntry{JobID: "retry-job"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	h.pool.Start(runCtx)
	defer cancel()

	final := waitForTerminal(t, h.jobs, "retry-job", 8*time.Second)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	_, _, deadLen, err := h.stream.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, deadLen)
}

func TestDispatchExhaustsRetriesToDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 3)
	ctx := context.Background()

	_, err := h.jobs.Create(ctx, &job.Job{ID: "doomed-job", Narrative: "n", Duration: 30, Generator: "jen1"})
	require.NoError(t, err)
	_, err = h.stream.Enqueue(ctx, job.StreamEntry{JobID: "doomed-job"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	h.pool.Start(runCtx)
	defer cancel()

	final := waitForTerminal(t, h.jobs, "doomed-job", 15*time.Second)
	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.NotEmpty(t, final.Error)

	_, _, deadLen, err := h.stream.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deadLen)
}

func TestDispatchTreatsPermanentGeneratorErrorAsImmediateFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "narrative rejected"})
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 3)
	ctx := context.Background()

	_, err := h.jobs.Create(ctx, &job.Job{ID: "invalid-job", Narrative: "n", Duration: 30, Generator: "jen1"})
	require.NoError(t, err)
	_, err = h.stream.Enqueue(ctx, job.StreamEntry{JobID: "invalid-job"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	h.pool.Start(runCtx)
	defer cancel()

	final := waitForTerminal(t, h.jobs, "invalid-job", 5*time.Second)
	assert.Equal(t, job.StatusFailed, final.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "a permanent upstream error must not be retried")
}

func TestDispatchDropsOrphanStreamEntry(t *testing.T) {
	var genCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&genCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 3)
	ctx := context.Background()

	// No job.Create call: the stream entry references a jobId with no Job
	// record (orphan message policy, spec.md §4.4 step 1).
	_, err := h.stream.Enqueue(ctx, job.StreamEntry{JobID: "never-created"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	h.pool.Start(runCtx)
	defer cancel()

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, h.pool.Shutdown(context.Background()))

	_, err = h.jobs.Get(ctx, "never-created")
	assert.Error(t, err)
	assert.EqualValues(t, 0, atomic.LoadInt32(&genCalls), "an orphan entry must never reach the generator")
}
