package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffreysanford/soundforge/internal/auth"
	"github.com/jeffreysanford/soundforge/internal/config"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/stream"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := job.NewStore(rdb)
	jobStream := stream.New(rdb, "jobs:stream", "jobs:stream:dead", "workers", "test")
	require.NoError(t, jobStream.EnsureGroup(context.Background()))
	users := auth.NewUserStore(rdb)
	issuer := auth.NewIssuer("test-secret")

	cfg := config.API{Port: "0", Auth: config.Auth{
		JWTSecret: "test-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour, ServiceTokenTTL: time.Hour,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, jobs, jobStream, users, issuer, cfg, logger)
}

func doJSON(t *testing.T, s *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, s *Server, email string) tokenPair {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/auth/register", registerRequest{Email: email, Password: "hunter22222"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var pair tokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair
}

func TestRegisterLoginSessionRoundTrip(t *testing.T) {
	s := newTestServer(t)
	pair := registerUser(t, s, "alice@example.com")
	assert.NotEmpty(t, pair.AccessToken)

	rec := doJSON(t, s, http.MethodGet, "/auth/session", nil, pair.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	loginRec := doJSON(t, s, http.MethodPost, "/auth/login", loginRequest{Email: "alice@example.com", Password: "hunter22222"}, "")
	assert.Equal(t, http.StatusOK, loginRec.Code)

	badLoginRec := doJSON(t, s, http.MethodPost, "/auth/login", loginRequest{Email: "alice@example.com", Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, badLoginRec.Code)
}

func TestSubmitJobRejectsOverLongNarrative(t *testing.T) {
	s := newTestServer(t)
	pair := registerUser(t, s, "bob@example.com")

	narrative := make([]byte, job.MaxNarrativeBytes+1)
	for i := range narrative {
		narrative[i] = 'a'
	}

	rec := doJSON(t, s, http.MethodPost, "/songs/generate-song", submitRequest{
		Narrative: string(narrative), Duration: 30, Generator: "jen1",
	}, pair.AccessToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobEnqueuesAndIsRetrievableByOwner(t *testing.T) {
	s := newTestServer(t)
	pair := registerUser(t, s, "carol@example.com")

	rec := doJSON(t, s, http.MethodPost, "/songs/generate-song", submitRequest{
		Narrative: "a song about the sea", Duration: 30, Generator: "jen1",
	}, pair.AccessToken)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	jobID := submitResp["jobId"]
	require.NotEmpty(t, jobID)

	getRec := doJSON(t, s, http.MethodGet, "/jobs/"+jobID, nil, pair.AccessToken)
	assert.Equal(t, http.StatusOK, getRec.Code)

	var got job.Job
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	assert.Equal(t, job.StatusQueued, got.Status)
}

func TestGetJobHidesOwnedJobFromOtherUsers(t *testing.T) {
	s := newTestServer(t)
	owner := registerUser(t, s, "owner@example.com")
	other := registerUser(t, s, "other@example.com")

	rec := doJSON(t, s, http.MethodPost, "/songs/generate-song", submitRequest{
		Narrative: "private job", Duration: 30, Generator: "jen1",
	}, owner.AccessToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))

	getRec := doJSON(t, s, http.MethodGet, "/jobs/"+submitResp["jobId"], nil, other.AccessToken)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestCancelJobTransitionsToCancelled(t *testing.T) {
	s := newTestServer(t)
	pair := registerUser(t, s, "dave@example.com")

	rec := doJSON(t, s, http.MethodPost, "/songs/generate-song", submitRequest{
		Narrative: "cancel me", Duration: 30, Generator: "jen1",
	}, pair.AccessToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))

	cancelRec := doJSON(t, s, http.MethodDelete, "/jobs/"+submitResp["jobId"], nil, pair.AccessToken)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	getRec := doJSON(t, s, http.MethodGet, "/jobs/"+submitResp["jobId"], nil, pair.AccessToken)
	var got job.Job
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	assert.Equal(t, job.StatusCancelled, got.Status)
}

func TestReportCompletedIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	pair := registerUser(t, s, "erin@example.com")

	rec := doJSON(t, s, http.MethodPost, "/songs/generate-song", submitRequest{
		Narrative: "report me", Duration: 30, Generator: "jen1",
	}, pair.AccessToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	jobID := submitResp["jobId"]

	// The worker moves the job to processing before it can report completion.
	_, err := s.jobs.PatchStatusProgress(context.Background(), jobID, func(j *job.Job) error {
		j.Status = job.StatusProcessing
		j.Attempts = 1
		return nil
	})
	require.NoError(t, err)

	first := doJSON(t, s, http.MethodPost, "/jobs/report", reportRequest{JobID: jobID, Type: "completed"}, pair.AccessToken)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, s, http.MethodPost, "/jobs/report", reportRequest{JobID: jobID, Type: "failed", Error: "stale duplicate"}, pair.AccessToken)
	assert.Equal(t, http.StatusOK, second.Code)

	getRec := doJSON(t, s, http.MethodGet, "/jobs/"+jobID, nil, pair.AccessToken)
	var got job.Job
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	assert.Equal(t, job.StatusCompleted, got.Status, "a stale failed report must not demote a completed job")
}

func TestAdminQueueRequiresAdminRole(t *testing.T) {
	s := newTestServer(t)
	pair := registerUser(t, s, "frank@example.com")

	rec := doJSON(t, s, http.MethodGet, "/admin/queue", nil, pair.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
