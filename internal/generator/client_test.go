package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffreysanford/soundforge/internal/apperr"
)

func TestDispatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-123", r.Header.Get("X-Request-Id"))
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{Title: "a song", ArtifactExt: "wav"})
	}))
	defer srv.Close()

	c := New(map[string]string{"jen1": srv.URL}, "svc-token", time.Second)
	res, err := c.Dispatch(context.Background(), "jen1", "req-123", Request{Narrative: "n", Duration: 30})
	require.NoError(t, err)
	assert.Equal(t, "a song", res.Title)
}

func TestDispatchUnknownGeneratorIsPermanent(t *testing.T) {
	c := New(map[string]string{"jen1": "http://example.invalid"}, "", time.Second)
	_, err := c.Dispatch(context.Background(), "missing-generator", "req-1", Request{})
	assert.True(t, apperr.Is(err, apperr.ErrPermanentUpstream))
}

func TestDispatchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(map[string]string{"jen1": srv.URL}, "", time.Second)
	_, err := c.Dispatch(context.Background(), "jen1", "req-1", Request{})
	assert.True(t, apperr.Is(err, apperr.ErrTransientUpstream))
}

func TestDispatchValidationErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "narrative too short"})
	}))
	defer srv.Close()

	c := New(map[string]string{"jen1": srv.URL}, "", time.Second)
	_, err := c.Dispatch(context.Background(), "jen1", "req-1", Request{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrPermanentUpstream))
	assert.Contains(t, err.Error(), "narrative too short")
}

func TestDispatchRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(map[string]string{"jen1": srv.URL}, "", time.Second)
	_, err := c.Dispatch(context.Background(), "jen1", "req-1", Request{})
	assert.True(t, apperr.Is(err, apperr.ErrTransientUpstream))
}
