package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jeffreysanford/soundforge/internal/apperr"
	"github.com/jeffreysanford/soundforge/internal/auth"
	"github.com/jeffreysanford/soundforge/internal/correlation"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/metrics"
	"github.com/jeffreysanford/soundforge/internal/notify"
)

type submitRequest struct {
	Narrative string          `json:"narrative" binding:"required"`
	Duration  int             `json:"duration" binding:"required"`
	Generator string          `json:"generator" binding:"required"`
	Model     string          `json:"model"`
	Async     bool            `json:"async"`
	Options   json.RawMessage `json:"options"`
}

// handleSubmitJob implements spec.md §4.1 Submit.
func (s *Server) handleSubmitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateSubmit(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requestID := correlation.FromGin(c)
	userID := ""
	if claims := auth.ClaimsFrom(c); claims != nil {
		userID = claims.Subject
	}

	jobID := uuid.New().String()
	j := &job.Job{
		ID:        jobID,
		UserID:    userID,
		Narrative: req.Narrative,
		Duration:  req.Duration,
		Generator: req.Generator,
		Model:     req.Model,
		Options:   req.Options,
		RequestID: requestID,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	created, err := s.jobs.Create(ctx, j)
	if err != nil {
		s.logger.Error("job create failed", "requestId", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	// Ordering per spec.md §4.1: persistence before enqueue. If enqueue
	// fails, the job is marked failed so status queries reflect reality
	// rather than leaving it silently stuck at queued.
	_, err = s.stream.Enqueue(ctx, job.StreamEntry{
		JobID:     created.ID,
		Narrative: created.Narrative,
		Duration:  created.Duration,
		Model:     created.Model,
		Options:   created.Options,
		RequestID: created.RequestID,
	})
	if err != nil {
		s.logger.Error("enqueue failed", "requestId", requestID, "jobId", created.ID, "error", err)
		_, _ = s.jobs.PatchTerminal(ctx, created.ID, func(j *job.Job) error {
			j.Status = "failed"
			now := timeNow()
			j.CompletedAt = &now
			j.Error = "enqueue-failed"
			return nil
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	metrics.JobsSubmitted.Inc()
	c.JSON(http.StatusAccepted, gin.H{"jobId": created.ID, "requestId": created.RequestID})
}

func validateSubmit(req submitRequest) error {
	if len(req.Narrative) > job.MaxNarrativeBytes {
		return apperr.Validation("narrative exceeds %d bytes", job.MaxNarrativeBytes)
	}
	if req.Duration < job.MinDurationSeconds || req.Duration > job.MaxDurationSeconds {
		return apperr.Validation("duration must be between %d and %d seconds", job.MinDurationSeconds, job.MaxDurationSeconds)
	}
	if len(req.Options) > job.MaxOptionsBytes {
		return apperr.Validation("options exceed %d bytes", job.MaxOptionsBytes)
	}
	return nil
}

// handleGetJob implements spec.md §4.1 GetJob.
func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch job"})
		return
	}

	if j.UserID != "" {
		claims := auth.ClaimsFrom(c)
		if claims == nil || (claims.Subject != j.UserID && claims.Role != auth.RoleAdmin) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
	}

	c.JSON(http.StatusOK, j)
}

func (s *Server) handleListJobs(c *gin.Context) {
	claims := auth.ClaimsFrom(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	filter := job.ListFilter{Status: job.Status(c.Query("status"))}
	if claims.Role != auth.RoleAdmin {
		filter.UserID = claims.Subject
	} else if u := c.Query("userId"); u != "" {
		filter.UserID = u
	}

	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

// handleCancelJob implements the optional Cancellation transition
// (spec.md §4.4 "Cancellation").
func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	claims := auth.ClaimsFrom(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	current, err := s.jobs.Get(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch job"})
		return
	}
	if current.UserID != "" && claims.Subject != current.UserID && claims.Role != auth.RoleAdmin {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	updated, err := s.jobs.PatchTerminal(ctx, id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return apperr.IllegalTransition(string(j.Status), string(job.StatusCancelled))
		}
		j.Status = "cancelled"
		now := timeNow()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.ErrIllegalTransition) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot cancel job in terminal state", "status": current.Status})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}

	s.publishEvent(ctx, updated, "job:status")
	c.JSON(http.StatusOK, gin.H{"success": true, "jobId": id, "status": updated.Status})
}

type reportRequest struct {
	JobID       string          `json:"jobId" binding:"required"`
	Type        string          `json:"type" binding:"required,oneof=progress completed failed"`
	Progress    *job.Progress   `json:"progress,omitempty"`
	ArtifactURL string          `json:"artifactUrl,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// handleReport implements spec.md §4.1 Report: privileged, idempotent with
// respect to jobId for completed/failed, and always triggers exactly one
// Gateway push for accepted calls.
func (s *Server) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	var updated *job.Job
	var err error

	switch req.Type {
	case "progress":
		updated, err = s.jobs.PatchStatusProgress(ctx, req.JobID, func(j *job.Job) error {
			j.Progress = req.Progress
			return nil
		})
	case "completed":
		updated, err = s.jobs.PatchTerminal(ctx, req.JobID, func(j *job.Job) error {
			if j.Status.Terminal() {
				return nil // L2/P6: idempotent no-op
			}
			j.Status = "completed"
			now := timeNow()
			j.CompletedAt = &now
			j.ArtifactURL = req.ArtifactURL
			j.Result = req.Result
			return nil
		})
	case "failed":
		updated, err = s.jobs.PatchTerminal(ctx, req.JobID, func(j *job.Job) error {
			if j.Status.Terminal() {
				return nil
			}
			j.Status = "failed"
			now := timeNow()
			j.CompletedAt = &now
			j.Error = req.Error
			return nil
		})
	}

	if err != nil {
		if apperr.Is(err, apperr.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if apperr.Is(err, apperr.ErrIllegalTransition) {
			// Internal only — never the sole cause of a visible 5xx.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}

	metrics.ReportsReceived.WithLabelValues(req.Type).Inc()

	eventType := "job:progress"
	switch req.Type {
	case "completed":
		eventType = "job:completed"
	case "failed":
		eventType = "job:failed"
	}
	s.publishEvent(ctx, updated, eventType)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) publishEvent(ctx context.Context, j *job.Job, eventType string) {
	body, err := json.Marshal(j)
	if err != nil {
		return
	}
	_ = notify.Publish(ctx, s.rdb, "jobs:events", notify.Envelope{
		JobID:     j.ID,
		OwnerUser: j.UserID,
		Type:      eventType,
		Job:       body,
	})
}

// handleAdminQueue reports Job Stream depth and dead-letter depth — the
// generalized replacement for the teacher's GetWorkerActivity RPC /
// /worker-activity HTTP handler, without the dropped gRPC control plane
// (see DESIGN.md).
func (s *Server) handleAdminQueue(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	depth, pending, deadDepth, err := s.stream.Depth(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to inspect queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"streamDepth":  depth,
		"pending":      pending,
		"deadLettered": deadDepth,
	})
}

func timeNow() time.Time { return time.Now().UTC() }
