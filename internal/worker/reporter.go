package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jeffreysanford/soundforge/internal/apperr"
	"github.com/jeffreysanford/soundforge/internal/job"
)

// reportPayload mirrors the Submission API's reportRequest (spec.md §4.1
// Report). Duplicated rather than imported: apiserver is the HTTP surface,
// worker is only a client of it, and the two must not share an internal
// package across process boundaries.
type reportPayload struct {
	JobID       string        `json:"jobId"`
	Type        string        `json:"type"`
	Progress    *job.Progress `json:"progress,omitempty"`
	ArtifactURL string        `json:"artifactUrl,omitempty"`
	Result      []byte        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// reporter calls the Submission API's privileged Report endpoint. Grounded
// on generator.Client and, ultimately, the teacher's autoSaveModel bare
// *http.Client idiom.
type reporter struct {
	httpClient   *http.Client
	url          string
	serviceToken string
}

func newReporter(url, serviceToken string, timeout time.Duration) *reporter {
	return &reporter{httpClient: &http.Client{Timeout: timeout}, url: url, serviceToken: serviceToken}
}

// report sends one Report call. Failure is non-fatal to the caller by
// contract (spec.md §4.4 step 5d / §7): callers log it and move on.
func (r *reporter) report(ctx context.Context, requestID string, payload reportPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.ReportDelivery(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return apperr.ReportDelivery(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if r.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.serviceToken)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return apperr.ReportDelivery(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apperr.ReportDelivery(fmt.Errorf("report endpoint returned status %d", resp.StatusCode))
	}
	return nil
}
