// Package generator is an HTTP client for the external Generator service
// (spec.md §4.4 step 4), treated as opaque per spec.md §1. Grounded on the
// teacher's autoSaveModel HTTP-call idiom (orchestrator/main.go): a bare
// *http.Client with an explicit timeout, no HTTP client library.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeffreysanford/soundforge/internal/apperr"
)

// Request is the payload POSTed to {generatorURL}/generate.
type Request struct {
	Narrative string `json:"narrative"`
	Duration  int    `json:"duration"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// Result is the generator's success response.
type Result struct {
	Title        string          `json:"title,omitempty"`
	ArtifactData []byte          `json:"artifactData,omitempty"`
	ArtifactExt  string          `json:"artifactExt,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// errorBody is the structured 4xx shape spec.md §8 calls out
// ("invalid" from the Generator).
type errorBody struct {
	Error string `json:"error"`
}

// Client dispatches generation requests to a named generator endpoint.
type Client struct {
	httpClient *http.Client
	endpoints  map[string]string
	serviceToken string
}

// New builds a Client. timeout is T_gen (spec.md default 120s).
func New(endpoints map[string]string, serviceToken string, timeout time.Duration) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		endpoints:    endpoints,
		serviceToken: serviceToken,
	}
}

// Dispatch calls POST {endpoint}/generate with X-Request-Id and, if
// configured, an Authorization header, per spec.md §4.4 step 4.
func (c *Client) Dispatch(ctx context.Context, generatorName, requestID string, req Request) (*Result, error) {
	base, ok := c.endpoints[generatorName]
	if !ok {
		return nil, apperr.PermanentUpstream("unknown generator %q", generatorName)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Validation("encode generator request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.TransientUpstream("build generator request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", requestID)
	if c.serviceToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.TransientUpstream("generator call failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.TransientUpstream("read generator response: %v", err)
	}

	return classify(resp.StatusCode, respBody)
}

// classify maps the generator's HTTP response to the fixed retryable
// boundary from spec.md §9: 5xx and timeouts are transient; 4xx other than
// 408/429 are permanent; 408/429 are treated as transient (retry-after
// semantics).
func classify(status int, body []byte) (*Result, error) {
	switch {
	case status >= 200 && status < 300:
		var res Result
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, apperr.TransientUpstream("decode generator response: %v", err)
		}
		res.Raw = body
		return &res, nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return nil, apperr.TransientUpstream("generator returned %d", status)
	case status >= 500:
		return nil, apperr.TransientUpstream("generator returned %d", status)
	case status >= 400:
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Error
		if msg == "" {
			msg = fmt.Sprintf("generator returned %d", status)
		}
		return nil, apperr.PermanentUpstream("%s", msg)
	default:
		return nil, apperr.TransientUpstream("generator returned unexpected status %d", status)
	}
}
