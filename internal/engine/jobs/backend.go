package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mkorchev/lectoscribe/internal/engine"
	"github.com/mkorchev/lectoscribe/internal/engine/upload"
)

// Backend job statuses.
const (
	StatusPending    = "pending"
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
	StatusCanceled   = "canceled"
)

// Job is the client's lightweight mirror of a backend transcription job.
type Job struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
}

// CreateJobRequest is the POST /jobs body.
type CreateJobRequest struct {
	Fingerprint    string `json:"fingerprint"`
	MediaURL       string `json:"mediaUrl"`
	MIME           string `json:"mime,omitempty"`
	DurationMS     int64  `json:"durationMs,omitempty"`
	ExpectedChunks int    `json:"expectedChunks,omitempty"`
}

type finalizeRequest struct {
	ChunkCount int `json:"chunkCount"`
}

// Client talks to the transcription backend's HTTP surface.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string
}

// NewClient builds a backend client with its own short-dial HTTP client;
// chunk bodies are small enough that per-call timeouts apply.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Token:   token,
	}
}

// withToken returns a copy of the client bound to one flow's auth token.
func (c *Client) withToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

// CreateJob submits fingerprint and media metadata. The response either names
// a fresh job to upload into, or carries a cached transcript for this
// fingerprint, in which case the upload is skipped entirely.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	var job Job
	if err := c.doJSON(ctx, http.MethodPost, "/jobs", req, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return &job, nil
}

// PutChunk uploads one binary chunk. A 429 comes back as upload.RateLimitedError
// so the uploader can honor Retry-After; every other non-2xx is terminal.
func (c *Client) PutChunk(ctx context.Context, jobID string, index, total int, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.BaseURL+"/jobs/"+jobID+"/chunks", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-chunk-index", strconv.Itoa(index))
	if total > 0 {
		req.Header.Set("x-total-chunks", strconv.Itoa(total))
	}
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("put chunk %d: %w", index, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &upload.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("put chunk %d: status %d", index, resp.StatusCode)
	}
	return nil
}

// ChunkSink binds PutChunk to one job for the uploader.
func (c *Client) ChunkSink(jobID string) upload.ChunkSink {
	return chunkSink{c: c, jobID: jobID}
}

type chunkSink struct {
	c     *Client
	jobID string
}

func (s chunkSink) PutChunk(ctx context.Context, index, total int, data []byte) error {
	return s.c.PutChunk(ctx, s.jobID, index, total, data)
}

// Finalize reports the actual chunk count observed during streaming, which may
// differ from the HEAD-derived estimate.
func (c *Client) Finalize(ctx context.Context, jobID string, chunkCount int) error {
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID+"/finalize", finalizeRequest{ChunkCount: chunkCount}, nil); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// Status fetches the job's current state and transcript when done.
// No retry here: the polling loop owns pacing and its own attempt ceiling.
func (c *Client) Status(ctx context.Context, jobID string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &engine.HTTPStatusError{StatusCode: resp.StatusCode}
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("job status: decode: %w", err)
	}
	return &job, nil
}

// Cancel asks the backend to cancel a job. Best-effort by contract.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// doJSON performs a JSON request with the engine's standard retry policy.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}

	resp, err := engine.RetryHTTP(ctx, engine.DefaultRetryConfig, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.authorize(req)
		return c.HTTP.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &engine.HTTPStatusError{StatusCode: resp.StatusCode}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
