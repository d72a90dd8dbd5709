package jobs

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkorchev/lectoscribe/internal/engine"
	"github.com/mkorchev/lectoscribe/internal/engine/resolve"
	"github.com/mkorchev/lectoscribe/internal/engine/upload"
)

// StartRequest describes one transcription flow.
// Either MediaURL is already known, or the resolver discovers it from the
// viewer page / tenant+delivery identifiers.
type StartRequest struct {
	RequestID  string // assigned when empty
	ViewerURL  string
	EmbedURL   string
	TenantHost string
	DeliveryID string

	MediaURL     string // pre-resolved media URL; skips resolution
	MIME         string
	DurationMS   int64
	DRMProtected bool

	Runtime resolve.PageRuntime // optional live-page access
	Relay   upload.MediaRelay   // optional CORS-fallback transport
}

// Result is the terminal outcome of one flow.
type Result struct {
	Success    bool        `json:"success"`
	RequestID  string      `json:"requestId"`
	JobID      string      `json:"jobId,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Cached     bool        `json:"cached,omitempty"`
	ErrorCode  engine.Code `json:"errorCode,omitempty"`
	Message    string      `json:"message,omitempty"`
	Status     Stage       `json:"status"`
}

// flowState is the client-side mirror of one in-flight flow.
type flowState struct {
	requestID string
	cancel    context.CancelFunc

	mu    sync.Mutex
	jobID string
	stage Stage
}

func (st *flowState) setJobID(id string) {
	st.mu.Lock()
	st.jobID = id
	st.mu.Unlock()
}

func (st *flowState) snapshot() (jobID string, stage Stage) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.jobID, st.stage
}

// mediaUploader lets tests replace the chunked uploader.
type mediaUploader interface {
	Upload(ctx context.Context, mediaURL string, totalChunks int, sink upload.ChunkSink) (upload.Stats, error)
}

// Controller owns the transcription flow state machine end to end.
// The registry of in-flight flows is held by the instance, keyed by requestID;
// entries are removed when the flow settles regardless of outcome.
type Controller struct {
	mu     sync.Mutex
	active map[string]*flowState

	backend *Client
	bus     *EventBus
	history *History // nil = history disabled

	resolveMedia func(ctx context.Context, req resolve.Request) (*resolve.ResolvedMedia, error)
	newUploader  func(relay upload.MediaRelay, onProgress func(sent, total int64)) mediaUploader
}

// NewController wires a controller to the backend client.
func NewController(backend *Client, bus *EventBus, history *History) *Controller {
	resolver := resolve.New()
	return &Controller{
		active:  make(map[string]*flowState),
		backend: backend,
		bus:     bus,
		history: history,
		resolveMedia: func(ctx context.Context, req resolve.Request) (*resolve.ResolvedMedia, error) {
			return resolver.Resolve(ctx, req)
		},
		newUploader: func(relay upload.MediaRelay, onProgress func(sent, total int64)) mediaUploader {
			u := upload.New(relay)
			u.OnProgress = onProgress
			return u
		},
	}
}

// Events exposes the controller's event bus.
func (c *Controller) Events() *EventBus { return c.bus }

// State reports the current stage of an in-flight flow.
func (c *Controller) State(requestID string) (Stage, bool) {
	c.mu.Lock()
	st, ok := c.active[requestID]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	_, stage := st.snapshot()
	return stage, true
}

// Start runs one transcription flow to its terminal state and returns the
// result. Blocking; callers that need fire-and-forget run it in a goroutine.
// Exactly one terminal event and one terminal result per flow.
func (c *Controller) Start(ctx context.Context, req StartRequest) *Result {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	flowCtx, cancel := context.WithCancel(ctx)
	st := &flowState{requestID: req.RequestID, cancel: cancel, stage: StageStarting}

	c.mu.Lock()
	if _, exists := c.active[req.RequestID]; exists {
		c.mu.Unlock()
		cancel()
		return &Result{
			RequestID: req.RequestID,
			Status:    StageFailed,
			ErrorCode: engine.CodeUnknown,
			Message:   "a flow with this requestId is already in flight",
		}
	}
	c.active[req.RequestID] = st
	c.mu.Unlock()

	var res *Result
	defer func() {
		// registry entry goes away no matter how the flow settled
		c.mu.Lock()
		delete(c.active, req.RequestID)
		c.mu.Unlock()
		cancel()
	}()

	res = c.run(flowCtx, st, req)
	c.finish(st, req, res)
	return res
}

// finish emits the single terminal event and records the flow.
func (c *Controller) finish(st *flowState, req StartRequest, res *Result) {
	st.mu.Lock()
	st.stage = res.Status
	st.mu.Unlock()

	switch res.Status {
	case StageCompleted:
		engine.Metrics.JobsCompleted.Add(1)
	case StageCanceled:
		engine.Metrics.JobsCanceled.Add(1)
	default:
		engine.Metrics.JobsFailed.Add(1)
	}

	c.emit(st, res.Status, 100, res.Message, res.ErrorCode)

	if c.history != nil {
		entry := HistoryEntry{
			RequestID: res.RequestID,
			JobID:     res.JobID,
			MediaURL:  req.MediaURL,
			Status:    res.Status,
			Cached:    res.Cached,
			Error:     res.Message,
		}
		if err := c.history.Record(context.Background(), entry); err != nil {
			slog.Warn("history record failed", slog.Any("error", err))
		}
	}
}

// run drives the stages. Returns the terminal result without emitting it.
func (c *Controller) run(ctx context.Context, st *flowState, req StartRequest) *Result {
	requestID := req.RequestID
	fail := func(err error) *Result {
		code, msg := Classify(err)
		status := StageFailed
		if code == engine.CodeCanceled {
			status = StageCanceled
		}
		jobID, _ := st.snapshot()
		return &Result{RequestID: requestID, JobID: jobID, ErrorCode: code, Message: msg, Status: status}
	}

	// --- starting: discover and validate the media URL ---
	c.emit(st, StageStarting, 2, "", "")

	if req.MediaURL == "" && req.ViewerURL == "" && req.DeliveryID == "" {
		return fail(engine.Coded(engine.CodeNotAvailable, "no media source given"))
	}
	if req.DRMProtected {
		return fail(engine.Coded(engine.CodeNotAvailable, "media is DRM protected"))
	}

	mediaURL := req.MediaURL
	mime := req.MIME
	if mediaURL == "" {
		var resolved *resolve.ResolvedMedia
		err := engine.TrackOperation(ctx, "resolve", func(ctx context.Context) error {
			var rerr error
			resolved, rerr = c.resolveMedia(ctx, resolve.Request{
				ViewerURL:  req.ViewerURL,
				EmbedURL:   req.EmbedURL,
				TenantHost: req.TenantHost,
				DeliveryID: req.DeliveryID,
				Runtime:    req.Runtime,
			})
			return rerr
		})
		if err != nil {
			return fail(err)
		}
		mediaURL = resolved.MediaURL
		mime = resolved.MIME
	}
	if strings.HasPrefix(strings.ToLower(mediaURL), "blob:") {
		return fail(engine.Coded(engine.CodeNotAvailable, "blob URLs are not fetchable outside the page"))
	}

	// --- preparing: token, media metadata, fingerprint ---
	c.emit(st, StagePreparing, 8, "", "")

	token, err := c.authToken(ctx)
	if err != nil {
		return fail(err)
	}
	backend := c.backend.withToken(token)

	meta, metaErr := FetchMeta(ctx, engine.Cfg.HTTPClient, mediaURL, req.DurationMS)
	if metaErr != nil {
		// non-fatal: chunk total stays unknown, fingerprint covers the URL alone
		slog.Debug("media HEAD failed", slog.Any("error", metaErr))
	}
	expectedChunks := 0
	if meta.ContentLength > 0 {
		expectedChunks = int(math.Ceil(float64(meta.ContentLength) / float64(engine.Cfg.ChunkSize)))
	}
	fingerprint := Fingerprint(meta)

	if cached, ok := engine.CacheGet(ctx, engine.CacheKey("transcript", fingerprint)); ok {
		engine.Metrics.TranscriptsCached.Add(1)
		return &Result{
			Success: true, RequestID: requestID, JobID: cached.JobID,
			Transcript: cached.Transcript, Cached: true, Status: StageCompleted,
		}
	}

	job, err := backend.CreateJob(ctx, CreateJobRequest{
		Fingerprint:    fingerprint,
		MediaURL:       mediaURL,
		MIME:           mime,
		DurationMS:     meta.DurationMS,
		ExpectedChunks: expectedChunks,
	})
	if err != nil {
		return fail(err)
	}
	engine.Metrics.JobsCreated.Add(1)
	st.setJobID(job.JobID)

	// Backend already holds a transcript for this fingerprint: the main
	// cost-avoidance path, no upload at all.
	if job.Transcript != "" || job.Cached || job.Status == StatusDone {
		engine.Metrics.TranscriptsCached.Add(1)
		c.cacheTranscript(fingerprint, job)
		return &Result{
			Success: true, RequestID: requestID, JobID: job.JobID,
			Transcript: job.Transcript, Cached: true, Status: StageCompleted,
		}
	}

	// --- uploading ---
	c.emit(st, StageUploading, 10, "", "")

	uploader := c.newUploader(req.Relay, func(sent, total int64) {
		if total > 0 {
			pct := 10 + 60*float64(sent)/float64(total)
			c.emit(st, StageUploading, math.Min(pct, 70), "", "")
		}
	})
	var stats upload.Stats
	err = engine.TrackOperation(ctx, "upload", func(ctx context.Context) error {
		var uerr error
		stats, uerr = uploader.Upload(ctx, mediaURL, expectedChunks, backend.ChunkSink(job.JobID))
		return uerr
	})
	if err != nil {
		return fail(err)
	}

	// --- processing: report the observed chunk count ---
	c.emit(st, StageProcessing, 75, "", "")
	if err := backend.Finalize(ctx, job.JobID, stats.ChunkCount); err != nil {
		return fail(err)
	}

	// --- polling ---
	c.emit(st, StagePolling, 80, "", "")
	final, err := c.poll(ctx, backend, job.JobID)
	if err != nil {
		return fail(err)
	}

	switch final.Status {
	case StatusDone:
		c.cacheTranscript(fingerprint, final)
		return &Result{
			Success: true, RequestID: requestID, JobID: job.JobID,
			Transcript: final.Transcript, Status: StageCompleted,
		}
	case StatusCanceled:
		return &Result{RequestID: requestID, JobID: job.JobID, ErrorCode: engine.CodeCanceled,
			Message: "transcription canceled", Status: StageCanceled}
	default:
		msg := final.Error
		if msg == "" {
			msg = "transcription failed"
		}
		return &Result{RequestID: requestID, JobID: job.JobID, ErrorCode: engine.CodeUnknown,
			Message: msg, Status: StageFailed}
	}
}

// poll fetches job status at a fixed interval until a terminal backend state,
// the attempt ceiling, or cancellation. Cancellation is checked before every
// request and interrupts the wait immediately.
func (c *Controller) poll(ctx context.Context, backend *Client, jobID string) (*Job, error) {
	interval := engine.Cfg.PollInterval
	maxAttempts := engine.Cfg.PollMaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		engine.Metrics.PollRequests.Add(1)
		job, err := backend.Status(ctx, jobID)
		if err != nil {
			slog.Debug("poll failed", slog.Int("attempt", attempt), slog.Any("error", err))
		} else {
			switch job.Status {
			case StatusDone, StatusError, StatusCanceled:
				return job, nil
			}
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, engine.Coded(engine.CodeUnknown, "transcription timed out after %d polls", maxAttempts)
}

// Cancel aborts an in-flight flow and best-effort notifies the backend.
// Failure to notify is logged, never escalated.
func (c *Controller) Cancel(requestID, jobID string) {
	c.mu.Lock()
	st := c.active[requestID]
	c.mu.Unlock()

	if st != nil {
		known, _ := st.snapshot()
		if jobID == "" {
			jobID = known
		}
		st.cancel()
	}

	if jobID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.backend.Cancel(ctx, jobID); err != nil {
				slog.Warn("backend cancel failed", slog.String("jobId", jobID), slog.Any("error", err))
			}
		}()
	}
}

func (c *Controller) authToken(ctx context.Context) (string, error) {
	ts := engine.Cfg.TokenSource
	if ts == nil {
		return "", engine.Coded(engine.CodeLockinAuthRequired, "sign in to the transcription service first")
	}
	token, err := ts.Token(ctx)
	if err != nil || token == "" {
		return "", engine.Coded(engine.CodeLockinAuthRequired, "sign in to the transcription service first")
	}
	return token, nil
}

func (c *Controller) cacheTranscript(fingerprint string, job *Job) {
	if job.Transcript == "" {
		return
	}
	engine.CacheSet(context.Background(), engine.CacheKey("transcript", fingerprint),
		engine.CachedTranscript{JobID: job.JobID, Transcript: job.Transcript})
}

// emit publishes one progress event and tracks the flow's current stage.
func (c *Controller) emit(st *flowState, stage Stage, percent float64, msg string, code engine.Code) {
	st.mu.Lock()
	if !st.stage.Terminal() {
		st.stage = stage
	}
	st.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(Event{
			RequestID: st.requestID,
			Stage:     stage,
			Percent:   percent,
			Message:   msg,
			Code:      code,
		})
	}
}
