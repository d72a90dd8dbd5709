package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters across the engine.
// Exported so resolve/upload/jobs sub-packages can increment their own counters.
var Metrics struct {
	ResolveRequests   atomic.Int64
	ResolveFailures   atomic.Int64
	StaticCandidates  atomic.Int64
	RuntimeScans      atomic.Int64
	ProbeRequests     atomic.Int64
	PageFetches       atomic.Int64
	PageFetchErrors   atomic.Int64
	ChunksSent        atomic.Int64
	ChunkRetries      atomic.Int64
	UploadBytes       atomic.Int64
	RelayFetches      atomic.Int64
	JobsCreated       atomic.Int64
	JobsCompleted     atomic.Int64
	JobsFailed        atomic.Int64
	JobsCanceled      atomic.Int64
	TranscriptsCached atomic.Int64
	PollRequests      atomic.Int64
}

// GetMetrics returns a snapshot of all metrics including cache stats.
func GetMetrics() map[string]int64 {
	hits, misses := CacheStats()
	return map[string]int64{
		"resolve_requests":   Metrics.ResolveRequests.Load(),
		"resolve_failures":   Metrics.ResolveFailures.Load(),
		"static_candidates":  Metrics.StaticCandidates.Load(),
		"runtime_scans":      Metrics.RuntimeScans.Load(),
		"probe_requests":     Metrics.ProbeRequests.Load(),
		"page_fetches":       Metrics.PageFetches.Load(),
		"page_fetch_errors":  Metrics.PageFetchErrors.Load(),
		"chunks_sent":        Metrics.ChunksSent.Load(),
		"chunk_retries":      Metrics.ChunkRetries.Load(),
		"upload_bytes":       Metrics.UploadBytes.Load(),
		"relay_fetches":      Metrics.RelayFetches.Load(),
		"jobs_created":       Metrics.JobsCreated.Load(),
		"jobs_completed":     Metrics.JobsCompleted.Load(),
		"jobs_failed":        Metrics.JobsFailed.Load(),
		"jobs_canceled":      Metrics.JobsCanceled.Load(),
		"transcripts_cached": Metrics.TranscriptsCached.Load(),
		"poll_requests":      Metrics.PollRequests.Load(),
		"cache_hits":         hits,
		"cache_misses":       misses,
	}
}

// FormatMetrics returns metrics as a simple text format for the HTTP endpoint.
func FormatMetrics() string {
	snapshot := GetMetrics()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s %d\n", k, snapshot[k])
	}
	return sb.String()
}

// TrackOperation runs fn and warns when it takes suspiciously long.
func TrackOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if elapsed > 5*time.Second {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
