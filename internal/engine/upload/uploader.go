package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// ChunkSink receives the sequential chunks of one job. Implemented by the
// backend client; tests substitute a capture.
type ChunkSink interface {
	PutChunk(ctx context.Context, index, total int, data []byte) error
}

// MediaRelay is the fallback transport: a trusted page context fetches the
// media itself and hands raw byte slices back. Used only when the direct
// cross-origin fetch is blocked.
type MediaRelay interface {
	FetchMedia(ctx context.Context, mediaURL string, onChunk func([]byte) error) error
}

// RateLimitedError signals a 429 from the backend for one chunk.
// RetryAfter is zero when the backend did not say how long to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "backend rate limited" }

// Stats accumulates while chunks are sent, finalized once streaming ends.
type Stats struct {
	ChunkCount  int
	TotalChunks int // HEAD-derived estimate, 0 when unknown
	TotalBytes  int64
}

// Uploader streams a resolved media URL to the backend in fixed-size chunks.
type Uploader struct {
	ChunkSize  int
	RetryMax   int           // attempts per chunk on 429
	Limiter    *rate.Limiter // nil = unthrottled
	Relay      MediaRelay    // nil = no relay fallback
	SSODomains []string
	OnProgress func(sentBytes, totalBytes int64)

	direct *http.Client // credentialed, manual redirects
	bare   *http.Client // cookie-free, manual redirects; used after CDN redirects
}

// New builds an Uploader from engine configuration.
// Both internal clients keep redirects manual so an SSO bounce is observable
// and cookies never follow the media onto third-party storage.
func New(relay MediaRelay) *Uploader {
	manual := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Uploader{
		ChunkSize:  engine.Cfg.ChunkSize,
		RetryMax:   engine.Cfg.ChunkRetryMax,
		Limiter:    rate.NewLimiter(rate.Limit(8), 8), // chunk PUTs per second
		Relay:      relay,
		SSODomains: engine.Cfg.SSODomains,
		direct: &http.Client{
			Jar:           engine.Cfg.HTTPClient.Jar,
			Timeout:       0, // media streams run long; cancellation comes from ctx
			CheckRedirect: manual,
		},
		bare: &http.Client{CheckRedirect: manual},
	}
}

// Upload streams mediaURL to sink. totalChunks is the HEAD-derived estimate
// (0 = unknown); the returned Stats carry the actual observed count, which the
// finalize call reports to the backend.
func (u *Uploader) Upload(ctx context.Context, mediaURL string, totalChunks int, sink ChunkSink) (Stats, error) {
	cw := &chunkWriter{
		sink:     sink,
		size:     u.ChunkSize,
		total:    totalChunks,
		retryMax: u.RetryMax,
		limiter:  u.Limiter,
		progress: u.OnProgress,
	}

	body, err := u.openDirect(ctx, mediaURL)
	switch {
	case err == nil:
		defer body.Close()
		if err := cw.Consume(ctx, body); err != nil {
			return cw.Stats(), err
		}
	case u.Relay != nil && transportBlocked(err):
		// Direct path blocked at the transport level; ask the page to fetch
		// the media and relay bytes. Chunk indices continue the same sequence
		// because both paths share one accumulator.
		engine.Metrics.RelayFetches.Add(1)
		slog.Info("direct media fetch blocked, using relay", slog.Any("error", err))
		if relayErr := u.Relay.FetchMedia(ctx, mediaURL, func(b []byte) error {
			return cw.Feed(ctx, b)
		}); relayErr != nil {
			if ctx.Err() != nil {
				return cw.Stats(), ctx.Err()
			}
			var coded *engine.CodedError
			if errors.As(relayErr, &coded) {
				return cw.Stats(), relayErr
			}
			return cw.Stats(), engine.Coded(engine.CodeContentFetchError, "relay fetch failed: %v", relayErr)
		}
	default:
		return cw.Stats(), err
	}

	if err := cw.Finish(ctx); err != nil {
		return cw.Stats(), err
	}
	return cw.Stats(), nil
}

// openDirect fetches the media with manual redirect handling.
// A redirect to a known SSO domain means the session expired; a redirect to a
// different host is followed without credentials.
func (u *Uploader) openDirect(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	origin, err := url.Parse(mediaURL)
	if err != nil {
		return nil, fmt.Errorf("media url: %w", err)
	}

	cur := mediaURL
	withCreds := true
	for hop := 0; hop < 10; hop++ {
		client := u.direct
		if !withCreds {
			client = u.bare
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cur, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", engine.RandomUserAgent())

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("media fetch: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc, locErr := resp.Location()
			resp.Body.Close()
			if locErr != nil {
				return nil, fmt.Errorf("redirect without location: %w", locErr)
			}
			if u.isSSOHost(loc.Host) {
				return nil, engine.Coded(engine.CodeAuthRequired, "session expired: redirected to sign-in at %s", loc.Host)
			}
			if loc.Host != origin.Host {
				withCreds = false
			}
			cur = loc.String()
			continue
		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return nil, &engine.CodedError{Code: engine.CodeAuthRequired, Message: "media fetch denied", Status: resp.StatusCode}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("media fetch: status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
	return nil, errors.New("media fetch: too many redirects")
}

func (u *Uploader) isSSOHost(host string) bool {
	host = strings.ToLower(host)
	for _, d := range u.SSODomains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// transportBlocked reports whether the direct fetch failed in a way the relay
// can work around: connection-level failures, not auth verdicts or bad status.
func transportBlocked(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var coded *engine.CodedError
	if errors.As(err, &coded) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
