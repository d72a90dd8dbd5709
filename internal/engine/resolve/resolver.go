package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// Request identifies one lecture recording to resolve.
// Either ViewerURL or TenantHost+DeliveryID must be present; the canonical
// viewer/embed URLs are derived when not given directly.
type Request struct {
	ViewerURL  string
	EmbedURL   string
	TenantHost string
	DeliveryID string
	Runtime    PageRuntime // optional live-page access for the fallback scan
}

// Resolver discovers one verified, fetchable media URL for a lecture page.
// The zero value is not usable; construct with New.
type Resolver struct {
	fetchHTML func(ctx context.Context, pageURL string) ([]byte, error)
	probe     func(ctx context.Context, rawURL string) ProbeResult
}

// New returns a Resolver wired to the engine's credentialed HTTP client.
func New() *Resolver {
	return &Resolver{
		fetchHTML: engine.FetchHTML,
		probe: func(ctx context.Context, rawURL string) ProbeResult {
			return Probe(ctx, engine.Cfg.HTTPClient, rawURL)
		},
	}
}

// ViewerPageURL builds the canonical viewer URL for a delivery.
func ViewerPageURL(tenantHost, deliveryID string) string {
	return fmt.Sprintf("https://%s/Pages/Viewer.aspx?id=%s", tenantHost, url.QueryEscape(deliveryID))
}

// EmbedPageURL builds the canonical embed URL for a delivery.
func EmbedPageURL(tenantHost, deliveryID string) string {
	return fmt.Sprintf("https://%s/Pages/Embed.aspx?id=%s", tenantHost, url.QueryEscape(deliveryID))
}

// Resolve runs the full resolution pass: static extraction over the viewer and
// embed pages, the runtime fallback scan, the derived candidate, ranking, and
// probing in rank order until one candidate verifies.
//
// Failure precedence is deliberate: authoritative signals (auth wall found
// mid-probe, disabled flag plus a 403) pre-empt exhaustive search, and auth
// failures are never masked by "we found nothing".
func (r *Resolver) Resolve(ctx context.Context, req Request) (*ResolvedMedia, error) {
	engine.Metrics.ResolveRequests.Add(1)

	tenantHost := req.TenantHost
	if tenantHost == "" {
		tenantHost = engine.Cfg.TenantHost
	}

	viewerURL := req.ViewerURL
	embedURL := req.EmbedURL
	if viewerURL == "" && tenantHost != "" && req.DeliveryID != "" {
		viewerURL = ViewerPageURL(tenantHost, req.DeliveryID)
	}
	if embedURL == "" && tenantHost != "" && req.DeliveryID != "" {
		embedURL = EmbedPageURL(tenantHost, req.DeliveryID)
	}

	sig := &Signals{}
	var candidates []Candidate
	seen := make(map[string]bool)
	merge := func(found []Candidate) {
		for _, c := range found {
			if !seen[c.URL] {
				seen[c.URL] = true
				candidates = append(candidates, c)
			}
		}
	}

	// Static pass over viewer and embed HTML. An auth failure here is a
	// signal, not a verdict: other candidate sources are still tried.
	for _, pageURL := range pageURLs(viewerURL, embedURL) {
		body, err := r.fetchHTML(ctx, pageURL)
		if err != nil {
			var coded *engine.CodedError
			if errors.As(err, &coded) && coded.Code == engine.CodeAuthRequired {
				sig.AuthRequired = true
			}
			slog.Debug("page fetch failed", slog.String("url", pageURL), slog.Any("error", err))
			continue
		}
		base, _ := url.Parse(pageURL)
		merge(ExtractStatic(string(body), base, sig))
	}

	// Runtime fallback only when the cheap strategy found nothing.
	if len(candidates) == 0 && req.Runtime != nil {
		found, err := ExtractRuntime(ctx, req.Runtime, sig)
		if err != nil {
			slog.Debug("runtime scan failed", slog.Any("error", err))
		} else {
			merge(found)
		}
	}

	if derived, ok := DerivedCandidate(tenantHost, req.DeliveryID); ok && !seen[derived.URL] {
		candidates = append(candidates, derived)
	}

	ranked := Rank(candidates)
	if len(ranked) == 0 {
		return nil, r.fail(sig, engine.CodeNotAvailable, "no media URL discovered")
	}

	for _, c := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pr := r.probe(ctx, c.URL)
		if pr.OK {
			mediaURL := pr.FinalURL
			if mediaURL == "" {
				mediaURL = c.URL
			}
			slog.Info("media resolved",
				slog.String("method", c.Source),
				slog.String("mime", pr.ContentType),
				slog.Int("status", pr.Status),
			)
			return &ResolvedMedia{MediaURL: mediaURL, MIME: pr.ContentType, Method: c.Source}, nil
		}
		if pr.Status == http.StatusForbidden && sig.PodcastDownloadDisabled {
			// A 403 on a page that declared downloads disabled is the
			// disabled feature, not a personal auth problem.
			engine.Metrics.ResolveFailures.Add(1)
			return nil, r.disabledError(sig)
		}
		if pr.Code == engine.CodeAuthRequired {
			// An auth wall found mid-probe is authoritative.
			engine.Metrics.ResolveFailures.Add(1)
			return nil, &engine.CodedError{Code: engine.CodeAuthRequired, Message: "media requires sign-in", Status: pr.Status}
		}
		slog.Debug("candidate rejected", slog.String("url", c.URL), slog.Int("status", pr.Status))
	}

	// Server reachable, every known candidate denied.
	engine.Metrics.ResolveFailures.Add(1)
	return nil, engine.Coded(engine.CodeNotAllowed, "host denies all known media URLs")
}

// fail picks the failure code for an empty candidate list from accumulated signals.
func (r *Resolver) fail(sig *Signals, fallback engine.Code, msg string) error {
	engine.Metrics.ResolveFailures.Add(1)
	switch {
	case sig.PodcastDownloadDisabled:
		return r.disabledError(sig)
	case sig.AuthRequired:
		return engine.Coded(engine.CodeAuthRequired, "lecture host requires sign-in")
	default:
		return engine.Coded(fallback, "%s", msg)
	}
}

func (r *Resolver) disabledError(sig *Signals) error {
	if sig.DisabledReason != "" {
		return engine.Coded(engine.CodePodcastDisabled, "downloads disabled by host: %s", sig.DisabledReason)
	}
	return engine.Coded(engine.CodePodcastDisabled, "downloads disabled by host")
}

// pageURLs returns the distinct non-empty page URLs to scan, viewer first.
func pageURLs(viewerURL, embedURL string) []string {
	var out []string
	if viewerURL != "" {
		out = append(out, viewerURL)
	}
	if embedURL != "" && embedURL != viewerURL {
		out = append(out, embedURL)
	}
	return out
}
