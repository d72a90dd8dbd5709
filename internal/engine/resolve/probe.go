package resolve

import (
	"context"
	"net/http"
	"strings"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// Probe verifies that a candidate URL serves fetchable media rather than an
// HTML login page. One minimal partial-content request per candidate; the body
// is closed unread since only headers matter.
func Probe(ctx context.Context, client *http.Client, rawURL string) ProbeResult {
	engine.Metrics.ProbeRequests.Add(1)

	ctx, cancel := context.WithTimeout(ctx, engine.Cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ProbeResult{}
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("User-Agent", engine.RandomUserAgent())

	resp, err := client.Do(req)
	if err != nil {
		// Timeouts and transport errors mean this candidate failed, not that
		// resolution as a whole is broken.
		return ProbeResult{}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ProbeResult{Status: resp.StatusCode, Code: engine.CodeAuthRequired}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return ProbeResult{Status: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		// 2xx but HTML: a login wall or redirect-to-signin page that kept a
		// success status. Treat exactly like an explicit auth denial.
		return ProbeResult{Status: resp.StatusCode, Code: engine.CodeAuthRequired}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return ProbeResult{
		OK:          true,
		Status:      resp.StatusCode,
		FinalURL:    finalURL,
		ContentType: contentType,
	}
}
