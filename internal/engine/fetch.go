package engine

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newFetchClient creates an HTTP client for lecture-host page fetches.
// The cookie jar carries the viewer session so fetches count as credentialed.
func newFetchClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: 30 * time.Second,
		Jar:     jar,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
			DisableCompression:  false,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
}

// FetchHTML fetches a viewer or embed page with retries, returning decoded body bytes.
// 401/403 (and a browser-fallback miss) surface as CodedError AUTH_REQUIRED so the
// resolver can record the signal without aborting other candidate sources.
func FetchHTML(ctx context.Context, pageURL string) ([]byte, error) {
	Metrics.PageFetches.Add(1)

	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	operation := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		req.Header.Set("User-Agent", RandomUserAgent())
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Accept-Encoding", "gzip, deflate")

		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		if IsRetryableStatus(resp.StatusCode) {
			resp.Body.Close()
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, backoff.Permanent(&CodedError{Code: CodeAuthRequired, Message: "page fetch denied", Status: resp.StatusCode})
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}

		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 10 * time.Second

	resp, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(3), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		var coded *CodedError
		if errors.As(err, &coded) && coded.Code == CodeAuthRequired && cfg.BrowserClient != nil {
			return fetchHTMLViaBrowser(pageURL, coded)
		}
		Metrics.PageFetchErrors.Add(1)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponseBody(resp)
	if err != nil {
		Metrics.PageFetchErrors.Add(1)
		return nil, fmt.Errorf("read page: %w", err)
	}
	return body, nil
}

// fetchHTMLViaBrowser retries a denied page fetch with the Chrome TLS fingerprint.
// If the host still denies it, the original auth error stands.
func fetchHTMLViaBrowser(pageURL string, denied *CodedError) ([]byte, error) {
	body, status, err := cfg.BrowserClient.Do(http.MethodGet, pageURL, ChromeHeaders(), nil)
	if err != nil || status == http.StatusUnauthorized || status == http.StatusForbidden {
		Metrics.PageFetchErrors.Add(1)
		return nil, denied
	}
	if status != http.StatusOK {
		Metrics.PageFetchErrors.Add(1)
		return nil, fmt.Errorf("browser fetch status %d", status)
	}
	return body, nil
}

// readResponseBody reads the response body, handling gzip decompression if needed.
func readResponseBody(resp *http.Response) ([]byte, error) {
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}
	return io.ReadAll(resp.Body)
}
