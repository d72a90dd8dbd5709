package jobs

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// MediaMeta is the cache-validating metadata used to derive a fingerprint.
type MediaMeta struct {
	URL           string
	ETag          string
	LastModified  string
	ContentLength int64
	DurationMS    int64
}

// FetchMeta issues a HEAD request for the media's validators. Callers treat
// failures as non-fatal: the fingerprint then covers the URL alone and the
// expected chunk count stays unknown.
func FetchMeta(ctx context.Context, client *http.Client, mediaURL string, durationMS int64) (MediaMeta, error) {
	meta := MediaMeta{URL: mediaURL, DurationMS: durationMS}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return meta, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return meta, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return meta, fmt.Errorf("head: status %d", resp.StatusCode)
	}

	meta.ETag = resp.Header.Get("ETag")
	meta.LastModified = resp.Header.Get("Last-Modified")
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			meta.ContentLength = n
		}
	}
	return meta, nil
}

// Fingerprint derives the stable identity of a media resource. Identical media
// behind an identical URL always hashes the same, so the backend can dedup
// repeat jobs.
func Fingerprint(m MediaMeta) string {
	parts := []string{
		normalizeMediaURL(m.URL),
		m.ETag,
		m.LastModified,
		strconv.FormatInt(m.ContentLength, 10),
		strconv.FormatInt(m.DurationMS, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", sum)
}

// normalizeMediaURL strips the fragment and sorts query parameters so
// insignificant URL differences don't split the dedup key.
func normalizeMediaURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = sb.String()
	return u.String()
}
