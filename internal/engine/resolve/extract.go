package resolve

import (
	"encoding/json"
	"fmt"
	stdhtml "html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// Static extraction: regex/string search over viewer HTML for known JSON field
// names, Open Graph metas, data attributes and podcast/download anchors.
// Pure and synchronous; all network verification happens later in the probe.

// jsonURLFieldRE matches known media URL fields inside inline JSON blobs.
var jsonURLFieldRE = regexp.MustCompile(
	`"(DownloadUrl|PodcastUrl|AudioPodcastUrl|StreamUrl|IosVideoUrl|VideoUrl)"\s*:\s*"((?:[^"\\]|\\.)+)"`)

// jsonFlagRE matches download enabled/disabled booleans.
var jsonFlagRE = regexp.MustCompile(
	`"(PodcastDownloadEnabled|DownloadEnabled|IsDownloadEnabled|PodcastDownloadDisabled|DownloadDisabled)"\s*:\s*(true|false)`)

// jsonReasonRE captures a host-provided reason next to a disabled flag.
var jsonReasonRE = regexp.MustCompile(`"(?:Podcast)?Disabled(?:Download)?Reason"\s*:\s*"([^"]*)"`)

var ogVideoProps = map[string]bool{
	"og:video":            true,
	"og:video:url":        true,
	"og:video:secure_url": true,
	"og:audio":            true,
}

// ExtractStatic scans an HTML document for media candidates and signals.
// Returned candidates are normalized and deduplicated, first occurrence wins.
func ExtractStatic(doc string, base *url.URL, sig *Signals) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	add := func(raw, source string) {
		u, ok := normalizeURL(raw, base)
		if !ok || !IsMediaLike(u) || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, Candidate{URL: u, Source: source})
	}

	// Inline JSON fields. This catches viewer bootstrap state without needing
	// to locate or parse the surrounding <script>.
	for _, m := range jsonURLFieldRE.FindAllStringSubmatch(doc, -1) {
		if decoded, err := decodeJSONString(m[2]); err == nil {
			add(decoded, "html:"+m[1])
		}
	}
	scanFlags(doc, sig)

	gq, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err == nil {
		gq.Find("meta[property],meta[name]").Each(func(_ int, s *goquery.Selection) {
			prop, _ := s.Attr("property")
			if prop == "" {
				prop, _ = s.Attr("name")
			}
			if ogVideoProps[prop] {
				if content, ok := s.Attr("content"); ok {
					add(content, "og:"+strings.TrimPrefix(prop, "og:"))
				}
			}
		})
		gq.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			text := strings.ToLower(s.Text())
			lower := strings.ToLower(href)
			if strings.Contains(lower, "podcast") || strings.Contains(lower, "download") ||
				strings.Contains(text, "podcast") || strings.Contains(text, "download") {
				add(href, "anchor")
			}
		})
	}

	// data-* attributes anywhere in the tree; goquery has no wildcard attribute
	// selector, so walk the token stream directly.
	scanDataAttributes(doc, add)

	engine.Metrics.StaticCandidates.Add(int64(len(out)))
	return out
}

// scanFlags records download enabled/disabled booleans found in inline JSON.
func scanFlags(doc string, sig *Signals) {
	if sig == nil {
		return
	}
	reason := ""
	if m := jsonReasonRE.FindStringSubmatch(doc); m != nil {
		if decoded, err := decodeJSONString(m[1]); err == nil {
			reason = decoded
		}
	}
	for _, m := range jsonFlagRE.FindAllStringSubmatch(doc, -1) {
		val := m[2] == "true"
		if strings.Contains(m[1], "Disabled") {
			val = !val
		}
		sig.ObserveDownloadFlag(val, reason)
	}
}

// scanDataAttributes feeds media-looking data-* attribute values to add.
func scanDataAttributes(doc string, add func(raw, source string)) {
	tz := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := tz.Next()
		if tt == html.ErrorToken {
			return
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		for _, attr := range tz.Token().Attr {
			if !strings.HasPrefix(attr.Key, "data-") {
				continue
			}
			key := strings.ToLower(attr.Key)
			if strings.Contains(key, "url") || strings.Contains(key, "src") ||
				strings.Contains(key, "podcast") || strings.Contains(key, "download") {
				add(attr.Val, "data:"+attr.Key)
			}
		}
	}
}

// normalizeURL decodes HTML entities, resolves relative references against
// base and strips the fragment. Returns false for unusable values.
func normalizeURL(raw string, base *url.URL) (string, bool) {
	raw = strings.TrimSpace(stdhtml.UnescapeString(raw))
	if raw == "" {
		return "", false
	}
	lower := strings.ToLower(raw)
	// blob/data URIs survive normalization so media-likeness can reject them
	if strings.HasPrefix(lower, "blob:") || strings.HasPrefix(lower, "data:") {
		return raw, true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// decodeJSONString decodes escape sequences of a raw JSON string body.
func decodeJSONString(raw string) (string, error) {
	var s string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &s); err != nil {
		return "", err
	}
	return s, nil
}

// DerivedCandidate builds the synthetic last-resort podcast URL from tenant and
// delivery identifiers, independent of page content.
func DerivedCandidate(tenantHost, deliveryID string) (Candidate, bool) {
	if tenantHost == "" || deliveryID == "" {
		return Candidate{}, false
	}
	return Candidate{
		URL:    fmt.Sprintf("https://%s/Podcast/Download/%s.mp4", tenantHost, deliveryID),
		Source: "derived",
	}, true
}
