package resolve

import (
	"strings"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// Candidate is a plausible but unverified media URL.
type Candidate struct {
	URL         string
	Source      string // provenance tag: "html:DownloadUrl", "og:video", "anchor", "runtime:...", "derived"
	FrameOrigin string // origin of the frame that produced it, when known
}

// Signals accumulates download/auth observations across extraction passes.
// Mutated additively; never reset mid-resolution.
type Signals struct {
	PodcastDownloadDisabled bool
	DownloadEnabled         bool
	DisabledReason          string
	AuthRequired            bool
}

// ObserveDownloadFlag records a download enabled/disabled flag.
// The first false is sticky as "disabled"; any true sets DownloadEnabled.
func (s *Signals) ObserveDownloadFlag(enabled bool, reason string) {
	if enabled {
		s.DownloadEnabled = true
		return
	}
	if !s.PodcastDownloadDisabled {
		s.PodcastDownloadDisabled = true
		s.DisabledReason = reason
	}
}

// ProbeResult is the outcome of one candidate verification request.
type ProbeResult struct {
	OK          bool
	Status      int
	FinalURL    string // URL after redirects
	ContentType string
	Code        engine.Code // AUTH_REQUIRED when the probe hit a login wall
}

// ResolvedMedia is the terminal success value of one resolution pass.
type ResolvedMedia struct {
	MediaURL string
	MIME     string
	Method   string // provenance of the winning candidate
}

var mediaExtensions = []string{".mp4", ".m4a", ".mp3"}

// IsManifest reports whether a URL points at an adaptive-streaming manifest.
// HLS/DASH segment playlists cannot be uploaded as a single media stream.
func IsManifest(rawURL string) bool {
	lower := stripQuery(strings.ToLower(rawURL))
	return strings.HasSuffix(lower, ".m3u8") || strings.HasSuffix(lower, ".mpd")
}

// IsMediaLike reports whether a URL qualifies as a media candidate:
// not blob/data, not a manifest, and either a known media extension or a
// podcast/download path hint.
func IsMediaLike(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "blob:") || strings.HasPrefix(lower, "data:") {
		return false
	}
	if IsManifest(lower) {
		return false
	}
	path := stripQuery(lower)
	for _, ext := range mediaExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return strings.Contains(lower, "/podcast/") || strings.Contains(lower, "download")
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
