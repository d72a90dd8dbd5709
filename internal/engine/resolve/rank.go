package resolve

import (
	"sort"
	"strings"
)

// Scoring weights. The manifest penalty is large enough that a playlist URL
// can never outrank anything, including a zero-scored candidate.
const (
	scorePodcastPath = 100
	scoreDownload    = 40
	scoreMediaExt    = 20
	scoreManifest    = -1000
)

// Rank dedupes candidates by exact URL (first-seen provenance wins) and orders
// them best-first. Deterministic: ties keep insertion order, so ranking an
// already-ranked list returns the same order.
func Rank(candidates []Candidate) []Candidate {
	seen := make(map[string]bool, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.URL == "" || seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		out = append(out, c)
	}

	type scored struct {
		c Candidate
		s int
	}
	ranked := make([]scored, len(out))
	for i, c := range out {
		ranked[i] = scored{c: c, s: Score(c.URL)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].s > ranked[j].s })
	for i, r := range ranked {
		out[i] = r.c
	}
	return out
}

// Score rates a URL by weighted keyword presence.
func Score(rawURL string) int {
	lower := strings.ToLower(rawURL)
	s := 0
	if IsManifest(lower) {
		s += scoreManifest
	}
	if strings.Contains(lower, "/podcast/") {
		s += scorePodcastPath
	}
	if strings.Contains(lower, "download") {
		s += scoreDownload
	}
	path := stripQuery(lower)
	for _, ext := range mediaExtensions {
		if strings.HasSuffix(path, ext) {
			s += scoreMediaExt
			break
		}
	}
	return s
}
