package resolve

import (
	"context"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// Runtime extraction: a read-only scan of the live page, used only when the
// static pass over fetched HTML produced nothing. The page surfaces its DOM as
// serialized HTML and its known global state objects as a JSON-shaped graph.

// PageSnapshot is a read-only capture of the live page.
type PageSnapshot struct {
	URL                     string
	HTML                    string         // serialized DOM
	Globals                 map[string]any // known global state objects, JSON-shaped
	DownloadControlDisabled bool           // visible Download control present but disabled
	DisabledReason          string
}

// PageRuntime gives the resolver read-only access to a live page.
type PageRuntime interface {
	Snapshot(ctx context.Context) (*PageSnapshot, error)
}

// Traversal caps. Host pages hang arbitrary, possibly cyclic, object graphs off
// their globals; unguarded recursion is not an option.
const (
	maxScanDepth = 4
	maxScanNodes = 1500
)

// ExtractRuntime scans a live page snapshot for candidates and signals.
func ExtractRuntime(ctx context.Context, rt PageRuntime, sig *Signals) ([]Candidate, error) {
	engine.Metrics.RuntimeScans.Add(1)

	snap, err := rt.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var base *url.URL
	if snap.URL != "" {
		base, _ = url.Parse(snap.URL)
	}

	out := ExtractStatic(snap.HTML, base, sig)
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c.URL] = true
	}

	if snap.DownloadControlDisabled {
		sig.ObserveDownloadFlag(false, snap.DisabledReason)
	}

	w := &stateWalker{
		sig:  sig,
		base: base,
		add: func(raw, source string) {
			u, ok := normalizeURL(raw, base)
			if !ok || !IsMediaLike(u) || seen[u] {
				return
			}
			seen[u] = true
			out = append(out, Candidate{URL: u, Source: source})
		},
		visited: make(map[uintptr]bool),
	}
	w.walk(snap.Globals, "runtime", 0)

	return out, nil
}

// stateWalker performs the bounded, cycle-safe traversal of global state.
type stateWalker struct {
	sig     *Signals
	base    *url.URL
	add     func(raw, source string)
	visited map[uintptr]bool // map/slice header identity
	nodes   int
}

func (w *stateWalker) walk(v any, path string, depth int) {
	if depth > maxScanDepth || w.nodes >= maxScanNodes {
		return
	}
	w.nodes++

	switch val := v.(type) {
	case string:
		w.add(val, path)
	case bool:
		w.observeFlag(path, val)
	case map[string]any:
		if w.seenContainer(reflect.ValueOf(val).Pointer()) {
			return
		}
		// sorted keys keep candidate order deterministic for a fixed snapshot
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.walk(val[k], path+"."+k, depth+1)
		}
	case []any:
		if w.seenContainer(reflect.ValueOf(val).Pointer()) {
			return
		}
		for _, item := range val {
			if w.nodes >= maxScanNodes {
				return
			}
			w.walk(item, path, depth+1)
		}
	}
}

// seenContainer marks a container as visited; reference cycles terminate here.
func (w *stateWalker) seenContainer(ptr uintptr) bool {
	if w.visited[ptr] {
		return true
	}
	w.visited[ptr] = true
	return false
}

// observeFlag maps boolean globals whose path names a download flag onto signals.
func (w *stateWalker) observeFlag(path string, val bool) {
	lower := strings.ToLower(path)
	if !strings.Contains(lower, "download") {
		return
	}
	switch {
	case strings.Contains(lower, "disabled"):
		w.sig.ObserveDownloadFlag(!val, "")
	case strings.Contains(lower, "enabled"):
		w.sig.ObserveDownloadFlag(val, "")
	}
}
