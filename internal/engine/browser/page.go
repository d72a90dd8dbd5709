// Package browser implements live-page access over a headless Chrome tab.
// It backs both the resolver's runtime fallback scan and the uploader's relay
// transport: the page fetches cross-origin-blocked media itself and hands the
// bytes back.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/mkorchev/lectoscribe/internal/engine"
	"github.com/mkorchev/lectoscribe/internal/engine/resolve"
)

// Page is one attached lecture-viewer tab.
type Page struct {
	url         string
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// Open starts a headless tab and navigates it to pageURL.
// Close must be called to release the browser.
func Open(ctx context.Context, pageURL string) (*Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(engine.RandomUserAgent()),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
	); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &Page{url: pageURL, tabCtx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}, nil
}

// Close releases the tab and its browser process.
func (p *Page) Close() {
	p.cancelTab()
	p.cancelAlloc()
}

// snapshotJS serializes the page state the runtime scan needs. Globals are
// JSON-encoded with a cycle-dropping replacer; depth and node caps are
// enforced Go-side during traversal.
const snapshotJS = `(() => {
	const seen = new WeakSet();
	const safe = (obj) => {
		try {
			return JSON.parse(JSON.stringify(obj, (k, v) => {
				if (typeof v === "object" && v !== null) {
					if (seen.has(v)) return undefined;
					seen.add(v);
				}
				if (typeof v === "function") return undefined;
				return v;
			}));
		} catch (e) { return null; }
	};
	const globals = {};
	for (const name of ["Panopto", "viewerState", "__INITIAL_STATE__", "playerConfig"]) {
		if (window[name] !== undefined) globals[name] = safe(window[name]);
	}
	let disabled = false, reason = "";
	for (const el of document.querySelectorAll("button,a")) {
		const label = (el.textContent || "").toLowerCase();
		if (label.includes("download") || label.includes("podcast")) {
			if (el.disabled || el.getAttribute("aria-disabled") === "true") {
				disabled = true;
				reason = el.title || "";
			}
		}
	}
	return JSON.stringify({
		html: document.documentElement.outerHTML,
		globals: globals,
		downloadControlDisabled: disabled,
		disabledReason: reason,
	});
})()`

// Snapshot captures the live DOM, known global state objects and the disabled
// state of visible download controls. Read-only: nothing on the page changes.
func (p *Page) Snapshot(ctx context.Context) (*resolve.PageSnapshot, error) {
	runCtx, cancel := context.WithTimeout(p.tabCtx, 30*time.Second)
	defer cancel()
	stop := propagateCancel(ctx, cancel)
	defer stop()

	var raw string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(snapshotJS, &raw)); err != nil {
		return nil, fmt.Errorf("page snapshot: %w", err)
	}

	var decoded struct {
		HTML                    string         `json:"html"`
		Globals                 map[string]any `json:"globals"`
		DownloadControlDisabled bool           `json:"downloadControlDisabled"`
		DisabledReason          string         `json:"disabledReason"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("page snapshot: decode: %w", err)
	}
	return &resolve.PageSnapshot{
		URL:                     p.url,
		HTML:                    decoded.HTML,
		Globals:                 decoded.Globals,
		DownloadControlDisabled: decoded.DownloadControlDisabled,
		DisabledReason:          decoded.DisabledReason,
	}, nil
}

// relayStartJS opens the media fetch inside the page (same-origin, with the
// page's own credentials) and parks the stream reader in page state. Only
// headers are consumed here; bytes flow through relayPullJS one slice at a
// time, so page memory stays bounded regardless of media length.
const relayStartJS = `(async (mediaUrl, key) => {
	const resp = await fetch(mediaUrl, { credentials: "include" });
	if (!resp.ok) throw new Error("relay fetch status " + resp.status);
	window[key] = { reader: resp.body.getReader(), pending: new Uint8Array(0), eof: false };
	return true;
})`

// relayPullJS drains at most one slice from the parked reader and returns it
// base64-encoded, with a done marker once the stream and buffer are empty.
const relayPullJS = `(async (key, sliceBytes) => {
	const st = window[key];
	while (!st.eof && st.pending.length < sliceBytes) {
		const { done, value } = await st.reader.read();
		if (done) { st.eof = true; break; }
		const merged = new Uint8Array(st.pending.length + value.length);
		merged.set(st.pending); merged.set(value, st.pending.length);
		st.pending = merged;
	}
	const n = Math.min(sliceBytes, st.pending.length);
	const out = st.pending.subarray(0, n);
	st.pending = st.pending.subarray(n);
	let b64 = "";
	const CHUNK = 0x8000;
	for (let i = 0; i < out.length; i += CHUNK) {
		b64 += String.fromCharCode.apply(null, out.subarray(i, i + CHUNK));
	}
	const done = st.eof && st.pending.length === 0;
	if (done) { try { st.reader.cancel(); } catch (e) {} delete window[key]; }
	return JSON.stringify({ data: btoa(b64), done: done });
})`

// relayAbortJS drops the parked reader when the caller stops early.
const relayAbortJS = `((key) => {
	const st = window[key];
	if (st) { try { st.reader.cancel(); } catch (e) {} delete window[key]; }
	return true;
})`

// relaySliceBytes bounds each relayed slice before base64 expansion.
const relaySliceBytes = 1 << 20

// relayStateKey names the page-global slot holding the in-flight relay state.
const relayStateKey = "__lsRelayState"

// FetchMedia implements the relay transport: the page fetches the media URL
// itself and the raw bytes stream back through onChunk in order, one bounded
// slice per round trip. The caller's ctx is honored between slices.
func (p *Page) FetchMedia(ctx context.Context, mediaURL string, onChunk func([]byte) error) error {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := propagateCancel(ctx, cancel)
	defer stop()

	await := func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}

	start := fmt.Sprintf("%s(%q, %q)", relayStartJS, mediaURL, relayStateKey)
	var started bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(start, &started, await)); err != nil {
		return engine.Coded(engine.CodeContentFetchError, "relay fetch: %v", err)
	}

	abort := func() {
		expr := fmt.Sprintf("%s(%q)", relayAbortJS, relayStateKey)
		var ok bool
		_ = chromedp.Run(p.tabCtx, chromedp.Evaluate(expr, &ok))
	}

	expr := fmt.Sprintf("%s(%q, %d)", relayPullJS, relayStateKey, relaySliceBytes)
	pull := func(ctx context.Context) (string, error) {
		var raw string
		if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, &raw, await)); err != nil {
			return "", engine.Coded(engine.CodeContentFetchError, "relay read: %v", err)
		}
		return raw, nil
	}
	return pumpRelay(ctx, pull, abort, onChunk)
}

// pumpRelay drives the pull loop: one bounded slice per call, ctx checked
// between slices, abort fired whenever the stream stops before its end.
func pumpRelay(ctx context.Context, pull func(context.Context) (string, error), abort func(), onChunk func([]byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			abort()
			return err
		}
		raw, err := pull(ctx)
		if err != nil {
			return err
		}
		var slice struct {
			Data string `json:"data"`
			Done bool   `json:"done"`
		}
		if err := json.Unmarshal([]byte(raw), &slice); err != nil {
			abort()
			return engine.Coded(engine.CodeContentFetchError, "relay decode: %v", err)
		}
		if slice.Data != "" {
			data, err := base64.StdEncoding.DecodeString(slice.Data)
			if err != nil {
				abort()
				return engine.Coded(engine.CodeContentFetchError, "relay decode: %v", err)
			}
			if len(data) > 0 {
				if err := onChunk(data); err != nil {
					abort()
					return err
				}
			}
		}
		if slice.Done {
			return nil
		}
	}
}

// propagateCancel cancels fn when outer is done, bridging the caller's
// context into the tab's context tree.
func propagateCancel(outer context.Context, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-outer.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
