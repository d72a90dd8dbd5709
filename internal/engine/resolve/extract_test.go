package resolve

import (
	"net/url"
	"testing"
)

func mustBase(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse base %q: %v", raw, err)
	}
	return u
}

func TestExtractStaticJSONFields(t *testing.T) {
	base := mustBase(t, "https://uni.hosted.lectures.com/Pages/Viewer.aspx?id=abc")
	doc := `<html><script>
		var bootstrap = {
			"DownloadUrl": "https://uni.hosted.lectures.com/Podcast/Download/abc.mp4?mediaTargetType=videoPodcast",
			"PodcastUrl": "https:\/\/uni.hosted.lectures.com\/Podcast\/Social\/abc.mp4",
			"StreamUrl": "https://uni.hosted.lectures.com/sessions/abc/index.m3u8",
			"IosVideoUrl": "blob:https://uni.hosted.lectures.com/44cc2f57"
		};
	</script></html>`

	sig := &Signals{}
	got := ExtractStatic(doc, base, sig)

	urls := make(map[string]string)
	for _, c := range got {
		urls[c.URL] = c.Source
	}
	if src := urls["https://uni.hosted.lectures.com/Podcast/Download/abc.mp4?mediaTargetType=videoPodcast"]; src != "html:DownloadUrl" {
		t.Errorf("DownloadUrl candidate source = %q, candidates = %v", src, got)
	}
	if _, ok := urls["https://uni.hosted.lectures.com/Podcast/Social/abc.mp4"]; !ok {
		t.Errorf("escaped PodcastUrl not decoded, candidates = %v", got)
	}
	for u := range urls {
		if IsManifest(u) {
			t.Errorf("manifest URL leaked into candidates: %s", u)
		}
	}
	for _, c := range got {
		if c.URL[:5] == "blob:" {
			t.Errorf("blob URL leaked into candidates: %s", c.URL)
		}
	}
}

func TestExtractStaticMetaAndAnchors(t *testing.T) {
	base := mustBase(t, "https://uni.hosted.lectures.com/Pages/Viewer.aspx?id=abc")
	doc := `<html><head>
		<meta property="og:video" content="https://uni.hosted.lectures.com/delivery/abc.mp4" />
		<meta property="og:title" content="Lecture 12" />
	</head><body>
		<a href="/Podcast/Download/abc.mp4">Download podcast</a>
		<a href="/Pages/Help.aspx">Help</a>
		<div data-download-url="/Podcast/Download/abc.m4a"></div>
	</body></html>`

	got := ExtractStatic(doc, base, &Signals{})

	want := map[string]bool{
		"https://uni.hosted.lectures.com/delivery/abc.mp4":         false,
		"https://uni.hosted.lectures.com/Podcast/Download/abc.mp4": false,
		"https://uni.hosted.lectures.com/Podcast/Download/abc.m4a": false,
	}
	for _, c := range got {
		if _, ok := want[c.URL]; ok {
			want[c.URL] = true
		}
		if c.URL == "https://uni.hosted.lectures.com/Pages/Help.aspx" {
			t.Errorf("non-media anchor extracted: %v", c)
		}
	}
	for u, found := range want {
		if !found {
			t.Errorf("missing candidate %s, got %v", u, got)
		}
	}
}

func TestExtractStaticDedupes(t *testing.T) {
	base := mustBase(t, "https://host.example/Pages/Viewer.aspx")
	doc := `<script>{"DownloadUrl":"https://host.example/Podcast/Download/x.mp4"}</script>
		<a href="https://host.example/Podcast/Download/x.mp4">download</a>`

	got := ExtractStatic(doc, base, &Signals{})
	if len(got) != 1 {
		t.Fatalf("expected 1 deduped candidate, got %d: %v", len(got), got)
	}
	if got[0].Source != "html:DownloadUrl" {
		t.Errorf("first-seen provenance lost: %q", got[0].Source)
	}
}

func TestScanFlags(t *testing.T) {
	tests := []struct {
		name         string
		doc          string
		wantDisabled bool
		wantEnabled  bool
		wantReason   string
	}{
		{
			name:         "enabled false",
			doc:          `{"PodcastDownloadEnabled": false}`,
			wantDisabled: true,
		},
		{
			name:        "enabled true",
			doc:         `{"DownloadEnabled": true}`,
			wantEnabled: true,
		},
		{
			name:         "disabled true",
			doc:          `{"DownloadDisabled": true}`,
			wantDisabled: true,
		},
		{
			name:        "disabled false",
			doc:         `{"PodcastDownloadDisabled": false}`,
			wantEnabled: true,
		},
		{
			name:         "reason captured",
			doc:          `{"PodcastDownloadEnabled": false, "DisabledReason": "policy"}`,
			wantDisabled: true,
			wantReason:   "policy",
		},
		{
			name:         "first disabled sticky",
			doc:          `{"PodcastDownloadEnabled": false} {"DownloadEnabled": true}`,
			wantDisabled: true,
			wantEnabled:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := &Signals{}
			scanFlags(tt.doc, sig)
			if sig.PodcastDownloadDisabled != tt.wantDisabled {
				t.Errorf("PodcastDownloadDisabled = %v, want %v", sig.PodcastDownloadDisabled, tt.wantDisabled)
			}
			if sig.DownloadEnabled != tt.wantEnabled {
				t.Errorf("DownloadEnabled = %v, want %v", sig.DownloadEnabled, tt.wantEnabled)
			}
			if tt.wantReason != "" && sig.DisabledReason != tt.wantReason {
				t.Errorf("DisabledReason = %q, want %q", sig.DisabledReason, tt.wantReason)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	base := mustBase(t, "https://host.example/Pages/Viewer.aspx?id=1")
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"/Podcast/Download/x.mp4", "https://host.example/Podcast/Download/x.mp4", true},
		{"https://other.example/a.mp4#t=10", "https://other.example/a.mp4", true},
		{"https://host.example/a.mp4?b=1&amp;c=2", "https://host.example/a.mp4?b=1&c=2", true},
		{"javascript:void(0)", "", false},
		{"   ", "", false},
		{"blob:https://host.example/x", "blob:https://host.example/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := normalizeURL(tt.raw, base)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("normalizeURL(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDerivedCandidate(t *testing.T) {
	c, ok := DerivedCandidate("uni.hosted.lectures.com", "abc-123")
	if !ok {
		t.Fatal("expected derived candidate")
	}
	if c.URL != "https://uni.hosted.lectures.com/Podcast/Download/abc-123.mp4" {
		t.Errorf("derived URL = %s", c.URL)
	}
	if c.Source != "derived" {
		t.Errorf("derived source = %s", c.Source)
	}
	if _, ok := DerivedCandidate("", "abc"); ok {
		t.Error("derived without host should not exist")
	}
	if _, ok := DerivedCandidate("host", ""); ok {
		t.Error("derived without delivery id should not exist")
	}
}

func TestIsMediaLike(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://h/Podcast/Download/x.mp4", true},
		{"https://h/delivery/x.m4a?token=1", true},
		{"https://h/x.mp3", true},
		{"https://h/stream/index.m3u8", false},
		{"https://h/stream/manifest.mpd?x=1", false},
		{"blob:https://h/44cc", false},
		{"data:video/mp4;base64,AAAA", false},
		{"https://h/Pages/Viewer.aspx", false},
		{"https://h/download?id=5", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsMediaLike(tt.url); got != tt.want {
				t.Errorf("IsMediaLike(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}
