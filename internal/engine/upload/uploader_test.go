package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

func testUploader(t *testing.T) *Uploader {
	t.Helper()
	engine.Init(engine.Config{})
	u := New(nil)
	u.ChunkSize = 4
	u.Limiter = nil
	u.SSODomains = []string{"login.sso.example"}
	return u
}

func TestUploadDirect(t *testing.T) {
	payload := strings.Repeat("m", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	u := testUploader(t)
	sink := &captureSink{}
	stats, err := u.Upload(context.Background(), srv.URL+"/x.mp4", 3, sink)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ChunkCount != 3 || stats.TotalBytes != 10 {
		t.Errorf("stats = %+v", stats)
	}
	if len(sink.chunks) != 3 || len(sink.chunks[2]) != 2 {
		t.Errorf("chunks = %d, last len %d", len(sink.chunks), len(sink.chunks[len(sink.chunks)-1]))
	}
}

func TestUploadDirectDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	u := testUploader(t)
	_, err := u.Upload(context.Background(), srv.URL+"/x.mp4", 0, &captureSink{})

	var coded *engine.CodedError
	if !errors.As(err, &coded) || coded.Code != engine.CodeAuthRequired {
		t.Errorf("err = %v, want AUTH_REQUIRED", err)
	}
}

func TestUploadSSORedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "https://login.sso.example/adfs/ls?wa=wsignin1.0")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	u := testUploader(t)
	_, err := u.Upload(context.Background(), srv.URL+"/x.mp4", 0, &captureSink{})

	var coded *engine.CodedError
	if !errors.As(err, &coded) || coded.Code != engine.CodeAuthRequired {
		t.Errorf("err = %v, want AUTH_REQUIRED on SSO redirect", err)
	}
	if coded != nil && !strings.Contains(coded.Message, "session expired") {
		t.Errorf("message = %q", coded.Message)
	}
}

func TestUploadCrossHostRedirect(t *testing.T) {
	// Redirect to a second host must be followed and still deliver the media.
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			t.Errorf("credential cookie leaked to CDN: %v", c)
		}
		w.Write([]byte("mediabytes"))
	}))
	defer cdn.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", cdn.URL+"/signed.mp4")
		w.WriteHeader(http.StatusFound)
	}))
	defer origin.Close()

	u := testUploader(t)
	sink := &captureSink{}
	stats, err := u.Upload(context.Background(), origin.URL+"/x.mp4", 0, sink)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBytes != int64(len("mediabytes")) {
		t.Errorf("stats = %+v", stats)
	}
}

type scriptedRelay struct {
	parts  [][]byte
	err    error
	called bool
}

func (r *scriptedRelay) FetchMedia(_ context.Context, _ string, onChunk func([]byte) error) error {
	r.called = true
	for _, p := range r.parts {
		if err := onChunk(p); err != nil {
			return err
		}
	}
	return r.err
}

func TestUploadRelayFallback(t *testing.T) {
	u := testUploader(t)
	relay := &scriptedRelay{parts: [][]byte{[]byte("aaaab"), []byte("bbbc")}}
	u.Relay = relay

	sink := &captureSink{}
	before := engine.Metrics.RelayFetches.Load()
	// Nothing listens on port 1: the direct fetch fails at the transport level.
	stats, err := u.Upload(context.Background(), "http://127.0.0.1:1/x.mp4", 0, sink)
	if err != nil {
		t.Fatal(err)
	}
	if !relay.called {
		t.Fatal("relay not consulted")
	}
	if got := engine.Metrics.RelayFetches.Load(); got != before+1 {
		t.Errorf("relay_fetches rose by %d, want 1", got-before)
	}
	if stats.ChunkCount != 3 || stats.TotalBytes != 9 {
		t.Errorf("stats = %+v", stats)
	}
	// Indices keep one sequence even though bytes arrived in odd-sized pieces.
	for i, idx := range sink.indices {
		if idx != i {
			t.Errorf("chunk %d sent with index %d", i, idx)
		}
	}
}

func TestUploadRelayNotUsedOnAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	u := testUploader(t)
	relay := &scriptedRelay{}
	u.Relay = relay

	_, err := u.Upload(context.Background(), srv.URL+"/x.mp4", 0, &captureSink{})
	if relay.called {
		t.Error("relay consulted despite an auth verdict")
	}
	var coded *engine.CodedError
	if !errors.As(err, &coded) || coded.Code != engine.CodeAuthRequired {
		t.Errorf("err = %v", err)
	}
}

func TestUploadRelayFailureWrapped(t *testing.T) {
	u := testUploader(t)
	u.Relay = &scriptedRelay{err: errors.New("page fetch aborted")}

	_, err := u.Upload(context.Background(), "http://127.0.0.1:1/x.mp4", 0, &captureSink{})
	var coded *engine.CodedError
	if !errors.As(err, &coded) || coded.Code != engine.CodeContentFetchError {
		t.Errorf("err = %v, want CONTENT_FETCH_ERROR", err)
	}
}

func TestTransportBlocked(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("refused")}, true},
		{"coded auth", engine.Coded(engine.CodeAuthRequired, "denied"), false},
		{"canceled", context.Canceled, false},
		{"plain error", errors.New("status 500"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transportBlocked(tt.err); got != tt.want {
				t.Errorf("transportBlocked(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsSSOHost(t *testing.T) {
	u := &Uploader{SSODomains: []string{"login.microsoftonline.com", "sso"}}
	tests := []struct {
		host string
		want bool
	}{
		{"login.microsoftonline.com", true},
		{"tenant.login.microsoftonline.com", true},
		{"sso.university.edu", false}, // suffix match is on dot boundaries
		{"auth.sso", true},
		{"cdn.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := u.isSSOHost(tt.host); got != tt.want {
				t.Errorf("isSSOHost(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}
