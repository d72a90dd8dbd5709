package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("fetch without user agent")
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>viewer</html>"))
	}))
	defer srv.Close()

	Init(Config{HTTPClient: srv.Client()})

	body, err := FetchHTML(context.Background(), srv.URL+"/Pages/Viewer.aspx?id=x")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<html>viewer</html>" {
		t.Errorf("body = %q", body)
	}
}

func TestFetchHTMLAuthDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	Init(Config{HTTPClient: srv.Client()})

	_, err := FetchHTML(context.Background(), srv.URL+"/Pages/Viewer.aspx?id=x")
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeAuthRequired {
		t.Errorf("err = %v, want AUTH_REQUIRED", err)
	}
	if coded != nil && coded.Status != http.StatusForbidden {
		t.Errorf("status = %d", coded.Status)
	}
}

func TestFetchHTMLRetriesTransientStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	Init(Config{HTTPClient: srv.Client(), FetchTimeout: 10 * time.Second})

	body, err := FetchHTML(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "recovered" || calls != 2 {
		t.Errorf("body = %q after %d calls", body, calls)
	}
}

func TestFetchHTMLNoRetryOnNotFound(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	Init(Config{HTTPClient: srv.Client()})

	if _, err := FetchHTML(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("404 fetched %d times, want no retry", calls)
	}
}

func TestReadResponseBodyGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("<html>compressed</html>"))
	gz.Close()

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   http.NoBody,
	}
	resp.Body = readCloser{bytes.NewReader(buf.Bytes())}

	body, err := readResponseBody(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<html>compressed</html>" {
		t.Errorf("body = %q", body)
	}
}

type readCloser struct{ *bytes.Reader }

func (readCloser) Close() error { return nil }
