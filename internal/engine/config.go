package engine

import (
	"context"
	"net/http"
	"time"
)

// TokenSource supplies the transcription-service auth token.
// A nil token source (or an empty token) means the client is not signed in.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Config holds all engine configuration, injected from main.
type Config struct {
	BackendURL string // transcription backend base URL
	TenantHost string // default lecture host for derived candidate URLs

	FetchTimeout    time.Duration // viewer/embed HTML fetch ceiling
	ProbeTimeout    time.Duration // per-candidate probe ceiling
	ChunkSize       int           // upload chunk size in bytes
	ChunkRetryMax   int           // attempts per chunk on 429
	PollInterval    time.Duration // job status poll spacing
	PollMaxAttempts int           // poll ceiling before timeout failure

	CacheTTL             time.Duration
	CacheMaxEntries      int
	CacheCleanupInterval time.Duration

	HistoryPath string // sqlite job history location ("" = default under user config dir)

	HTTPClient    *http.Client   // credentialed client (shared cookie jar)
	BrowserClient *BrowserClient // nil = browser TLS fingerprint fetch disabled
	TokenSource   TokenSource    // nil = not signed in

	SSODomains []string // redirect targets treated as login walls during upload
}

var cfg Config

// Cfg exposes the engine configuration for sub-packages (resolve, upload, jobs).
// Always points to the current cfg value.
var Cfg = &cfg

// Init initializes the engine with the given configuration.
func Init(c Config) {
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 15 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4 << 20
	}
	if c.ChunkRetryMax == 0 {
		c.ChunkRetryMax = 5
	}
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollMaxAttempts == 0 {
		c.PollMaxAttempts = 160
	}
	if c.HTTPClient == nil {
		c.HTTPClient = newFetchClient()
	}
	cfg = c
	Cfg = &cfg
}
