// lectoscribe: lecture media resolution and transcription service.
//
// Resolves downloadable media behind lecture viewer pages, streams it to the
// transcription backend in chunks, and tracks jobs to completion. Exposes an
// HTTP/JSON API with a websocket progress stream.
package main

import (
	"log/slog"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/mkorchev/lectoscribe/internal/engine"
	"github.com/mkorchev/lectoscribe/internal/engine/jobs"
	"github.com/mkorchev/lectoscribe/internal/scribeserver"
)

var (
	version  = "dev"
	httpPort = env.Str("HTTP_PORT", "8893")
)

func main() {
	c := initEngine()

	slog.Info("starting lectoscribe",
		slog.String("version", version),
		slog.String("port", httpPort),
	)

	backend := jobs.NewClient(c.BackendURL, "")
	bus := jobs.NewEventBus(env.Int("EVENT_BUFFER", 512))

	var history *jobs.History
	h, err := jobs.OpenHistory(c.HistoryPath)
	if err != nil {
		slog.Warn("job history disabled", slog.Any("error", err))
	} else {
		history = h
		defer history.Close()
	}

	ctrl := jobs.NewController(backend, bus, history)

	srv := scribeserver.New(ctrl, history, scribeserver.Config{
		Port:         httpPort,
		WriteTimeout: 600 * time.Second,
		AttachPages:  env.Str("ATTACH_PAGES", "") == "true",
	})
	if err := srv.Run(); err != nil {
		slog.Error("server failed", slog.Any("error", err))
	}
}

func initEngine() engine.Config {
	c := engine.Config{
		BackendURL:           env.Str("BACKEND_URL", "https://api.lectoscribe.app"),
		TenantHost:           env.Str("TENANT_HOST", ""),
		FetchTimeout:         env.Duration("FETCH_TIMEOUT", 30*time.Second),
		ProbeTimeout:         env.Duration("PROBE_TIMEOUT", 15*time.Second),
		ChunkSize:            env.Int("CHUNK_SIZE", 4<<20),
		ChunkRetryMax:        env.Int("CHUNK_RETRY_MAX", 5),
		PollInterval:         env.Duration("POLL_INTERVAL", 3*time.Second),
		PollMaxAttempts:      env.Int("POLL_MAX_ATTEMPTS", 160),
		CacheTTL:             env.Duration("CACHE_TTL", 15*time.Minute),
		CacheMaxEntries:      env.Int("CACHE_MAX_ENTRIES", 1000),
		CacheCleanupInterval: env.Duration("CACHE_CLEANUP_INTERVAL", 300*time.Second),
		HistoryPath:          env.Str("HISTORY_PATH", ""),
		SSODomains:           env.List("SSO_DOMAINS", "login.microsoftonline.com,adfs,shibboleth,sso"),
	}

	if token := env.Str("BACKEND_TOKEN", ""); token != "" {
		c.TokenSource = engine.StaticToken(token)
	}

	bc, err := engine.NewBrowserClient()
	if err != nil {
		slog.Warn("browser client init failed, using plain HTTP fetch", slog.Any("error", err))
	} else {
		c.BrowserClient = bc
		slog.Info("browser fetch client initialized")
	}

	engine.Init(c)
	engine.InitCache(env.Str("REDIS_URL", ""), c.CacheTTL, c.CacheMaxEntries, c.CacheCleanupInterval)
	return c
}
