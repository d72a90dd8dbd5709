package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// maxChunkBackoff caps the exponential wait between 429 retries.
const maxChunkBackoff = 32 * time.Second

// chunkWriter accumulates stream bytes and flushes fixed-size chunks in order.
// Both transports (direct stream and relay) feed the same writer, so indices
// are 0..N-1 with no gaps regardless of how the bytes arrived.
type chunkWriter struct {
	sink     ChunkSink
	size     int
	total    int // expected chunk count, 0 unknown
	retryMax int
	limiter  *rate.Limiter
	progress func(sentBytes, totalBytes int64)

	buf   []byte
	index int
	sent  int64
}

// Consume reads body to EOF, flushing full chunks as the buffer fills.
func (cw *chunkWriter) Consume(ctx context.Context, body io.Reader) error {
	rbuf := make([]byte, 256<<10)
	for {
		n, err := body.Read(rbuf)
		if n > 0 {
			if ferr := cw.Feed(ctx, rbuf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Feed appends bytes and flushes every complete chunk.
func (cw *chunkWriter) Feed(ctx context.Context, p []byte) error {
	cw.buf = append(cw.buf, p...)
	for len(cw.buf) >= cw.size {
		if err := cw.flush(ctx, cw.buf[:cw.size]); err != nil {
			return err
		}
		cw.buf = cw.buf[cw.size:]
	}
	return nil
}

// Finish flushes the remainder as a final, possibly undersized, chunk.
func (cw *chunkWriter) Finish(ctx context.Context) error {
	if len(cw.buf) == 0 {
		return nil
	}
	err := cw.flush(ctx, cw.buf)
	cw.buf = nil
	return err
}

func (cw *chunkWriter) Stats() Stats {
	return Stats{ChunkCount: cw.index, TotalChunks: cw.total, TotalBytes: cw.sent}
}

// flush sends one chunk, retrying on backend rate limiting.
// Cancellation is checked before every send so an aborted transfer stops
// within one chunk.
func (cw *chunkWriter) flush(ctx context.Context, data []byte) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cw.limiter != nil {
			if err := cw.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := cw.sink.PutChunk(ctx, cw.index, cw.total, data)
		if err == nil {
			cw.index++
			cw.sent += int64(len(data))
			engine.Metrics.ChunksSent.Add(1)
			engine.Metrics.UploadBytes.Add(int64(len(data)))
			if cw.progress != nil {
				cw.progress(cw.sent, cw.expectedBytes())
			}
			return nil
		}

		var limited *RateLimitedError
		if !errors.As(err, &limited) || attempt >= cw.retryMax {
			return err
		}

		wait := limited.RetryAfter
		if wait <= 0 {
			wait = (1 << (attempt - 1)) * time.Second
		}
		if wait > maxChunkBackoff {
			wait = maxChunkBackoff
		}
		engine.Metrics.ChunkRetries.Add(1)
		slog.Debug("chunk rate limited",
			slog.Int("index", cw.index),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// expectedBytes estimates the total for progress reporting; 0 when unknown.
func (cw *chunkWriter) expectedBytes() int64 {
	if cw.total <= 0 {
		return 0
	}
	return int64(cw.total) * int64(cw.size)
}
