package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/hfrelay/internal/bufpool"
	"github.com/sheerbytes/hfrelay/internal/clienthttp"
	"github.com/sheerbytes/hfrelay/internal/logging"
	"github.com/sheerbytes/hfrelay/internal/progress"
	"github.com/sheerbytes/hfrelay/internal/telemetry"
	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

const (
	// DefaultMaxAttempts is the per-file attempt budget.
	DefaultMaxAttempts = 3
	// DefaultChunkSize bounds the size of one data frame.
	DefaultChunkSize = 256 * 1024
)

// StreamError is returned once every attempt to stream a file has failed.
type StreamError struct {
	FileName string
	Attempts int
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("Failed to stream %s after %d attempts: %v", e.FileName, e.Attempts, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Options configures a Streamer. Zero values select the defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration // backoff unit, retry n waits BaseDelay * 2^n
	ChunkSize   int
	Logger      *slog.Logger
	// OnProgress receives byte progress and retry notices.
	OnProgress func(string)
}

// Streamer relays one file at a time from the content host to a FrameSink.
type Streamer struct {
	fetcher     Fetcher
	maxAttempts int
	baseDelay   time.Duration
	chunkSize   int
	logger      *slog.Logger
	onProgress  func(string)
	chunkLog    rate.Sometimes
	buffers     *bufpool.Pool
}

// NewStreamer creates a Streamer that fetches content through f.
func NewStreamer(f Fetcher, opts Options) *Streamer {
	s := &Streamer{
		fetcher:     f,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		chunkSize:   opts.ChunkSize,
		logger:      logging.OrDiscard(opts.Logger),
		onProgress:  opts.OnProgress,
		chunkLog:    rate.Sometimes{Interval: time.Second},
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.baseDelay <= 0 {
		s.baseDelay = clienthttp.DefaultBaseDelay
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.onProgress == nil {
		s.onProgress = func(string) {}
	}
	s.buffers = bufpool.New(s.chunkSize)
	return s
}

// Stream sends job as one start frame, its content as data frames and one
// end frame. A failed attempt (bad status, interrupted body, failed send)
// is retried from byte 0 with a fresh start frame, so a receiver must let a
// new start for the same file supersede an unfinished one. Returns the
// number of content bytes sent by the successful attempt.
func (s *Streamer) Stream(ctx context.Context, job Job, sink FrameSink) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "transfer.stream_file",
		attribute.String("file", job.FileName),
		attribute.String("repo", job.Repo),
	)

	var sent int64
	attempts, err := clienthttp.Retry(ctx, s.baseDelay, s.maxAttempts, func(attempt int) error {
		n, err := s.attempt(ctx, job, sink)
		if err != nil {
			s.logger.Warn("stream attempt failed", "file", job.FileName, "attempt", attempt, "max", s.maxAttempts, "error", err)
			return err
		}
		sent = n
		return nil
	}, func(attempt, max int, err error, wait time.Duration) {
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt), attribute.String("error", err.Error())))
		s.onProgress(progress.Retrying(job.FileName, attempt, max))
	})
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Int64("bytes", sent))

	if err != nil {
		serr := &StreamError{FileName: job.FileName, Attempts: attempts, Err: err}
		telemetry.End(span, serr)
		return 0, serr
	}
	telemetry.End(span, nil)
	return sent, nil
}

// attempt performs one full pass over the file.
func (s *Streamer) attempt(ctx context.Context, job Job, sink FrameSink) (int64, error) {
	resp, err := s.fetcher.GetOnce(ctx, job.URL, job.Token)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", job.FileName, err)
	}
	defer resp.Body.Close()

	meter := progress.NewMeter()
	meter.Start(resp.ContentLength)

	if err := sink.SendControl(protocol.Start(job.FileName, job.Repo, job.Commit)); err != nil {
		return 0, fmt.Errorf("send start: %w", err)
	}

	// Sinks copy or write each chunk before returning, so one buffer serves
	// the whole attempt.
	buf := s.buffers.Get()
	defer s.buffers.Put(buf)
	buffer := *buf
	for {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if err := sink.SendData(buffer[:n]); err != nil {
				return 0, fmt.Errorf("send data: %w", err)
			}
			done := meter.Add(n)
			s.onProgress(progress.Streaming(job.FileName, done, resp.ContentLength))
			s.chunkLog.Do(func() {
				s.logger.Debug("streaming", "file", job.FileName, "bytes", done, "total", resp.ContentLength)
			})
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return 0, fmt.Errorf("read %s: %w", job.FileName, readErr)
		}
	}

	if err := sink.SendControl(protocol.End()); err != nil {
		return 0, fmt.Errorf("send end: %w", err)
	}

	stats := meter.Snapshot()
	s.logger.Info("file streamed", "file", job.FileName, "bytes", stats.BytesDone, "elapsed", stats.Elapsed.Round(time.Millisecond), "rate", progress.Rate(stats.RateBps))
	return stats.BytesDone, nil
}
