// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the gateway hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// Batches flush to a Sink: structured slog lines by default, or a ClickHouse
// table when a DSN is configured (see clickhouse.go).
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed orchestration: which provider served the
// request (or the primary when nothing did), what it cost, and how it ended.
type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	FailedOver   bool
	ErrorCode    string
	CreatedAt    time.Time
}

// Sink receives flushed batches. WriteBatch is called from the single flush
// goroutine; implementations do not need to be concurrency-safe.
type Sink interface {
	WriteBatch(ctx context.Context, batch []RequestLog) error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink replaces the default slog sink.
func WithSink(sink Sink) Option {
	return func(l *Logger) { l.sink = sink }
}

func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = &slogSink{log: slogger}
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(ctx, batch); err != nil {
			// A failed batch is not retried; the sink is best-effort.
			atomic.AddInt64(&l.droppedLogs, int64(len(batch)))
			l.log.WarnContext(ctx, "request_log_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// slogSink writes each entry as one structured log line.
type slogSink struct {
	log *slog.Logger
}

func (s *slogSink) WriteBatch(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("failed_over", e.FailedOver),
			slog.String("error_code", e.ErrorCode),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
