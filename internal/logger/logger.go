// Package logger writes per-request summaries without blocking handlers.
//
// Entries go to a buffered channel and a background goroutine writes them in
// batches. When the channel is full (10 000 entries) new entries are dropped
// and counted in DroppedLogs.
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

// RequestLog summarises one handled request. Service is the adapter the
// gateway routed to, or "doubao" on the adapter itself.
type RequestLog struct {
	ID             uuid.UUID
	Route          string
	Service        string
	Model          string
	ConversationID string
	Status         uint16
	LatencyMs      uint32
	Stream         bool
	Error          string
	CreatedAt      time.Time
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
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

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log queues entry. Safe on a nil *Logger.
func (l *Logger) Log(entry RequestLog) {
	if l == nil {
		return
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	if l == nil {
		return 0
	}
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
		for _, e := range batch {
			attrs := []slog.Attr{
				slog.String("id", e.ID.String()),
				slog.String("route", e.Route),
				slog.String("service", e.Service),
				slog.String("model", e.Model),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Bool("stream", e.Stream),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			}
			if e.ConversationID != "" {
				attrs = append(attrs, slog.String("conversation_id", e.ConversationID))
			}
			if e.Error != "" {
				attrs = append(attrs, slog.String("error", e.Error))
			}
			l.log.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)
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

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
