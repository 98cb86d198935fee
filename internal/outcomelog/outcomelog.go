// Package outcomelog implements a non-blocking, batched writer that feeds
// request outcomes into the outcome store.
//
// Outcomes are pushed onto an internal buffered channel and flushed in
// batches by a background goroutine, so accounting never blocks the proxy
// hot path. If the channel fills up (> 10 000 entries), new outcomes are
// dropped and counted in Dropped.
package outcomelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmweaver/llmweaver/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	flushTimeout  = 10 * time.Second
)

// BatchAppender is implemented by stores that can take a whole batch in one
// round trip (ClickHouse). Stores without it fall back to per-row Append.
type BatchAppender interface {
	AppendBatch(ctx context.Context, outcomes []store.RequestOutcome) error
}

// Writer is the async outcome writer.
type Writer struct {
	outcomes store.OutcomeStore

	ch        chan store.RequestOutcome
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx   context.Context
	log       *slog.Logger
	onDropped func()
}

// Options configures a Writer.
type Options struct {
	// OnDropped is called once per dropped outcome (metrics hook). May be
	// nil.
	OnDropped func()
}

// New starts the background flusher. ctx bounds the flush writes; Close
// drains the queue before returning.
func New(ctx context.Context, outcomes store.OutcomeStore, log *slog.Logger, opts Options) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("outcomelog: context must not be nil")
	}
	if outcomes == nil {
		return nil, fmt.Errorf("outcomelog: outcome store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Writer{
		outcomes:  outcomes,
		ch:        make(chan store.RequestOutcome, channelBuffer),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		log:       log,
		onDropped: opts.OnDropped,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Append enqueues one outcome. Never blocks; a full queue drops the entry.
func (w *Writer) Append(_ context.Context, o *store.RequestOutcome) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	select {
	case w.ch <- *o:
		return nil
	default:
		atomic.AddInt64(&w.dropped, 1)
		if w.onDropped != nil {
			w.onDropped()
		}
		return fmt.Errorf("outcomelog: queue full, outcome %s dropped", o.RequestID)
	}
}

// Query passes through to the underlying store so the Writer can stand in
// wherever a store.OutcomeStore is expected.
func (w *Writer) Query(ctx context.Context, channelID int64, model string, since time.Time) ([]store.RequestOutcome, error) {
	return w.outcomes.Query(ctx, channelID, model, since)
}

// Dropped returns the number of outcomes lost to a full queue.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains the queue and stops the flusher.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.RequestOutcome, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(w.baseCtx), flushTimeout)
		w.write(ctx, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case o := <-w.ch:
			batch = append(batch, o)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case o := <-w.ch:
					batch = append(batch, o)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// write persists one batch, preferring the batch path when the store
// supports it. Persistence failures are logged, never propagated: serving
// continues even when the analytics sink is down.
func (w *Writer) write(ctx context.Context, batch []store.RequestOutcome) {
	if ba, ok := w.outcomes.(BatchAppender); ok {
		if err := ba.AppendBatch(ctx, batch); err != nil {
			w.log.Error("outcome_batch_write_failed",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()))
		}
		return
	}
	for i := range batch {
		if err := w.outcomes.Append(ctx, &batch[i]); err != nil {
			w.log.Error("outcome_write_failed",
				slog.String("request_id", batch[i].RequestID),
				slog.String("error", err.Error()))
		}
	}
}
