// Package usageledger durably records every billed usage event
// (component I) to Postgres for reconciliation and reporting, beyond the
// Redis rolling counters keyservice maintains for rate limiting. Events
// are msgpack-encoded and written in batches by a background goroutine,
// mirroring internal/audit's buffered-writer shape.
package usageledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vmihailenco/msgpack/v5"
)

// Event is one billed usage record.
type Event struct {
	KeyID             string    `msgpack:"key_id"`
	AccountID         string    `msgpack:"account_id"`
	Model             string    `msgpack:"model"`
	InputTokens       int64     `msgpack:"input_tokens"`
	OutputTokens      int64     `msgpack:"output_tokens"`
	CacheCreateTokens int64     `msgpack:"cache_create_tokens"`
	CacheReadTokens   int64     `msgpack:"cache_read_tokens"`
	CostMicroUSD      int64     `msgpack:"cost_micro_usd"`
	LongContext       bool      `msgpack:"long_context"`
	RecordedAt        time.Time `msgpack:"recorded_at"`
}

// Writer is an async, buffered usage-event writer.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	events  chan Event
	wg      sync.WaitGroup
}

const (
	bufferSize    = 1024
	flushInterval = 3 * time.Second
	flushBatch    = 100
)

// NewWriter creates a usage-ledger Writer. Call Start to begin flushing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:   pool,
		logger: logger,
		events: make(chan Event, bufferSize),
	}
}

// Start begins the background flush loop and returns immediately; the
// loop flushes pending events and exits when ctx is cancelled or Close
// is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending events to be flushed.
func (w *Writer) Close() {
	close(w.events)
	w.wg.Wait()
}

// Record enqueues a usage event for async writing. Never blocks; drops
// and logs a warning if the buffer is full rather than stalling the
// relay's hot path.
func (w *Writer) Record(e Event) {
	select {
	case w.events <- e:
	default:
		w.logger.Warn("usage ledger buffer full, dropping event", "key_id", e.KeyID, "model", e.Model)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.events:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush msgpack-encodes each event and writes the batch in one round
// trip; the encoded blob is kept alongside the indexed columns so
// reporting queries can filter without deserializing, while the full
// record is recoverable from the blob alone.
func (w *Writer) flush(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, e := range events {
		blob, err := msgpack.Marshal(e)
		if err != nil {
			w.logger.Error("encoding usage event", "error", err, "key_id", e.KeyID)
			continue
		}
		batch.Queue(
			`INSERT INTO usage_ledger (key_id, account_id, model, cost_micro_usd, recorded_at, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.KeyID, e.AccountID, e.Model, e.CostMicroUSD, e.RecordedAt, blob,
		)
	}

	if batch.Len() == 0 {
		return
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			w.logger.Error("writing usage ledger entry", "error", err)
		}
	}
}

// Decode reverses msgpack encoding, used by reconciliation tooling
// reading raw payload blobs back out of usage_ledger.
func Decode(blob []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(blob, &e); err != nil {
		return Event{}, fmt.Errorf("usageledger: decoding event: %w", err)
	}
	return e, nil
}
