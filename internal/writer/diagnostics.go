package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/exchange-stream/internal/integrity"
	"github.com/rickgao/exchange-stream/internal/router"
)

// KindProtocol labels archived router protocol errors.
const KindProtocol = "protocol"

// Schema creates the diagnostics table. Timestamps are microseconds since
// epoch, matching the other append-only tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_diagnostics (
		id          BIGSERIAL PRIMARY KEY,
		instance_id TEXT    NOT NULL,
		kind        TEXT    NOT NULL,
		category    TEXT    NOT NULL DEFAULT '',
		envelope_id TEXT    NOT NULL DEFAULT '',
		sequence    BIGINT,
		affected    INTEGER NOT NULL DEFAULT 0,
		error       TEXT    NOT NULL DEFAULT '',
		payload     BYTEA,
		occurred_at BIGINT  NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stream_diagnostics_kind_time
		ON stream_diagnostics (kind, occurred_at)`,
}

// archived lists the integrity kinds worth keeping. Duplicates and
// retries are routine and only counted in metrics.
var archived = map[integrity.DiagnosticKind]bool{
	integrity.KindStale:      true,
	integrity.KindExpired:    true,
	integrity.KindOverflow:   true,
	integrity.KindForced:     true,
	integrity.KindDeadLetter: true,
}

// DiagnosticWriter archives integrity diagnostics and protocol errors to
// the stream_diagnostics table. It implements integrity.DiagnosticSink;
// Record never blocks the drain loop.
type DiagnosticWriter struct {
	cfg        WriterConfig
	instanceID string
	logger     *slog.Logger

	// Fed by Record and ProtocolError
	input *router.GrowableBuffer[diagnosticRow]

	// Database
	db DB

	// Batching
	batch       []diagnosticRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewDiagnosticWriter creates a new DiagnosticWriter.
func NewDiagnosticWriter(cfg WriterConfig, instanceID string, db DB, logger *slog.Logger) *DiagnosticWriter {
	if logger == nil {
		logger = slog.Default()
	}
	initial := min(cfg.BufferSize, 1024)
	return &DiagnosticWriter{
		cfg:        cfg,
		instanceID: instanceID,
		db:         db,
		logger:     logger,
		input:      router.NewBoundedBuffer[diagnosticRow](initial, cfg.BufferSize),
		batch:      make([]diagnosticRow, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the diagnostics table if it does not exist.
func (w *DiagnosticWriter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := w.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create diagnostics schema: %w", err)
		}
	}
	return nil
}

// Start begins consuming diagnostics and writing to the database.
func (w *DiagnosticWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("diagnostic writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer. Rows still buffered are written
// with ctx before it returns.
func (w *DiagnosticWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping diagnostic writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("diagnostic writer stopped")
	case <-ctx.Done():
		w.logger.Warn("diagnostic writer stop timed out")
	}

	w.input.Close()
	for _, row := range w.input.DrainTo(0) {
		w.add(row)
	}
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *DiagnosticWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	m := w.metrics
	w.batchMu.Unlock()

	m.Dropped = w.input.Stats().Dropped
	return m
}

// Record implements integrity.DiagnosticSink.
func (w *DiagnosticWriter) Record(d integrity.Diagnostic) {
	if !archived[d.Kind] {
		w.batchMu.Lock()
		w.metrics.Skipped++
		w.batchMu.Unlock()
		return
	}
	w.input.Send(w.transform(d))
}

// ProtocolError archives an unroutable frame. It matches
// router.WithProtocolErrorHook.
func (w *DiagnosticWriter) ProtocolError(pe *router.ProtocolError) {
	w.input.Send(diagnosticRow{
		InstanceID: w.instanceID,
		Kind:       KindProtocol,
		Error:      pe.Err.Error(),
		Payload:    pe.Data,
		OccurredAt: pe.ReceivedAt.UnixMicro(),
	})
}

// transform converts a Diagnostic to a diagnosticRow.
func (w *DiagnosticWriter) transform(d integrity.Diagnostic) diagnosticRow {
	row := diagnosticRow{
		InstanceID: w.instanceID,
		Kind:       string(d.Kind),
		Category:   d.Category,
		EnvelopeID: d.Envelope.ID,
		Affected:   d.Count,
		OccurredAt: d.At.UnixMicro(),
	}
	if d.Envelope.Sequenced {
		seq := d.Envelope.Sequence
		row.Sequence = &seq
	}
	if d.Err != nil {
		row.Error = d.Err.Error()
	}
	if len(d.Envelope.Payload) > 0 {
		row.Payload = d.Envelope.Payload
	}
	return row
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *DiagnosticWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		row, ok := w.input.ReceiveContext(w.ctx)
		if !ok {
			return
		}
		if w.add(row) {
			w.flush(w.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *DiagnosticWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends a row and reports whether the batch is full.
func (w *DiagnosticWriter) add(row diagnosticRow) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch to the database.
func (w *DiagnosticWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]diagnosticRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed diagnostics",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *DiagnosticWriter) batchInsert(ctx context.Context, rows []diagnosticRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO stream_diagnostics (instance_id, kind, category, envelope_id, sequence, affected, error, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.InstanceID, r.Kind, r.Category, r.EnvelopeID, r.Sequence, r.Affected, r.Error, r.Payload, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
