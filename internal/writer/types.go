package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// WriterConfig holds common configuration for writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize caps rows waiting for the writer. The oldest rows are
	// dropped when the database falls behind.
	BufferSize int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// DB is the subset of *pgxpool.Pool the writers use.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// diagnosticRow represents a row for the stream_diagnostics table.
type diagnosticRow struct {
	InstanceID string
	Kind       string // integrity kind or "protocol"
	Category   string
	EnvelopeID string
	Sequence   *int64 // NULL for unsequenced envelopes
	Affected   int    // Purged entries or skipped sequences
	Error      string
	Payload    []byte
	OccurredAt int64 // Microseconds
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Dropped int64 // Rows evicted from the input buffer
	Skipped int64 // Diagnostics not archived by kind
}
