package persist

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gil906/witnessreplay-inference/config"
	"github.com/gil906/witnessreplay-inference/logging"
	"github.com/gil906/witnessreplay-inference/metrics"
)

const archiveBufferSize = 1024

const metricRecordsSchema = `
CREATE TABLE IF NOT EXISTS metric_records (
	id            TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	task_type     TEXT NOT NULL DEFAULT '',
	success       BOOLEAN NOT NULL,
	latency_ns    BIGINT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_records_model_at ON metric_records (model, at);
`

const insertMetricRecord = `
INSERT INTO metric_records (id, model, task_type, success, latency_ns, input_tokens, output_tokens, error_kind, at)
VALUES (:id, :model, :task_type, :success, :latency_ns, :input_tokens, :output_tokens, :error_kind, :at)
ON CONFLICT (id) DO NOTHING`

// Archive streams call records into Postgres in batches. Observe never
// blocks the caller; records are dropped with a warning once the buffer is
// full. Transient insert failures retry with exponential backoff, permanent
// database errors drop the batch.
type Archive struct {
	db       *sqlx.DB
	in       chan metrics.Record
	batch    int
	interval time.Duration
	dropped  atomic.Int64
	log      *logging.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewArchive connects to Postgres using the configured URL and prepares the
// schema.
func NewArchive(ctx context.Context, cfg config.DatabaseConfig) (*Archive, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	a := NewArchiveWithDB(db, cfg.BatchSize, cfg.FlushInterval)
	if err := a.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewArchiveWithDB wraps an existing connection. Zero batch size or flush
// interval take defaults of 100 records and 30 seconds.
func NewArchiveWithDB(db *sqlx.DB, batchSize int, flushInterval time.Duration) *Archive {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &Archive{
		db:          db,
		in:          make(chan metrics.Record, archiveBufferSize),
		batch:       batchSize,
		interval:    flushInterval,
		log:         logging.New("archive"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// EnsureSchema creates the metric_records table when it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, metricRecordsSchema); err != nil {
		return fmt.Errorf("create metric_records schema: %w", err)
	}
	return nil
}

// Start launches the batching worker.
func (a *Archive) Start(ctx context.Context) {
	go a.run(ctx)
}

// Stop flushes buffered records and waits for the worker to exit.
func (a *Archive) Stop() error {
	close(a.stopChan)
	<-a.stoppedChan
	return nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Observe queues one record for archival. Satisfies the executor's sink.
func (a *Archive) Observe(rec metrics.Record) {
	select {
	case a.in <- rec:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.log.Warn("Archive buffer full, dropping records", "dropped", a.dropped.Load())
		}
	}
}

// Dropped reports how many records were discarded because the buffer was
// full.
func (a *Archive) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Archive) run(ctx context.Context) {
	defer close(a.stoppedChan)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	buf := make([]metrics.Record, 0, a.batch)
	for {
		select {
		case <-a.stopChan:
			a.flush(a.drain(buf))
			a.log.Info("Archive worker stopping")
			return
		case <-ctx.Done():
			a.flush(a.drain(buf))
			a.log.Info("Archive worker context cancelled")
			return
		case rec := <-a.in:
			buf = append(buf, rec)
			if len(buf) >= a.batch {
				a.flush(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			a.flush(buf)
			buf = buf[:0]
		}
	}
}

// drain empties the intake channel into buf without blocking.
func (a *Archive) drain(buf []metrics.Record) []metrics.Record {
	for {
		select {
		case rec := <-a.in:
			buf = append(buf, rec)
		default:
			return buf
		}
	}
}

func (a *Archive) flush(records []metrics.Record) {
	if len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	op := func() error {
		err := a.insertBatch(ctx, records)
		if err != nil && permanentDBError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 20 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		a.log.Error("Failed to archive batch, dropping", "count", len(records), "error", err)
		return
	}
	a.log.Debug("Archived batch", "count", len(records))
}

func (a *Archive) insertBatch(ctx context.Context, records []metrics.Record) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range records {
		if _, err := tx.NamedExecContext(ctx, insertMetricRecord, &records[i]); err != nil {
			return fmt.Errorf("insert metric record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}
	return nil
}

// permanentDBError reports whether retrying the insert cannot succeed:
// data errors (class 22), integrity violations (23), and malformed SQL (42).
func permanentDBError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "22", "23", "42":
		return true
	default:
		return false
	}
}
