// Package batch writes large row sets in fixed-size chunks, either in
// autocommit or under one transaction, and reports partial results.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/txn"
)

// DefaultChunkSize is used when neither the job nor the executor sets one.
const DefaultChunkSize = 1000

// ErrChunkFailed matches every *ChunkError.
var ErrChunkFailed = errors.New("batch chunk failed")

// ChunkError describes a failed chunk and keeps its input rows.
type ChunkError struct {
	Chunk  int     // zero-based chunk index
	Offset int     // index of the chunk's first row in the job
	Row    int     // failing row within the chunk, -1 when the whole call failed
	Rows   [][]any // the chunk's input rows
	Err    error
}

func (e *ChunkError) Error() string {
	last := e.Offset + len(e.Rows) - 1
	if e.Row >= 0 {
		return fmt.Sprintf("chunk %d (rows %d-%d) failed at row %d: %v", e.Chunk, e.Offset, last, e.Offset+e.Row, e.Err)
	}
	return fmt.Sprintf("chunk %d (rows %d-%d) failed: %v", e.Chunk, e.Offset, last, e.Err)
}

func (e *ChunkError) Is(target error) bool { return target == ErrChunkFailed }
func (e *ChunkError) Unwrap() error        { return e.Err }

// Job is a set of rows written with one statement.
type Job struct {
	Statement driver.Statement
	Rows      [][]any

	// ChunkSize overrides the executor default when positive.
	ChunkSize       int
	ContinueOnError bool
	Transactional   bool
	TxOptions       txn.Options
}

// Result summarizes a job.
type Result struct {
	TotalChunks     int           `json:"total_chunks"`
	SucceededChunks int           `json:"succeeded_chunks"`
	FailedChunks    int           `json:"failed_chunks"`
	SkippedChunks   int           `json:"skipped_chunks"`
	RowsProcessed   int           `json:"rows_processed"`
	RowsAffected    int64         `json:"rows_affected"`
	Errors          []*ChunkError `json:"-"`
	Committed       bool          `json:"committed"`
	RolledBack      bool          `json:"rolled_back"`
	Duration        time.Duration `json:"duration"`
}

// Err joins the chunk errors, or returns nil when every chunk succeeded.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Option configures an Executor.
type Option func(*Executor)

// WithChunkSize sets the default chunk size.
func WithChunkSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for job spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Executor runs batch jobs. It holds no per-job state and is safe for
// concurrent use with different connections.
type Executor struct {
	chunkSize int
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewExecutor returns an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		chunkSize: DefaultChunkSize,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/joao-brasil/dbpool/internal/batch"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "batch"))
	return e
}

// Execute writes job.Rows through conn.
//
// Without ContinueOnError the first failed chunk stops the job and its
// *ChunkError is returned; a transactional job is then rolled back entirely.
// With ContinueOnError failures are collected in the Result and the returned
// error is nil; in a transactional job each chunk runs behind a savepoint so a
// failed chunk is undone alone.
func (e *Executor) Execute(ctx context.Context, conn txn.Conn, job Job) (*Result, error) {
	if job.Statement.Table == "" && job.Statement.Text == "" {
		return nil, errors.New("batch: statement needs a table or text")
	}
	size := job.ChunkSize
	if size <= 0 {
		size = e.chunkSize
	}
	chunks := split(job.Rows, size)
	table := job.Statement.Table
	if table == "" {
		table = "custom"
	}

	ctx, span := e.tracer.Start(ctx, "batch.execute", trace.WithAttributes(
		attribute.String("batch.table", table),
		attribute.Int("batch.rows", len(job.Rows)),
		attribute.Int("batch.chunk_size", size),
		attribute.Bool("batch.transactional", job.Transactional),
		attribute.Bool("batch.continue_on_error", job.ContinueOnError),
	))
	defer span.End()

	start := time.Now()
	r := &Result{TotalChunks: len(chunks)}
	run := runner{e: e, conn: conn, job: job, table: table, chunks: chunks, size: size, result: r}

	var err error
	if job.Transactional {
		err = run.transactional(ctx)
	} else {
		err = run.autocommit(ctx)
	}
	r.Duration = time.Since(start)
	r.SkippedChunks = r.TotalChunks - r.SucceededChunks - r.FailedChunks

	metrics.BatchRows.WithLabelValues(table).Add(float64(r.RowsProcessed))
	span.SetAttributes(
		attribute.Int("batch.chunks_succeeded", r.SucceededChunks),
		attribute.Int("batch.chunks_failed", r.FailedChunks),
		attribute.Int("batch.rows_processed", r.RowsProcessed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
	}

	e.logger.Info("batch finished",
		zap.String("table", table),
		zap.Int("chunks", r.TotalChunks),
		zap.Int("succeeded", r.SucceededChunks),
		zap.Int("failed", r.FailedChunks),
		zap.Int("rows_processed", r.RowsProcessed),
		zap.Bool("transactional", job.Transactional),
		zap.Duration("duration", r.Duration))
	return r, err
}

// runner holds the state of one Execute call.
type runner struct {
	e      *Executor
	conn   txn.Conn
	job    Job
	table  string
	chunks [][][]any
	size   int
	result *Result
}

// autocommit runs each chunk directly. Rows applied before a failure stay.
func (r *runner) autocommit(ctx context.Context) error {
	for i, rows := range r.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		applied, affected, cerr := r.exec(ctx, i, rows)
		r.result.RowsProcessed += applied
		r.result.RowsAffected += affected
		if cerr != nil {
			r.fail(cerr)
			if !r.job.ContinueOnError {
				return cerr
			}
			continue
		}
		r.succeed()
	}
	return nil
}

// transactional runs every chunk under one transaction.
func (r *runner) transactional(ctx context.Context) error {
	tm := txn.New(r.conn, txn.WithLogger(r.e.logger))
	if err := tm.Begin(ctx, r.job.TxOptions); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	defer func() { _ = tm.Abort(ctx) }()

	var applied int
	var affected int64
	for i, rows := range r.chunks {
		if err := ctx.Err(); err != nil {
			r.rollback(ctx, tm)
			return err
		}

		if r.job.ContinueOnError {
			var chunkApplied int
			var chunkAffected int64
			var cerr *ChunkError
			err := tm.ExecuteWithSavepoint(ctx, fmt.Sprintf("chunk_%d", i), func(ctx context.Context) error {
				chunkApplied, chunkAffected, cerr = r.exec(ctx, i, rows)
				if cerr != nil {
					return cerr
				}
				return nil
			})
			switch {
			case cerr != nil:
				r.fail(cerr)
				tm.Note("batch_chunk", fmt.Sprintf("chunk %d rolled back: %v", i, cerr.Err))
				if err != nil && err != error(cerr) {
					r.rollback(ctx, tm)
					return err
				}
				continue
			case err != nil:
				r.rollback(ctx, tm)
				return err
			}
			applied += chunkApplied
			affected += chunkAffected
			r.succeed()
			tm.Note("batch_chunk", fmt.Sprintf("chunk %d: %d rows", i, chunkApplied))
			continue
		}

		chunkApplied, chunkAffected, cerr := r.exec(ctx, i, rows)
		if cerr != nil {
			r.fail(cerr)
			r.rollback(ctx, tm)
			return cerr
		}
		applied += chunkApplied
		affected += chunkAffected
		r.succeed()
		tm.Note("batch_chunk", fmt.Sprintf("chunk %d: %d rows", i, chunkApplied))
	}

	if err := tm.Commit(ctx); err != nil {
		r.result.RolledBack = true
		return fmt.Errorf("batch: %w", err)
	}
	r.result.Committed = true
	r.result.RowsProcessed = applied
	r.result.RowsAffected = affected
	return nil
}

// exec runs one chunk. It returns the rows applied before any failure.
func (r *runner) exec(ctx context.Context, i int, rows [][]any) (int, int64, *ChunkError) {
	cerr := &ChunkError{Chunk: i, Offset: i * r.size, Row: -1, Rows: rows}

	outcomes, err := r.conn.Driver().ExecuteBatch(ctx, r.conn.Handle(), r.job.Statement, rows)
	if err != nil {
		cerr.Err = err
		return driver.Applied(outcomes), affectedRows(outcomes), cerr
	}
	if idx, rowErr := driver.FirstError(outcomes); rowErr != nil {
		cerr.Row = idx
		cerr.Err = rowErr
		return driver.Applied(outcomes), affectedRows(outcomes), cerr
	}
	return len(rows), affectedRows(outcomes), nil
}

func (r *runner) rollback(ctx context.Context, tm *txn.Manager) {
	if err := tm.Abort(ctx); err != nil {
		r.e.logger.Warn("batch rollback failed", zap.String("table", r.table), logging.Err(err))
	}
	r.result.RolledBack = true
	r.result.RowsProcessed = 0
	r.result.RowsAffected = 0
}

func (r *runner) succeed() {
	r.result.SucceededChunks++
	metrics.BatchChunks.WithLabelValues(r.table, "succeeded").Inc()
}

func (r *runner) fail(cerr *ChunkError) {
	r.result.FailedChunks++
	r.result.Errors = append(r.result.Errors, cerr)
	metrics.BatchChunks.WithLabelValues(r.table, "failed").Inc()
	r.e.logger.Warn("batch chunk failed",
		zap.String("table", r.table),
		zap.Int("chunk", cerr.Chunk),
		zap.Int("offset", cerr.Offset),
		zap.Int("rows", len(cerr.Rows)),
		zap.String("error", logging.SanitizeError(cerr.Err)))
}

func split(rows [][]any, size int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	chunks := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunks = append(chunks, rows[start:end:end])
	}
	return chunks
}

func affectedRows(outcomes []driver.Outcome) int64 {
	var n int64
	for _, o := range outcomes {
		if o.Err == nil {
			n += o.RowsAffected
		}
	}
	return n
}
