// Package main is the entrypoint for the load generator. It drives a pool with
// concurrent transactions and batch jobs, either in-process against the
// in-memory driver or against a pool from the configuration files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joao-brasil/dbpool/internal/batch"
	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/driver/memdriver"
	"github.com/joao-brasil/dbpool/internal/driver/sqldriver"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/joao-brasil/dbpool/internal/retry"
	"github.com/joao-brasil/dbpool/internal/txn"
	"github.com/joao-brasil/dbpool/pkg/target"
)

// Workload mixes.
const (
	mixTxn   = "txn"
	mixBatch = "batch"
	mixMixed = "mixed"
)

type options struct {
	servicePath string
	poolsPath   string
	poolName    string
	table       string

	workers   int
	duration  time.Duration
	rate      float64
	mix       string
	batchRows int
	chunkSize int
	maxSize   int
	logLevel  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	o := options{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Generate transactional and batch load against a pool",
		Long: `loadgen runs concurrent workers that borrow connections, run small
transactions with savepoints and write batches in chunks, then prints a summary.

Without --pools it runs in-process against the in-memory driver. With --pools it
builds the named pool from the configuration files; the target table must exist
with columns (id, worker, payload).`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.servicePath, "config", "configs/service.yaml", "Service configuration file (used with --pools)")
	f.StringVar(&o.poolsPath, "pools", "", "Pools configuration file; empty runs against the in-memory driver")
	f.StringVar(&o.poolName, "pool", "loadgen", "Pool to drive")
	f.StringVar(&o.table, "table", "loadgen_events", "Table written by the workers")
	f.IntVar(&o.workers, "workers", 20, "Concurrent workers")
	f.DurationVar(&o.duration, "duration", 10*time.Second, "How long to run")
	f.Float64Var(&o.rate, "rate", 0, "Operations per second across all workers, 0 for unlimited")
	f.StringVar(&o.mix, "mix", mixMixed, "Workload: txn, batch or mixed")
	f.IntVar(&o.batchRows, "batch-rows", 500, "Rows per batch job")
	f.IntVar(&o.chunkSize, "chunk-size", 100, "Rows per batch chunk")
	f.IntVar(&o.maxSize, "max-size", 10, "Max size of the in-memory pool")
	f.StringVar(&o.logLevel, "log-level", "warn", "Log level")
	return cmd
}

// stats aggregates worker results.
type stats struct {
	txns      atomic.Int64
	batches   atomic.Int64
	rows      atomic.Int64
	errors    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func run(ctx context.Context, o options, out io.Writer) error {
	switch o.mix {
	case mixTxn, mixBatch, mixMixed:
	default:
		return fmt.Errorf("unknown mix %q", o.mix)
	}
	if o.workers < 1 {
		return errors.New("workers must be at least 1")
	}

	logger, err := logging.New(o.logLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	mgr, chunkSize, err := buildManager(ctx, o, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.CloseAll(closeCtx)
	}()

	var limiter *rate.Limiter
	if o.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.rate), o.workers)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.duration)
	defer cancel()

	w := &workload{
		mgr:      mgr,
		pool:     o.poolName,
		stmt:     driver.Statement{Op: driver.OpInsert, Table: o.table, Columns: []string{"id", "worker", "payload"}},
		executor: batch.NewExecutor(batch.WithChunkSize(chunkSize), batch.WithLogger(logger)),
		rows:     o.batchRows,
		mix:      o.mix,
		logger:   logger,
		stats:    &stats{},
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for op := 0; gctx.Err() == nil; op++ {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
				}
				w.step(gctx, i, op)
			}
			return nil
		})
	}
	_ = g.Wait()

	w.report(out, time.Since(start))
	return nil
}

// buildManager returns a manager holding the pool to drive and the chunk size
// to use for batches.
func buildManager(ctx context.Context, o options, logger *zap.Logger) (*pool.Manager, int, error) {
	if o.poolsPath == "" {
		mgr := pool.NewManager(logger, pool.WithDriver(target.DialectMemory, memdriver.New()))
		cfg, err := target.Preset(target.PresetOLTP)
		if err != nil {
			return nil, 0, err
		}
		cfg.MaxSize = o.maxSize
		cfg.MinSize = min(cfg.MinSize, o.maxSize)
		cfg.InitialSize = min(cfg.InitialSize, o.maxSize)
		t := &target.Target{Dialect: target.DialectMemory, Database: "loadgen"}
		if _, err := mgr.CreatePool(ctx, o.poolName, t, cfg); err != nil {
			return nil, 0, err
		}
		return mgr, o.chunkSize, nil
	}

	cfg, err := config.Load(o.servicePath, o.poolsPath)
	if err != nil {
		return nil, 0, err
	}
	entry, ok := cfg.PoolByName(o.poolName)
	if !ok {
		return nil, 0, fmt.Errorf("pool %q not found in %s", o.poolName, o.poolsPath)
	}
	d, err := sqldriver.New(entry.Target.Dialect)
	if err != nil {
		return nil, 0, err
	}
	mgr := pool.NewManager(logger, pool.WithDriver(entry.Target.Dialect, d))
	if _, err := mgr.CreatePool(ctx, entry.Name, &entry.Target, entry.Pool, pool.WithMonitor(entry.Monitor)); err != nil {
		return nil, 0, err
	}
	chunk := o.chunkSize
	if chunk <= 0 {
		chunk = cfg.Batch.ChunkSize
	}
	return mgr, chunk, nil
}

type workload struct {
	mgr      *pool.Manager
	pool     string
	stmt     driver.Statement
	executor *batch.Executor
	rows     int
	mix      string
	logger   *zap.Logger
	stats    *stats
	nextID   atomic.Int64
}

func (w *workload) step(ctx context.Context, worker, op int) {
	start := time.Now()
	conn, err := w.mgr.GetConnection(ctx, w.pool, pool.WithRetry(retry.DefaultPolicy()))
	if err != nil {
		if ctx.Err() == nil {
			w.stats.errors.Add(1)
			w.logger.Warn("acquire failed", zap.Int("worker", worker), logging.Err(err))
		}
		return
	}
	defer conn.Release()

	useBatch := w.mix == mixBatch || (w.mix == mixMixed && op%10 == 9)
	if useBatch {
		err = w.runBatch(ctx, conn, worker)
	} else {
		err = w.runTxn(ctx, conn, worker)
	}
	if err != nil && ctx.Err() == nil {
		w.stats.errors.Add(1)
		w.logger.Warn("operation failed", zap.Int("worker", worker), zap.Bool("batch", useBatch), logging.Err(err))
		return
	}
	w.stats.observe(time.Since(start))
}

// runTxn inserts two rows, the second behind a savepoint, in one transaction.
func (w *workload) runTxn(ctx context.Context, conn *pool.Conn, worker int) error {
	tm := txn.New(conn, txn.WithLogger(w.logger))
	err := tm.RunInTransaction(ctx, txn.Options{Timeout: 5 * time.Second}, func(ctx context.Context) error {
		if err := w.insert(ctx, conn, worker); err != nil {
			return err
		}
		return tm.ExecuteWithSavepoint(ctx, "", func(ctx context.Context) error {
			return w.insert(ctx, conn, worker)
		})
	})
	if err == nil {
		w.stats.txns.Add(1)
		w.stats.rows.Add(2)
	}
	return err
}

func (w *workload) runBatch(ctx context.Context, conn *pool.Conn, worker int) error {
	rows := make([][]any, w.rows)
	for i := range rows {
		rows[i] = []any{w.nextID.Add(1), worker, fmt.Sprintf("batch-%d", i)}
	}
	res, err := w.executor.Execute(ctx, conn, batch.Job{Statement: w.stmt, Rows: rows, Transactional: true})
	if err != nil {
		return err
	}
	w.stats.batches.Add(1)
	w.stats.rows.Add(int64(res.RowsProcessed))
	return nil
}

func (w *workload) insert(ctx context.Context, conn *pool.Conn, worker int) error {
	row := []any{w.nextID.Add(1), worker, "txn"}
	out, err := conn.Driver().ExecuteBatch(ctx, conn.Handle(), w.stmt, [][]any{row})
	if err != nil {
		return err
	}
	_, err = driver.FirstError(out)
	return err
}

func (w *workload) report(out io.Writer, elapsed time.Duration) {
	s := w.stats
	ops := s.txns.Load() + s.batches.Load()
	fmt.Fprintf(out, "duration      %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "transactions  %d\n", s.txns.Load())
	fmt.Fprintf(out, "batches       %d\n", s.batches.Load())
	fmt.Fprintf(out, "rows          %d\n", s.rows.Load())
	fmt.Fprintf(out, "errors        %d\n", s.errors.Load())
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(out, "throughput    %.1f ops/s\n", float64(ops)/secs)
	}
	fmt.Fprintf(out, "latency p50   %s\n", s.percentile(0.50).Round(time.Microsecond))
	fmt.Fprintf(out, "latency p99   %s\n", s.percentile(0.99).Round(time.Microsecond))

	for _, st := range w.mgr.Statistics() {
		fmt.Fprintf(out, "pool %s: total=%d peak=%d created=%d closed=%d timeouts=%d avg_wait=%s\n",
			st.Name, st.Total, st.Peak, st.Created, st.Closed, st.Timeouts, st.AverageWait)
	}
}
