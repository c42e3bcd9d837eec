// Package txn drives one borrowed connection through a transaction:
// begin, any number of savepoints, then commit or rollback. A Manager is
// owned by a single caller and does no locking of its own.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/retry"
)

// abortTimeout bounds the best-effort rollback of Abort and Close.
const abortTimeout = 5 * time.Second

// Conn is the connection a Manager drives. *pool.Conn implements it.
type Conn interface {
	Handle() driver.Handle
	Driver() driver.Driver
	Session() driver.Session
	SetSession(driver.Session)
	Release(labels ...map[string]string) error
}

// State of a Manager.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "idle"
	}
}

// Options are applied by Begin. A zero Timeout means no deadline.
type Options struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
	Timeout   time.Duration
}

// Savepoint is a named rollback point inside a transaction.
type Savepoint struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	ref driver.SavepointRef
}

// LogEntry is one line of a transaction's operation log.
type LogEntry struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"`
	Savepoint string    `json:"savepoint,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Transaction describes the current or last transaction of a Manager.
type Transaction struct {
	ID         string        `json:"id"`
	Isolation  string        `json:"isolation"`
	ReadOnly   bool          `json:"read_only"`
	StartedAt  time.Time     `json:"started_at"`
	Deadline   time.Time     `json:"deadline,omitempty"`
	Savepoints []Savepoint   `json:"savepoints"`
	Log        []LogEntry    `json:"log"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With(zap.String("component", "txn"))
		}
	}
}

// WithTracer sets the tracer used for transaction spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager runs transactions on one connection.
type Manager struct {
	conn   Conn
	drv    driver.Driver
	logger *zap.Logger
	tracer trace.Tracer

	state State
	tx    *Transaction
	saved driver.Session
	seq   int
	span  trace.Span
}

// New returns an idle Manager for conn.
func New(conn Conn, opts ...Option) *Manager {
	m := &Manager{
		conn:   conn,
		drv:    conn.Driver(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/joao-brasil/dbpool/internal/txn"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Conn returns the connection the manager drives.
func (m *Manager) Conn() Conn { return m.conn }

// State returns the current state.
func (m *Manager) State() State { return m.state }

// Transaction returns a copy of the current or last transaction.
func (m *Manager) Transaction() (Transaction, bool) {
	if m.tx == nil {
		return Transaction{}, false
	}
	tx := *m.tx
	tx.Savepoints = append([]Savepoint(nil), m.tx.Savepoints...)
	tx.Log = append([]LogEntry(nil), m.tx.Log...)
	return tx, true
}

// Savepoints returns the savepoints of the active transaction in creation order.
func (m *Manager) Savepoints() []Savepoint {
	if m.tx == nil || m.state != StateActive {
		return nil
	}
	return append([]Savepoint(nil), m.tx.Savepoints...)
}

// Log returns the operation log of the current or last transaction.
func (m *Manager) Log() []LogEntry {
	if m.tx == nil {
		return nil
	}
	return append([]LogEntry(nil), m.tx.Log...)
}

// Note appends a caller-supplied entry to the operation log.
func (m *Manager) Note(action, detail string) {
	if m.tx != nil {
		m.record(action, "", detail, nil)
	}
}

// Begin starts a transaction. The connection's session is saved and restored
// when the transaction ends.
func (m *Manager) Begin(ctx context.Context, opts Options) error {
	if m.state == StateActive {
		return ErrTransactionAlreadyActive
	}

	now := time.Now()
	tx := &Transaction{
		ID:        uuid.NewString(),
		Isolation: opts.Isolation.String(),
		ReadOnly:  opts.ReadOnly,
		StartedAt: now,
	}
	if opts.Timeout > 0 {
		tx.Deadline = now.Add(opts.Timeout)
	}

	_, span := m.tracer.Start(ctx, "txn.transaction", trace.WithAttributes(
		attribute.String("txn.id", tx.ID),
		attribute.String("txn.isolation", tx.Isolation),
		attribute.Bool("txn.read_only", tx.ReadOnly),
	))

	if err := m.drv.BeginTx(ctx, m.conn.Handle(), driver.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		span.End()
		return fmt.Errorf("begin transaction: %w", err)
	}

	m.saved = m.conn.Session()
	m.conn.SetSession(driver.Session{AutoCommit: false, Isolation: opts.Isolation, ReadOnly: opts.ReadOnly})
	m.tx = tx
	m.seq = 0
	m.span = span
	m.state = StateActive
	m.record("begin", "", "", nil)
	m.logger.Debug("transaction started", zap.String("txn_id", tx.ID), zap.String("isolation", tx.Isolation))
	return nil
}

// Commit commits the active transaction. Past its deadline the transaction is
// rolled back instead and ErrTransactionTimeout is returned.
func (m *Manager) Commit(ctx context.Context) error {
	if err := m.requireActive(ctx); err != nil {
		return err
	}

	if err := m.drv.Commit(ctx, m.conn.Handle()); err != nil {
		m.record("commit", "", "", err)
		rbErr := m.drv.Rollback(context.WithoutCancel(ctx), m.conn.Handle())
		m.finish(StateRolledBack, "commit_failed", err)
		return errors.Join(fmt.Errorf("commit transaction: %w", err), rbErr)
	}
	m.record("commit", "", "", nil)
	m.finish(StateCommitted, "committed", nil)
	return nil
}

// Rollback rolls the whole transaction back.
func (m *Manager) Rollback(ctx context.Context) error {
	if m.state != StateActive {
		return ErrNoActiveTransaction
	}
	return m.rollback(ctx, "rolled_back")
}

// RollbackTo rolls back to the named savepoint. The transaction stays active;
// the savepoint is kept and every later one is discarded.
func (m *Manager) RollbackTo(ctx context.Context, name string) error {
	if err := m.requireActive(ctx); err != nil {
		return err
	}
	idx := m.findSavepoint(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrSavepointNotFound, name)
	}

	if err := m.drv.RollbackToSavepoint(ctx, m.conn.Handle(), m.tx.Savepoints[idx].ref); err != nil {
		m.record("rollback_to", name, "", err)
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	dropped := len(m.tx.Savepoints) - idx - 1
	m.tx.Savepoints = m.tx.Savepoints[:idx+1]
	m.record("rollback_to", name, fmt.Sprintf("discarded %d later savepoints", dropped), nil)
	return nil
}

// CreateSavepoint creates a savepoint. An empty name is replaced by sp_N.
func (m *Manager) CreateSavepoint(ctx context.Context, name, description string) (Savepoint, error) {
	if err := m.requireActive(ctx); err != nil {
		return Savepoint{}, err
	}
	if name == "" {
		name = m.nextName()
	}
	if m.findSavepoint(name) >= 0 {
		return Savepoint{}, fmt.Errorf("%w: %s", ErrDuplicateSavepoint, name)
	}

	ref, err := m.drv.CreateSavepoint(ctx, m.conn.Handle(), name)
	if err != nil {
		m.record("savepoint", name, "", err)
		return Savepoint{}, fmt.Errorf("create savepoint %s: %w", name, err)
	}
	sp := Savepoint{Name: name, Description: description, CreatedAt: time.Now(), ref: ref}
	m.tx.Savepoints = append(m.tx.Savepoints, sp)
	m.record("savepoint", name, description, nil)
	return sp, nil
}

// ReleaseSavepoint releases the named savepoint and every later one.
func (m *Manager) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := m.requireActive(ctx); err != nil {
		return err
	}
	idx := m.findSavepoint(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrSavepointNotFound, name)
	}

	if err := m.drv.ReleaseSavepoint(ctx, m.conn.Handle(), m.tx.Savepoints[idx].ref); err != nil {
		m.record("release", name, "", err)
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	m.tx.Savepoints = m.tx.Savepoints[:idx]
	m.record("release", name, "", nil)
	return nil
}

// ExecuteWithSavepoint runs fn behind a savepoint. On success the savepoint is
// released; on failure the transaction is rolled back to it and fn's error is
// returned. An empty name is generated.
func (m *Manager) ExecuteWithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sp, err := m.CreateSavepoint(ctx, name, "")
	if err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if m.state != StateActive {
			return err
		}
		undoCtx := context.WithoutCancel(ctx)
		if rbErr := m.RollbackTo(undoCtx, sp.Name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if relErr := m.ReleaseSavepoint(undoCtx, sp.Name); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	return m.ReleaseSavepoint(ctx, sp.Name)
}

// RetryOptions controls ExecuteWithRetry.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Retryable overrides the default classifier, which retries everything
	// but misuse errors, timeouts and cancellation.
	Retryable func(error) bool
}

// ExecuteWithRetry runs fn behind a fresh savepoint, rolling back to it and
// retrying with growing delays until fn succeeds or retries run out.
func (m *Manager) ExecuteWithRetry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	classify := opts.Retryable
	if classify == nil {
		classify = retryable
	}
	policy := retry.Policy{
		Attempts:   opts.MaxRetries + 1,
		Delay:      opts.Delay,
		Multiplier: opts.Multiplier,
		MaxDelay:   opts.MaxDelay,
		Retryable: func(err error) bool {
			return m.state == StateActive && !IsMisuse(err) && classify(err)
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			m.record("retry", "", fmt.Sprintf("attempt %d failed, retrying in %v", attempt, wait), err)
			m.logger.Debug("operation failed, retrying",
				zap.String("txn_id", m.tx.ID), zap.Int("attempt", attempt),
				zap.Duration("wait", wait), logging.Err(err))
		},
	}
	return retry.Do(ctx, policy, func() error {
		return m.ExecuteWithSavepoint(ctx, "", fn)
	})
}

// RunInTransaction begins a transaction, runs fn and commits. The transaction
// is rolled back when fn fails or panics.
func (m *Manager) RunInTransaction(ctx context.Context, opts Options, fn func(ctx context.Context) error) (err error) {
	if err := m.Begin(ctx, opts); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = m.Abort(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if m.state == StateActive {
			if rbErr := m.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				return errors.Join(err, rbErr)
			}
		}
		return err
	}
	return m.Commit(ctx)
}

// Abort rolls back an active transaction. It runs even when ctx is already
// cancelled and is a no-op otherwise.
func (m *Manager) Abort(ctx context.Context) error {
	if m.state != StateActive {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	m.logger.Warn("aborting active transaction", zap.String("txn_id", m.tx.ID))
	return m.rollback(ctx, "aborted")
}

// Close aborts an active transaction and releases the connection.
func (m *Manager) Close(ctx context.Context) error {
	abortErr := m.Abort(ctx)
	return errors.Join(abortErr, m.conn.Release())
}

// ── Internal helpers ─────────────────────────────────────────────────────

// requireActive checks the state and enforces the deadline: an expired
// transaction is rolled back and reported as ErrTransactionTimeout.
func (m *Manager) requireActive(ctx context.Context) error {
	if m.state != StateActive {
		return ErrNoActiveTransaction
	}
	if !m.tx.Deadline.IsZero() && time.Now().After(m.tx.Deadline) {
		id, deadline := m.tx.ID, m.tx.Deadline
		rbErr := m.rollback(context.WithoutCancel(ctx), "timeout")
		m.logger.Warn("transaction exceeded its timeout, rolled back",
			zap.String("txn_id", id), zap.Time("deadline", deadline))
		return errors.Join(fmt.Errorf("%w: transaction %s passed its deadline", ErrTransactionTimeout, id), rbErr)
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context, outcome string) error {
	err := m.drv.Rollback(ctx, m.conn.Handle())
	m.record("rollback", "", outcome, err)
	m.finish(StateRolledBack, outcome, err)
	if err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// finish restores the saved session and ends the transaction span.
func (m *Manager) finish(state State, outcome string, err error) {
	m.conn.SetSession(m.saved)
	m.state = state
	m.tx.Savepoints = nil
	m.tx.Duration = time.Since(m.tx.StartedAt)

	metrics.Transactions.WithLabelValues(outcome).Inc()
	metrics.TransactionDuration.WithLabelValues(outcome).Observe(m.tx.Duration.Seconds())

	if m.span != nil {
		m.span.SetAttributes(attribute.String("txn.outcome", outcome))
		if err != nil {
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, outcome)
		}
		m.span.End()
		m.span = nil
	}
	m.logger.Debug("transaction finished",
		zap.String("txn_id", m.tx.ID), zap.String("outcome", outcome), zap.Duration("duration", m.tx.Duration))
}

func (m *Manager) record(action, savepoint, detail string, err error) {
	e := LogEntry{At: time.Now(), Action: action, Savepoint: savepoint, Detail: detail}
	if err != nil {
		e.Err = logging.SanitizeError(err)
	}
	m.tx.Log = append(m.tx.Log, e)
}

func (m *Manager) findSavepoint(name string) int {
	for i, sp := range m.tx.Savepoints {
		if sp.Name == name {
			return i
		}
	}
	return -1
}

func (m *Manager) nextName() string {
	for {
		m.seq++
		name := fmt.Sprintf("sp_%d", m.seq)
		if m.findSavepoint(name) < 0 {
			return name
		}
	}
}
