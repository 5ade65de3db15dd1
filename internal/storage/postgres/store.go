// Package postgres implements storage.Store on PostgreSQL with pgx. Leasing
// uses FOR UPDATE SKIP LOCKED so concurrent workers never claim the same
// row; every other transition is a single guarded UPDATE or a short
// transaction.
package postgres

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func New(db *pgxpool.Pool, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log.With(zap.String("component", "postgres"))}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(err, "postgres: ping")
	}
	return New(pool, log), nil
}

// Pool exposes the underlying pool to collaborators that own their tables.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.Ping(ctx), "postgres: ping")
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// ── queues ──

func (s *Store) CreateQueue(ctx context.Context, q *domain.Queue) (bool, error) {
	var createdAt time.Time
	err := s.db.QueryRow(ctx, `
insert into cronq_queues (name, max_attempts, initial_delay_ms, max_delay_ms, jitter, lease_timeout_ms)
values ($1, $2, $3, $4, $5, $6)
on conflict (name) do nothing
returning created_at`,
		q.Name, q.Policy.MaxAttempts, ms(q.Policy.InitialDelay), ms(q.Policy.MaxDelay),
		q.Policy.Jitter, ms(q.LeaseTimeout),
	).Scan(&createdAt)
	if err == nil {
		q.CreatedAt = createdAt
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, classify(err, "postgres: create queue")
	}
	existing, err := s.GetQueue(ctx, q.Name)
	if err != nil {
		return false, err
	}
	*q = *existing
	return false, nil
}

const queueColumns = `name, max_attempts, initial_delay_ms, max_delay_ms, jitter, lease_timeout_ms, created_at`

func (s *Store) GetQueue(ctx context.Context, name string) (*domain.Queue, error) {
	q, err := scanQueue(s.db.QueryRow(ctx, `select `+queueColumns+` from cronq_queues where name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrQueueNotFound
	}
	if err != nil {
		return nil, classify(err, "postgres: get queue")
	}
	return q, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	rows, err := s.db.Query(ctx, `select `+queueColumns+` from cronq_queues order by name`)
	if err != nil {
		return nil, classify(err, "postgres: list queues")
	}
	defer rows.Close()

	var out []*domain.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, classify(err, "postgres: scan queue")
		}
		out = append(out, q)
	}
	return out, classify(rows.Err(), "postgres: list queues")
}

func scanQueue(row pgx.Row) (*domain.Queue, error) {
	var (
		q                     domain.Queue
		initial, maxD, leaseT int64
	)
	if err := row.Scan(&q.Name, &q.Policy.MaxAttempts, &initial, &maxD, &q.Policy.Jitter, &leaseT, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.Policy.InitialDelay = fromMS(initial)
	q.Policy.MaxDelay = fromMS(maxD)
	q.LeaseTimeout = fromMS(leaseT)
	return &q, nil
}

// ── errors ──

// classify wraps err with msg. Connection-level failures additionally wrap
// domain.ErrStorageUnavailable so loops know to back off and retry; every
// other error, such as a failed scan, is returned as is.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if connectionLost(err) {
		return errors.Wrapf(domain.ErrStorageUnavailable, "%s: %v", msg, err)
	}
	return errors.Wrap(err, msg)
}

func connectionLost(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57P0x is operator intervention.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:4] == "57P0")
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func fromMS(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
