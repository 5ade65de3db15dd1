package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/storage"
)

const jobColumns = `id, queue, payload, state, attempt, max_attempts, start_after, created_at,
started_at, completed_at, last_error, leased_by, lease_expires_at, schedule_key`

// InsertJob persists job metadata. A schedule slot is claimed in the same
// transaction so a firing minute produces at most one job.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job, slot *domain.ScheduleSlot) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err, "postgres: begin insert job")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if slot != nil {
		if err := claimSlot(ctx, tx, slot); err != nil {
			return err
		}
	}

	var startAfter *time.Time
	if !j.StartAfter.IsZero() {
		startAfter = &j.StartAfter
	}
	err = tx.QueryRow(ctx, `
insert into cronq_jobs (id, queue, payload, state, attempt, max_attempts, start_after, schedule_key)
values ($1, $2, $3, 'created', 0, $4, coalesce($5, now()), $6)
returning created_at, start_after`,
		j.ID, j.Queue, []byte(j.Payload), j.MaxAttempts, startAfter, j.ScheduleKey,
	).Scan(&j.CreatedAt, &j.StartAfter)
	if isForeignKeyViolation(err) {
		return domain.ErrQueueNotFound
	}
	if err != nil {
		return classify(err, "postgres: insert job")
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "postgres: commit insert job")
	}
	j.State = domain.Created
	j.Attempt = 0
	return nil
}

func claimSlot(ctx context.Context, tx pgx.Tx, slot *domain.ScheduleSlot) error {
	var version *time.Time
	if !slot.Version.IsZero() {
		v := slot.Version.UTC()
		version = &v
	}
	tag, err := tx.Exec(ctx, `
update cronq_schedules
   set last_fired_at = $3
 where queue = $1 and key = $2
   and (last_fired_at is null or last_fired_at < $3)
   and enabled
   and updated_at < $3
   and ($4::timestamptz is null or updated_at = $4)`,
		slot.Queue, slot.Key, slot.Minute.UTC(), version,
	)
	if err != nil {
		return classify(err, "postgres: claim schedule slot")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var lastFired *time.Time
	err = tx.QueryRow(ctx,
		`select last_fired_at from cronq_schedules where queue = $1 and key = $2`,
		slot.Queue, slot.Key,
	).Scan(&lastFired)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrScheduleNotFound
	}
	if err != nil {
		return classify(err, "postgres: check schedule")
	}
	if lastFired != nil && !lastFired.Before(slot.Minute) {
		return domain.ErrScheduleAlreadyFired
	}
	return domain.ErrScheduleChanged
}

// LeaseJobs claims ready jobs with SKIP LOCKED: rows another transaction
// is claiming are invisible to this one, never double-claimed.
func (s *Store) LeaseJobs(ctx context.Context, p storage.LeaseParams) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
with next as (
	select id from cronq_jobs
	 where queue = $1
	   and state in ('created', 'retry-wait')
	   and start_after <= now()
	 order by start_after, created_at
	 limit $2
	 for update skip locked
)
update cronq_jobs j
   set state = 'active',
       attempt = j.attempt + 1,
       started_at = now(),
       leased_by = $3,
       lease_expires_at = now() + ($4 * interval '1 millisecond')
  from next
 where j.id = next.id
returning `+prefixed("j", jobColumns),
		p.Queue, p.Limit, p.WorkerID, ms(p.LeaseTimeout),
	)
	if err != nil {
		return nil, classify(err, "postgres: lease jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) CompleteJobs(ctx context.Context, workerID string, ids []string) (int, error) {
	tag, err := s.db.Exec(ctx, `
update cronq_jobs
   set state = 'completed', completed_at = now(), leased_by = '', lease_expires_at = null
 where id = any($1) and state = 'active' and leased_by = $2`,
		ids, workerID,
	)
	if err != nil {
		return 0, classify(err, "postgres: complete jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) FailJob(ctx context.Context, p storage.FailParams) (domain.JobState, error) {
	var state string
	err := s.db.QueryRow(ctx, `
update cronq_jobs
   set last_error = $3,
       leased_by = '',
       lease_expires_at = null,
       state = case when not $4 and attempt < max_attempts then 'retry-wait' else 'failed' end,
       start_after = case when not $4 and attempt < max_attempts
                          then now() + ($5 * interval '1 millisecond') else start_after end,
       completed_at = case when not $4 and attempt < max_attempts then null else now() end
 where id = $1 and state = 'active' and leased_by = $2
returning state`,
		p.JobID, p.WorkerID, p.Error, p.Permanent, ms(p.RetryDelay),
	).Scan(&state)
	if err == nil {
		return domain.JobState(state), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", classify(err, "postgres: fail job")
	}
	if _, err := s.GetJob(ctx, p.JobID); err != nil {
		return "", err
	}
	return "", domain.ErrLeaseLost
}

func (s *Store) ReleaseExpiredLeases(ctx context.Context) (storage.ReleaseResult, error) {
	var res storage.ReleaseResult
	rows, err := s.db.Query(ctx, `
update cronq_jobs
   set state = case when attempt < max_attempts then 'created' else 'failed' end,
       start_after = case when attempt < max_attempts then now() else start_after end,
       completed_at = case when attempt < max_attempts then null else now() end,
       last_error = $1,
       leased_by = '',
       lease_expires_at = null
 where state = 'active' and lease_expires_at < now()
returning id, state`,
		storage.LeaseExpiredError,
	)
	if err != nil {
		return res, classify(err, "postgres: release expired leases")
	}
	defer rows.Close()

	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return res, classify(err, "postgres: scan released lease")
		}
		if domain.JobState(state) == domain.Failed {
			res.Failed++
		} else {
			res.Requeued++
		}
		s.log.Debug("lease expired", zap.String("job_id", id), zap.String("state", state))
	}
	return res, classify(rows.Err(), "postgres: release expired leases")
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from cronq_jobs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, classify(err, "postgres: get job")
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f storage.JobFilter) ([]*domain.Job, error) {
	query := `select ` + jobColumns + ` from cronq_jobs where 1=1`
	var args []any
	if f.Queue != "" {
		args = append(args, f.Queue)
		query += fmt.Sprintf(" and queue = $%d", len(args))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		query += fmt.Sprintf(" and state = $%d", len(args))
	}
	query += " order by created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "postgres: list jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
		state   string
	)
	err := row.Scan(
		&j.ID, &j.Queue, &payload, &state, &j.Attempt, &j.MaxAttempts, &j.StartAfter, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt, &j.LastError, &j.LeasedBy, &j.LeaseExpiresAt, &j.ScheduleKey,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.State = domain.JobState(state)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, classify(err, "postgres: scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "postgres: iterate jobs")
	}
	return jobs, nil
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\n' && c != '\t' {
			out = append(out, alias...)
			out = append(out, '.')
			start = false
		}
		out = append(out, c)
		if c == ',' {
			start = true
		}
	}
	return string(out)
}
