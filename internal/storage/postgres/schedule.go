package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/cronq/internal/domain"
)

const scheduleColumns = `queue, key, cron, timezone, payload, enabled, last_fired_at, created_at, updated_at`

// UpsertSchedule relies on jsonb equality, which ignores key order and
// whitespace, so re-registering an equivalent payload is a no-op.
func (s *Store) UpsertSchedule(ctx context.Context, sc *domain.Schedule) (domain.ScheduleChange, error) {
	var inserted bool
	err := s.db.QueryRow(ctx, `
insert into cronq_schedules (queue, key, cron, timezone, payload, enabled)
values ($1, $2, $3, $4, $5, $6)
on conflict (queue, key) do update
   set cron = excluded.cron,
       timezone = excluded.timezone,
       payload = excluded.payload,
       enabled = excluded.enabled,
       updated_at = now()
 where (cronq_schedules.cron, cronq_schedules.timezone, cronq_schedules.payload, cronq_schedules.enabled)
       is distinct from (excluded.cron, excluded.timezone, excluded.payload, excluded.enabled)
returning (xmax = 0), created_at, updated_at, last_fired_at`,
		sc.Queue, sc.Key, sc.Cron, sc.Timezone, []byte(sc.Payload), sc.Enabled,
	).Scan(&inserted, &sc.CreatedAt, &sc.UpdatedAt, &sc.LastFiredAt)
	switch {
	case err == nil && inserted:
		return domain.ScheduleCreated, nil
	case err == nil:
		return domain.ScheduleReplaced, nil
	case isForeignKeyViolation(err):
		return 0, domain.ErrQueueNotFound
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, classify(err, "postgres: upsert schedule")
	}

	existing, err := s.GetSchedule(ctx, sc.Queue, sc.Key)
	if err != nil {
		return 0, err
	}
	sc.CreatedAt = existing.CreatedAt
	sc.UpdatedAt = existing.UpdatedAt
	sc.LastFiredAt = existing.LastFiredAt
	return domain.ScheduleUnchanged, nil
}

func (s *Store) GetSchedule(ctx context.Context, queue, key string) (*domain.Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRow(ctx,
		`select `+scheduleColumns+` from cronq_schedules where queue = $1 and key = $2`, queue, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrScheduleNotFound
	}
	if err != nil {
		return nil, classify(err, "postgres: get schedule")
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	rows, err := s.db.Query(ctx, `select `+scheduleColumns+` from cronq_schedules order by queue, key`)
	if err != nil {
		return nil, classify(err, "postgres: list schedules")
	}
	defer rows.Close()

	var out []*domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, classify(err, "postgres: scan schedule")
		}
		out = append(out, sc)
	}
	return out, classify(rows.Err(), "postgres: list schedules")
}

func (s *Store) DeleteSchedule(ctx context.Context, queue, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `delete from cronq_schedules where queue = $1 and key = $2`, queue, key)
	if err != nil {
		return false, classify(err, "postgres: delete schedule")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetScheduleEnabled(ctx context.Context, queue, key string, enabled bool) error {
	tag, err := s.db.Exec(ctx, `
update cronq_schedules
   set enabled = $3,
       updated_at = case when enabled = $3 then updated_at else now() end
 where queue = $1 and key = $2`,
		queue, key, enabled,
	)
	if err != nil {
		return classify(err, "postgres: set schedule enabled")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var (
		sc      domain.Schedule
		payload []byte
	)
	if err := row.Scan(&sc.Queue, &sc.Key, &sc.Cron, &sc.Timezone, &payload, &sc.Enabled,
		&sc.LastFiredAt, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.Payload = payload
	return &sc, nil
}
