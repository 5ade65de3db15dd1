package jobs

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Tables reads business_data and writes operation_history.
type Tables struct {
	db *pgxpool.Pool
}

func NewTables(db *pgxpool.Pool) *Tables { return &Tables{db: db} }

func (t *Tables) PendingToday(ctx context.Context) ([]BusinessItem, error) {
	rows, err := t.db.Query(ctx, `
		select id, name, date, status
		  from business_data
		 where date = current_date and status = 'pending'
		 order by id`)
	if err != nil {
		return nil, errors.Wrap(err, "query business_data")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (BusinessItem, error) {
		var (
			it BusinessItem
			d  time.Time
		)
		if err := row.Scan(&it.ID, &it.Name, &d, &it.Status); err != nil {
			return it, err
		}
		it.Date = d.Format(time.DateOnly)
		return it, nil
	})
}

func (t *Tables) MarkProcessed(ctx context.Context, id int64) error {
	_, err := t.db.Exec(ctx, `
		update business_data
		   set status = 'processed', updated_at = now()
		 where id = $1`, id)
	return errors.Wrap(err, "update business_data")
}

func (t *Tables) RecordHistory(ctx context.Context, h HistoryEntry) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `
		insert into operation_history (job_id, action, user_id, details)
		values ($1, $2, $3, $4)
		returning id`, h.JobID, h.Action, h.UserID, h.Details).Scan(&id)
	return id, errors.Wrap(err, "insert operation_history")
}

// AddBusiness inserts a pending row dated today.
func (t *Tables) AddBusiness(ctx context.Context, name string) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `insert into business_data (name) values ($1) returning id`, name).Scan(&id)
	return id, errors.Wrap(err, "insert business_data")
}
