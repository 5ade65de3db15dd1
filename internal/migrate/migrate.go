// Package migrate applies the SQL migrations under migrations/ with goose.
package migrate

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Up opens dsn through the pgx database/sql driver and applies every
// pending migration found in dir.
func Up(ctx context.Context, dsn, dir string) error {
	db, err := open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Up(db, dir); err != nil {
		return errors.Wrap(err, "migrate: up")
	}
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, dsn, dir string) error {
	db, err := open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Down(db, dir); err != nil {
		return errors.Wrap(err, "migrate: down")
	}
	return nil
}

// Status prints the applied state of every migration in dir.
func Status(ctx context.Context, dsn, dir string) error {
	db, err := open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return errors.Wrap(goose.Status(db, dir), "migrate: status")
}

func open(ctx context.Context, dsn string) (*sql.DB, error) {
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, errors.Wrap(err, "migrate: dialect")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "migrate: open")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate: ping")
	}
	return db, nil
}
