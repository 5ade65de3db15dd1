package jobs_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/cronq/internal/jobs"
	"github.com/SirClappington/cronq/internal/migrate"
)

func TestTablesAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("CRONQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CRONQ_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	if err := migrate.Up(ctx, dsn, "../../migrations"); err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	tables := jobs.NewTables(pool)

	id, err := tables.AddBusiness(ctx, "tables-test")
	if err != nil {
		t.Fatal(err)
	}
	pending, err := tables.PendingToday(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, it := range pending {
		if it.ID == id {
			found = it.Status == "pending" && it.Name == "tables-test"
		}
	}
	if !found {
		t.Fatalf("row %d not in pending %+v", id, pending)
	}

	if err := tables.MarkProcessed(ctx, id); err != nil {
		t.Fatal(err)
	}
	pending, _ = tables.PendingToday(ctx)
	for _, it := range pending {
		if it.ID == id {
			t.Fatalf("row %d still pending", id)
		}
	}

	hid, err := tables.RecordHistory(ctx, jobs.HistoryEntry{JobID: "job-1", Action: "login", UserID: 3, Details: `{"action":"login"}`})
	if err != nil || hid == 0 {
		t.Fatalf("history = %d, %v", hid, err)
	}
}
