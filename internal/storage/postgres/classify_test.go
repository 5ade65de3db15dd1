package postgres

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/SirClappington/cronq/internal/storage"
)

func TestClassify(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"scan failure":       {errors.New("can't scan into dest[2]: cannot scan text into *int"), false},
		"no rows":            {pgx.ErrNoRows, false},
		"unique violation":   {&pgconn.PgError{Code: "23505"}, false},
		"connection failure": {&pgconn.PgError{Code: "08006"}, true},
		"admin shutdown":     {&pgconn.PgError{Code: "57P01"}, true},
		"dial refused":       {&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		"connection dropped": {errors.Wrap(io.ErrUnexpectedEOF, "read"), true},
		"closed socket":      {net.ErrClosed, true},
		"caller cancelled":   {context.Canceled, false},
		"caller deadline":    {errors.Wrap(context.DeadlineExceeded, "query"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := classify(tc.err, "op")
			if got := storage.Unavailable(err); got != tc.want {
				t.Fatalf("Unavailable(classify(%v)) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
	if classify(nil, "op") != nil {
		t.Fatal("nil error should stay nil")
	}
}
