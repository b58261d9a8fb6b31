package dbopen

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// Attempts is how many times Exec tries a statement that hits SQLITE_BUSY.
const Attempts = 3

// IsBusy reports whether err is an SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Exec runs query, retrying with a linear backoff (50, 100 ms) while the
// database reports busy.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 1; i <= Attempts; i++ {
		if err = fn(); err == nil || !IsBusy(err) || i == Attempts {
			return err
		}
		t := time.NewTimer(time.Duration(50*i) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
