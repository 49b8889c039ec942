package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyBackoff is the wait before each retry of a locked write. Its length
// bounds the number of attempts.
var busyBackoff = []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}

// IsBusy reports whether err means another connection holds the write lock.
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

// onBusy calls fn until it succeeds, fails with a non-busy error, or the
// backoff schedule runs out. The last error is returned as is.
func onBusy(ctx context.Context, op string, fn func() error) error {
	err := fn()
	for _, wait := range busyBackoff {
		if !IsBusy(err) {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: %s: waiting for lock: %w", op, ctx.Err())
		case <-t.C:
		}
		err = fn()
	}
	return err
}

// Exec runs a single statement, retrying while the database is locked.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := onBusy(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunTx runs fn in a transaction. A locked database restarts the whole
// transaction, so fn must not have side effects outside tx.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return onBusy(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}
