package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// Invocation is a single run of a task.
type Invocation struct {
	UUID          string
	Task          string
	InProgress    bool
	Success       *bool
	FailureReason *string
	Started       time.Time
	Duration      time.Duration
}

type InvocationRow struct {
	Invocation
	ID int
}

func (r InvocationRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, task: %q, in_progress: %t", r.UUID, r.Task, r.InProgress)
	if r.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *r.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	} else {
		sb.WriteString(", failure_reason: nil")
	}
	fmt.Fprintf(&sb, ", started: %s, duration: %s", r.Started.Format(time.RFC3339), r.Duration)
	return sb.String()
}

// InitDB opens the sqlite database at dbPath, creating it and its directory
// when missing.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			task TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started INTEGER NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Start records that the invocation identified by uuid is in progress. If
// it is still in progress, no error is returned, if it has already finished
// ErrAlreadyFinished is returned.
func Start(ctx context.Context, db *sql.DB, uuid, task string, started time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM invocations WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO invocations (uuid, task, in_progress, started) VALUES (?,?,?,?);`,
		uuid, task, true, started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the invocation identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (InvocationRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, uuid, task, in_progress, success, failure_reason, started, duration
		 FROM invocations WHERE uuid=?`, uuid,
	)
	ret, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return InvocationRow{}, ErrNotFound
	case err != nil:
		return InvocationRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return ret, nil
}

// List returns up to limit invocations, the most recently started first.
// A limit <= 0 returns all of them.
func List(ctx context.Context, db *sql.DB, limit int) ([]InvocationRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, uuid, task, in_progress, success, failure_reason, started, duration
		 FROM invocations ORDER BY started DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []InvocationRow
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// FinishOK records that the invocation identified by uuid has succeeded.
func FinishOK(ctx context.Context, db *sql.DB, uuid string, duration time.Duration) error {
	return finish(ctx, db, uuid, true, nil, duration)
}

// FinishErr records that the invocation identified by uuid has failed with
// reason.
func FinishErr(ctx context.Context, db *sql.DB, uuid, reason string, duration time.Duration) error {
	return finish(ctx, db, uuid, false, &reason, duration)
}

func finish(ctx context.Context, db *sql.DB, uuid string, success bool, reason *string, duration time.Duration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM invocations WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE invocations
		 SET
			in_progress = false,
			success = ?,
			failure_reason = ?,
			duration = ?
		WHERE uuid = ?;
		`, success, reason, int64(duration), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Prune deletes all but the keep most recently started invocations and
// returns the number of deleted rows.
func Prune(ctx context.Context, db *sql.DB, keep int) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM invocations WHERE id NOT IN (
			SELECT id FROM invocations ORDER BY started DESC, id DESC LIMIT ?
		)`, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return ra, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (InvocationRow, error) {
	var (
		r                 InvocationRow
		started, duration int64
	)
	err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.Task,
		&r.InProgress,
		&r.Success,
		&r.FailureReason,
		&started,
		&duration,
	)
	if err != nil {
		return InvocationRow{}, err
	}
	r.Started = time.Unix(0, started).UTC()
	r.Duration = time.Duration(duration)
	return r, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}
