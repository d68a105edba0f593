/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/marcus-qen/automaton/internal/errs"
)

// Heartbeat task results.
const (
	TaskResultSuccess = "success"
	TaskResultFailure = "failure"
	TaskResultTimeout = "timeout"
	TaskResultSkipped = "skipped"
)

// ScheduleRow is one heartbeat task's persistent schedule state. Exactly one
// row exists per task name.
type ScheduleRow struct {
	TaskName       string         `db:"task_name"`
	CronExpression sql.NullString `db:"cron_expression"`
	IntervalMs     sql.NullInt64  `db:"interval_ms"`
	Priority       int            `db:"priority"`
	TimeoutMs      int64          `db:"timeout_ms"`
	TierMinimum    string         `db:"tier_minimum"`
	Enabled        bool           `db:"enabled"`
	Params         []byte         `db:"params"`
	LastRunAt      sql.NullString `db:"last_run_at"`
	NextRunAt      sql.NullString `db:"next_run_at"`
	LeaseOwner     sql.NullString `db:"lease_owner"`
	LeaseExpiresAt sql.NullString `db:"lease_expires_at"`
	RunCount       int64          `db:"run_count"`
	FailCount      int64          `db:"fail_count"`
	LastResult     sql.NullString `db:"last_result"`
	LastError      sql.NullString `db:"last_error"`
}

// HistoryRow is one append-only heartbeat execution record.
type HistoryRow struct {
	ID             string         `db:"id"`
	TaskName       string         `db:"task_name"`
	StartedAt      string         `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	Result         sql.NullString `db:"result"`
	Message        sql.NullString `db:"message"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
}

// WakeEvent is a queued signal for the turn loop. FIFO by id, consumed at
// most once.
type WakeEvent struct {
	ID         int64          `db:"id"`
	Source     string         `db:"source"`
	Reason     string         `db:"reason"`
	Payload    sql.NullString `db:"payload"`
	CreatedAt  string         `db:"created_at"`
	ConsumedAt sql.NullString `db:"consumed_at"`
}

// UpsertSchedule merges a task's config into the schedule table, preserving
// runtime columns (counters, lease, last/next run) on conflict.
func (s *Store) UpsertSchedule(ctx context.Context, row *ScheduleRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_schedule
			(task_name, cron_expression, interval_ms, priority, timeout_ms, tier_minimum, enabled, params)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			cron_expression = excluded.cron_expression,
			interval_ms     = excluded.interval_ms,
			priority        = excluded.priority,
			timeout_ms      = excluded.timeout_ms,
			tier_minimum    = excluded.tier_minimum,
			enabled         = excluded.enabled,
			params          = excluded.params`,
		row.TaskName, row.CronExpression, row.IntervalMs, row.Priority,
		row.TimeoutMs, row.TierMinimum, row.Enabled, row.Params)
	return errs.Wrap(errs.KindUnavailable, err, "upsert schedule %s", row.TaskName)
}

// ListSchedules returns all schedule rows ordered by priority ascending.
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRow, error) {
	var rows []ScheduleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM heartbeat_schedule ORDER BY priority, task_name`)
	return rows, errs.Wrap(errs.KindUnavailable, err, "list schedules")
}

// GetSchedule loads one schedule row.
func (s *Store) GetSchedule(ctx context.Context, taskName string) (*ScheduleRow, error) {
	var row ScheduleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM heartbeat_schedule WHERE task_name = ?`, taskName)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "schedule %s not found", taskName)
	}
	return &row, errs.Wrap(errs.KindUnavailable, err, "get schedule %s", taskName)
}

// AcquireLease attempts the compare-and-swap lease claim. It succeeds only
// when the row has no owner or the existing lease expired; zero rows
// affected means another owner holds it.
func (s *Store) AcquireLease(ctx context.Context, taskName, owner, expiresAt, now string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_schedule
		SET lease_owner = ?, lease_expires_at = ?
		WHERE task_name = ? AND (lease_owner IS NULL OR lease_expires_at < ?)`,
		owner, expiresAt, taskName, now)
	if err != nil {
		return false, errs.Wrap(errs.KindUnavailable, err, "acquire lease %s", taskName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Wrap(errs.KindUnavailable, err, "acquire lease %s", taskName)
	}
	return n == 1, nil
}

// ReleaseLease clears a lease held by owner.
func (s *Store) ReleaseLease(ctx context.Context, taskName, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_schedule SET lease_owner = NULL, lease_expires_at = NULL
		WHERE task_name = ? AND lease_owner = ?`, taskName, owner)
	return errs.Wrap(errs.KindUnavailable, err, "release lease %s", taskName)
}

// ClearExpiredLeases drops leases whose expiry is in the past, returning the
// number cleared. An abandoned prior run leaves these behind.
func (s *Store) ClearExpiredLeases(ctx context.Context, now string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_schedule SET lease_owner = NULL, lease_expires_at = NULL
		WHERE lease_owner IS NOT NULL AND lease_expires_at < ?`, now)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, err, "clear expired leases")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateScheduleAfterRun records one execution's outcome on the schedule row.
func (s *Store) UpdateScheduleAfterRun(ctx context.Context, taskName, lastRunAt, nextRunAt, result, lastError string) error {
	failDelta := 0
	if result != TaskResultSuccess && result != TaskResultSkipped {
		failDelta = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_schedule
		SET last_run_at = ?, next_run_at = ?, run_count = run_count + 1,
		    fail_count = fail_count + ?, last_result = ?, last_error = ?
		WHERE task_name = ?`,
		lastRunAt, nextRunAt, failDelta, result, nullString(lastError), taskName)
	return errs.Wrap(errs.KindUnavailable, err, "update schedule %s", taskName)
}

// InsertDedupKey records a dedup key; returns false when the key already
// exists with an unexpired TTL.
func (s *Store) InsertDedupKey(ctx context.Context, key, taskName, now, expiresAt string) (bool, error) {
	// Lazily prune the expired entry so the insert can land.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM heartbeat_dedup WHERE dedup_key = ? AND expires_at < ?`, key, now); err != nil {
		return false, errs.Wrap(errs.KindUnavailable, err, "prune dedup key")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO heartbeat_dedup (dedup_key, task_name, created_at, expires_at)
		VALUES (?, ?, ?, ?)`, key, taskName, now, expiresAt)
	if err != nil {
		return false, errs.Wrap(errs.KindUnavailable, err, "insert dedup key")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PruneDedupKeys removes all expired dedup entries.
func (s *Store) PruneDedupKeys(ctx context.Context, now string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeat_dedup WHERE expires_at < ?`, now)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, err, "prune dedup keys")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertHistoryStart writes the start row for a task execution.
func (s *Store) InsertHistoryStart(ctx context.Context, row *HistoryRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_history (id, task_name, started_at, idempotency_key)
		VALUES (?, ?, ?, ?)`,
		row.ID, row.TaskName, row.StartedAt, row.IdempotencyKey)
	return errs.Wrap(errs.KindUnavailable, err, "insert history start %s", row.TaskName)
}

// CompleteHistory records the completion of a task execution.
func (s *Store) CompleteHistory(ctx context.Context, id, completedAt, result, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_history SET completed_at = ?, result = ?, message = ?
		WHERE id = ?`, completedAt, result, nullString(message), id)
	return errs.Wrap(errs.KindUnavailable, err, "complete history %s", id)
}

// HistoryForTask returns recent history rows for one task, newest first.
func (s *Store) HistoryForTask(ctx context.Context, taskName string, limit int) ([]HistoryRow, error) {
	var rows []HistoryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM heartbeat_history WHERE task_name = ?
		ORDER BY started_at DESC LIMIT ?`, taskName, limit)
	return rows, errs.Wrap(errs.KindUnavailable, err, "history for %s", taskName)
}

// EnqueueWake inserts a wake event.
func (s *Store) EnqueueWake(ctx context.Context, source, reason, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wake_events (source, reason, payload, created_at)
		VALUES (?, ?, ?, ?)`, source, reason, nullString(payload), NowISO())
	return errs.Wrap(errs.KindUnavailable, err, "enqueue wake event")
}

// ConsumeWakeEvents marks up to limit unconsumed events consumed and returns
// them in FIFO order by id. Selection and the consumed_at stamp commit
// atomically so each event is consumed at most once.
func (s *Store) ConsumeWakeEvents(ctx context.Context, limit int) ([]WakeEvent, error) {
	var events []WakeEvent
	err := s.RunTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &events, `
			SELECT * FROM wake_events WHERE consumed_at IS NULL
			ORDER BY id LIMIT ?`, limit); err != nil {
			return err
		}
		now := NowISO()
		for i := range events {
			if _, err := tx.ExecContext(ctx,
				`UPDATE wake_events SET consumed_at = ? WHERE id = ?`, now, events[i].ID); err != nil {
				return err
			}
			events[i].ConsumedAt = nullString(now)
		}
		return nil
	})
	return events, errs.Wrap(errs.KindUnavailable, err, "consume wake events")
}

// PendingWakeCount reports unconsumed wake events.
func (s *Store) PendingWakeCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM wake_events WHERE consumed_at IS NULL`)
	return n, errs.Wrap(errs.KindUnavailable, err, "count pending wake events")
}
