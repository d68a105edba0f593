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
	"time"

	"github.com/marcus-qen/automaton/internal/errs"
)

// Spend categories — the dimension along which caps are enforced.
const (
	SpendTransfer  = "transfer"
	SpendX402      = "x402"
	SpendInference = "inference"
	SpendOther     = "other"
)

// SpendRecord is one financial tool spend, integer cents.
type SpendRecord struct {
	ID         string         `db:"id"`
	ToolName   string         `db:"tool_name"`
	Amount     int64          `db:"amount"`
	Recipient  sql.NullString `db:"recipient"`
	Category   string         `db:"category"`
	WindowHour string         `db:"window_hour"`
	WindowDay  string         `db:"window_day"`
	CreatedAt  string         `db:"created_at"`
}

// InsertSpend writes a spend record, deriving windows from the timestamp:
// window_hour is ts[:13], window_day is ts[:10].
func (s *Store) InsertSpend(ctx context.Context, toolName string, amount int64, recipient, category string) (*SpendRecord, error) {
	now := NowISO()
	rec := &SpendRecord{
		ID:         s.NewULID(),
		ToolName:   toolName,
		Amount:     amount,
		Recipient:  nullString(recipient),
		Category:   category,
		WindowHour: now[:13],
		WindowDay:  now[:10],
		CreatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend_records (id, tool_name, amount, recipient, category, window_hour, window_day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ToolName, rec.Amount, rec.Recipient, rec.Category,
		rec.WindowHour, rec.WindowDay, rec.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "insert spend record")
	}
	return rec, nil
}

// HourlySpend sums a category's spend inside one hour window.
func (s *Store) HourlySpend(ctx context.Context, category, windowHour string) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM spend_records
		WHERE category = ? AND window_hour = ?`, category, windowHour)
	return total, errs.Wrap(errs.KindUnavailable, err, "sum hourly spend")
}

// DailySpend sums a category's spend inside one day window.
func (s *Store) DailySpend(ctx context.Context, category, windowDay string) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM spend_records
		WHERE category = ? AND window_day = ?`, category, windowDay)
	return total, errs.Wrap(errs.KindUnavailable, err, "sum daily spend")
}

// PruneSpendRecords deletes rows older than the retention window. Stored
// timestamps come in two formats ("YYYY-MM-DD HH:MM:SS" from early versions
// and ISO-8601 with milliseconds); both sort lexicographically after
// normalizing the date prefix, so the cutoff compares on the first 10+
// characters through both layouts.
func (s *Store) PruneSpendRecords(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	isoCutoff := cutoff.Format("2006-01-02T15:04:05.000Z")
	legacyCutoff := cutoff.Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM spend_records
		WHERE (created_at LIKE '%T%' AND created_at < ?)
		   OR (created_at NOT LIKE '%T%' AND created_at < ?)`,
		isoCutoff, legacyCutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, err, "prune spend records")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
