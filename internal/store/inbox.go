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

	"github.com/marcus-qen/automaton/internal/errs"
)

// Inbox message statuses.
const (
	InboxReceived   = "received"
	InboxInProgress = "in_progress"
	InboxProcessed  = "processed"
	InboxFailed     = "failed"
)

// InboxMessage is one signature-verified inbound message.
type InboxMessage struct {
	ID          string `db:"id"`
	FromAddress string `db:"from_address"`
	ToAddress   string `db:"to_address"`
	Content     string `db:"content"`
	ReceivedAt  string `db:"received_at"`
	Status      string `db:"status"`
	RetryCount  int    `db:"retry_count"`
	MaxRetries  int    `db:"max_retries"`
}

// InsertInboxMessage stores a new message; duplicate ids are ignored so the
// poll task can safely re-deliver.
func (s *Store) InsertInboxMessage(ctx context.Context, m *InboxMessage) (bool, error) {
	if m.Status == "" {
		m.Status = InboxReceived
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = 3
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox_messages
			(id, from_address, to_address, content, received_at, status, retry_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromAddress, m.ToAddress, m.Content, m.ReceivedAt, m.Status, m.RetryCount, m.MaxRetries)
	if err != nil {
		return false, errs.Wrap(errs.KindUnavailable, err, "insert inbox message")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// NextInboxMessage claims the oldest received message, marking it in
// progress.
func (s *Store) NextInboxMessage(ctx context.Context) (*InboxMessage, error) {
	var m InboxMessage
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM inbox_messages WHERE status = ?
		ORDER BY received_at, id LIMIT 1`, InboxReceived)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "next inbox message")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE inbox_messages SET status = ? WHERE id = ?`, InboxInProgress, m.ID); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "claim inbox message")
	}
	m.Status = InboxInProgress
	return &m, nil
}

// ResolveInboxMessage transitions a message to processed or failed. Failures
// under the retry budget go back to received.
func (s *Store) ResolveInboxMessage(ctx context.Context, id string, ok bool) error {
	if ok {
		_, err := s.db.ExecContext(ctx,
			`UPDATE inbox_messages SET status = ? WHERE id = ?`, InboxProcessed, id)
		return errs.Wrap(errs.KindUnavailable, err, "resolve inbox message")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbox_messages
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END
		WHERE id = ?`, InboxFailed, InboxReceived, id)
	return errs.Wrap(errs.KindUnavailable, err, "fail inbox message")
}

// UnreadInboxCount counts messages still awaiting processing.
func (s *Store) UnreadInboxCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM inbox_messages WHERE status IN (?, ?)`, InboxReceived, InboxInProgress)
	return n, errs.Wrap(errs.KindUnavailable, err, "count unread inbox")
}
