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

// WorkingMemoryEntry is short-lived per-session context. Bounded per session.
type WorkingMemoryEntry struct {
	ID        string `db:"id"`
	SessionID string `db:"session_id"`
	Content   string `db:"content"`
	Priority  int    `db:"priority"`
	CreatedAt string `db:"created_at"`
}

// EpisodicMemoryEntry records what happened in one turn.
type EpisodicMemoryEntry struct {
	ID             string         `db:"id"`
	TurnID         sql.NullString `db:"turn_id"`
	Classification string         `db:"classification"`
	Summary        string         `db:"summary"`
	Importance     int            `db:"importance"`
	CreatedAt      string         `db:"created_at"`
}

// SemanticMemoryEntry is a durable fact, unique per (category, key).
type SemanticMemoryEntry struct {
	ID         string  `db:"id"`
	Category   string  `db:"category"`
	Key        string  `db:"key"`
	Value      string  `db:"value"`
	Confidence float64 `db:"confidence"`
	UpdatedAt  string  `db:"updated_at"`
}

// RelationshipMemoryEntry tracks another agent across interactions.
type RelationshipMemoryEntry struct {
	ID               string         `db:"id"`
	AgentAddress     string         `db:"agent_address"`
	TrustScore       float64        `db:"trust_score"`
	InteractionCount int64          `db:"interaction_count"`
	LastInteraction  sql.NullString `db:"last_interaction"`
	Notes            sql.NullString `db:"notes"`
}

// MemorySnapshot is a per-tick metrics/alerts capture, pruned after 7 days.
type MemorySnapshot struct {
	ID         string `db:"id"`
	Metrics    []byte `db:"metrics"`
	Alerts     []byte `db:"alerts"`
	SnapshotAt string `db:"snapshot_at"`
}

// InsertWorkingMemory adds a working memory entry.
func (s *Store) InsertWorkingMemory(ctx context.Context, sessionID, content string, priority int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO working_memory (id, session_id, content, priority, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.NewULID(), sessionID, content, priority, NowISO())
	return errs.Wrap(errs.KindUnavailable, err, "insert working memory")
}

// TrimWorkingMemory keeps at most cap entries per session, deleting the
// lowest priority first and the oldest first on ties.
func (s *Store) TrimWorkingMemory(ctx context.Context, sessionID string, cap int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM working_memory WHERE id IN (
			SELECT id FROM working_memory WHERE session_id = ?
			ORDER BY priority DESC, created_at DESC
			LIMIT -1 OFFSET ?
		)`, sessionID, cap)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, err, "trim working memory")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WorkingMemoryForSession lists entries, highest priority first.
func (s *Store) WorkingMemoryForSession(ctx context.Context, sessionID string) ([]WorkingMemoryEntry, error) {
	var out []WorkingMemoryEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM working_memory WHERE session_id = ?
		ORDER BY priority DESC, created_at DESC`, sessionID)
	return out, errs.Wrap(errs.KindUnavailable, err, "list working memory")
}

// InsertEpisodicMemory appends one episode.
func (s *Store) InsertEpisodicMemory(ctx context.Context, e *EpisodicMemoryEntry) error {
	if e.ID == "" {
		e.ID = s.NewULID()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = NowISO()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodic_memory (id, turn_id, classification, summary, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TurnID, e.Classification, e.Summary, e.Importance, e.CreatedAt)
	return errs.Wrap(errs.KindUnavailable, err, "insert episodic memory")
}

// UpsertSemanticMemory stores a fact, replacing the value for an existing
// (category, key) pair.
func (s *Store) UpsertSemanticMemory(ctx context.Context, category, key, value string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_memory (id, category, key, value, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		s.NewULID(), category, key, value, confidence, NowISO())
	return errs.Wrap(errs.KindUnavailable, err, "upsert semantic memory %s/%s", category, key)
}

// GetSemanticMemory reads one fact.
func (s *Store) GetSemanticMemory(ctx context.Context, category, key string) (*SemanticMemoryEntry, error) {
	var e SemanticMemoryEntry
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM semantic_memory WHERE category = ? AND key = ?`, category, key)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "semantic memory %s/%s not found", category, key)
	}
	return &e, errs.Wrap(errs.KindUnavailable, err, "get semantic memory")
}

// TouchRelationship creates or updates a relationship record: new agents
// start at trust 0.5, existing ones get an interaction count bump.
func (s *Store) TouchRelationship(ctx context.Context, agentAddress, note string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationship_memory
			(id, agent_address, trust_score, interaction_count, last_interaction, notes)
		VALUES (?, ?, 0.5, 1, ?, ?)
		ON CONFLICT(agent_address) DO UPDATE SET
			interaction_count = relationship_memory.interaction_count + 1,
			last_interaction  = excluded.last_interaction,
			notes             = COALESCE(excluded.notes, relationship_memory.notes)`,
		s.NewULID(), agentAddress, NowISO(), nullString(note))
	return errs.Wrap(errs.KindUnavailable, err, "touch relationship %s", agentAddress)
}

// GetRelationship reads one relationship record.
func (s *Store) GetRelationship(ctx context.Context, agentAddress string) (*RelationshipMemoryEntry, error) {
	var e RelationshipMemoryEntry
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM relationship_memory WHERE agent_address = ?`, agentAddress)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "relationship %s not found", agentAddress)
	}
	return &e, errs.Wrap(errs.KindUnavailable, err, "get relationship")
}

// InsertMemorySnapshot appends a metrics/alerts snapshot.
func (s *Store) InsertMemorySnapshot(ctx context.Context, metrics, alerts interface{}) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_snapshots (id, metrics, alerts, snapshot_at)
		VALUES (?, ?, ?, ?)`,
		s.NewULID(), MustJSON(metrics), MustJSON(alerts), NowISO())
	return errs.Wrap(errs.KindUnavailable, err, "insert memory snapshot")
}

// PruneMemorySnapshots deletes snapshots older than the retention window
// (7 days in the reporting task).
func (s *Store) PruneMemorySnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format("2006-01-02T15:04:05.000Z")
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_snapshots WHERE snapshot_at < ?`, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, err, "prune memory snapshots")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
