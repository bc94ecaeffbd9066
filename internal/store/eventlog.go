package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowplane/pkg/schema"
)

// AppendRunEvent appends an event with a monotonically increasing per-run
// sequence and writes the assigned Seq back into the event.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *schema.RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction, so two appenders
	// could both read the same MAX(seq) before either writes. Issue a
	// write-intent statement first to upgrade to a write lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Seq = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := nullablePayload(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, type, node_id, attempt, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.NodeID), nullInt(event.Attempt),
		payload, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run event: %w", err)
	}
	return nil
}

// ListRunEvents returns events for a run with seq > sinceSeq, ordered by
// seq ascending.
func (s *LibSQLStore) ListRunEvents(ctx context.Context, runID string, sinceSeq int64, limit int) ([]*schema.RunEvent, error) {
	query := `SELECT run_id, seq, type, node_id, attempt, payload, timestamp
		 FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.RunEvent
	for rows.Next() {
		e := &schema.RunEvent{}
		var nodeID, payload sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &nodeID, &attempt, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Attempt = int(attempt.Int64)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplayNodeStates folds a run's event log into the last-known status per
// node. Returns an error when the sequence has gaps, which means the log
// was partially written or truncated.
func (s *LibSQLStore) ReplayNodeStates(ctx context.Context, runID string) (map[string]schema.NodeStatus, error) {
	events, err := s.ListRunEvents(ctx, runID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list events for replay: %w", err)
	}

	states := make(map[string]schema.NodeStatus)
	for i, e := range events {
		if e.Seq != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, i+1, e.Seq)
		}
		if e.NodeID == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeDispatched, schema.EventNodeRetrying:
			states[e.NodeID] = schema.NodeRunning
		case schema.EventNodeCompleted, schema.EventNodeCached:
			states[e.NodeID] = schema.NodeDone
		case schema.EventNodeFailed:
			states[e.NodeID] = schema.NodeError
		case schema.EventNodeSkipped:
			states[e.NodeID] = schema.NodeSkipped
		}
	}
	return states, nil
}

func nullablePayload(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
