// Package eventstore implements the append-only, immutable event log.
// Versions are per-subject and strictly increasing; there is no global
// order across aggregates — cross-aggregate causality travels on
// correlation/causation IDs instead.
package eventstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/store"
)

// Log is the durable event store backed by the shared SQLite database.
type Log struct {
	db       *sql.DB
	registry *event.Registry
	logger   zerolog.Logger
}

// New creates a Log over the shared store using the given schema registry.
func New(s *store.Store, registry *event.Registry, logger zerolog.Logger) *Log {
	return &Log{
		db:       s.DB(),
		registry: registry,
		logger:   logger.With().Str("component", "eventstore").Logger(),
	}
}

// BatchResult reports the outcome of one event within an AppendBatch call.
type BatchResult struct {
	Event event.Event
	Err   error
}

// Append validates the envelope's payload and durably appends it, assigning
// the next version for its subject. A schema failure persists nothing.
func (l *Log) Append(ctx context.Context, ev event.Event) (event.Event, error) {
	if _, err := l.registry.Validate(ev.Type, ev.Data); err != nil {
		return event.Event{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE subject_id = ?`, ev.SubjectID,
	).Scan(&version); err != nil {
		return event.Event{}, fmt.Errorf("failed to read stream version: %w", err)
	}
	version++

	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO events (
		id, type, subject_id, subject_type, data, metadata,
		user_id, source, timestamp, correlation_id, causation_id, request_id, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.SubjectID, ev.SubjectType, string(ev.Data), string(meta),
		ev.UserID, ev.Source, ev.Timestamp.UnixMilli(),
		ev.CorrelationID, ev.CausationID, ev.RequestID, version,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("failed to commit append: %w", err)
	}

	ev.Version = version
	l.logger.Debug().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Int64("version", version).
		Msg("event appended")
	return ev, nil
}

// AppendBatch appends each event independently and reports per-item results.
// Partial success is expected — each event is independently valid or not;
// there is deliberately no all-or-nothing guarantee.
func (l *Log) AppendBatch(ctx context.Context, evs []event.Event) []BatchResult {
	results := make([]BatchResult, 0, len(evs))
	for _, ev := range evs {
		stored, err := l.Append(ctx, ev)
		if err != nil {
			results = append(results, BatchResult{Event: ev, Err: err})
			continue
		}
		results = append(results, BatchResult{Event: stored})
	}
	return results
}

// Stream returns all events for a subject in version order.
func (l *Log) Stream(ctx context.Context, subjectID string) ([]event.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		selectCols+` FROM events WHERE subject_id = ? ORDER BY version ASC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Version returns the current version for a subject, or (0, false) when the
// subject has no events yet.
func (l *Log) Version(ctx context.Context, subjectID string) (int64, bool, error) {
	var v sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE subject_id = ?`, subjectID).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read version: %w", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Int64, true, nil
}

// GetByID returns one event by its ID.
func (l *Log) GetByID(ctx context.Context, id string) (event.Event, error) {
	row := l.db.QueryRowContext(ctx, selectCols+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return event.Event{}, kerrors.ErrNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// ByCorrelation returns all events sharing a correlation ID, oldest first.
func (l *Log) ByCorrelation(ctx context.Context, correlationID string) ([]event.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		selectCols+` FROM events WHERE correlation_id = ? ORDER BY timestamp ASC, version ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read correlation group: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListSince returns every event at or after the given time, oldest first.
// A zero time replays the entire log. Used by projection rebuilds.
func (l *Log) ListSince(ctx context.Context, from time.Time) ([]event.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		selectCols+` FROM events WHERE timestamp >= ? ORDER BY timestamp ASC, version ASC`, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Annotate merges a key into an event's metadata. Annotations are additive
// only: re-writing the same value is a no-op, a conflicting value is an
// error. Core envelope fields are never touched — this is the audit trail.
func (l *Log) Annotate(ctx context.Context, eventID, key string, value any) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin annotate: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM events WHERE id = ?`, eventID).Scan(&raw)
	if err == sql.ErrNoRows {
		return kerrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	meta := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	if meta == nil {
		meta = make(map[string]json.RawMessage)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode annotation: %w", err)
	}
	if existing, ok := meta[key]; ok {
		if bytes.Equal(existing, encoded) {
			return nil // idempotent re-annotation
		}
		return fmt.Errorf("metadata key %q already set with a different value: %w", key, kerrors.ErrInvalidInput)
	}
	meta[key] = encoded

	updated, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET metadata = ? WHERE id = ?`, string(updated), eventID); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return tx.Commit()
}

const selectCols = `SELECT id, type, subject_id, subject_type, data, metadata,
	user_id, source, timestamp, correlation_id, causation_id, request_id, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var ev event.Event
	var data, meta string
	var ts int64
	err := row.Scan(
		&ev.ID, &ev.Type, &ev.SubjectID, &ev.SubjectType, &data, &meta,
		&ev.UserID, &ev.Source, &ts, &ev.CorrelationID, &ev.CausationID,
		&ev.RequestID, &ev.Version,
	)
	if err != nil {
		return event.Event{}, err
	}
	ev.Data = json.RawMessage(data)
	ev.Timestamp = time.UnixMilli(ts).UTC()
	if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
		return event.Event{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}
