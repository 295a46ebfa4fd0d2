package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeadLetter records an event whose execution retries were exhausted.
// Terminal failures are never retried further; they sit here for audit and
// operator attention.
type DeadLetter struct {
	ID         string
	EventID    string
	EventType  string
	Error      string
	Attempts   int
	CreatedAt  int64
	ResolvedAt int64 // 0 = unresolved
}

// DeadLetterStore persists terminal failures.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore creates a DeadLetterStore over the shared database.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Save records a terminal failure for an event.
func (s *DeadLetterStore) Save(ctx context.Context, eventID, eventType, errMsg string, attempts int) (*DeadLetter, error) {
	dl := &DeadLetter{
		ID:        uuid.New().String(),
		EventID:   eventID,
		EventType: eventType,
		Error:     errMsg,
		Attempts:  attempts,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO dead_letters (id, event_id, event_type, error, attempts, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.EventID, dl.EventType, dl.Error, dl.Attempts, dl.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save dead letter: %w", err)
	}
	return dl, nil
}

// ListUnresolved returns unresolved dead letters, oldest first.
func (s *DeadLetterStore) ListUnresolved(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `
	SELECT id, event_id, event_type, error, attempts, created_at, resolved_at
	FROM dead_letters WHERE resolved_at IS NULL ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var resolved sql.NullInt64
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.EventType, &dl.Error, &dl.Attempts, &dl.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if resolved.Valid {
			dl.ResolvedAt = resolved.Int64
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

// Resolve marks a dead letter handled by an operator.
func (s *DeadLetterStore) Resolve(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dead letter not found: %s", id)
	}
	return nil
}
