// Package projection derives read-optimized AI-provenance tables from event
// metadata. Every write is a conflict-safe upsert keyed by source event, so
// the same event can be reprocessed, or the whole log replayed, without
// duplicating a row.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/eventstore"
	"github.com/keeperhq/keeper/internal/store"
)

// AI metadata kinds the materializer extracts.
var aiKinds = []string{"extraction", "classification", "inferredProperties", "reasoning"}

// Annotation is one derived AI-provenance row.
type Annotation struct {
	SourceEventID string
	Kind          string
	SubjectID     string
	Payload       json.RawMessage
}

// Relation is one derived entity relationship row.
type Relation struct {
	SourceEventID string
	FromID        string
	ToID          string
	Relation      string
}

// Materializer consumes events and maintains the derived tables.
type Materializer struct {
	db     *sql.DB
	log    *eventstore.Log
	logger zerolog.Logger
}

// New creates a Materializer.
func New(s *store.Store, log *eventstore.Log, logger zerolog.Logger) *Materializer {
	return &Materializer{
		db:     s.DB(),
		log:    log,
		logger: logger.With().Str("component", "projection").Logger(),
	}
}

// Name implements dispatch.Handler.
func (m *Materializer) Name() string { return "projection" }

// Handle implements dispatch.Handler, applying any event it receives.
func (m *Materializer) Handle(ctx context.Context, ev event.Event) error {
	return m.Apply(ctx, ev)
}

// Apply extracts AI provenance from an event's metadata into the derived
// tables. Events without AI metadata are a no-op. Safe to call any number
// of times for the same event.
func (m *Materializer) Apply(ctx context.Context, ev event.Event) error {
	ai, ok := ev.Metadata[event.MetaAI].(map[string]any)
	if !ok {
		return nil
	}
	now := time.Now().UnixMilli()

	for _, kind := range aiKinds {
		value, present := ai[kind]
		if !present {
			continue
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode %s annotation: %w", kind, err)
		}
		_, err = m.db.ExecContext(ctx, `
		INSERT INTO ai_annotations (source_event_id, kind, subject_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_event_id, kind) DO NOTHING`,
			ev.ID, kind, ev.SubjectID, string(payload), now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert annotation: %w", err)
		}
	}

	if rels, present := ai["relationships"]; present {
		if err := m.applyRelations(ctx, ev, rels, now); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) applyRelations(ctx context.Context, ev event.Event, rels any, now int64) error {
	raw, err := json.Marshal(rels)
	if err != nil {
		return fmt.Errorf("failed to encode relationships: %w", err)
	}
	var parsed []struct {
		FromID   string `json:"fromId"`
		ToID     string `json:"toId"`
		Relation string `json:"relation"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		m.logger.Warn().Str("event_id", ev.ID).Msg("relationships metadata is not a list, skipping")
		return nil
	}
	for _, r := range parsed {
		if r.FromID == "" || r.ToID == "" {
			continue
		}
		_, err := m.db.ExecContext(ctx, `
		INSERT INTO entity_relations (source_event_id, from_id, to_id, relation, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_event_id, from_id, to_id, relation) DO NOTHING`,
			ev.ID, r.FromID, r.ToID, orUnknown(r.Relation), now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert relation: %w", err)
		}
	}
	return nil
}

// Rebuild replays the event log (optionally from a timestamp) and
// regenerates all derived rows. Idempotent writes make it safe to run
// concurrently with live traffic.
func (m *Materializer) Rebuild(ctx context.Context, from time.Time) (int, error) {
	events, err := m.log.ListSince(ctx, from)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, ev := range events {
		if err := m.Apply(ctx, ev); err != nil {
			return applied, fmt.Errorf("rebuild stopped at event %s: %w", ev.ID, err)
		}
		applied++
	}
	m.logger.Info().Int("events", applied).Time("from", from).Msg("projection rebuilt")
	return applied, nil
}

// Annotations returns the derived rows for a subject, newest first.
func (m *Materializer) Annotations(ctx context.Context, subjectID string) ([]Annotation, error) {
	rows, err := m.db.QueryContext(ctx, `
	SELECT source_event_id, kind, subject_id, payload
	FROM ai_annotations WHERE subject_id = ? ORDER BY created_at DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		var a Annotation
		var payload string
		if err := rows.Scan(&a.SourceEventID, &a.Kind, &a.SubjectID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

func orUnknown(s string) string {
	if s == "" {
		return "related"
	}
	return s
}
