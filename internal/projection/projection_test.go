package projection

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/eventstore"
	"github.com/keeperhq/keeper/internal/store"
)

func newTestMaterializer(t *testing.T) (*Materializer, *eventstore.Log) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := event.NewRegistry(zerolog.Nop())
	log := eventstore.New(st, registry, zerolog.Nop())
	return New(st, log, zerolog.Nop()), log
}

func aiEvent(id, subjectID string, ai map[string]any) event.Event {
	return event.Event{
		ID:        id,
		Type:      "entities.create.completed",
		SubjectID: subjectID,
		Data:      json.RawMessage(`{}`),
		Metadata:  map[string]any{event.MetaAI: ai},
	}
}

func TestApply_MaterializesAnnotations(t *testing.T) {
	m, _ := newTestMaterializer(t)
	ctx := context.Background()

	ev := aiEvent("ev-1", "subject-1", map[string]any{
		"classification": "recipe",
		"extraction":     map[string]any{"cuisine": "italian"},
		"reasoning":      "looks like a dish",
	})
	require.NoError(t, m.Apply(ctx, ev))

	annotations, err := m.Annotations(ctx, "subject-1")
	require.NoError(t, err)
	require.Len(t, annotations, 3)

	kinds := map[string]json.RawMessage{}
	for _, a := range annotations {
		kinds[a.Kind] = a.Payload
		assert.Equal(t, "ev-1", a.SourceEventID)
	}
	assert.JSONEq(t, `"recipe"`, string(kinds["classification"]))
	assert.JSONEq(t, `{"cuisine":"italian"}`, string(kinds["extraction"]))
}

func TestApply_Idempotent(t *testing.T) {
	m, _ := newTestMaterializer(t)
	ctx := context.Background()

	ev := aiEvent("ev-1", "subject-1", map[string]any{"classification": "recipe"})
	require.NoError(t, m.Apply(ctx, ev))
	require.NoError(t, m.Apply(ctx, ev))

	annotations, err := m.Annotations(ctx, "subject-1")
	require.NoError(t, err)
	assert.Len(t, annotations, 1)
}

func TestApply_NoAIMetadataIsNoop(t *testing.T) {
	m, _ := newTestMaterializer(t)

	ev := event.Event{
		ID: "ev-1", Type: "entities.create.completed", SubjectID: "subject-1",
		Metadata: map[string]any{"origin": "web"},
	}
	require.NoError(t, m.Apply(context.Background(), ev))

	annotations, err := m.Annotations(context.Background(), "subject-1")
	require.NoError(t, err)
	assert.Empty(t, annotations)
}

func TestApply_Relationships(t *testing.T) {
	m, _ := newTestMaterializer(t)
	ctx := context.Background()

	ev := aiEvent("ev-1", "subject-1", map[string]any{
		"relationships": []any{
			map[string]any{"fromId": "a", "toId": "b", "relation": "references"},
			map[string]any{"fromId": "a", "toId": "c"}, // relation defaults
			map[string]any{"fromId": "", "toId": "d"},  // skipped
		},
	})
	require.NoError(t, m.Apply(ctx, ev))

	rows, err := m.db.QueryContext(ctx,
		`SELECT from_id, to_id, relation FROM entity_relations ORDER BY to_id`)
	require.NoError(t, err)
	defer rows.Close()

	type rel struct{ from, to, relation string }
	var got []rel
	for rows.Next() {
		var r rel
		require.NoError(t, rows.Scan(&r.from, &r.to, &r.relation))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []rel{
		{"a", "b", "references"},
		{"a", "c", "related"},
	}, got)
}

func TestRebuild_ReplaysLog(t *testing.T) {
	m, log := newTestMaterializer(t)
	ctx := context.Background()

	for _, id := range []string{"ev-1", "ev-2"} {
		ev := aiEvent(id, "subject-"+id, map[string]any{"classification": "note"})
		ev.Metadata = map[string]any{event.MetaAI: map[string]any{"classification": "note"}}
		_, err := log.Append(ctx, ev)
		require.NoError(t, err)
	}

	// Wipe the derived table and replay.
	_, err := m.db.ExecContext(ctx, `DELETE FROM ai_annotations`)
	require.NoError(t, err)

	applied, err := m.Rebuild(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	var n int
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM ai_annotations`).Scan(&n))
	assert.Equal(t, 2, n)
}
