package pipeline_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/keeper/internal/blobstore"
	"github.com/keeperhq/keeper/internal/dispatch"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/eventstore"
	"github.com/keeperhq/keeper/internal/governor"
	"github.com/keeperhq/keeper/internal/pipeline"
	"github.com/keeperhq/keeper/internal/projection"
	"github.com/keeperhq/keeper/internal/retry"
	"github.com/keeperhq/keeper/internal/store"
	"github.com/keeperhq/keeper/internal/worker"
)

// fixture wires the full command flow: governor on requested events,
// entity workers on validated events, projections on everything.
type fixture struct {
	pipe *pipeline.Pipeline
	log  *eventstore.Log
	dir  *governor.Directory
	db   *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmp := t.TempDir()
	st, err := store.New(filepath.Join(tmp, "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blobstore.NewFileStore(filepath.Join(tmp, "blobs"))
	require.NoError(t, err)

	registry := event.NewRegistry(zerolog.Nop())
	event.RegisterDefaults(registry)
	log := eventstore.New(st, registry, zerolog.Nop())
	d := dispatch.New(zerolog.Nop(), nil)
	pipe := pipeline.New(registry, log, d, nil, zerolog.Nop())

	dir := governor.NewDirectory(st)
	gov := governor.New(dir, pipe, nil, zerolog.Nop())
	d.Subscribe("*.*.requested", gov)

	retryCfg := retry.Config{MaxAttempts: 1}
	for _, subject := range []string{"entities", "documents"} {
		w := worker.NewEntityWorker(subject, st.DB(), blobs, pipe, nil, nil, retryCfg, nil, zerolog.Nop())
		d.Subscribe(w.Pattern(), w)
	}

	proj := projection.New(st, log, zerolog.Nop())
	d.Subscribe("*.*.*", proj)

	return &fixture{pipe: pipe, log: log, dir: dir, db: st.DB()}
}

func phases(t *testing.T, f *fixture, correlationID string) []string {
	t.Helper()
	group, err := f.log.ByCorrelation(context.Background(), correlationID)
	require.NoError(t, err)
	out := make([]string, 0, len(group))
	for _, ev := range group {
		out = append(out, ev.Phase())
	}
	return out
}

func TestSubmit_CreateRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requested, err := f.pipe.Submit(ctx, event.Input{
		Type:   "entities.create.requested",
		Data:   json.RawMessage(`{"entityType":"note","title":"hello","content":"world"}`),
		UserID: "user-1",
	})
	require.NoError(t, err)

	// The whole lifecycle ran synchronously within the submit.
	assert.ElementsMatch(t,
		[]string{event.PhaseRequested, event.PhaseValidated, event.PhaseCompleted},
		phases(t, f, requested.CorrelationID))

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM entities WHERE user_id = 'user-1'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSubmit_WorkspaceRoleDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dir.SaveWorkspace(ctx, governor.Workspace{ID: "w1", OwnerID: "owner-1"}))
	require.NoError(t, f.dir.SaveMembership(ctx, governor.Membership{
		ContextType: governor.ContextWorkspace, ContextID: "w1", UserID: "viewer-1", Role: governor.RoleViewer,
	}))

	requested, err := f.pipe.Submit(ctx, event.Input{
		Type:   "entities.create.requested",
		Data:   json.RawMessage(`{"entityType":"note","workspaceId":"w1"}`),
		UserID: "viewer-1",
	})
	require.NoError(t, err, "denial is a lifecycle outcome, not a submission error")

	assert.ElementsMatch(t,
		[]string{event.PhaseRequested, event.PhaseDenied},
		phases(t, f, requested.CorrelationID))

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM entities`).Scan(&n))
	assert.Zero(t, n, "denied commands execute nothing")
}

func TestSubmit_AIPendingThenApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gov := governor.New(f.dir, f.pipe, nil, zerolog.Nop())

	requested, err := f.pipe.Submit(ctx, event.Input{
		Type:   "entities.create.requested",
		Data:   json.RawMessage(`{"entityType":"note","title":"ai suggestion"}`),
		UserID: "user-1",
		Source: event.SourceIntelligence,
	})
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{event.PhaseRequested, event.PhasePending},
		phases(t, f, requested.CorrelationID))

	group, err := f.log.ByCorrelation(ctx, requested.CorrelationID)
	require.NoError(t, err)
	var pendingID string
	for _, ev := range group {
		if ev.Phase() == event.PhasePending {
			pendingID = ev.ID
		}
	}
	require.NotEmpty(t, pendingID)

	// Owner approval emits validated, which the worker picks up.
	_, err = gov.Approve(ctx, pendingID, "user-1")
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{event.PhaseRequested, event.PhasePending, event.PhaseValidated, event.PhaseCompleted},
		phases(t, f, requested.CorrelationID))

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM entities`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSubmit_SchemaRejectionAppendsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipe.Submit(ctx, event.Input{
		Type:   "entities.create.requested",
		Data:   json.RawMessage(`{"title":"no entity type"}`),
		UserID: "user-1",
	})
	require.Error(t, err)

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Zero(t, n)
}

func TestSubmit_AIMetadataProjected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requested, err := f.pipe.Submit(ctx, event.Input{
		Type:   "entities.create.requested",
		Data:   json.RawMessage(`{"entityType":"note","title":"tagged"}`),
		UserID: "user-1",
		Metadata: map[string]any{
			"ai": map[string]any{
				"classification": "recipe",
				"extraction":     map[string]any{"cuisine": "italian"},
			},
		},
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, f.db.QueryRow(
		`SELECT COUNT(*) FROM ai_annotations WHERE source_event_id = ?`, requested.ID).Scan(&n))
	assert.Equal(t, 2, n, "each annotation kind materializes one row")
}
