package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/keeper/internal/blobstore"
	"github.com/keeperhq/keeper/internal/dispatch"
	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/eventstore"
	"github.com/keeperhq/keeper/internal/pipeline"
	"github.com/keeperhq/keeper/internal/retry"
	"github.com/keeperhq/keeper/internal/store"
)

type recordingAlerter struct {
	summaries []string
}

func (a *recordingAlerter) Alert(_ context.Context, summary string) error {
	a.summaries = append(a.summaries, summary)
	return nil
}

type recordingNotifier struct {
	published []any
}

func (n *recordingNotifier) Publish(_ string, payload any) error {
	n.published = append(n.published, payload)
	return nil
}

type workerFixture struct {
	worker   *EntityWorker
	db       *sql.DB
	log      *eventstore.Log
	alerter  *recordingAlerter
	notifier *recordingNotifier
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blobstore.NewFileStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	registry := event.NewRegistry(zerolog.Nop())
	event.RegisterDefaults(registry)
	log := eventstore.New(st, registry, zerolog.Nop())
	d := dispatch.New(zerolog.Nop(), nil)
	pipe := pipeline.New(registry, log, d, nil, zerolog.Nop())

	alerter := &recordingAlerter{}
	notifier := &recordingNotifier{}
	retryCfg := retry.Config{MaxAttempts: 2, BaseDelay: 0, MaxDelay: 0}

	w := NewEntityWorker("entities", st.DB(), blobs, pipe, notifier, alerter, retryCfg, nil, zerolog.Nop())
	return &workerFixture{worker: w, db: st.DB(), log: log, alerter: alerter, notifier: notifier}
}

func validatedEvent(t *testing.T, action, userID string, payload any) event.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	id := uuid.New().String()
	return event.Event{
		ID:            id,
		Type:          "entities." + action + ".validated",
		SubjectID:     id,
		Data:          data,
		Metadata:      map[string]any{},
		UserID:        userID,
		Source:        event.SourceUser,
		CorrelationID: id,
	}
}

func (f *workerFixture) countEntities(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM entities`).Scan(&n))
	return n
}

func TestCreate_PersistsEntity(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	ev := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{
		EntityType: "note",
		Title:      "groceries",
		Content:    "eggs, flour",
	})
	require.NoError(t, f.worker.Handle(ctx, ev))

	var title, contentRef, checksum string
	err := f.db.QueryRow(
		`SELECT title, content_ref, checksum FROM entities WHERE user_id = ?`, "user-1",
	).Scan(&title, &contentRef, &checksum)
	require.NoError(t, err)
	assert.Equal(t, "groceries", title)
	assert.NotEmpty(t, contentRef)
	assert.NotEmpty(t, checksum)

	// The completed event carries the created identifiers.
	group, err := f.log.ByCorrelation(ctx, ev.CorrelationID)
	require.NoError(t, err)
	require.Len(t, group, 1)
	assert.Equal(t, "entities.create.completed", group[0].Type)

	require.Len(t, f.notifier.published, 1)
}

func TestCreate_IdempotentRedelivery(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	ev := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{
		EntityType: "note",
		Title:      "once",
	})

	require.NoError(t, f.worker.Handle(ctx, ev))
	require.NoError(t, f.worker.Handle(ctx, ev), "re-delivery must be harmless")

	assert.Equal(t, 1, f.countEntities(t), "redelivery must not duplicate rows")

	// Exactly one completed event despite two deliveries.
	group, err := f.log.ByCorrelation(ctx, ev.CorrelationID)
	require.NoError(t, err)
	completed := 0
	for _, e := range group {
		if e.Phase() == event.PhaseCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestCreate_TaskExtensionRows(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	ev := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{
		EntityID:   "task-1",
		EntityType: "task",
		Title:      "ship it",
		Task:       &event.TaskDetails{Priority: "high"},
	})
	require.NoError(t, f.worker.Handle(ctx, ev))

	var status, priority string
	err := f.db.QueryRow(
		`SELECT status, priority FROM task_details WHERE entity_id = ?`, "task-1",
	).Scan(&status, &priority)
	require.NoError(t, err)
	assert.Equal(t, "open", status, "status defaults to open")
	assert.Equal(t, "high", priority)
}

func TestUpdate_ChangesRow(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	create := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{
		EntityID:   "e1",
		EntityType: "note",
		Title:      "before",
	})
	require.NoError(t, f.worker.Handle(ctx, create))

	newTitle := "after"
	update := validatedEvent(t, "update", "user-1", event.EntityUpdatePayload{
		EntityID: "e1",
		Title:    &newTitle,
	})
	require.NoError(t, f.worker.Handle(ctx, update))

	var title string
	require.NoError(t, f.db.QueryRow(`SELECT title FROM entities WHERE id = 'e1'`).Scan(&title))
	assert.Equal(t, "after", title)
}

func TestUpdate_OwnerScoped(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	create := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{
		EntityID:   "e1",
		EntityType: "note",
		Title:      "mine",
	})
	require.NoError(t, f.worker.Handle(ctx, create))

	// Another user's update on a personal resource finds no row. The miss
	// is deterministic, so it dead-letters without retrying.
	title := "stolen"
	update := validatedEvent(t, "update", "user-2", event.EntityUpdatePayload{
		EntityID: "e1",
		Title:    &title,
	})
	err := f.worker.Handle(ctx, update)
	require.Error(t, err)

	var terminal *kerrors.TerminalError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, 1, terminal.Attempts)

	var mine string
	require.NoError(t, f.db.QueryRow(`SELECT title FROM entities WHERE id = 'e1'`).Scan(&mine))
	assert.Equal(t, "mine", mine)
}

func TestUpdate_MissingEntityDeadLetters(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	title := "x"
	update := validatedEvent(t, "update", "user-1", event.EntityUpdatePayload{
		EntityID: "ghost",
		Title:    &title,
	})
	err := f.worker.Handle(ctx, update)
	require.Error(t, err)

	dlq := NewDeadLetterStore(f.db)
	letters, err := dlq.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, update.ID, letters[0].EventID)

	require.Len(t, f.alerter.summaries, 1, "terminal failures alert an operator")

	// Resolving clears it from the unresolved list.
	require.NoError(t, dlq.Resolve(ctx, letters[0].ID))
	letters, err = dlq.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDelete_SoftDeletes(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	create := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{
		EntityID:   "e1",
		EntityType: "note",
	})
	require.NoError(t, f.worker.Handle(ctx, create))

	del := validatedEvent(t, "delete", "user-1", event.EntityDeletePayload{EntityID: "e1"})
	require.NoError(t, f.worker.Handle(ctx, del))

	// The row survives with a tombstone timestamp.
	var deletedAt sql.NullInt64
	require.NoError(t, f.db.QueryRow(`SELECT deleted_at FROM entities WHERE id = 'e1'`).Scan(&deletedAt))
	assert.True(t, deletedAt.Valid)

	// Updates no longer see the row.
	title := "zombie"
	update := validatedEvent(t, "update", "user-1", event.EntityUpdatePayload{
		EntityID: "e1",
		Title:    &title,
	})
	require.Error(t, f.worker.Handle(ctx, update))
}

func TestHandle_IgnoresOtherPhasesAndSubjects(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	requested := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{EntityType: "note"})
	requested.Type = "entities.create.requested"
	require.NoError(t, f.worker.Handle(ctx, requested))

	foreign := validatedEvent(t, "create", "user-1", event.EntityCreatePayload{EntityType: "note"})
	foreign.Type = "documents.create.validated"
	require.NoError(t, f.worker.Handle(ctx, foreign))

	assert.Zero(t, f.countEntities(t))
}

func TestWorker_Pattern(t *testing.T) {
	f := newWorkerFixture(t)
	assert.Equal(t, "entities.*.validated", f.worker.Pattern())
	assert.Equal(t, "entities_worker", f.worker.Name())
}
