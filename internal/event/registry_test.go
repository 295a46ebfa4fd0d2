package event

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/keeperhq/keeper/internal/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	RegisterDefaults(r)
	return r
}

func TestParseType(t *testing.T) {
	subject, action, phase, ok := ParseType("entities.create.requested")
	require.True(t, ok)
	assert.Equal(t, "entities", subject)
	assert.Equal(t, "create", action)
	assert.Equal(t, "requested", phase)

	_, _, _, ok = ParseType("entities.create")
	assert.False(t, ok)

	_, _, _, ok = ParseType("")
	assert.False(t, ok)
}

func TestCreateEvent_Defaults(t *testing.T) {
	r := newTestRegistry(t)

	ev, err := r.CreateEvent(Input{
		Type:   "entities.create.requested",
		Data:   json.RawMessage(`{"entityType":"note","title":"hello"}`),
		UserID: "user-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, SourceUser, ev.Source)
	assert.Equal(t, ev.ID, ev.CorrelationID, "correlation defaults to the event's own id")
	assert.Equal(t, ev.ID, ev.SubjectID, "subject defaults to the event's own id")
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotContains(t, ev.Metadata, MetaUnvalidated)
}

func TestCreateEvent_RejectsUnknownSource(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateEvent(Input{
		Type:   "entities.create.requested",
		Data:   json.RawMessage(`{"entityType":"note"}`),
		UserID: "user-1",
		Source: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.True(t, kerrors.IsSchemaError(err))
}

func TestCreateEvent_UnregisteredTypeTagged(t *testing.T) {
	r := newTestRegistry(t)

	ev, err := r.CreateEvent(Input{
		Type:   "widgets.frob.requested",
		Data:   json.RawMessage(`{"anything":"goes"}`),
		UserID: "user-1",
	})
	require.NoError(t, err, "unregistered types are accepted")
	assert.Equal(t, true, ev.Metadata[MetaUnvalidated])
}

func TestCreateEvent_DoesNotMutateCallerMetadata(t *testing.T) {
	r := newTestRegistry(t)

	meta := map[string]any{"origin": "test"}
	ev, err := r.CreateEvent(Input{
		Type:     "widgets.frob.requested",
		Data:     json.RawMessage(`{}`),
		Metadata: meta,
		UserID:   "user-1",
	})
	require.NoError(t, err)

	assert.Equal(t, true, ev.Metadata[MetaUnvalidated])
	assert.NotContains(t, meta, MetaUnvalidated, "caller map must stay untouched")
}

func TestSchema_CreateValidation(t *testing.T) {
	r := newTestRegistry(t)

	cases := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid note", `{"entityType":"note","title":"t"}`, false},
		{"valid task with details", `{"entityType":"task","task":{"status":"open","priority":"high"}}`, false},
		{"missing entityType", `{"title":"no type"}`, true},
		{"unknown entityType", `{"entityType":"spreadsheet"}`, true},
		{"unknown field", `{"entityType":"note","bogus":true}`, true},
		{"project without workspace", `{"entityType":"note","projectId":"p1"}`, true},
		{"project with workspace", `{"entityType":"note","workspaceId":"w1","projectId":"p1"}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ran, err := r.Validate("entities.create.requested", json.RawMessage(tc.data))
			assert.True(t, ran)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, kerrors.IsSchemaError(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSchema_UpdateValidation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Validate("entities.update.requested", json.RawMessage(`{"entityId":"e1"}`))
	require.Error(t, err, "an update with no changed fields is rejected")

	_, err = r.Validate("entities.update.requested", json.RawMessage(`{"entityId":"e1","title":"new"}`))
	require.NoError(t, err)

	_, err = r.Validate("entities.update.requested", json.RawMessage(`{"title":"new"}`))
	require.Error(t, err, "entityId is required")
}

func TestSchema_AllPhasesShareOneSchema(t *testing.T) {
	r := newTestRegistry(t)

	for _, phase := range []string{PhaseRequested, PhaseValidated, PhasePending, PhaseDenied, PhaseCompleted} {
		ran, err := r.Validate("entities.delete."+phase, json.RawMessage(`{"entityId":"e1"}`))
		assert.True(t, ran)
		assert.NoError(t, err, "phase %s", phase)
	}
}

func TestScopeOf(t *testing.T) {
	s := ScopeOf(json.RawMessage(`{"workspaceId":"w1","projectId":"p1","title":"x"}`))
	assert.Equal(t, "w1", s.WorkspaceID)
	assert.Equal(t, "p1", s.ProjectID)

	assert.Equal(t, Scope{}, ScopeOf(json.RawMessage(`{"title":"personal"}`)))
}

func TestWithPhase(t *testing.T) {
	ev := Event{Type: "entities.create.requested"}
	assert.Equal(t, "entities.create.validated", ev.WithPhase(PhaseValidated))
}
