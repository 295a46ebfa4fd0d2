package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	kerrors "github.com/keeperhq/keeper/internal/errors"
)

// Schema validates the payload of one command ("{subject}.{action}").
// All phases of a command share the same payload schema, since phase
// transitions carry the original data unchanged.
type Schema interface {
	Validate(raw json.RawMessage) error
}

// SchemaFunc adapts a plain function to the Schema interface.
type SchemaFunc func(raw json.RawMessage) error

func (f SchemaFunc) Validate(raw json.RawMessage) error { return f(raw) }

// Registry maps command keys to payload schemas. It is an explicit value
// injected into the store and pipeline at startup, never a package global,
// so tests can build isolated instances.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
	logger  zerolog.Logger
}

// NewRegistry creates an empty schema registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		schemas: make(map[string]Schema),
		logger:  logger.With().Str("component", "schema_registry").Logger(),
	}
}

// Register binds a command key ("entities.create") to its payload schema.
// Registering the same key twice replaces the schema.
func (r *Registry) Register(commandKey string, schema Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[commandKey] = schema
}

// Validate checks raw against the schema registered for eventType's command.
// Unregistered types are accepted with a logged warning and tagged as
// unvalidated. The returned bool reports whether a schema actually ran.
func (r *Registry) Validate(eventType string, raw json.RawMessage) (bool, error) {
	key, err := CommandKey(eventType)
	if err != nil {
		return false, kerrors.NewSchemaError(eventType, "type", err.Error())
	}

	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn().
			Str("type", eventType).
			Msg("no schema registered, accepting payload unvalidated")
		return false, nil
	}
	if err := schema.Validate(raw); err != nil {
		return true, err
	}
	return true, nil
}

// Input is the caller-facing command submission shape.
type Input struct {
	Type          string
	SubjectID     string
	SubjectType   string
	Data          json.RawMessage
	Metadata      map[string]any
	UserID        string
	Source        string
	CorrelationID string
	CausationID   string
	RequestID     string
}

// CreateEvent validates the input payload and builds a fresh envelope with a
// generated ID and timestamp. Caller-supplied maps are copied, never mutated.
func (r *Registry) CreateEvent(in Input) (Event, error) {
	if in.Type == "" {
		return Event{}, kerrors.NewSchemaError("", "type", "event type is required")
	}
	source := in.Source
	if source == "" {
		source = SourceUser
	}
	if !ValidSource(source) {
		return Event{}, kerrors.NewSchemaError(in.Type, "source", "unknown source "+source)
	}

	data := in.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	validated, err := r.Validate(in.Type, data)
	if err != nil {
		return Event{}, err
	}

	meta := make(map[string]any, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	if !validated {
		meta[MetaUnvalidated] = true
	}

	ev := Event{
		ID:            uuid.New().String(),
		Type:          in.Type,
		SubjectID:     in.SubjectID,
		SubjectType:   in.SubjectType,
		Data:          data,
		Metadata:      meta,
		UserID:        in.UserID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: in.CorrelationID,
		CausationID:   in.CausationID,
		RequestID:     in.RequestID,
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.ID
	}
	if ev.SubjectID == "" {
		ev.SubjectID = ev.ID
	}
	return ev, nil
}
