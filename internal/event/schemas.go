package event

import (
	"bytes"
	"encoding/json"

	kerrors "github.com/keeperhq/keeper/internal/errors"
)

// Scope carries the workspace/project context a command operates in.
// Absence of a workspace means the command concerns a personal resource.
type Scope struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
}

// ScopeOf extracts the workspace/project scope from a payload. Payloads
// without scope fields decode to the zero Scope.
func ScopeOf(data json.RawMessage) Scope {
	var s Scope
	_ = json.Unmarshal(data, &s)
	return s
}

// Known entity types. A missing type is rejected, never defaulted.
var entityTypes = map[string]bool{
	"note":     true,
	"task":     true,
	"document": true,
	"bookmark": true,
	"chat":     true,
}

// TaskDetails is the type-specific extension payload for task entities.
type TaskDetails struct {
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	DueAt    string `json:"dueAt,omitempty"`
}

// EntityCreatePayload is the payload for "entities.create" (and
// "documents.create") commands.
type EntityCreatePayload struct {
	Scope
	EntityID   string       `json:"entityId,omitempty"` // caller-supplied deterministic ID
	EntityType string       `json:"entityType"`
	Title      string       `json:"title,omitempty"`
	Content    string       `json:"content,omitempty"`
	FileName   string       `json:"fileName,omitempty"`
	FileData   []byte       `json:"fileData,omitempty"` // base64 in JSON
	Task       *TaskDetails `json:"task,omitempty"`
}

// EntityUpdatePayload is the payload for "entities.update" commands.
type EntityUpdatePayload struct {
	Scope
	EntityID        string       `json:"entityId"`
	Title           *string      `json:"title,omitempty"`
	Content         *string      `json:"content,omitempty"`
	Task            *TaskDetails `json:"task,omitempty"`
	ExpectedVersion *int64       `json:"expectedVersion,omitempty"` // optimistic concurrency token
}

// EntityDeletePayload is the payload for "entities.delete" commands.
// Deletes are soft: workers set a timestamp flag, rows are never dropped.
type EntityDeletePayload struct {
	Scope
	EntityID string `json:"entityId"`
}

func decodeStrict(raw json.RawMessage, eventType string, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return kerrors.NewSchemaError(eventType, "", err.Error())
	}
	return nil
}

func validateCreate(commandKey string) SchemaFunc {
	return func(raw json.RawMessage) error {
		var p EntityCreatePayload
		if err := decodeStrict(raw, commandKey, &p); err != nil {
			return err
		}
		if p.EntityType == "" {
			return kerrors.NewSchemaError(commandKey, "entityType", "entity type is required")
		}
		if !entityTypes[p.EntityType] {
			return kerrors.NewSchemaError(commandKey, "entityType", "unknown entity type "+p.EntityType)
		}
		if p.ProjectID != "" && p.WorkspaceID == "" {
			return kerrors.NewSchemaError(commandKey, "projectId", "project scope requires a workspace")
		}
		return nil
	}
}

func validateUpdate(commandKey string) SchemaFunc {
	return func(raw json.RawMessage) error {
		var p EntityUpdatePayload
		if err := decodeStrict(raw, commandKey, &p); err != nil {
			return err
		}
		if p.EntityID == "" {
			return kerrors.NewSchemaError(commandKey, "entityId", "entity id is required")
		}
		if p.Title == nil && p.Content == nil && p.Task == nil {
			return kerrors.NewSchemaError(commandKey, "", "update carries no changes")
		}
		return nil
	}
}

func validateDelete(commandKey string) SchemaFunc {
	return func(raw json.RawMessage) error {
		var p EntityDeletePayload
		if err := decodeStrict(raw, commandKey, &p); err != nil {
			return err
		}
		if p.EntityID == "" {
			return kerrors.NewSchemaError(commandKey, "entityId", "entity id is required")
		}
		return nil
	}
}

// RegisterDefaults installs the payload schemas for the built-in command
// namespaces. Called once at startup; tests register their own subsets.
func RegisterDefaults(r *Registry) {
	for _, subject := range []string{"entities", "documents"} {
		r.Register(subject+".create", validateCreate(subject+".create"))
		r.Register(subject+".update", validateUpdate(subject+".update"))
		r.Register(subject+".delete", validateDelete(subject+".delete"))
	}
}
