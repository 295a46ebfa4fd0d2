// Package event defines the immutable event envelope and the schema registry
// every command must pass through before it is accepted. All mutating
// operations in the system flow as events typed "{subject}.{action}.{phase}".
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source identifiers for event provenance.
const (
	SourceUser         = "user"
	SourceAutomation   = "automation"
	SourceSync         = "sync"
	SourceMigration    = "migration"
	SourceSystem       = "system"
	SourceIntelligence = "intelligence"
)

// Phase identifiers, the last segment of an event type.
const (
	PhaseRequested = "requested"
	PhaseValidated = "validated"
	PhasePending   = "pending"
	PhaseDenied    = "denied"
	PhaseCompleted = "completed"
)

// Metadata keys the pipeline itself writes. Annotations are additive only;
// the rest of an appended event never changes.
const (
	MetaDecision    = "decision"
	MetaUnvalidated = "unvalidated"
	MetaApprovedBy  = "approvedBy"
	MetaAI          = "ai"
)

// Event is the immutable envelope around every command and phase transition.
// Core fields (ID, Type, Data, Timestamp) are never mutated after append;
// only Metadata receives additive annotations such as governor decisions.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	SubjectID     string          `json:"subjectId,omitempty"`
	SubjectType   string          `json:"subjectType,omitempty"`
	Data          json.RawMessage `json:"data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	UserID        string          `json:"userId"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`

	// Version is the 1-based position within the subject's stream,
	// assigned by the event store on append.
	Version int64 `json:"version,omitempty"`
}

// Subject returns the first segment of the event type ("entities" in
// "entities.create.requested"), or "" if the type is malformed.
func (e Event) Subject() string {
	subject, _, _, _ := ParseType(e.Type)
	return subject
}

// Action returns the middle segment of the event type.
func (e Event) Action() string {
	_, action, _, _ := ParseType(e.Type)
	return action
}

// Phase returns the last segment of the event type.
func (e Event) Phase() string {
	_, _, phase, _ := ParseType(e.Type)
	return phase
}

// WithPhase returns the event type string for a different phase of the same
// command, e.g. "entities.create.requested" → "entities.create.validated".
func (e Event) WithPhase(phase string) string {
	subject, action, _, ok := ParseType(e.Type)
	if !ok {
		return e.Type
	}
	return subject + "." + action + "." + phase
}

// CloneMetadata returns a shallow copy of the metadata map, never nil.
func (e Event) CloneMetadata() map[string]any {
	out := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		out[k] = v
	}
	return out
}

// ParseType splits a dot-path event type into its three segments.
// ok is false when the type does not have exactly three segments or the
// phase is unknown.
func ParseType(t string) (subject, action, phase string, ok bool) {
	parts := strings.Split(t, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	switch parts[2] {
	case PhaseRequested, PhaseValidated, PhasePending, PhaseDenied, PhaseCompleted:
	default:
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ValidSource reports whether s is a known provenance source.
func ValidSource(s string) bool {
	switch s {
	case SourceUser, SourceAutomation, SourceSync, SourceMigration, SourceSystem, SourceIntelligence:
		return true
	}
	return false
}

// CommandKey returns the schema-registry key for an event type: the
// "{subject}.{action}" prefix shared by all phases of one command.
func CommandKey(eventType string) (string, error) {
	subject, action, _, ok := ParseType(eventType)
	if !ok {
		return "", fmt.Errorf("malformed event type %q", eventType)
	}
	return subject + "." + action, nil
}
