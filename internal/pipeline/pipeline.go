// Package pipeline glues the schema registry, event store and dispatcher
// into the command flow: envelope → append → fan-out. Phase transitions
// emitted by handlers re-enter through the same path.
package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/keeperhq/keeper/internal/dispatch"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/eventstore"
	"github.com/keeperhq/keeper/internal/metrics"
)

// Pipeline accepts commands and drives them through their phases.
type Pipeline struct {
	registry   *event.Registry
	log        *eventstore.Log
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New wires a Pipeline. metrics may be nil in tests.
func New(registry *event.Registry, log *eventstore.Log, d *dispatch.Dispatcher, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		registry:   registry,
		log:        log,
		dispatcher: d,
		metrics:    m,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Log exposes the event store for read paths (audit queries, approvals).
func (p *Pipeline) Log() *eventstore.Log { return p.log }

// Submit validates a command, appends its ".requested" (or other phase)
// event, and dispatches it to all matching handlers. The append is durable
// before any handler runs; handler failures never undo it.
func (p *Pipeline) Submit(ctx context.Context, in event.Input) (event.Event, error) {
	ev, err := p.registry.CreateEvent(in)
	if err != nil {
		return event.Event{}, err
	}
	return p.append(ctx, ev)
}

// Transition appends and dispatches a phase-transition event derived from
// src: same subject, same data, new phase, with causation pointing at src.
// extra is merged into the new event's metadata.
func (p *Pipeline) Transition(ctx context.Context, src event.Event, phase string, extra map[string]any) (event.Event, error) {
	meta := src.CloneMetadata()
	for k, v := range extra {
		meta[k] = v
	}
	return p.Submit(ctx, event.Input{
		Type:          src.WithPhase(phase),
		SubjectID:     src.SubjectID,
		SubjectType:   src.SubjectType,
		Data:          src.Data, // original payload travels unchanged
		Metadata:      meta,
		UserID:        src.UserID,
		Source:        src.Source,
		CorrelationID: src.CorrelationID,
		CausationID:   src.ID,
		RequestID:     src.RequestID,
	})
}

func (p *Pipeline) append(ctx context.Context, ev event.Event) (event.Event, error) {
	stored, err := p.log.Append(ctx, ev)
	if err != nil {
		return event.Event{}, err
	}
	if p.metrics != nil {
		p.metrics.RecordAppend(stored.Subject(), stored.Phase())
	}

	summary := p.dispatcher.Dispatch(ctx, stored)
	if summary.Failed > 0 {
		p.logger.Warn().
			Str("event_id", stored.ID).
			Str("type", stored.Type).
			Int("failed", summary.Failed).
			Int("successful", summary.Successful).
			Msg("dispatch completed with handler failures")
	}
	return stored, nil
}
