// Package governor resolves permission decisions for ".requested" commands
// and records them as phase transitions. A decision is derived state: it is
// annotated into the triggering event's metadata and expressed as a new
// ".validated", ".pending" or ".denied" event carrying the original payload.
package governor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/metrics"
	"github.com/keeperhq/keeper/internal/pipeline"
)

// Decision is the outcome of permission resolution for one command.
type Decision struct {
	Granted       bool     `json:"granted"`
	NeedsApproval bool     `json:"needsApproval"`
	Approvers     []string `json:"approvers,omitempty"`
	Reason        string   `json:"reason"`
}

func (d Decision) phase() string {
	switch {
	case d.Granted:
		return event.PhaseValidated
	case d.NeedsApproval:
		return event.PhasePending
	default:
		return event.PhaseDenied
	}
}

// Governor is the universal ".requested" listener.
type Governor struct {
	dir     *Directory
	pipe    *pipeline.Pipeline
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// AIAutoApproveDefault applies to AI commands on personal resources,
	// which have no workspace setting to consult.
	AIAutoApproveDefault bool
}

// New creates a Governor. metrics may be nil in tests.
func New(dir *Directory, pipe *pipeline.Pipeline, m *metrics.Metrics, logger zerolog.Logger) *Governor {
	return &Governor{
		dir:     dir,
		pipe:    pipe,
		metrics: m,
		logger:  logger.With().Str("component", "governor").Logger(),
	}
}

// Name implements dispatch.Handler.
func (g *Governor) Name() string { return "governor" }

// Handle consumes a ".requested" event: resolve the decision, annotate it
// into the source event's metadata, and emit the phase-transition event.
// Both side effects are idempotent: the decision is a deterministic
// function of the event and current memberships.
func (g *Governor) Handle(ctx context.Context, ev event.Event) error {
	if ev.Phase() != event.PhaseRequested {
		return nil
	}

	decision, err := g.Decide(ctx, ev)
	if err != nil {
		return fmt.Errorf("resolving decision: %w", err)
	}

	if err := g.pipe.Log().Annotate(ctx, ev.ID, event.MetaDecision, decision); err != nil {
		return fmt.Errorf("annotating decision: %w", err)
	}

	if _, err := g.pipe.Transition(ctx, ev, decision.phase(), map[string]any{
		event.MetaDecision: decision,
	}); err != nil {
		return fmt.Errorf("emitting %s: %w", decision.phase(), err)
	}

	if g.metrics != nil {
		g.metrics.RecordDecision(ev.Action(), decision.phase())
	}
	g.logger.Info().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Str("user", ev.UserID).
		Bool("granted", decision.Granted).
		Bool("pending", decision.NeedsApproval).
		Str("reason", decision.Reason).
		Msg("permission decision")
	return nil
}

// Decide resolves the approval decision for a command without side effects.
func (g *Governor) Decide(ctx context.Context, ev event.Event) (Decision, error) {
	// 1. A command with no acting user is denied outright.
	if ev.UserID == "" {
		return Decision{Reason: "no user context"}, nil
	}

	scope := event.ScopeOf(ev.Data)

	// 2. AI-originated commands defer to the workspace's auto-approve
	// setting. When it is off, a human owner must re-submit as approved
	// before any further checks run.
	if ev.Source == event.SourceIntelligence {
		if scope.WorkspaceID == "" {
			if !g.AIAutoApproveDefault {
				return Decision{
					NeedsApproval: true,
					Approvers:     []string{ev.UserID},
					Reason:        "AI-originated command on a personal resource requires owner approval",
				}, nil
			}
		} else {
			ws, err := g.dir.Workspace(ctx, scope.WorkspaceID)
			if err != nil {
				if err == kerrors.ErrNotFound {
					return Decision{Reason: "workspace " + scope.WorkspaceID + " does not exist"}, nil
				}
				return Decision{}, err
			}
			if !ws.AIAutoApprove {
				return Decision{
					NeedsApproval: true,
					Approvers:     []string{ws.OwnerID},
					Reason:        "AI auto-approve is disabled for this workspace",
				}, nil
			}
		}
	}

	// 3. No workspace context means a personal resource. Ownership scoping
	// is enforced later by the execution worker's own row filters.
	if scope.WorkspaceID == "" {
		return Decision{Granted: true, Reason: "personal resource, owner scoped"}, nil
	}

	// 4. Workspace membership is required; a project membership, when
	// present, overrides the workspace role for this check.
	role, member, err := g.dir.RoleFor(ctx, ContextWorkspace, scope.WorkspaceID, ev.UserID)
	if err != nil {
		return Decision{}, err
	}
	if !member {
		return Decision{Reason: "not a member of workspace " + scope.WorkspaceID}, nil
	}
	if scope.ProjectID != "" {
		projectRole, projectMember, err := g.dir.RoleFor(ctx, ContextProject, scope.ProjectID, ev.UserID)
		if err != nil {
			return Decision{}, err
		}
		if projectMember {
			role = projectRole
		}
	}

	// 5. Fixed permission matrix.
	if !Allowed(ev.Action(), role) {
		return Decision{
			Reason: fmt.Sprintf("role %s does not permit %s", role, ev.Action()),
		}, nil
	}
	return Decision{Granted: true, Reason: fmt.Sprintf("allowed for role %s", role)}, nil
}

// Approve resolves a pending command: a human re-submits the event as
// approved, emitting the ".validated" transition that unblocks execution.
func (g *Governor) Approve(ctx context.Context, eventID, approverID string) (event.Event, error) {
	return g.resolve(ctx, eventID, approverID, event.PhaseValidated)
}

// Deny rejects a pending command, emitting the ".denied" transition.
func (g *Governor) Deny(ctx context.Context, eventID, approverID string) (event.Event, error) {
	return g.resolve(ctx, eventID, approverID, event.PhaseDenied)
}

func (g *Governor) resolve(ctx context.Context, eventID, approverID, phase string) (event.Event, error) {
	ev, err := g.pipe.Log().GetByID(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}
	if ev.Phase() != event.PhasePending {
		return event.Event{}, fmt.Errorf("event %s is %s, not pending: %w", eventID, ev.Phase(), kerrors.ErrInvalidInput)
	}

	decision, ok := ev.Metadata[event.MetaDecision]
	if ok {
		if err := approverAllowed(decision, approverID); err != nil {
			return event.Event{}, err
		}
	}

	out, err := g.pipe.Transition(ctx, ev, phase, map[string]any{
		event.MetaApprovedBy: approverID,
	})
	if err != nil {
		return event.Event{}, err
	}
	g.logger.Info().
		Str("event_id", eventID).
		Str("approver", approverID).
		Str("phase", phase).
		Msg("pending command resolved")
	return out, nil
}

// approverAllowed checks the resolver against the approver list recorded in
// the pending decision. Decisions round-trip through JSON so the metadata
// shape varies between in-process and rehydrated events.
func approverAllowed(decision any, approverID string) error {
	var approvers []string
	switch d := decision.(type) {
	case Decision:
		approvers = d.Approvers
	case map[string]any:
		raw, _ := d["approvers"].([]any)
		for _, a := range raw {
			if s, ok := a.(string); ok {
				approvers = append(approvers, s)
			}
		}
	default:
		return nil
	}
	if len(approvers) == 0 {
		return nil
	}
	for _, a := range approvers {
		if a == approverID {
			return nil
		}
	}
	return fmt.Errorf("user %s is not an approver for this command: %w", approverID, kerrors.ErrDenied)
}
