// Package worker executes validated commands against domain state. Each
// worker owns one subject namespace and reacts to its ".validated" events
// with a sequence of named, independently memoized steps, so at-least-once
// delivery never duplicates a side effect.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keeperhq/keeper/internal/blobstore"
	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/metrics"
	"github.com/keeperhq/keeper/internal/pipeline"
	"github.com/keeperhq/keeper/internal/retry"
)

// Notifier pushes outcomes to interested real-time subscribers. Delivery is
// best-effort; failures are logged, never retried, and never fail a step.
type Notifier interface {
	Publish(userID string, payload any) error
}

// Alerter surfaces terminal failures to operators.
type Alerter interface {
	Alert(ctx context.Context, summary string) error
}

// EntityWorker mutates entity rows for one subject namespace.
type EntityWorker struct {
	subject  string
	db       *sql.DB
	blobs    blobstore.Store
	pipe     *pipeline.Pipeline
	notifier Notifier
	alerter  Alerter
	dlq      *DeadLetterStore
	retryCfg retry.Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewEntityWorker creates a worker for a subject namespace ("entities",
// "documents"). notifier, alerter and metrics may be nil.
func NewEntityWorker(subject string, db *sql.DB, blobs blobstore.Store, pipe *pipeline.Pipeline,
	notifier Notifier, alerter Alerter, retryCfg retry.Config, m *metrics.Metrics, logger zerolog.Logger) *EntityWorker {
	return &EntityWorker{
		subject:  subject,
		db:       db,
		blobs:    blobs,
		pipe:     pipe,
		notifier: notifier,
		alerter:  alerter,
		dlq:      NewDeadLetterStore(db),
		retryCfg: retryCfg,
		metrics:  m,
		logger:   logger.With().Str("component", subject+"_worker").Logger(),
	}
}

// Name implements dispatch.Handler.
func (w *EntityWorker) Name() string { return w.subject + "_worker" }

// Pattern returns the subscription pattern for this worker.
func (w *EntityWorker) Pattern() string { return w.subject + ".*.validated" }

// Handle executes a validated command with up to the configured number of
// attempts. Exhausted retries are dead-lettered and alerted, never dropped.
func (w *EntityWorker) Handle(ctx context.Context, ev event.Event) error {
	if ev.Phase() != event.PhaseValidated || ev.Subject() != w.subject {
		return nil
	}

	attempt := 0
	err := retry.Do(ctx, w.retryCfg, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if w.metrics != nil {
				w.metrics.WorkerRetries.Inc()
			}
			w.logger.Warn().
				Str("event_id", ev.ID).
				Int("attempt", attempt).
				Msg("retrying execution")
		}
		return w.execute(ctx, ev)
	})
	if err == nil {
		return nil
	}

	terminal := &kerrors.TerminalError{EventID: ev.ID, Attempts: attempt, Err: err}
	if _, dlErr := w.dlq.Save(ctx, ev.ID, ev.Type, err.Error(), attempt); dlErr != nil {
		w.logger.Error().Err(dlErr).Str("event_id", ev.ID).Msg("failed to dead-letter event")
	}
	if w.metrics != nil {
		w.metrics.DeadLetters.Inc()
	}
	if w.alerter != nil {
		if aerr := w.alerter.Alert(ctx, terminal.Error()); aerr != nil {
			w.logger.Error().Err(aerr).Msg("operator alert failed")
		}
	}
	return terminal
}

func (w *EntityWorker) execute(ctx context.Context, ev event.Event) error {
	switch ev.Action() {
	case "create":
		return w.create(ctx, ev)
	case "update":
		return w.update(ctx, ev)
	case "delete":
		return w.delete(ctx, ev)
	default:
		w.logger.Warn().Str("type", ev.Type).Msg("no execution for action")
		return nil
	}
}

type contentResult struct {
	Ref      string `json:"ref"`
	Checksum string `json:"checksum"`
}

type rowResult struct {
	EntityID string `json:"entityId"`
}

func (w *EntityWorker) create(ctx context.Context, ev event.Event) error {
	var p event.EntityCreatePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	steps := &stepRunner{db: w.db, executionID: ev.ID}

	// 1. Inline content or uploaded file goes to the object store first.
	var content contentResult
	if len(p.FileData) > 0 || p.Content != "" {
		body := p.FileData
		if len(body) == 0 {
			body = []byte(p.Content)
		}
		if err := steps.run(ctx, "store_content", &content, func(ctx context.Context) (any, error) {
			ref, checksum, err := w.blobs.Put(ctx, body)
			if err != nil {
				return nil, &kerrors.StorageError{Backend: "blobstore", Op: "put", Err: err}
			}
			return contentResult{Ref: ref, Checksum: checksum}, nil
		}); err != nil {
			return err
		}
	}

	// 2. Persist the row under a deterministic ID so retries upsert.
	// The ID is generated inside the memoized step: a crash after this
	// point replays with the same ID on re-delivery.
	var row rowResult
	if err := steps.run(ctx, "persist_row", &row, func(ctx context.Context) (any, error) {
		id := p.EntityID
		if id == "" {
			id = uuid.New().String()
		}
		now := time.Now().UnixMilli()
		_, err := w.db.ExecContext(ctx, `
		INSERT INTO entities (id, user_id, workspace_id, project_id, entity_type, title, content_ref, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content_ref = excluded.content_ref,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at`,
			id, ev.UserID, p.WorkspaceID, p.ProjectID, p.EntityType,
			p.Title, content.Ref, content.Checksum, now, now,
		)
		if err != nil {
			return nil, &kerrors.StorageError{Backend: "sqlite", Op: "insert entity", Err: err}
		}
		return rowResult{EntityID: id}, nil
	}); err != nil {
		return err
	}

	// 3. Type-specific extension rows.
	if p.EntityType == "task" && p.Task != nil {
		if err := steps.run(ctx, "extension_rows", nil, func(ctx context.Context) (any, error) {
			_, err := w.db.ExecContext(ctx, `
			INSERT INTO task_details (entity_id, status, priority, due_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				status = excluded.status, priority = excluded.priority, due_at = excluded.due_at`,
				row.EntityID, orDefault(p.Task.Status, "open"), p.Task.Priority, p.Task.DueAt,
			)
			if err != nil {
				return nil, &kerrors.StorageError{Backend: "sqlite", Op: "insert task details", Err: err}
			}
			return nil, nil
		}); err != nil {
			return err
		}
	}

	// 4. Terminal phase event carrying the created identifiers.
	if err := w.emitCompleted(ctx, steps, ev, map[string]any{
		"entityId": row.EntityID,
		"checksum": content.Checksum,
	}); err != nil {
		return err
	}

	// 5. Best-effort real-time notification.
	w.notify(ev, map[string]any{"entityId": row.EntityID, "type": ev.WithPhase(event.PhaseCompleted)})
	return nil
}

func (w *EntityWorker) update(ctx context.Context, ev event.Event) error {
	var p event.EntityUpdatePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	steps := &stepRunner{db: w.db, executionID: ev.ID}

	var content contentResult
	if p.Content != nil {
		if err := steps.run(ctx, "store_content", &content, func(ctx context.Context) (any, error) {
			ref, checksum, err := w.blobs.Put(ctx, []byte(*p.Content))
			if err != nil {
				return nil, &kerrors.StorageError{Backend: "blobstore", Op: "put", Err: err}
			}
			return contentResult{Ref: ref, Checksum: checksum}, nil
		}); err != nil {
			return err
		}
	}

	if err := steps.run(ctx, "update_row", nil, func(ctx context.Context) (any, error) {
		now := time.Now().UnixMilli()
		res, err := w.db.ExecContext(ctx, `
		UPDATE entities SET
			title = COALESCE(?, title),
			content_ref = CASE WHEN ? != '' THEN ? ELSE content_ref END,
			checksum = CASE WHEN ? != '' THEN ? ELSE checksum END,
			updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND `+w.scopeClause(p.WorkspaceID),
			append([]any{p.Title, content.Ref, content.Ref, content.Checksum, content.Checksum, now, p.EntityID},
				w.scopeArgs(ev.UserID, p.WorkspaceID)...)...,
		)
		if err != nil {
			return nil, &kerrors.StorageError{Backend: "sqlite", Op: "update entity", Err: err}
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return nil, fmt.Errorf("entity %s: %w", p.EntityID, kerrors.ErrNotFound)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if p.Task != nil {
		if err := steps.run(ctx, "extension_rows", nil, func(ctx context.Context) (any, error) {
			_, err := w.db.ExecContext(ctx, `
			INSERT INTO task_details (entity_id, status, priority, due_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				status = excluded.status, priority = excluded.priority, due_at = excluded.due_at`,
				p.EntityID, orDefault(p.Task.Status, "open"), p.Task.Priority, p.Task.DueAt,
			)
			if err != nil {
				return nil, &kerrors.StorageError{Backend: "sqlite", Op: "update task details", Err: err}
			}
			return nil, nil
		}); err != nil {
			return err
		}
	}

	if err := w.emitCompleted(ctx, steps, ev, map[string]any{"entityId": p.EntityID}); err != nil {
		return err
	}
	w.notify(ev, map[string]any{"entityId": p.EntityID, "type": ev.WithPhase(event.PhaseCompleted)})
	return nil
}

func (w *EntityWorker) delete(ctx context.Context, ev event.Event) error {
	var p event.EntityDeletePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	steps := &stepRunner{db: w.db, executionID: ev.ID}

	// Soft delete: a timestamp flag, never a physical DELETE.
	if err := steps.run(ctx, "soft_delete", nil, func(ctx context.Context) (any, error) {
		_, err := w.db.ExecContext(ctx, `
		UPDATE entities SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND `+w.scopeClause(p.WorkspaceID),
			append([]any{time.Now().UnixMilli(), time.Now().UnixMilli(), p.EntityID},
				w.scopeArgs(ev.UserID, p.WorkspaceID)...)...,
		)
		if err != nil {
			return nil, &kerrors.StorageError{Backend: "sqlite", Op: "soft delete entity", Err: err}
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := w.emitCompleted(ctx, steps, ev, map[string]any{"entityId": p.EntityID}); err != nil {
		return err
	}
	w.notify(ev, map[string]any{"entityId": p.EntityID, "type": ev.WithPhase(event.PhaseCompleted)})
	return nil
}

// emitCompleted appends the terminal phase event exactly once per execution.
func (w *EntityWorker) emitCompleted(ctx context.Context, steps *stepRunner, ev event.Event, ids map[string]any) error {
	return steps.run(ctx, "emit_completed", nil, func(ctx context.Context) (any, error) {
		completed, err := w.pipe.Transition(ctx, ev, event.PhaseCompleted, map[string]any{"result": ids})
		if err != nil {
			return nil, err
		}
		return map[string]string{"eventId": completed.ID}, nil
	})
}

// notify is deliberately outside the memoized step chain: a push failure is
// logged and dropped, never retried, and never fails the execution.
func (w *EntityWorker) notify(ev event.Event, payload any) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Publish(ev.UserID, payload); err != nil {
		w.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("realtime notify failed")
	}
}

// scopeClause returns the tenant-isolation filter: personal rows are scoped
// to the acting user, workspace rows to the workspace.
func (w *EntityWorker) scopeClause(workspaceID string) string {
	if workspaceID == "" {
		return `user_id = ?`
	}
	return `workspace_id = ?`
}

func (w *EntityWorker) scopeArgs(userID, workspaceID string) []any {
	if workspaceID == "" {
		return []any{userID}
	}
	return []any{workspaceID}
}

func decodePayload(ev event.Event, dst any) error {
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		return kerrors.NewSchemaError(ev.Type, "", err.Error())
	}
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
