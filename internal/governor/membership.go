package governor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keeperhq/keeper/internal/cache"
	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/store"
)

// Context types for role memberships.
const (
	ContextWorkspace = "workspace"
	ContextProject   = "project"
)

// Workspace holds the settings the governor consults for a workspace.
type Workspace struct {
	ID            string
	OwnerID       string
	AIAutoApprove bool
}

// Membership is one (context, user, role) grant.
type Membership struct {
	ContextType string
	ContextID   string
	UserID      string
	Role        Role
}

// Directory resolves workspaces and role memberships, caching hot lookups.
type Directory struct {
	db         *sql.DB
	workspaces *cache.LRU[string, Workspace]
	roles      *cache.LRU[string, Role]
}

// NewDirectory creates a Directory over the shared store.
func NewDirectory(s *store.Store) *Directory {
	return &Directory{
		db:         s.DB(),
		workspaces: cache.New[string, Workspace](256),
		roles:      cache.New[string, Role](1024),
	}
}

// Workspace returns a workspace's settings, or ErrNotFound.
func (d *Directory) Workspace(ctx context.Context, id string) (Workspace, error) {
	if ws, ok := d.workspaces.Get(id); ok {
		return ws, nil
	}
	var ws Workspace
	var auto int
	err := d.db.QueryRowContext(ctx,
		`SELECT id, owner_id, ai_auto_approve FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.OwnerID, &auto)
	if err == sql.ErrNoRows {
		return Workspace{}, kerrors.ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to get workspace: %w", err)
	}
	ws.AIAutoApprove = auto != 0
	d.workspaces.Put(id, ws)
	return ws, nil
}

// RoleFor returns the user's role in a context, or (RoleNone, false).
func (d *Directory) RoleFor(ctx context.Context, contextType, contextID, userID string) (Role, bool, error) {
	key := contextType + "/" + contextID + "/" + userID
	if role, ok := d.roles.Get(key); ok {
		return role, role != RoleNone, nil
	}
	var role string
	err := d.db.QueryRowContext(ctx,
		`SELECT role FROM memberships WHERE context_type = ? AND context_id = ? AND user_id = ?`,
		contextType, contextID, userID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		d.roles.Put(key, RoleNone)
		return RoleNone, false, nil
	}
	if err != nil {
		return RoleNone, false, fmt.Errorf("failed to get membership: %w", err)
	}
	d.roles.Put(key, Role(role))
	return Role(role), true, nil
}

// SaveWorkspace creates or updates a workspace.
func (d *Directory) SaveWorkspace(ctx context.Context, ws Workspace) error {
	auto := 0
	if ws.AIAutoApprove {
		auto = 1
	}
	_, err := d.db.ExecContext(ctx, `
	INSERT INTO workspaces (id, owner_id, ai_auto_approve, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, ai_auto_approve = excluded.ai_auto_approve`,
		ws.ID, ws.OwnerID, auto, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save workspace: %w", err)
	}
	d.workspaces.Delete(ws.ID)
	return nil
}

// SaveMembership creates or updates a role membership.
func (d *Directory) SaveMembership(ctx context.Context, m Membership) error {
	if m.ContextType != ContextWorkspace && m.ContextType != ContextProject {
		return fmt.Errorf("unknown context type %q: %w", m.ContextType, kerrors.ErrInvalidInput)
	}
	_, err := d.db.ExecContext(ctx, `
	INSERT INTO memberships (context_type, context_id, user_id, role, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(context_type, context_id, user_id) DO UPDATE SET role = excluded.role`,
		m.ContextType, m.ContextID, m.UserID, string(m.Role), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save membership: %w", err)
	}
	d.roles.Delete(m.ContextType + "/" + m.ContextID + "/" + m.UserID)
	return nil
}

// RemoveMembership deletes a role membership.
func (d *Directory) RemoveMembership(ctx context.Context, contextType, contextID, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE context_type = ? AND context_id = ? AND user_id = ?`,
		contextType, contextID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	d.roles.Delete(contextType + "/" + contextID + "/" + userID)
	return nil
}
