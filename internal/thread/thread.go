// Package thread orders and integrity-protects conversation messages.
// Each message hash covers (id ‖ content ‖ previousHash), forming a
// tamper-evident chain per thread. Branches start fresh chains; merges
// append-link a summary referencing the branch's terminal hash.
package thread

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/store"
)

// Thread statuses. Threads are append-only except for these soft flags.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusMerged   = "merged"
)

// Thread is one node in a branch tree. Parent linkage is logical (IDs in
// an adjacency list), never a physical pointer, so traversal cannot cycle.
type Thread struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"userId"`
	Title                 string    `json:"title,omitempty"`
	ParentThreadID        string    `json:"parentThreadId,omitempty"`
	BranchedFromMessageID string    `json:"branchedFromMessageId,omitempty"`
	Status                string    `json:"status"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Message is one chained message within a thread.
type Message struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	Seq          int64     `json:"seq"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	PreviousHash string    `json:"previousHash"`
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ChainHash computes the hash of one link: H(id ‖ content ‖ previousHash).
func ChainHash(id, content, previousHash string) string {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte(content))
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Service owns the thread and message tables.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a thread Service over the shared store.
func NewService(s *store.Store, logger zerolog.Logger) *Service {
	return &Service{
		db:     s.DB(),
		logger: logger.With().Str("component", "thread").Logger(),
	}
}

// Create starts a new root thread.
func (s *Service) Create(ctx context.Context, userID, title string) (Thread, error) {
	t := Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO threads (id, user_id, title, parent_thread_id, branched_from_message_id, status, created_at)
	VALUES (?, ?, ?, '', '', ?, ?)`,
		t.ID, t.UserID, t.Title, t.Status, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Thread{}, fmt.Errorf("failed to create thread: %w", err)
	}
	return t, nil
}

// Get returns a thread by ID.
func (s *Service) Get(ctx context.Context, id string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, user_id, title, parent_thread_id, branched_from_message_id, status, created_at
	FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// AppendMessage links a new message onto a thread's chain. The previous
// hash is the thread's current terminal hash, or "" for the first message.
func (s *Service) AppendMessage(ctx context.Context, threadID, role, content string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE id = ?`, threadID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return Message{}, kerrors.ErrNotFound
		}
		return Message{}, fmt.Errorf("failed to load thread: %w", err)
	}

	var prevHash string
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT hash, seq FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID,
	).Scan(&prevHash, &seq)
	if err != nil && err != sql.ErrNoRows {
		return Message{}, fmt.Errorf("failed to read terminal hash: %w", err)
	}

	m := Message{
		ID:           uuid.New().String(),
		ThreadID:     threadID,
		Seq:          seq + 1,
		Role:         role,
		Content:      content,
		PreviousHash: prevHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.Hash = ChainHash(m.ID, m.Content, m.PreviousHash)

	_, err = tx.ExecContext(ctx, `
	INSERT INTO messages (id, thread_id, seq, role, content, previous_hash, hash, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Seq, m.Role, m.Content, m.PreviousHash, m.Hash, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("failed to commit append: %w", err)
	}
	return m, nil
}

// Messages returns a thread's messages in chain order.
func (s *Service) Messages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, thread_id, seq, role, content, previous_hash, hash, created_at
	FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.Content, &m.PreviousHash, &m.Hash, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Branch creates a new thread forked at a message of the parent. The new
// thread starts a fresh chain, so branch verification stays independent of
// the parent; the fork point is recorded on the thread row.
func (s *Service) Branch(ctx context.Context, parentThreadID, fromMessageID, userID string) (Thread, error) {
	var msgThread string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM messages WHERE id = ?`, fromMessageID).Scan(&msgThread)
	if err == sql.ErrNoRows {
		return Thread{}, fmt.Errorf("message %s: %w", fromMessageID, kerrors.ErrNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("failed to load branch point: %w", err)
	}
	if msgThread != parentThreadID {
		return Thread{}, fmt.Errorf("message %s is not in thread %s: %w", fromMessageID, parentThreadID, kerrors.ErrInvalidInput)
	}

	t := Thread{
		ID:                    uuid.New().String(),
		UserID:                userID,
		ParentThreadID:        parentThreadID,
		BranchedFromMessageID: fromMessageID,
		Status:                StatusActive,
		CreatedAt:             time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO threads (id, user_id, title, parent_thread_id, branched_from_message_id, status, created_at)
	VALUES (?, ?, '', ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ParentThreadID, t.BranchedFromMessageID, t.Status, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Thread{}, fmt.Errorf("failed to create branch: %w", err)
	}
	s.logger.Info().Str("parent", parentThreadID).Str("branch", t.ID).Msg("thread branched")
	return t, nil
}

// Merge appends a synthetic summary message to the branch's parent thread,
// embedding the branch's terminal hash, then marks the branch merged. The
// parent's chain grows by exactly one message.
func (s *Service) Merge(ctx context.Context, branchID, summary string) (Message, error) {
	branch, err := s.Get(ctx, branchID)
	if err != nil {
		return Message{}, err
	}
	if branch.ParentThreadID == "" {
		return Message{}, fmt.Errorf("thread %s has no parent to merge into: %w", branchID, kerrors.ErrInvalidInput)
	}
	if branch.Status == StatusMerged {
		return Message{}, fmt.Errorf("thread %s is already merged: %w", branchID, kerrors.ErrInvalidInput)
	}

	var terminalHash string
	err = s.db.QueryRowContext(ctx,
		`SELECT hash FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, branchID,
	).Scan(&terminalHash)
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("thread %s has no messages to merge: %w", branchID, kerrors.ErrInvalidInput)
	}
	if err != nil {
		return Message{}, fmt.Errorf("failed to read branch terminal hash: %w", err)
	}

	content := fmt.Sprintf("[merged branch %s terminal=%s] %s", branchID, terminalHash, summary)
	msg, err := s.AppendMessage(ctx, branch.ParentThreadID, "system", content)
	if err != nil {
		return Message{}, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ? WHERE id = ?`, StatusMerged, branchID); err != nil {
		return Message{}, fmt.Errorf("failed to mark branch merged: %w", err)
	}
	s.logger.Info().Str("branch", branchID).Str("parent", branch.ParentThreadID).Msg("thread merged")
	return msg, nil
}

// Archive soft-flags a thread without touching its messages.
func (s *Service) Archive(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ? WHERE id = ?`, StatusArchived, threadID)
	if err != nil {
		return fmt.Errorf("failed to archive thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.ErrNotFound
	}
	return nil
}

// Verify recomputes the whole chain from stored (id, content, previousHash)
// triples. Any mismatch indicates tampering or corruption.
func (s *Service) Verify(ctx context.Context, threadID string) error {
	msgs, err := s.Messages(ctx, threadID)
	if err != nil {
		return err
	}
	prev := ""
	for i, m := range msgs {
		if m.PreviousHash != prev {
			return fmt.Errorf("message %d (%s): previous hash mismatch", i+1, m.ID)
		}
		if recomputed := ChainHash(m.ID, m.Content, m.PreviousHash); recomputed != m.Hash {
			return fmt.Errorf("message %d (%s): hash mismatch", i+1, m.ID)
		}
		prev = m.Hash
	}
	return nil
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func scanThread(row *sql.Row) (Thread, error) {
	var t Thread
	var ts int64
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.ParentThreadID, &t.BranchedFromMessageID, &t.Status, &ts)
	if err == sql.ErrNoRows {
		return Thread{}, kerrors.ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("failed to scan thread: %w", err)
	}
	t.CreatedAt = time.UnixMilli(ts).UTC()
	return t, nil
}
