package thread

import (
	"context"
	"fmt"
)

// Node is one thread plus its branches, assembled by ID lookup over the
// adjacency list. No physical parent/child pointers exist anywhere.
type Node struct {
	Thread   Thread  `json:"thread"`
	Branches []*Node `json:"branches,omitempty"`
}

// Children returns the direct branches of a thread.
func (s *Service) Children(ctx context.Context, threadID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, user_id, title, parent_thread_id, branched_from_message_id, status, created_at
	FROM threads WHERE parent_thread_id = ? ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		var ts int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.ParentThreadID, &t.BranchedFromMessageID, &t.Status, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.CreatedAt = timeFromMillis(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Tree assembles the branch tree rooted at a thread. Visited IDs are
// tracked so a corrupt adjacency list cannot loop traversal.
func (s *Service) Tree(ctx context.Context, rootID string) (*Node, error) {
	root, err := s.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{}
	return s.buildNode(ctx, root, visited)
}

func (s *Service) buildNode(ctx context.Context, t Thread, visited map[string]bool) (*Node, error) {
	if visited[t.ID] {
		return nil, fmt.Errorf("thread tree contains a cycle at %s", t.ID)
	}
	visited[t.ID] = true

	node := &Node{Thread: t}
	children, err := s.Children(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childNode, err := s.buildNode(ctx, child, visited)
		if err != nil {
			return nil, err
		}
		node.Branches = append(node.Branches, childNode)
	}
	return node, nil
}
