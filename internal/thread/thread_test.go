package thread

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, zerolog.Nop())
}

func TestAppendMessage_BuildsChain(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	th, err := s.Create(ctx, "user-1", "chat")
	require.NoError(t, err)

	first, err := s.AppendMessage(ctx, th.ID, "user", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Empty(t, first.PreviousHash, "genesis message has no previous hash")
	assert.Equal(t, ChainHash(first.ID, "hello", ""), first.Hash)

	second, err := s.AppendMessage(ctx, th.ID, "assistant", "hi there")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PreviousHash)

	require.NoError(t, s.Verify(ctx, th.ID))
}

func TestAppendMessage_MissingThread(t *testing.T) {
	s := newTestService(t)
	_, err := s.AppendMessage(context.Background(), "ghost", "user", "anyone?")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestVerify_DetectsTamperedContent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	th, err := s.Create(ctx, "user-1", "chat")
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err := s.AppendMessage(ctx, th.ID, "user", content)
		require.NoError(t, err)
	}
	require.NoError(t, s.Verify(ctx, th.ID))

	// Rewrite a middle message's content behind the service's back.
	_, err = s.db.Exec(`UPDATE messages SET content = 'TWO' WHERE thread_id = ? AND seq = 2`, th.ID)
	require.NoError(t, err)

	err = s.Verify(ctx, th.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestVerify_DetectsBrokenLink(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	th, err := s.Create(ctx, "user-1", "chat")
	require.NoError(t, err)
	for _, content := range []string{"one", "two"} {
		_, err := s.AppendMessage(ctx, th.ID, "user", content)
		require.NoError(t, err)
	}

	_, err = s.db.Exec(`UPDATE messages SET previous_hash = 'forged' WHERE thread_id = ? AND seq = 2`, th.ID)
	require.NoError(t, err)

	err = s.Verify(ctx, th.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous hash mismatch")
}

func TestBranch_StartsFreshChain(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	parent, err := s.Create(ctx, "user-1", "main")
	require.NoError(t, err)
	forkPoint, err := s.AppendMessage(ctx, parent.ID, "user", "fork here")
	require.NoError(t, err)

	branch, err := s.Branch(ctx, parent.ID, forkPoint.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, branch.ParentThreadID)
	assert.Equal(t, forkPoint.ID, branch.BranchedFromMessageID)

	first, err := s.AppendMessage(ctx, branch.ID, "user", "alternate take")
	require.NoError(t, err)
	assert.Empty(t, first.PreviousHash, "branch chains do not inherit the parent's hashes")
	require.NoError(t, s.Verify(ctx, branch.ID))
}

func TestBranch_RejectsForeignMessage(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "user-1", "a")
	require.NoError(t, err)
	b, err := s.Create(ctx, "user-1", "b")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, a.ID, "user", "in thread a")
	require.NoError(t, err)

	_, err = s.Branch(ctx, b.ID, msg.ID, "user-1")
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)

	_, err = s.Branch(ctx, a.ID, "missing", "user-1")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestMerge_AppendsSummaryWithTerminalHash(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	parent, err := s.Create(ctx, "user-1", "main")
	require.NoError(t, err)
	forkPoint, err := s.AppendMessage(ctx, parent.ID, "user", "fork here")
	require.NoError(t, err)

	branch, err := s.Branch(ctx, parent.ID, forkPoint.ID, "user-1")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, branch.ID, "user", "experiment")
	require.NoError(t, err)
	terminal, err := s.AppendMessage(ctx, branch.ID, "assistant", "it worked")
	require.NoError(t, err)

	summary, err := s.Merge(ctx, branch.ID, "tried a different approach")
	require.NoError(t, err)
	assert.Equal(t, "system", summary.Role)
	assert.Contains(t, summary.Content, terminal.Hash, "summary embeds the branch's terminal hash")
	assert.True(t, strings.Contains(summary.Content, branch.ID))

	// The parent chain grew by exactly one message and still verifies.
	msgs, err := s.Messages(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NoError(t, s.Verify(ctx, parent.ID))

	merged, err := s.Get(ctx, branch.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, merged.Status)

	// Merging twice is rejected.
	_, err = s.Merge(ctx, branch.ID, "again")
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestMerge_RootThreadRejected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	root, err := s.Create(ctx, "user-1", "main")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, root.ID, "user", "hi")
	require.NoError(t, err)

	_, err = s.Merge(ctx, root.ID, "nothing to merge into")
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestArchive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	th, err := s.Create(ctx, "user-1", "old")
	require.NoError(t, err)
	require.NoError(t, s.Archive(ctx, th.ID))

	got, err := s.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)

	assert.ErrorIs(t, s.Archive(ctx, "ghost"), kerrors.ErrNotFound)
}

func TestTree(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	root, err := s.Create(ctx, "user-1", "root")
	require.NoError(t, err)
	m, err := s.AppendMessage(ctx, root.ID, "user", "fork me")
	require.NoError(t, err)

	childA, err := s.Branch(ctx, root.ID, m.ID, "user-1")
	require.NoError(t, err)
	childB, err := s.Branch(ctx, root.ID, m.ID, "user-1")
	require.NoError(t, err)

	mA, err := s.AppendMessage(ctx, childA.ID, "user", "deeper")
	require.NoError(t, err)
	grandchild, err := s.Branch(ctx, childA.ID, mA.ID, "user-1")
	require.NoError(t, err)

	tree, err := s.Tree(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, tree.Branches, 2)

	ids := map[string]*Node{}
	for _, n := range tree.Branches {
		ids[n.Thread.ID] = n
	}
	require.Contains(t, ids, childA.ID)
	require.Contains(t, ids, childB.ID)
	require.Len(t, ids[childA.ID].Branches, 1)
	assert.Equal(t, grandchild.ID, ids[childA.ID].Branches[0].Thread.ID)
}
