package membership

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestNode(id string, state types.NodeState, version uint64, tags ...types.Tag) types.Node {
	return types.Node{
		ID:          id,
		Address:     "127.0.0.1:" + id,
		State:       state,
		Tags:        tags,
		DataVersion: version,
	}
}

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(newTestNode("self", types.StateAlive, 1, types.TagRunner), nil)
	require.NoError(t, err)
	return m
}

// ============================================================================
// Merge rule
// ============================================================================

func TestMerge(t *testing.T) {
	tests := []struct {
		name      string
		cached    types.Node
		incoming  types.Node
		wantState types.NodeState
		wantVer   uint64
		changed   bool
	}{
		{
			name:      "higher version wins",
			cached:    newTestNode("a", types.StateSuspicious, 3),
			incoming:  newTestNode("a", types.StateAlive, 4),
			wantState: types.StateAlive,
			wantVer:   4,
			changed:   true,
		},
		{
			name:      "lower version ignored",
			cached:    newTestNode("a", types.StateAlive, 5),
			incoming:  newTestNode("a", types.StateDead, 4),
			wantState: types.StateAlive,
			wantVer:   5,
			changed:   false,
		},
		{
			name:      "equal version more severe accepted",
			cached:    newTestNode("a", types.StateAlive, 5),
			incoming:  newTestNode("a", types.StateSuspicious, 5),
			wantState: types.StateSuspicious,
			wantVer:   5,
			changed:   true,
		},
		{
			name:      "equal version less severe ignored",
			cached:    newTestNode("a", types.StateSuspicious, 5),
			incoming:  newTestNode("a", types.StateAlive, 5),
			wantState: types.StateSuspicious,
			wantVer:   5,
			changed:   false,
		},
		{
			name:      "equal version suspicious to dead accepted",
			cached:    newTestNode("a", types.StateSuspicious, 5),
			incoming:  newTestNode("a", types.StateDead, 5),
			wantState: types.StateDead,
			wantVer:   5,
			changed:   true,
		},
		{
			name:      "equal version alive to dead ignored",
			cached:    newTestNode("a", types.StateAlive, 5),
			incoming:  newTestNode("a", types.StateDead, 5),
			wantState: types.StateAlive,
			wantVer:   5,
			changed:   false,
		},
		{
			name:      "tombstone not revived at equal version",
			cached:    newTestNode("a", types.StateDead, 5),
			incoming:  newTestNode("a", types.StateAlive, 5),
			wantState: types.StateDead,
			wantVer:   5,
			changed:   false,
		},
		{
			name:      "tombstone revived by newer incarnation",
			cached:    newTestNode("a", types.StateDead, 5),
			incoming:  newTestNode("a", types.StateAlive, 6),
			wantState: types.StateAlive,
			wantVer:   6,
			changed:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Merge(tt.cached, tt.incoming)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantVer, got.DataVersion)
		})
	}
}

func TestTransition(t *testing.T) {
	assert.True(t, Transition(types.StateAlive, types.StateSuspicious))
	assert.True(t, Transition(types.StateSuspicious, types.StateAlive))
	assert.True(t, Transition(types.StateSuspicious, types.StateDead))

	assert.False(t, Transition(types.StateAlive, types.StateDead))
	assert.False(t, Transition(types.StateDead, types.StateAlive))
	assert.False(t, Transition(types.StateDead, types.StateSuspicious))
	assert.False(t, Transition(types.StateAlive, types.StateAlive))
}

// ============================================================================
// Memory store
// ============================================================================

func TestMemory_RejectsInvalidSelf(t *testing.T) {
	_, err := NewMemory(types.Node{ID: "x"}, nil)
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestMemory_BumpSelf(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	next, err := m.BumpSelf(ctx, func(n *types.Node) {
		n.Tags = append(n.Tags, types.TagOrchestrator)
		n.ID = "hijacked"
		n.State = types.StateDead
	})
	require.NoError(t, err)
	assert.Equal(t, "self", next.ID)
	assert.Equal(t, types.StateAlive, next.State)
	assert.Equal(t, uint64(2), next.DataVersion)
	assert.True(t, next.HasTag(types.TagOrchestrator))

	self, err := m.Self(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, self)
}

func TestMemory_VersionMonotonic(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	changed, err := m.UpsertNode(ctx, newTestNode("a", types.StateAlive, 10))
	require.NoError(t, err)
	assert.True(t, changed)

	for _, v := range []uint64{3, 9, 10} {
		changed, err = m.UpsertNode(ctx, newTestNode("a", types.StateAlive, v))
		require.NoError(t, err)
		assert.False(t, changed, "version %d must not overwrite 10", v)
	}

	got, err := m.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.DataVersion)
}

func TestMemory_TombstonePrecedence(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	_, err := m.UpsertNode(ctx, newTestNode("a", types.StateAlive, 4))
	require.NoError(t, err)
	changed, err := m.UpsertNode(ctx, newTestNode("a", types.StateDead, 4))
	require.NoError(t, err)
	assert.False(t, changed, "alive cannot skip suspicion")

	changed, err = m.UpsertNode(ctx, newTestNode("a", types.StateSuspicious, 4))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = m.UpsertNode(ctx, newTestNode("a", types.StateDead, 4))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.UpsertNode(ctx, newTestNode("a", types.StateAlive, 4))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := m.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StateDead, got.State)
}

func TestMemory_IgnoresRowsForSelf(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	changed, err := m.UpsertNode(ctx, newTestNode("self", types.StateDead, 99))
	require.NoError(t, err)
	assert.False(t, changed)

	self, err := m.Self(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StateAlive, self.State)
	assert.Equal(t, uint64(1), self.DataVersion)

	changed, err = m.SetState(ctx, "self", types.StateSuspicious)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMemory_SetState(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	_, err := m.UpsertNode(ctx, newTestNode("a", types.StateAlive, 1))
	require.NoError(t, err)

	changed, err := m.SetState(ctx, "a", types.StateDead)
	require.NoError(t, err)
	assert.False(t, changed, "alive cannot jump to dead")

	changed, err = m.SetState(ctx, "a", types.StateSuspicious)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.SetState(ctx, "a", types.StateDead)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = m.SetState(ctx, "missing", types.StateSuspicious)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestMemory_ListNodes(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	_, _ = m.UpsertNode(ctx, newTestNode("c", types.StateAlive, 1, types.TagOrchestrator))
	_, _ = m.UpsertNode(ctx, newTestNode("b", types.StateDead, 1, types.TagRunner))
	_, _ = m.UpsertNode(ctx, newTestNode("a", types.StateAlive, 1, types.TagRunner))

	all, err := m.ListNodes(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "self", all[3].ID)

	runners, err := m.ListNodes(ctx, Filter{Tag: types.TagRunner, AliveOnly: true})
	require.NoError(t, err)
	ids := make([]string, 0, len(runners))
	for _, n := range runners {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"a", "self"}, ids)
}

func TestMemory_ConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	var wg sync.WaitGroup
	for v := uint64(1); v <= 50; v++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			_, _ = m.UpsertNode(ctx, newTestNode("a", types.StateAlive, v))
		}(v)
	}
	wg.Wait()

	got, err := m.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), got.DataVersion)
}

// ============================================================================
// Identity file
// ============================================================================

func TestIdentity_CreateThenResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node", "identity.yaml")
	id := NewIdentity(path)

	nodeID, version, err := id.LoadOrCreate()
	require.NoError(t, err)
	assert.NotEmpty(t, nodeID)
	assert.Equal(t, uint64(1), version)

	require.NoError(t, id.Save(nodeID, 7))

	again, version, err := NewIdentity(path).LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, nodeID, again)
	assert.Equal(t, uint64(8), version, "restart resumes above the last saved version")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not be left behind")
}

func TestIdentity_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: [unterminated"), 0o644))

	_, _, err := NewIdentity(path).LoadOrCreate()
	assert.ErrorIs(t, err, ErrCorruptedIdentity)
}

func TestMemory_BumpSelfPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identity.yaml")
	ident := NewIdentity(path)
	nodeID, version, err := ident.LoadOrCreate()
	require.NoError(t, err)

	self := newTestNode(nodeID, types.StateAlive, version)
	m, err := NewMemory(self, ident)
	require.NoError(t, err)

	_, err = m.BumpSelf(ctx, nil)
	require.NoError(t, err)
	_, err = m.BumpSelf(ctx, nil)
	require.NoError(t, err)

	_, resumed, err := NewIdentity(path).LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), resumed)
}

func TestMemory_BumpSelfAboveRequestedVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	next, err := m.BumpSelf(ctx, func(n *types.Node) { n.DataVersion = 41 })
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next.DataVersion)

	next, err = m.BumpSelf(ctx, func(n *types.Node) { n.DataVersion = 3 })
	require.NoError(t, err)
	assert.Equal(t, uint64(43), next.DataVersion, "a lower request never moves the version back")
}
