package membership

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Memory is an in-process Store. The local row can be persisted through an
// Identity file so that the node id and version survive restarts.
type Memory struct {
	mu       sync.RWMutex
	selfID   string
	nodes    map[string]types.Node
	identity *Identity
}

// NewMemory creates a store seeded with self. identity may be nil.
func NewMemory(self types.Node, identity *Identity) (*Memory, error) {
	self.State = types.StateAlive
	if err := Validate(self); err != nil {
		return nil, err
	}
	return &Memory{
		selfID:   self.ID,
		nodes:    map[string]types.Node{self.ID: self.Clone()},
		identity: identity,
	}, nil
}

func (m *Memory) Self(ctx context.Context) (types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	self, ok := m.nodes[m.selfID]
	if !ok {
		return types.Node{}, ErrSelfNotSet
	}
	return self.Clone(), nil
}

func (m *Memory) BumpSelf(ctx context.Context, fn func(*types.Node)) (types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	self, ok := m.nodes[m.selfID]
	if !ok {
		return types.Node{}, ErrSelfNotSet
	}
	next := self.Clone()
	if fn != nil {
		fn(&next)
	}
	next.ID = m.selfID
	next.State = types.StateAlive
	next.DataVersion = BumpedVersion(self.DataVersion, next.DataVersion)

	if m.identity != nil {
		if err := m.identity.Save(next.ID, next.DataVersion); err != nil {
			return types.Node{}, err
		}
	}
	m.nodes[m.selfID] = next
	return next.Clone(), nil
}

func (m *Memory) UpsertNode(ctx context.Context, n types.Node) (bool, error) {
	if err := Validate(n); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID == m.selfID {
		return false, nil
	}
	cached, ok := m.nodes[n.ID]
	if !ok {
		m.nodes[n.ID] = n.Clone()
		return true, nil
	}
	merged, changed := Merge(cached, n)
	if changed {
		m.nodes[n.ID] = merged
	}
	return changed, nil
}

func (m *Memory) GetNode(ctx context.Context, id string) (types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return types.Node{}, ErrNodeNotFound
	}
	return n.Clone(), nil
}

func (m *Memory) ListNodes(ctx context.Context, f Filter) ([]types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if f.Match(n) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetState(ctx context.Context, id string, state types.NodeState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == m.selfID {
		return false, nil
	}
	n, ok := m.nodes[id]
	if !ok {
		return false, ErrNodeNotFound
	}
	if !Transition(n.State, state) {
		return false, nil
	}
	n.State = state
	m.nodes[id] = n
	return true, nil
}
