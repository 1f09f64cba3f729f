// ============================================================================
// cronswarm Membership - per-process view of the cluster
// ============================================================================
//
// Package: internal/membership
// File: membership.go
// Purpose: Store interface for self + peers, and the merge rule every store
//          applies to remote rows.
//
// Ownership:
//   - The local process is the only writer of its own row (BumpSelf).
//   - Remote rows change only through Merge: strictly higher DataVersion
//     wins; at an equal version only a more severe state is accepted.
//   - Dead rows are tombstones. They are never deleted and never revived by
//     an equal or lower version.
//
// State machine (local decisions, SetState):
//
//   alive ──► suspicious ──► dead
//     ▲            │
//     └────────────┘ (refuted)
//
// ============================================================================

package membership

import (
	"context"
	"errors"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

var (
	// ErrNodeNotFound is returned for ids that are not in the view.
	ErrNodeNotFound = errors.New("node not found")
	// ErrSelfNotSet is returned before the local identity is initialized.
	ErrSelfNotSet = errors.New("self node not initialized")
	// ErrInvalidNode is returned for rows missing an id or address.
	ErrInvalidNode = errors.New("invalid node")
)

// Filter selects nodes in ListNodes.
type Filter struct {
	Tag       types.Tag // empty means any
	AliveOnly bool
}

// Match reports whether n passes the filter.
func (f Filter) Match(n types.Node) bool {
	if f.AliveOnly && n.State != types.StateAlive {
		return false
	}
	if f.Tag != "" && !n.HasTag(f.Tag) {
		return false
	}
	return true
}

// Store is the durable membership view of one process.
type Store interface {
	// Self returns the local node.
	Self(ctx context.Context) (types.Node, error)
	// BumpSelf applies fn to the local row, forces it alive and sets its
	// DataVersion past both the stored one and any version fn raised it to.
	// It is the only way the local row changes.
	BumpSelf(ctx context.Context, fn func(*types.Node)) (types.Node, error)
	// UpsertNode merges a remote row under the version rule. It reports
	// whether the cached copy changed. Rows for the local id are ignored.
	UpsertNode(ctx context.Context, n types.Node) (bool, error)
	// GetNode returns a single row, including self.
	GetNode(ctx context.Context, id string) (types.Node, error)
	// ListNodes returns all rows matching f, self included, sorted by id.
	ListNodes(ctx context.Context, f Filter) ([]types.Node, error)
	// SetState applies a locally decided transition to a remote row. It
	// reports whether the state changed; forbidden transitions are no-ops.
	SetState(ctx context.Context, id string, state types.NodeState) (bool, error)
}

// Merge decides the row a store keeps when incoming meets cached. ok is false
// when the cached copy must stay as is.
func Merge(cached types.Node, incoming types.Node) (types.Node, bool) {
	if incoming.DataVersion > cached.DataVersion {
		return incoming.Clone(), true
	}
	if incoming.DataVersion < cached.DataVersion {
		return cached, false
	}
	// equal version: only a forward step of the state machine travels, so
	// alive -> dead needs a suspicion first and refutation needs a new version
	if incoming.State.Severity() > cached.State.Severity() && Transition(cached.State, incoming.State) {
		out := cached.Clone()
		out.State = incoming.State
		return out, true
	}
	return cached, false
}

// BumpedVersion returns the version a BumpSelf writes.
func BumpedVersion(stored, requested uint64) uint64 {
	if requested > stored {
		return requested + 1
	}
	return stored + 1
}

// Transition reports whether a local state change from -> to is allowed.
func Transition(from, to types.NodeState) bool {
	switch {
	case from == to:
		return false
	case from == types.StateAlive && to == types.StateSuspicious:
		return true
	case from == types.StateSuspicious && (to == types.StateAlive || to == types.StateDead):
		return true
	default:
		return false
	}
}

// Validate checks that a row can be stored.
func Validate(n types.Node) error {
	if n.ID == "" || n.Address == "" {
		return ErrInvalidNode
	}
	if !n.State.Valid() {
		return ErrInvalidNode
	}
	return nil
}
