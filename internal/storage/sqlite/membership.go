package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

var _ membership.Store = (*Store)(nil)

const nodeColumns = `id, address, state, tags, data_version`

// InitSelf binds the store to the local node. When a self row already
// exists its id is kept and its version is bumped past the stored one, so a
// restarted node always outranks its previous incarnation. Otherwise self is
// inserted as given.
func (s *Store) InitSelf(ctx context.Context, self types.Node) (types.Node, error) {
	self.State = types.StateAlive
	if self.DataVersion == 0 {
		self.DataVersion = 1
	}

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := scanNode(tx.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE is_self = 1`))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			self.ID = existing.ID
			self.DataVersion = existing.DataVersion + 1
		}
		if err := membership.Validate(self); err != nil {
			return err
		}
		return writeNode(ctx, tx, self, true)
	})
	if err != nil {
		return types.Node{}, fmt.Errorf("failed to init self: %w", err)
	}
	s.selfID = self.ID
	return self.Clone(), nil
}

func (s *Store) Self(ctx context.Context) (types.Node, error) {
	if s.selfID == "" {
		return types.Node{}, membership.ErrSelfNotSet
	}
	return s.GetNode(ctx, s.selfID)
}

func (s *Store) BumpSelf(ctx context.Context, fn func(*types.Node)) (types.Node, error) {
	if s.selfID == "" {
		return types.Node{}, membership.ErrSelfNotSet
	}
	var next types.Node
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		self, err := getNode(ctx, tx, s.selfID)
		if err != nil {
			return err
		}
		next = self.Clone()
		if fn != nil {
			fn(&next)
		}
		next.ID = s.selfID
		next.State = types.StateAlive
		next.DataVersion = membership.BumpedVersion(self.DataVersion, next.DataVersion)
		return writeNode(ctx, tx, next, true)
	})
	if err != nil {
		return types.Node{}, err
	}
	return next, nil
}

func (s *Store) UpsertNode(ctx context.Context, n types.Node) (bool, error) {
	if err := membership.Validate(n); err != nil {
		return false, err
	}
	if n.ID == s.selfID {
		return false, nil
	}
	changed := false
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		cached, err := getNode(ctx, tx, n.ID)
		if errors.Is(err, membership.ErrNodeNotFound) {
			changed = true
			return writeNode(ctx, tx, n, false)
		}
		if err != nil {
			return err
		}
		merged, ok := membership.Merge(cached, n)
		if !ok {
			return nil
		}
		changed = true
		return writeNode(ctx, tx, merged, false)
	})
	return changed, err
}

func (s *Store) GetNode(ctx context.Context, id string) (types.Node, error) {
	return getNode(ctx, s.db, id)
}

func (s *Store) ListNodes(ctx context.Context, f membership.Filter) ([]types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		if f.Match(n) {
			out = append(out, n)
		}
	}
	return out, rows.Err()
}

func (s *Store) SetState(ctx context.Context, id string, state types.NodeState) (bool, error) {
	if id == s.selfID {
		return false, nil
	}
	changed := false
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := getNode(ctx, tx, id)
		if err != nil {
			return err
		}
		if !membership.Transition(n.State, state) {
			return nil
		}
		changed = true
		_, err = tx.ExecContext(ctx, `UPDATE nodes SET state = ? WHERE id = ?`, string(state), id)
		return err
	})
	return changed, err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getNode(ctx context.Context, q queryer, id string) (types.Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Node{}, membership.ErrNodeNotFound
	}
	return n, err
}

func scanNode(r rowScanner) (types.Node, error) {
	var (
		n     types.Node
		state string
		tags  string
	)
	if err := r.Scan(&n.ID, &n.Address, &state, &tags, &n.DataVersion); err != nil {
		return types.Node{}, err
	}
	n.State = types.NodeState(state)
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return types.Node{}, fmt.Errorf("node %s: bad tags: %w", n.ID, err)
	}
	return n, nil
}

func writeNode(ctx context.Context, tx *sql.Tx, n types.Node, self bool) error {
	tags := n.Tags
	if tags == nil {
		tags = []types.Tag{}
	}
	encoded, err := encodeJSON(tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO nodes(id, address, state, tags, data_version, is_self) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET address=excluded.address, state=excluded.state,
		   tags=excluded.tags, data_version=excluded.data_version, is_self=excluded.is_self`,
		n.ID, n.Address, string(n.State), encoded, n.DataVersion, self,
	)
	return err
}
