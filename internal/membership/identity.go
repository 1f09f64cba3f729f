package membership

// ============================================================================
// Node identity file
// Responsibilities:
// 1. Generate the node id once, at first boot
// 2. Persist id + data version atomically (temp file + rename)
// 3. On restart, resume from a version above anything the cluster has seen
//    from this node before the crash
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrCorruptedIdentity is returned when the identity file cannot be parsed.
var ErrCorruptedIdentity = errors.New("identity file is corrupted")

// identityFile is the on-disk format.
type identityFile struct {
	NodeID      string `yaml:"node_id"`
	DataVersion uint64 `yaml:"data_version"`
}

// Identity persists the local node id and version.
type Identity struct {
	path string
	mu   sync.Mutex
}

// NewIdentity binds an identity to path.
func NewIdentity(path string) *Identity {
	return &Identity{path: path}
}

// LoadOrCreate returns the stored identity, creating one with a fresh id and
// version 1 if the file does not exist. An existing identity is returned
// with its version incremented and saved, so a restarted node always
// announces itself above its previous incarnation.
func (i *Identity) LoadOrCreate() (string, uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	data, err := os.ReadFile(i.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", 0, fmt.Errorf("failed to read identity: %w", err)
		}
		id := uuid.NewString()
		if err := i.writeLocked(id, 1); err != nil {
			return "", 0, err
		}
		return id, 1, nil
	}

	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrCorruptedIdentity, err)
	}
	if f.NodeID == "" {
		return "", 0, fmt.Errorf("%w: missing node_id", ErrCorruptedIdentity)
	}
	f.DataVersion++
	if err := i.writeLocked(f.NodeID, f.DataVersion); err != nil {
		return "", 0, err
	}
	return f.NodeID, f.DataVersion, nil
}

// Save records a new version for id.
func (i *Identity) Save(id string, version uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.writeLocked(id, version)
}

// Path returns the file location.
func (i *Identity) Path() string {
	return i.path
}

func (i *Identity) writeLocked(id string, version uint64) error {
	data, err := yaml.Marshal(identityFile{NodeID: id, DataVersion: version})
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}

	tmpPath := i.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp identity: %w", err)
	}
	if err := os.Rename(tmpPath, i.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename identity: %w", err)
	}
	return nil
}
