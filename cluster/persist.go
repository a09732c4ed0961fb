package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/chat"
)

// Snapshot is the complete durable state of one node: the whole application
// state plus the consensus metadata. There is no incremental log; recovery
// always means loading the last snapshot wholesale.
type Snapshot struct {
	Accounts      map[string]*chat.Account   `json:"accounts"`
	Mailboxes     map[string][]*chat.Message `json:"mailboxes"`
	NextMessageID uint64                     `json:"next_message_id"`
	CurrentTerm   uint64                     `json:"current_term"`
	VotedFor      uint32                     `json:"voted_for"`
}

// Store writes snapshots to the node's private data directory. Writes go to
// a temp file which is fsynced and then renamed over the previous snapshot,
// so a crash mid-write leaves the old snapshot intact.
type Store struct {
	path string
}

func NewStore(dataDir string, nodeID uint32) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create data dir: %w", err)
	}
	return &Store{
		path: filepath.Join(dataDir, fmt.Sprintf("node-%d.snapshot", nodeID)),
	}, nil
}

func (st *Store) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cannot serialize snapshot: %w", err)
	}

	tmp := st.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open snapshot temp file: %w", err)
	}

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("cannot write snapshot: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("cannot sync snapshot to disk: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("cannot close snapshot temp file: %w", err)
	}

	if err = os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("cannot replace snapshot: %w", err)
	}
	return nil
}

// Load reads the last snapshot. The second return value is false when no
// snapshot exists yet (first boot).
func (st *Store) Load() (*Snapshot, bool, error) {
	data, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cannot read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("cannot parse snapshot: %w", err)
	}
	if snap.Accounts == nil {
		snap.Accounts = make(map[string]*chat.Account)
	}
	if snap.Mailboxes == nil {
		snap.Mailboxes = make(map[string][]*chat.Message)
	}
	return &snap, true, nil
}
