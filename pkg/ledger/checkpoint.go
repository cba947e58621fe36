package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Checkpoint is the durable snapshot of the ledger, written at close-of-day
// and on shutdown so open positions survive a restart.
type Checkpoint struct {
	SavedAt   time.Time   `msgpack:"saved_at"`
	Positions []*Position `msgpack:"positions"`
}

// SaveCheckpoint serializes every position to path. The write goes through a
// temp file and rename so a crash mid-write never truncates the previous
// checkpoint.
func (l *Ledger) SaveCheckpoint(path string) error {
	cp := Checkpoint{SavedAt: l.nowFn(), Positions: l.All()}
	raw, err := msgpack.Marshal(cp)
	if err != nil {
		return fmt.Errorf("ledger: encode checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ledger: checkpoint dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("ledger: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("ledger: commit checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint replaces the ledger's contents with a saved snapshot. A
// missing file is not an error: the ledger simply starts empty.
func (l *Ledger) LoadCheckpoint(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := msgpack.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("ledger: decode checkpoint: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]*Position, len(cp.Positions))
	for _, p := range cp.Positions {
		if p == nil || p.ID == "" {
			continue
		}
		l.positions[p.ID] = p
	}
	return nil
}
