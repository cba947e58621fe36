package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// Journal appends events as JSON lines to daily files in a directory,
// giving operators a replayable audit trail independent of the log stream.
type Journal struct {
	mu    sync.Mutex
	dir   string
	day   string
	file  *os.File
	nowFn func() time.Time
}

// NewJournal creates the journal directory if needed.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		dir = "journal"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir %s: %w", dir, err)
	}
	return &Journal{dir: dir, nowFn: time.Now}, nil
}

// Emit implements Sink. Write failures are logged, never propagated: the
// audit trail must not stall trading.
func (j *Journal) Emit(ev Event) {
	ev = stamp(ev)
	j.mu.Lock()
	defer j.mu.Unlock()

	day := ev.At.UTC().Format("20060102")
	if j.file == nil || day != j.day {
		if j.file != nil {
			j.file.Close()
		}
		path := filepath.Join(j.dir, "events_"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logx.Errorf("journal: open %s: %v", path, err)
			j.file = nil
			return
		}
		j.file = f
		j.day = day
	}

	line, err := json.Marshal(ev)
	if err != nil {
		logx.Errorf("journal: encode event: %v", err)
		return
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		logx.Errorf("journal: write event: %v", err)
	}
}

// Close flushes and closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
