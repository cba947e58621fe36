package market

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Replay serves snapshots from a recorded bar history, advancing one bar per
// call. It lets the daemon run a full decision cycle against the paper broker
// without a live data vendor. Each line of the input is one JSON-encoded Bar
// plus a "symbol" field.
type Replay struct {
	mu      sync.Mutex
	bars    map[string][]Bar // full history per symbol, oldest first
	cursor  map[string]int   // bars exposed so far per symbol
	minBars int              // bars revealed before the first snapshot
}

type replayLine struct {
	Symbol string `json:"symbol"`
	Bar
}

// NewReplayFromFile loads a JSONL bar file from disk.
func NewReplayFromFile(path string, warmupBars int) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("market: open replay file: %w", err)
	}
	defer f.Close()
	return NewReplay(f, warmupBars)
}

// NewReplay loads JSONL bars from a reader. warmupBars controls how much
// history the first snapshot already contains (indicator warm-up).
func NewReplay(r io.Reader, warmupBars int) (*Replay, error) {
	if warmupBars < 0 {
		warmupBars = 0
	}
	rp := &Replay{
		bars:    make(map[string][]Bar),
		cursor:  make(map[string]int),
		minBars: warmupBars,
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line replayLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("market: replay line %d: %w", lineNo, err)
		}
		sym := strings.ToUpper(strings.TrimSpace(line.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("market: replay line %d: symbol is required", lineNo)
		}
		rp.bars[sym] = append(rp.bars[sym], line.Bar)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("market: read replay input: %w", err)
	}
	if len(rp.bars) == 0 {
		return nil, fmt.Errorf("market: replay input contains no bars")
	}
	for sym := range rp.bars {
		rp.cursor[sym] = min(rp.minBars, len(rp.bars[sym]))
	}
	return rp, nil
}

// Snapshot reveals one more bar for the symbol and returns the snapshot over
// everything revealed so far. Once the history is exhausted the final
// snapshot is returned unchanged.
func (rp *Replay) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	rp.mu.Lock()
	defer rp.mu.Unlock()

	history, ok := rp.bars[sym]
	if !ok {
		return nil, fmt.Errorf("market: no replay data for symbol %s", sym)
	}
	if rp.cursor[sym] < len(history) {
		rp.cursor[sym]++
	}
	visible := history[:rp.cursor[sym]]
	return NewSnapshot(sym, visible), nil
}

// ListSymbols returns the symbols present in the replay input.
func (rp *Replay) ListSymbols(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	out := make([]string, 0, len(rp.bars))
	for sym := range rp.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// Exhausted reports whether every symbol has revealed its full history.
func (rp *Replay) Exhausted() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for sym, history := range rp.bars {
		if rp.cursor[sym] < len(history) {
			return false
		}
	}
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
