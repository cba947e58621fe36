package engine

import (
	"fmt"
	"time"
)

// Window is the daily trading session in a fixed exchange timezone. Weekends
// are always outside the window; exchange holidays can be listed explicitly.
type Window struct {
	open     int // minutes since midnight, inclusive
	close    int // minutes since midnight, exclusive
	loc      *time.Location
	holidays map[string]bool // "2006-01-02" in exchange time
}

// NewWindow parses "HH:MM" session bounds in the named timezone, e.g.
// NewWindow("09:15", "15:30", "Asia/Kolkata", nil).
func NewWindow(open, close, timezone string, holidays []string) (*Window, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("engine: load timezone %q: %w", timezone, err)
	}
	openMin, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("engine: window open: %w", err)
	}
	closeMin, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("engine: window close: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("engine: window close %s must be after open %s", close, open)
	}
	hm := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return nil, fmt.Errorf("engine: holiday %q: %w", h, err)
		}
		hm[h] = true
	}
	return &Window{open: openMin, close: closeMin, loc: loc, holidays: hm}, nil
}

// Contains reports whether t falls inside the session. The open minute is
// tradable, the close minute is not.
func (w *Window) Contains(t time.Time) bool {
	lt := t.In(w.loc)
	if lt.Weekday() == time.Saturday || lt.Weekday() == time.Sunday {
		return false
	}
	if w.holidays[lt.Format("2006-01-02")] {
		return false
	}
	m := lt.Hour()*60 + lt.Minute()
	return m >= w.open && m < w.close
}

// NextOpen returns the next session open strictly after t.
func (w *Window) NextOpen(t time.Time) time.Time {
	lt := t.In(w.loc)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, w.loc)
	for i := 0; i < 14; i++ {
		candidate := day.AddDate(0, 0, i).Add(time.Duration(w.open) * time.Minute)
		if candidate.After(t) && w.Contains(candidate) {
			return candidate
		}
	}
	return day.AddDate(0, 0, 14).Add(time.Duration(w.open) * time.Minute)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
