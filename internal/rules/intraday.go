package rules

import (
	"context"
	"sync"
	"time"
)

const (
	// Cap per stock: one point per trading second is far more than the
	// fan-out cadence produces; 14,400 covers a full 4-hour session.
	defaultIntradayCap = 14400

	// Daily wipe time, local to the exchange.
	wipeHour   = 0
	wipeMinute = 5
)

// IntradayHistory is an optional server-side per-stock append-only series
// with a capped length and a daily wipe. Unlike TimeWindow it applies no
// compression.
type IntradayHistory struct {
	mu     sync.Mutex
	cap    int
	loc    *time.Location
	series map[string][]DataPoint
}

// NewIntradayHistory creates a history capped at maxPoints per stock
// (0 selects the default of 14,400). loc determines the wipe schedule.
func NewIntradayHistory(maxPoints int, loc *time.Location) *IntradayHistory {
	if maxPoints <= 0 {
		maxPoints = defaultIntradayCap
	}
	if loc == nil {
		loc = time.Local
	}
	return &IntradayHistory{
		cap:    maxPoints,
		loc:    loc,
		series: make(map[string][]DataPoint),
	}
}

// Add appends a point for a stock, dropping the oldest once at capacity.
func (h *IntradayHistory) Add(tsCode string, p DataPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.series[tsCode]
	if len(s) >= h.cap {
		s = append(s[:0], s[1:]...)
	}
	h.series[tsCode] = append(s, p)
}

// Points returns a copy of the series for a stock.
func (h *IntradayHistory) Points(tsCode string) []DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.series[tsCode]
	out := make([]DataPoint, len(s))
	copy(out, s)
	return out
}

// Wipe clears all series.
func (h *IntradayHistory) Wipe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.series = make(map[string][]DataPoint)
}

// nextWipe returns the next 00:05 local occurrence after now.
func (h *IntradayHistory) nextWipe(now time.Time) time.Time {
	local := now.In(h.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), wipeHour, wipeMinute, 0, 0, h.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunWipeLoop wipes the history at 00:05 local every day until ctx is done.
func (h *IntradayHistory) RunWipeLoop(ctx context.Context) {
	for {
		wait := time.Until(h.nextWipe(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			h.Wipe()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
