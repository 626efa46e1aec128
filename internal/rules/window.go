package rules

import (
	"sort"
	"time"
)

// DataPoint is one retained observation in a TimeWindow.
type DataPoint struct {
	Timestamp     int64 // unix ms
	Price         float64
	Volume        int64
	ChangePercent float64
}

const (
	// A point is always kept when more than this has elapsed since the
	// last kept point, regardless of how little it moved.
	maxKeepGap = 30 * time.Second

	defaultWindowSpan           = time.Hour
	defaultCompressionThreshold = 0.0001 // 0.01% relative change
)

// TimeWindow is a bounded ordered sequence of data points spanning at most
// the configured span. Consecutive points differing by less than the
// compression threshold in both price and volume are collapsed, but at
// least one point per 30 s is retained.
type TimeWindow struct {
	span      time.Duration
	threshold float64
	points    []DataPoint
}

// NewTimeWindow creates a window with the given span and compression
// threshold; zero values select the defaults (1 hour, 0.01%).
func NewTimeWindow(span time.Duration, threshold float64) *TimeWindow {
	if span <= 0 {
		span = defaultWindowSpan
	}
	if threshold <= 0 {
		threshold = defaultCompressionThreshold
	}
	return &TimeWindow{span: span, threshold: threshold}
}

// Add offers a point to the window. The point is kept iff the window is
// empty, the relative change vs the last kept point exceeds the threshold
// in either price or volume, or more than 30 s have elapsed since the last
// kept point. Expired points are pruned relative to the newest timestamp.
func (w *TimeWindow) Add(p DataPoint) {
	keep := false
	if len(w.points) == 0 {
		keep = true
	} else {
		last := w.points[len(w.points)-1]
		if relChange(p.Price, last.Price) > w.threshold ||
			relChange(float64(p.Volume), float64(last.Volume)) > w.threshold {
			keep = true
		} else if p.Timestamp-last.Timestamp > maxKeepGap.Milliseconds() {
			keep = true
		}
	}

	if keep {
		w.points = append(w.points, p)
		w.prune(p.Timestamp)
	}
}

// prune drops points older than the span relative to newest. Binary search
// on timestamp; points are appended in timestamp order.
func (w *TimeWindow) prune(newest int64) {
	cutoff := newest - w.span.Milliseconds()
	i := sort.Search(len(w.points), func(i int) bool {
		return w.points[i].Timestamp >= cutoff
	})
	if i > 0 {
		w.points = append(w.points[:0], w.points[i:]...)
	}
}

// Len returns the number of retained points.
func (w *TimeWindow) Len() int {
	return len(w.points)
}

// Latest returns the newest retained point, if any.
func (w *TimeWindow) Latest() (DataPoint, bool) {
	if len(w.points) == 0 {
		return DataPoint{}, false
	}
	return w.points[len(w.points)-1], true
}

// volumeAt returns the volume of the last kept point with timestamp ≤ t.
// With no such point (all retained points are newer), the oldest point's
// volume is used.
func (w *TimeWindow) volumeAt(t int64) (int64, bool) {
	if len(w.points) == 0 {
		return 0, false
	}
	// First index with timestamp > t.
	i := sort.Search(len(w.points), func(i int) bool {
		return w.points[i].Timestamp > t
	})
	if i == 0 {
		return w.points[0].Volume, true
	}
	return w.points[i-1].Volume, true
}

// CurrentIncrement returns the volume gained over the last second,
// clamped to ≥ 0.
func (w *TimeWindow) CurrentIncrement() int64 {
	latest, ok := w.Latest()
	if !ok {
		return 0
	}
	prev, ok := w.volumeAt(latest.Timestamp - 1000)
	if !ok {
		return 0
	}
	inc := latest.Volume - prev
	if inc < 0 {
		return 0
	}
	return inc
}

// AverageIncrement returns the per-second average volume increment over the
// last periodMinutes, relative to the newest point. Fewer than two points
// in range yields 0.
func (w *TimeWindow) AverageIncrement(periodMinutes float64) float64 {
	latest, ok := w.Latest()
	if !ok {
		return 0
	}

	cutoff := latest.Timestamp - int64(periodMinutes*60*1000)
	i := sort.Search(len(w.points), func(i int) bool {
		return w.points[i].Timestamp >= cutoff
	})
	inRange := w.points[i:]
	if len(inRange) < 2 {
		return 0
	}

	first := inRange[0]
	spanSec := float64(latest.Timestamp-first.Timestamp) / 1000
	if spanSec <= 0 {
		return 0
	}
	return float64(latest.Volume-first.Volume) / spanSec
}

func relChange(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return 1
	}
	d := (a - b) / b
	if d < 0 {
		return -d
	}
	return d
}
