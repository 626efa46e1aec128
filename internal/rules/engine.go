package rules

import (
	"time"

	"github.com/stockwatch-io/gateway/internal/quote"
)

// Status of a tracked alert key.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusActive Status = "ACTIVE"
)

// EventKind distinguishes the two emitted transitions.
type EventKind string

const (
	EventOpen  EventKind = "open"
	EventClose EventKind = "close"
)

// Rule is an enabled rule bound to a stock for one user, ready to evaluate.
type Rule struct {
	ID     int64
	Name   string
	Type   RuleType
	Config Config
}

// Event is an alert lifecycle transition. Only open events carry trigger
// data and drive notification downstream.
type Event struct {
	TSCode      string
	RuleID      int64
	RuleName    string
	RuleType    RuleType
	Kind        EventKind
	TriggerData map[string]any
	Quote       quote.Quote
}

type stateKey struct {
	tsCode   string
	ruleType RuleType
}

type alertState struct {
	status    Status
	openTime  int64
	lastCheck int64
}

// Engine evaluates rules against the quote stream for one session (or the
// server-side replay path). It is stateful and owned by a single goroutine;
// no locking is required within a session.
type Engine struct {
	windowSpan time.Duration
	threshold  float64

	windows   map[string]*TimeWindow
	states    map[stateKey]*alertState
	lastPrice map[string]float64
}

// EngineConfig tunes the per-stock time windows.
type EngineConfig struct {
	WindowSpan           time.Duration // default 1h
	CompressionThreshold float64       // default 0.0001
}

// NewEngine creates an empty rule engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		windowSpan: cfg.WindowSpan,
		threshold:  cfg.CompressionThreshold,
		windows:    make(map[string]*TimeWindow),
		states:     make(map[stateKey]*alertState),
		lastPrice:  make(map[string]float64),
	}
}

// Window returns the time window for a stock, creating it on first use.
func (e *Engine) Window(tsCode string) *TimeWindow {
	w, ok := e.windows[tsCode]
	if !ok {
		w = NewTimeWindow(e.windowSpan, e.threshold)
		e.windows[tsCode] = w
	}
	return w
}

// State returns the current status for an alert key, if tracked.
func (e *Engine) State(tsCode string, ruleType RuleType) (Status, bool) {
	st, ok := e.states[stateKey{tsCode, ruleType}]
	if !ok {
		return "", false
	}
	return st.status, true
}

// OnQuote feeds one tick through every applicable rule and returns the
// resulting transitions.
//
// State machine per (tsCode, ruleType):
//
//	absent  --shouldOpen-->  OPEN   (emit open)
//	OPEN    --no close---->  ACTIVE (no emission)
//	OPEN/ACTIVE --shouldClose--> absent (emit close, no notification)
func (e *Engine) OnQuote(q quote.Quote, ruleSet []Rule) []Event {
	prevPrice, hadPrev := e.lastPrice[q.TSCode]

	w := e.Window(q.TSCode)
	w.Add(DataPoint{
		Timestamp:     q.Timestamp,
		Price:         q.CurrentPrice,
		Volume:        q.Volume,
		ChangePercent: q.ChangePercent,
	})

	var events []Event
	for _, rule := range ruleSet {
		d := e.decide(rule, q, prevPrice, hadPrev, w)
		key := stateKey{q.TSCode, rule.Type}
		st, tracked := e.states[key]

		switch {
		case tracked && d.close:
			delete(e.states, key)
			events = append(events, Event{
				TSCode:   q.TSCode,
				RuleID:   rule.ID,
				RuleName: rule.Name,
				RuleType: rule.Type,
				Kind:     EventClose,
				Quote:    q,
			})

		case tracked:
			st.status = StatusActive
			st.lastCheck = q.Timestamp

		case d.open:
			e.states[key] = &alertState{
				status:    StatusOpen,
				openTime:  q.Timestamp,
				lastCheck: q.Timestamp,
			}
			events = append(events, Event{
				TSCode:      q.TSCode,
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				RuleType:    rule.Type,
				Kind:        EventOpen,
				TriggerData: d.data,
				Quote:       q,
			})
		}
	}

	e.lastPrice[q.TSCode] = q.CurrentPrice
	return events
}

type decision struct {
	open  bool
	close bool
	data  map[string]any
}

func (e *Engine) decide(rule Rule, q quote.Quote, prevPrice float64, hadPrev bool, w *TimeWindow) decision {
	switch rule.Type {
	case RulePriceChange:
		return decidePriceChange(rule.Config.PriceChange, q)
	case RuleVolumeSpike:
		return decideVolumeSpike(rule.Config.VolumeSpike, q, w)
	case RuleLimitUp:
		return decideLimitUp(rule.Config.Limit, q)
	case RuleLimitDown:
		return decideLimitDown(rule.Config.Limit, q)
	case RulePriceBreakout:
		return decideBreakout(rule.Config.Breakout, q, prevPrice, hadPrev)
	}
	return decision{}
}

func decidePriceChange(cfg *PriceChangeConfig, q quote.Quote) decision {
	if cfg == nil {
		return decision{}
	}
	abs := q.ChangePercent
	if abs < 0 {
		abs = -abs
	}
	if abs >= cfg.Threshold {
		return decision{open: true, data: map[string]any{
			"threshold":     cfg.Threshold,
			"changePercent": q.ChangePercent,
			"currentPrice":  q.CurrentPrice,
			"open":          q.Open,
		}}
	}
	if abs < 0.95*cfg.Threshold {
		return decision{close: true}
	}
	return decision{}
}

func decideVolumeSpike(cfg *VolumeSpikeConfig, q quote.Quote, w *TimeWindow) decision {
	if cfg == nil {
		return decision{}
	}

	incNow := w.CurrentIncrement()
	incAvg := w.AverageIncrement(cfg.Period)
	if incAvg <= 0 {
		// No baseline: cannot hold a spike open.
		return decision{close: true}
	}

	ratio := float64(incNow) / incAvg
	if ratio >= cfg.Multiplier && volumeSpikeDirectionOK(cfg, q) {
		return decision{open: true, data: map[string]any{
			"currentIncrement": incNow,
			"averageIncrement": incAvg,
			"ratio":            ratio,
			"multiplier":       cfg.Multiplier,
			"period":           cfg.Period,
		}}
	}
	if ratio < 0.95*cfg.Multiplier {
		return decision{close: true}
	}
	return decision{}
}

// volumeSpikeDirectionOK applies the optional price refinement: a signed
// price change past the configured threshold in the matching direction.
func volumeSpikeDirectionOK(cfg *VolumeSpikeConfig, q quote.Quote) bool {
	if cfg.PriceChangeThreshold <= 0 {
		return true
	}
	switch cfg.PriceDirection {
	case DirectionUp:
		return q.ChangePercent >= cfg.PriceChangeThreshold
	case DirectionDown:
		return q.ChangePercent <= -cfg.PriceChangeThreshold
	}
	return true
}

func decideLimitUp(cfg *LimitConfig, q quote.Quote) decision {
	if cfg == nil {
		return decision{}
	}
	limit := cfg.Threshold * 0.99
	if q.PreClose > 0 && q.ChangePercent >= limit {
		return decision{open: true, data: map[string]any{
			"threshold":      cfg.Threshold,
			"changePercent":  q.ChangePercent,
			"currentPrice":   q.CurrentPrice,
			"limitThreshold": limit,
		}}
	}
	if q.ChangePercent < 0.95*limit {
		return decision{close: true}
	}
	return decision{}
}

func decideLimitDown(cfg *LimitConfig, q quote.Quote) decision {
	if cfg == nil {
		return decision{}
	}
	limit := -cfg.Threshold * 0.99
	if q.PreClose > 0 && q.ChangePercent <= limit {
		return decision{open: true, data: map[string]any{
			"threshold":      cfg.Threshold,
			"changePercent":  q.ChangePercent,
			"currentPrice":   q.CurrentPrice,
			"limitThreshold": limit,
		}}
	}
	// 0.95 × a negative limit is closer to zero, so this releases once the
	// drop has meaningfully eased.
	if q.ChangePercent > 0.95*limit {
		return decision{close: true}
	}
	return decision{}
}

func decideBreakout(cfg *BreakoutConfig, q quote.Quote, prevPrice float64, hadPrev bool) decision {
	if cfg == nil {
		return decision{}
	}

	switch cfg.BreakoutDirection {
	case DirectionUp:
		if hadPrev && prevPrice < cfg.BreakoutPrice && q.CurrentPrice >= cfg.BreakoutPrice {
			return decision{open: true, data: breakoutData(cfg, prevPrice, q)}
		}
		if q.CurrentPrice < cfg.BreakoutPrice {
			return decision{close: true}
		}
	case DirectionDown:
		if hadPrev && prevPrice > cfg.BreakoutPrice && q.CurrentPrice <= cfg.BreakoutPrice {
			return decision{open: true, data: breakoutData(cfg, prevPrice, q)}
		}
		if q.CurrentPrice > cfg.BreakoutPrice {
			return decision{close: true}
		}
	}
	return decision{}
}

func breakoutData(cfg *BreakoutConfig, prevPrice float64, q quote.Quote) map[string]any {
	return map[string]any{
		"breakoutPrice":     cfg.BreakoutPrice,
		"breakoutDirection": cfg.BreakoutDirection,
		"previousPrice":     prevPrice,
		"currentPrice":      q.CurrentPrice,
	}
}
