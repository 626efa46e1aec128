// Package monitor implements the scheduled server-side rule sweep: fetch
// quotes for every monitored watchlist entry, replay them through a
// persistent rule engine and dispatch notifications for OPEN transitions.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockwatch-io/gateway/internal/monitoring"
	"github.com/stockwatch-io/gateway/internal/notify"
	"github.com/stockwatch-io/gateway/internal/quote"
	"github.com/stockwatch-io/gateway/internal/rules"
	"github.com/stockwatch-io/gateway/internal/store"
)

// Summary reports one sweep's outcome.
type Summary struct {
	Skipped   bool `json:"skipped,omitempty"`
	Checked   int  `json:"checked"`
	Triggered int  `json:"triggered"`
}

// Checker runs sweeps on demand (typically from the cron endpoint). The
// engine persists across runs so open alerts survive between invocations
// and a condition that stays true fires once, not once per sweep.
//
// Engines are keyed per user: two users watching the same stock hold
// independent alert state.
type Checker struct {
	mu      sync.Mutex
	store   store.Store
	source  quote.Source
	dispatc *notify.Dispatcher

	engines map[string]*rules.Engine
	engCfg  rules.EngineConfig

	now    func() time.Time
	logger zerolog.Logger
}

// NewChecker wires a checker.
func NewChecker(st store.Store, source quote.Source, dispatcher *notify.Dispatcher, engCfg rules.EngineConfig, logger zerolog.Logger) *Checker {
	return &Checker{
		store:   st,
		source:  source,
		dispatc: dispatcher,
		engines: make(map[string]*rules.Engine),
		engCfg:  engCfg,
		now:     time.Now,
		logger:  logger.With().Str("component", "monitor").Logger(),
	}
}

// Run executes one sweep. Outside trading hours it returns immediately
// with Skipped set and touches neither the upstream nor the engines.
// Sweeps are serialized; overlapping cron invocations queue.
func (c *Checker) Run(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !notify.InTradingSession(c.now()) {
		c.logger.Debug().Msg("Outside trading hours, sweep skipped")
		return Summary{Skipped: true}, nil
	}

	monitoring.MonitorChecks.Inc()

	watched, err := c.store.MonitoredWatched()
	if err != nil {
		return Summary{}, err
	}
	if len(watched) == 0 {
		return Summary{}, nil
	}

	// One upstream fetch covers the union of monitored codes.
	seen := make(map[string]bool)
	var codes []string
	for _, w := range watched {
		if !seen[w.TSCode] {
			seen[w.TSCode] = true
			codes = append(codes, w.TSCode)
		}
	}

	quotes, failed := c.source.FetchBatch(ctx, codes)
	if len(failed) > 0 {
		c.logger.Warn().Int("failed", len(failed)).Msg("Some monitored codes produced no quote")
	}

	summary := Summary{}
	for _, w := range watched {
		q, ok := quotes[w.TSCode]
		if !ok {
			continue
		}

		ruleSet, err := c.activeRules(w.UserID, w.TSCode)
		if err != nil {
			c.logger.Error().Err(err).Str("user_id", w.UserID).Str("ts_code", w.TSCode).Msg("Failed to load active rules")
			continue
		}

		summary.Checked++
		if len(ruleSet) == 0 {
			continue
		}

		for _, ev := range c.engine(w.UserID).OnQuote(q, ruleSet) {
			if ev.Kind != rules.EventOpen {
				continue
			}
			summary.Triggered++
			monitoring.AlertsOpened.WithLabelValues(string(ev.RuleType)).Inc()

			ruleID := ev.RuleID
			err := c.dispatc.Dispatch(ctx, notify.Alert{
				UserID:      w.UserID,
				TSCode:      w.TSCode,
				StockName:   q.Name,
				RuleID:      &ruleID,
				AlertType:   string(ev.RuleType),
				TriggerTime: c.now(),
				TriggerData: ev.TriggerData,
			})
			if err != nil {
				c.logger.Error().Err(err).Str("user_id", w.UserID).Str("ts_code", w.TSCode).Msg("Dispatch failed")
			}
		}
	}

	c.logger.Info().
		Int("checked", summary.Checked).
		Int("triggered", summary.Triggered).
		Msg("Monitor sweep complete")
	return summary, nil
}

func (c *Checker) engine(userID string) *rules.Engine {
	eng, ok := c.engines[userID]
	if !ok {
		eng = rules.NewEngine(c.engCfg)
		c.engines[userID] = eng
	}
	return eng
}

// activeRules loads and parses the applicable rules. Rules with invalid
// configs are skipped rather than aborting the whole pair.
func (c *Checker) activeRules(userID, tsCode string) ([]rules.Rule, error) {
	active, err := c.store.ActiveRulesFor(userID, tsCode)
	if err != nil {
		return nil, err
	}

	out := make([]rules.Rule, 0, len(active))
	for _, mr := range active {
		cfg, err := rules.ParseConfig(mr.RuleType, mr.Config)
		if err != nil {
			c.logger.Warn().Err(err).Int64("rule_id", mr.ID).Msg("Skipping rule with invalid config")
			continue
		}
		out = append(out, rules.Rule{
			ID:     mr.ID,
			Name:   mr.RuleName,
			Type:   mr.RuleType,
			Config: cfg,
		})
	}
	return out, nil
}
