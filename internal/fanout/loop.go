// Package fanout drives the poll-and-deliver cycle: one upstream fetch
// per tick covering the union of subscribed codes, routed to subscribers.
package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockwatch-io/gateway/internal/monitoring"
	"github.com/stockwatch-io/gateway/internal/quote"
	"github.com/stockwatch-io/gateway/internal/subscription"
)

// DeliverFunc pushes one quote to one user. Returns false when the user
// could not be reached (gone, or buffer full).
type DeliverFunc func(userID string, q quote.Quote) bool

// Loop polls the quote source at a fixed interval and fans results out to
// subscribers. Each tick issues at most one FetchBatch covering every
// subscribed code, regardless of subscriber count.
type Loop struct {
	source   quote.Source
	index    *subscription.Index
	deliver  DeliverFunc
	interval time.Duration
	logger   zerolog.Logger

	lastTick atomic.Int64 // unix ms of the last completed fetch tick
}

// NewLoop wires the fan-out loop.
func NewLoop(source quote.Source, index *subscription.Index, deliver DeliverFunc, interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{
		source:   source,
		index:    index,
		deliver:  deliver,
		interval: interval,
		logger:   logger.With().Str("component", "fanout").Logger(),
	}
}

// Run ticks until ctx is done. Ticks never overlap; a slow fetch simply
// delays the next one.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.interval).Msg("Fan-out loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Fan-out loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// LastTick returns when the last fetch tick completed; zero time when no
// tick has run yet (no subscriptions, or just started).
func (l *Loop) LastTick() time.Time {
	ms := l.lastTick.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// tick performs one fetch-and-deliver cycle. Exported to the package's
// tests through Run; kept as a method so a single cycle is testable.
func (l *Loop) tick(ctx context.Context) {
	codes := l.index.AllCodes()
	if len(codes) == 0 {
		return
	}

	start := time.Now()
	quotes, failed := l.source.FetchBatch(ctx, codes)

	delivered := 0
	for code, q := range quotes {
		for _, userID := range l.index.SubscribersOf(code) {
			if l.deliver(userID, q) {
				delivered++
			}
		}
	}

	monitoring.FanoutTicks.Inc()
	monitoring.FanoutTickDuration.Observe(time.Since(start).Seconds())
	l.lastTick.Store(time.Now().UnixMilli())

	if len(failed) > 0 {
		l.logger.Debug().
			Int("failed", len(failed)).
			Int("fetched", len(quotes)).
			Msg("Some codes produced no quote this tick")
	}
	l.logger.Debug().
		Int("codes", len(codes)).
		Int("quotes", len(quotes)).
		Int("delivered", delivered).
		Dur("elapsed", time.Since(start)).
		Msg("Fan-out tick complete")
}
