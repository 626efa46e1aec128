// Package gateway wires the WebSocket server: admission, auth, the
// subscription protocol, quote fan-out, in-band alerting and the cron
// sweep endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stockwatch-io/gateway/internal/auth"
	"github.com/stockwatch-io/gateway/internal/config"
	"github.com/stockwatch-io/gateway/internal/fanout"
	"github.com/stockwatch-io/gateway/internal/limits"
	"github.com/stockwatch-io/gateway/internal/monitor"
	"github.com/stockwatch-io/gateway/internal/monitoring"
	"github.com/stockwatch-io/gateway/internal/notify"
	"github.com/stockwatch-io/gateway/internal/quote"
	"github.com/stockwatch-io/gateway/internal/registry"
	"github.com/stockwatch-io/gateway/internal/rules"
	"github.com/stockwatch-io/gateway/internal/store"
	"github.com/stockwatch-io/gateway/internal/subscription"
)

const shutdownGrace = 5 * time.Second

// Inbound per-session message budget.
const (
	inboundRate  = 10
	inboundBurst = 100
)

// client bundles the per-connection state the gateway keeps alongside the
// transport session. The rule engine is only touched from the fan-out
// goroutine, so it needs no locking.
type client struct {
	sess    *registry.Session
	engine  *rules.Engine
	limiter *rate.Limiter
}

// Server is the quote gateway.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store  store.Store
	tokens auth.TokenStore
	source quote.Source

	index    *subscription.Index
	registry *registry.Registry
	loop     *fanout.Loop
	checker  *monitor.Checker
	history  *rules.IntradayHistory

	guard            *limits.ResourceGuard
	rateLimiter      *limits.ConnectionRateLimiter
	dispatchCooldown *notify.Cooldown
	sessionCooldown  *notify.Cooldown

	clientsMu sync.RWMutex
	clients   map[string]*client

	currentConns int64
	startedAt    time.Time

	httpServer *http.Server
	cancelBg   context.CancelFunc
	bgDone     sync.WaitGroup
}

// NewServer assembles the gateway from its parts. In test mode the
// upstream source is replaced by the synthetic generator.
func NewServer(cfg *config.Config, st store.Store, tokens auth.TokenStore, logger zerolog.Logger) *Server {
	var source quote.Source
	if cfg.TestMode {
		logger.Warn().Msg("Test mode enabled, using synthetic quotes")
		source = fanout.NewSyntheticSource()
	} else {
		source = quote.NewSinaSource(quote.SinaConfig{
			Host:      cfg.UpstreamHost,
			BatchSize: cfg.FetchBatchSize,
			Timeout:   cfg.FetchTimeout,
			Logger:    logger,
		})
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
		store:     st,
		tokens:    tokens,
		source:    source,
		index:     subscription.NewIndex(),
		clients:   make(map[string]*client),
		history:   rules.NewIntradayHistory(0, notify.ExchangeLocation()),
	}

	s.registry = registry.NewRegistry(s.onSessionRemoved, logger)
	s.loop = fanout.NewLoop(source, s.index, s.deliverQuote, cfg.FanoutInterval, logger)

	s.dispatchCooldown = notify.NewCooldown(cfg.NotifyCooldown)
	s.sessionCooldown = notify.NewCooldown(cfg.NotifyCooldown)
	webhook := notify.NewWebhookSender()
	webpush := notify.NewWebPushSender(notify.WebPushConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	})
	dispatcher := notify.NewDispatcher(st, st, webhook, webpush, s.dispatchCooldown, logger)

	s.checker = monitor.NewChecker(st, source, dispatcher, rules.EngineConfig{
		WindowSpan:           cfg.WindowSpan,
		CompressionThreshold: cfg.CompressionThreshold,
	}, logger)

	s.guard = limits.NewResourceGuard(cfg.MaxConnections, cfg.CPURejectThreshold, &s.currentConns, logger)
	if cfg.ConnRateLimitEnabled {
		s.rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitBurst,
			GlobalRate:  cfg.ConnRateLimitRate,
			Logger:      logger,
		})
	}

	return s
}

// Start launches the background loops and the HTTP listener. Blocks until
// the listener stops.
func (s *Server) Start() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel

	s.guard.StartMonitoring(bgCtx, s.cfg.ResourceInterval)

	s.runBg(func() { s.loop.Run(bgCtx) })
	s.runBg(func() { s.registry.RunHeartbeat(bgCtx, s.cfg.HeartbeatInterval) })
	s.runBg(func() { s.dispatchCooldown.RunGC(bgCtx) })
	s.runBg(func() { s.sessionCooldown.RunGC(bgCtx) })
	s.runBg(func() { s.history.RunWipeLoop(bgCtx) })

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/cron/check-monitors", s.handleCronCheck)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) runBg(fn func()) {
	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		fn()
	}()
}

// Shutdown drains the gateway: stop accepting, stop the loops, close every
// session with a normal-closure frame, then close the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down gateway")

	if s.cancelBg != nil {
		s.cancelBg()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.registry.Broadcast(EncodeAlert(0, "Server", "server is shutting down", SeverityInfo))
	s.registry.CloseAll(ws.StatusNormalClosure, "server shutdown")

	done := make(chan struct{})
	go func() {
		s.bgDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("Background loops did not stop within grace period")
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.logger.Info().Msg("Gateway stopped")
	return err
}

// Checker exposes the sweep runner (for the cron handler and tests).
func (s *Server) Checker() *monitor.Checker {
	return s.checker
}

func (s *Server) client(userID string) *client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.clients[userID]
}

// onSessionRemoved runs whenever a session leaves the registry; it drops
// the user's subscriptions and per-connection state.
func (s *Server) onSessionRemoved(userID string) {
	s.index.UnsubscribeAll(userID)

	s.clientsMu.Lock()
	delete(s.clients, userID)
	s.clientsMu.Unlock()

	atomic.AddInt64(&s.currentConns, -1)
	s.logger.Debug().Str("user_id", userID).Msg("Session state cleared")
}

// deliverQuote pushes one quote to one subscriber and evaluates the
// user's live rules against it. Called from the fan-out goroutine only.
func (s *Server) deliverQuote(userID string, q quote.Quote) bool {
	c := s.client(userID)
	if c == nil {
		return false
	}

	ok := c.sess.Enqueue(EncodeQuote(q))

	s.history.Add(q.TSCode, rules.DataPoint{
		Timestamp:     q.Timestamp,
		Price:         q.CurrentPrice,
		Volume:        q.Volume,
		ChangePercent: q.ChangePercent,
	})

	s.evaluateRules(c, userID, q)
	return ok
}

// evaluateRules runs the user's active rules for the stock and pushes
// notification frames for OPEN transitions, subject to the per-session
// cooldown.
func (s *Server) evaluateRules(c *client, userID string, q quote.Quote) {
	active, err := s.store.ActiveRulesFor(userID, q.TSCode)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("ts_code", q.TSCode).Msg("Failed to load active rules")
		return
	}

	ruleSet := make([]rules.Rule, 0, len(active))
	for _, mr := range active {
		cfg, err := rules.ParseConfig(mr.RuleType, mr.Config)
		if err != nil {
			s.logger.Warn().Err(err).Int64("rule_id", mr.ID).Msg("Skipping rule with invalid config")
			continue
		}
		ruleSet = append(ruleSet, rules.Rule{ID: mr.ID, Name: mr.RuleName, Type: mr.RuleType, Config: cfg})
	}

	for _, ev := range c.engine.OnQuote(q, ruleSet) {
		if ev.Kind != rules.EventOpen {
			continue
		}
		monitoring.AlertsOpened.WithLabelValues(string(ev.RuleType)).Inc()

		if !s.sessionCooldown.Allow(userID, ev.TSCode, string(ev.RuleType)) {
			continue
		}
		message := notify.FormatMessage(notify.Alert{
			UserID:      userID,
			TSCode:      ev.TSCode,
			StockName:   q.Name,
			AlertType:   string(ev.RuleType),
			TriggerTime: time.UnixMilli(q.Timestamp),
			TriggerData: ev.TriggerData,
		})
		c.sess.Enqueue(Encode(TypeNotification, NotificationPayload{
			ID:          ev.RuleID,
			Title:       fmt.Sprintf("%s (%s)", q.Name, ev.TSCode),
			Message:     message,
			TSCode:      ev.TSCode,
			StockName:   q.Name,
			RuleName:    ev.RuleName,
			AlertType:   string(ev.RuleType),
			TriggerData: ev.TriggerData,
		}))
	}
}
