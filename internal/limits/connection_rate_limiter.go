package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter protects the upgrade path with two token buckets:
// per-IP (single client flooding) and global (distributed floods).
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds limiter settings; zero values select
// defaults (per-IP 10 burst / 1 per sec, global 300 burst / 50 per sec).
type ConnectionRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

// NewConnectionRateLimiter creates the limiter and starts its cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (l *ConnectionRateLimiter) Stop() {
	close(l.stopCleanup)
}
