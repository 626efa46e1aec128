package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConnectionRateLimiterPerIP(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001, // effectively no refill during the test
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("first two attempts within burst should pass")
	}
	if l.Allow("10.0.0.1") {
		t.Error("third attempt should exceed the per-IP burst")
	}
	// A different address has its own bucket.
	if !l.Allow("10.0.0.2") {
		t.Error("other IP should not be affected")
	}
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 3,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	passed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("10.0.0.1") {
			passed++
		}
	}
	if passed != 3 {
		t.Errorf("passed = %d, want 3 (global burst)", passed)
	}
}

func TestConnectionRateLimiterCleanup(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPTTL:  time.Millisecond,
		Logger: zerolog.Nop(),
	})
	defer l.Stop()

	l.Allow("10.0.0.1")
	time.Sleep(5 * time.Millisecond)
	l.cleanup()

	l.ipMu.Lock()
	n := len(l.ipLimiters)
	l.ipMu.Unlock()
	if n != 0 {
		t.Errorf("ipLimiters = %d entries, want 0 after TTL cleanup", n)
	}
}

func TestResourceGuardConnectionCeiling(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(2, 0, &conns, zerolog.Nop())

	if ok, _ := rg.ShouldAccept(); !ok {
		t.Error("empty server should accept")
	}

	conns = 2
	ok, reason := rg.ShouldAccept()
	if ok {
		t.Error("server at capacity should reject")
	}
	if reason == "" {
		t.Error("rejection should carry a reason")
	}
}

func TestResourceGuardCPUThreshold(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(100, 85, &conns, zerolog.Nop())

	rg.currentCPU.Store(90.0)
	if ok, _ := rg.ShouldAccept(); ok {
		t.Error("CPU above threshold should reject")
	}

	rg.currentCPU.Store(50.0)
	if ok, _ := rg.ShouldAccept(); !ok {
		t.Error("CPU below threshold should accept")
	}
}
