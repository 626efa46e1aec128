package rules

import (
	"testing"
	"time"

	"github.com/stockwatch-io/gateway/internal/quote"
)

func testEngine() *Engine {
	return NewEngine(EngineConfig{WindowSpan: time.Hour, CompressionThreshold: 0.0001})
}

func priceChangeRule(threshold float64) Rule {
	return Rule{
		ID:     1,
		Name:   "pct",
		Type:   RulePriceChange,
		Config: Config{Type: RulePriceChange, PriceChange: &PriceChangeConfig{Threshold: threshold}},
	}
}

// tickQuote builds a quote with a consistent price/changePercent pair.
func tickQuote(tsCode string, ts int64, preClose, pct float64, volume int64) quote.Quote {
	price := preClose * (1 + pct/100)
	return quote.Quote{
		TSCode:        tsCode,
		Name:          "测试股份",
		CurrentPrice:  price,
		PreClose:      preClose,
		Change:        price - preClose,
		ChangePercent: pct,
		Volume:        volume,
		Timestamp:     ts,
	}
}

func TestPriceChangeLifecycle(t *testing.T) {
	e := testEngine()
	rule := priceChangeRule(5)

	// changePercent series and the expected emissions: one open when the
	// threshold is first crossed, silence while it stays crossed, a close
	// only once the change drops below 95% of the threshold, and a fresh
	// open on the next crossing.
	series := []struct {
		pct      float64
		wantKind EventKind // "" = no event
	}{
		{2, ""},
		{5, EventOpen},
		{6, ""},
		{7, ""},
		{4.7, EventClose}, // below 0.95 × 5 = 4.75
		{4.6, ""},
		{2, ""},
		{5.5, EventOpen},
	}

	var ts int64 = 1000
	for i, step := range series {
		events := e.OnQuote(tickQuote("600519.SH", ts, 100, step.pct, 1_000_000), []Rule{rule})
		ts += 1000

		switch step.wantKind {
		case "":
			if len(events) != 0 {
				t.Errorf("step %d (pct=%v): got events %v, want none", i, step.pct, events)
			}
		default:
			if len(events) != 1 || events[0].Kind != step.wantKind {
				t.Fatalf("step %d (pct=%v): got %v, want one %s event", i, step.pct, events, step.wantKind)
			}
		}
	}
}

func TestPriceChangeHysteresisBand(t *testing.T) {
	e := testEngine()
	rule := priceChangeRule(5)

	e.OnQuote(tickQuote("600519.SH", 1000, 100, 6, 1_000_000), []Rule{rule})

	// 4.8% is below the threshold but above 0.95×5 = 4.75: still tracked.
	events := e.OnQuote(tickQuote("600519.SH", 2000, 100, 4.8, 1_000_000), []Rule{rule})
	if len(events) != 0 {
		t.Errorf("got %v, want no events inside hysteresis band", events)
	}
	if st, ok := e.State("600519.SH", RulePriceChange); !ok || st != StatusActive {
		t.Errorf("state = %v %v, want tracked ACTIVE", st, ok)
	}

	// Below 4.75: closes.
	events = e.OnQuote(tickQuote("600519.SH", 3000, 100, 4.7, 1_000_000), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventClose {
		t.Fatalf("got %v, want close", events)
	}
	if _, ok := e.State("600519.SH", RulePriceChange); ok {
		t.Error("state should be dropped after close")
	}
}

func TestPriceChangeNegativeDirection(t *testing.T) {
	e := testEngine()
	rule := priceChangeRule(5)

	events := e.OnQuote(tickQuote("600519.SH", 1000, 100, -5.2, 1_000_000), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v, want open on -5.2%%", events)
	}
	if events[0].TriggerData["changePercent"].(float64) != -5.2 {
		t.Errorf("triggerData = %v, want signed changePercent", events[0].TriggerData)
	}
}

func TestOpenEventCarriesTriggerData(t *testing.T) {
	e := testEngine()
	rule := priceChangeRule(5)

	events := e.OnQuote(tickQuote("600519.SH", 1000, 100, 6, 1_000_000), []Rule{rule})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	data := events[0].TriggerData
	if data["threshold"].(float64) != 5 {
		t.Errorf("threshold = %v", data["threshold"])
	}
	if data["currentPrice"].(float64) != 106 {
		t.Errorf("currentPrice = %v", data["currentPrice"])
	}
}

func TestVolumeSpike(t *testing.T) {
	e := testEngine()
	rule := Rule{
		ID:   2,
		Name: "spike",
		Type: RuleVolumeSpike,
		Config: Config{Type: RuleVolumeSpike, VolumeSpike: &VolumeSpikeConfig{
			Multiplier: 3,
			Period:     1,
		}},
	}

	// Build a 100 shares/sec baseline. No spike events while steady:
	// ratio hovers around 1.
	var ts int64 = 0
	vol := int64(100_000)
	for i := 0; i < 60; i++ {
		ts += 1000
		vol += 100
		events := e.OnQuote(tickQuote("000001.SZ", ts, 10, 1, vol), []Rule{rule})
		for _, ev := range events {
			if ev.Kind == EventOpen {
				t.Fatalf("tick %d: unexpected open %v during steady volume", i, ev)
			}
		}
	}

	// One second gains 1000 shares: 10x the baseline.
	ts += 1000
	vol += 1000
	events := e.OnQuote(tickQuote("000001.SZ", ts, 10, 1, vol), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v, want volume spike open", events)
	}
	ratio := events[0].TriggerData["ratio"].(float64)
	if ratio < 3 {
		t.Errorf("ratio = %v, want >= 3", ratio)
	}
}

func TestVolumeSpikeDirectionGate(t *testing.T) {
	e := testEngine()
	rule := Rule{
		ID:   2,
		Name: "spike-up",
		Type: RuleVolumeSpike,
		Config: Config{Type: RuleVolumeSpike, VolumeSpike: &VolumeSpikeConfig{
			Multiplier:           3,
			Period:               1,
			PriceChangeThreshold: 3.1,
			PriceDirection:       DirectionUp,
		}},
	}

	var ts int64 = 0
	vol := int64(100_000)
	for i := 0; i < 60; i++ {
		ts += 1000
		vol += 100
		e.OnQuote(tickQuote("000001.SZ", ts, 10, 2, vol), []Rule{rule})
	}

	// Spike with only +2% price change: gated off.
	ts += 1000
	vol += 1000
	events := e.OnQuote(tickQuote("000001.SZ", ts, 10, 2, vol), []Rule{rule})
	for _, ev := range events {
		if ev.Kind == EventOpen {
			t.Fatalf("got open %v, want none below price threshold", ev)
		}
	}

	// Spike with +3.5%: fires.
	ts += 1000
	vol += 1000
	events = e.OnQuote(tickQuote("000001.SZ", ts, 10, 3.5, vol), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v, want open past price threshold", events)
	}
}

func TestLimitUp(t *testing.T) {
	e := testEngine()
	rule := Rule{
		ID:     3,
		Name:   "limit",
		Type:   RuleLimitUp,
		Config: Config{Type: RuleLimitUp, Limit: &LimitConfig{Threshold: 10}},
	}

	// Effective trigger is 10 × 0.99 = 9.9.
	events := e.OnQuote(tickQuote("600519.SH", 1000, 100, 9.8, 1_000_000), []Rule{rule})
	if len(events) != 0 {
		t.Errorf("got %v at 9.8%%, want none", events)
	}

	events = e.OnQuote(tickQuote("600519.SH", 2000, 100, 9.95, 1_000_000), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v at 9.95%%, want open", events)
	}

	// Close below 0.95 × 9.9 = 9.405.
	events = e.OnQuote(tickQuote("600519.SH", 3000, 100, 9.5, 1_000_000), []Rule{rule})
	if len(events) != 0 {
		t.Errorf("got %v at 9.5%%, want none (hysteresis)", events)
	}
	events = e.OnQuote(tickQuote("600519.SH", 4000, 100, 9.3, 1_000_000), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventClose {
		t.Fatalf("got %v at 9.3%%, want close", events)
	}
}

func TestLimitUpRequiresPreClose(t *testing.T) {
	e := testEngine()
	rule := Rule{
		ID:     3,
		Type:   RuleLimitUp,
		Config: Config{Type: RuleLimitUp, Limit: &LimitConfig{Threshold: 10}},
	}

	// New listing: no previous close, no limit computation.
	q := quote.Quote{TSCode: "301999.SZ", CurrentPrice: 50, PreClose: 0, ChangePercent: 0, Timestamp: 1000}
	events := e.OnQuote(q, []Rule{rule})
	for _, ev := range events {
		if ev.Kind == EventOpen {
			t.Fatalf("got open %v with preClose 0", ev)
		}
	}
}

func TestLimitDown(t *testing.T) {
	e := testEngine()
	rule := Rule{
		ID:     4,
		Type:   RuleLimitDown,
		Config: Config{Type: RuleLimitDown, Limit: &LimitConfig{Threshold: 10}},
	}

	events := e.OnQuote(tickQuote("600519.SH", 1000, 100, -9.95, 1_000_000), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v at -9.95%%, want open", events)
	}

	// Recovery past 0.95 × -9.9 = -9.405 closes.
	events = e.OnQuote(tickQuote("600519.SH", 2000, 100, -9.0, 1_000_000), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventClose {
		t.Fatalf("got %v at -9.0%%, want close", events)
	}
}

func TestBreakoutUp(t *testing.T) {
	e := testEngine()
	rule := Rule{
		ID:   5,
		Type: RulePriceBreakout,
		Config: Config{Type: RulePriceBreakout, Breakout: &BreakoutConfig{
			BreakoutPrice:     10,
			BreakoutDirection: DirectionUp,
		}},
	}

	q := func(ts int64, price float64) quote.Quote {
		return quote.Quote{TSCode: "000001.SZ", CurrentPrice: price, PreClose: 9.5, Timestamp: ts}
	}

	// First tick never opens: no previous price to cross from.
	events := e.OnQuote(q(1000, 10.2), []Rule{rule})
	if len(events) != 0 {
		t.Errorf("got %v on first tick, want none", events)
	}

	// Drop below, then cross: opens. The close from dropping below first.
	events = e.OnQuote(q(2000, 9.8), []Rule{rule})
	if len(events) != 0 {
		t.Errorf("got %v, want none (nothing tracked)", events)
	}
	events = e.OnQuote(q(3000, 10.0), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v crossing to exactly 10.0, want open", events)
	}

	// Starting at the breakout price is not a crossing.
	e2 := testEngine()
	e2.OnQuote(q(1000, 10.0), []Rule{rule})
	events = e2.OnQuote(q(2000, 10.5), []Rule{rule})
	if len(events) != 0 {
		t.Errorf("got %v, want none (prev price not below breakout)", events)
	}
}

func TestBreakoutDown(t *testing.T) {
	e := testEngine()
	rule := Rule{
		ID:   6,
		Type: RulePriceBreakout,
		Config: Config{Type: RulePriceBreakout, Breakout: &BreakoutConfig{
			BreakoutPrice:     10,
			BreakoutDirection: DirectionDown,
		}},
	}

	q := func(ts int64, price float64) quote.Quote {
		return quote.Quote{TSCode: "000001.SZ", CurrentPrice: price, PreClose: 10.5, Timestamp: ts}
	}

	e.OnQuote(q(1000, 10.3), []Rule{rule})
	events := e.OnQuote(q(2000, 9.9), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v crossing down through 10, want open", events)
	}

	// Recovery above the level closes.
	events = e.OnQuote(q(3000, 10.1), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventClose {
		t.Fatalf("got %v back above 10, want close", events)
	}
}

func TestRulesIndependentPerStock(t *testing.T) {
	e := testEngine()
	rule := priceChangeRule(5)

	e.OnQuote(tickQuote("600519.SH", 1000, 100, 6, 1_000_000), []Rule{rule})
	events := e.OnQuote(tickQuote("000001.SZ", 1000, 10, 6, 500_000), []Rule{rule})
	if len(events) != 1 || events[0].Kind != EventOpen {
		t.Fatalf("got %v, want independent open for second stock", events)
	}

	if _, ok := e.State("600519.SH", RulePriceChange); !ok {
		t.Error("first stock's state lost")
	}
	if _, ok := e.State("000001.SZ", RulePriceChange); !ok {
		t.Error("second stock's state missing")
	}
}
