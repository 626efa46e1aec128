package fanout

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/stockwatch-io/gateway/internal/quote"
)

// SyntheticSource generates plausible quotes without touching the network,
// for local development and load testing (test mode). Known instruments get
// a stable random walk around their base price; unknown codes are reported
// as failed, matching real upstream behavior for delisted codes.
type SyntheticSource struct {
	mu    sync.Mutex
	rng   *rand.Rand
	state map[string]*syntheticState
	now   func() time.Time
}

type syntheticState struct {
	name     string
	preClose float64
	price    float64
	high     float64
	low      float64
	volume   int64
	amount   float64
	ticks    int
}

var syntheticInstruments = map[string]struct {
	name string
	base float64
}{
	"600519.SH": {"贵州茅台", 1700.0},
	"000001.SZ": {"平安银行", 10.50},
	"600036.SH": {"招商银行", 34.20},
	"300750.SZ": {"宁德时代", 185.00},
	"830799.BJ": {"艾融软件", 15.80},
}

// NewSyntheticSource creates a generator seeded from the clock.
func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		state: make(map[string]*syntheticState),
		now:   time.Now,
	}
}

// FetchBatch implements quote.Source.
func (s *SyntheticSource) FetchBatch(_ context.Context, codes []string) (map[string]quote.Quote, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quotes := make(map[string]quote.Quote, len(codes))
	var failed []string

	ts := s.now()
	for _, code := range codes {
		st := s.state[code]
		if st == nil {
			inst, ok := syntheticInstruments[code]
			if !ok {
				failed = append(failed, code)
				continue
			}
			st = &syntheticState{
				name:     inst.name,
				preClose: inst.base,
				price:    inst.base,
				high:     inst.base,
				low:      inst.base,
			}
			s.state[code] = st
		}

		s.step(st)
		quotes[code] = st.quote(code, ts)
	}

	return quotes, failed
}

// step advances one instrument. Mostly small moves; occasionally a burst
// of momentum so spike and breakout rules have something to fire on.
func (s *SyntheticSource) step(st *syntheticState) {
	st.ticks++

	drift := s.rng.NormFloat64() * 0.0008
	if s.rng.Intn(200) == 0 {
		// Momentum burst, up to roughly ±2% in one tick.
		drift += (s.rng.Float64() - 0.5) * 0.04
	}

	st.price = st.price * (1 + drift)

	// Clamp to the ±10% band the exchange enforces.
	limit := st.preClose * 0.10
	st.price = math.Max(st.preClose-limit, math.Min(st.preClose+limit, st.price))
	st.price = math.Round(st.price*100) / 100

	st.high = math.Max(st.high, st.price)
	st.low = math.Min(st.low, st.price)

	shares := int64(s.rng.Intn(50000) + 1000)
	if s.rng.Intn(100) == 0 {
		shares *= 20 // volume spike
	}
	st.volume += shares
	st.amount += float64(shares) * st.price
}

func (st *syntheticState) quote(code string, ts time.Time) quote.Quote {
	q := quote.Quote{
		TSCode:       code,
		Name:         st.name,
		CurrentPrice: st.price,
		Open:         st.preClose,
		High:         st.high,
		Low:          st.low,
		PreClose:     st.preClose,
		Volume:       st.volume,
		Amount:       st.amount,
		TradeDate:    ts.Format("2006-01-02"),
		TradeTime:    ts.Format("15:04:05"),
		Timestamp:    ts.UnixMilli(),
	}
	q.Change = q.CurrentPrice - q.PreClose
	if q.PreClose > 0 {
		q.ChangePercent = q.Change / q.PreClose * 100
	}
	return q
}
