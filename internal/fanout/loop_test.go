package fanout

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockwatch-io/gateway/internal/quote"
	"github.com/stockwatch-io/gateway/internal/subscription"
)

type fakeSource struct {
	mu      sync.Mutex
	fetches [][]string
	quotes  map[string]quote.Quote
}

func (f *fakeSource) FetchBatch(_ context.Context, codes []string) (map[string]quote.Quote, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, append([]string(nil), codes...))

	out := make(map[string]quote.Quote)
	var failed []string
	for _, code := range codes {
		if q, ok := f.quotes[code]; ok {
			out[code] = q
		} else {
			failed = append(failed, code)
		}
	}
	return out, failed
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

type delivery struct {
	userID string
	tsCode string
}

func TestTickDeliversToSubscribers(t *testing.T) {
	idx := subscription.NewIndex()
	idx.Subscribe("u1", []string{"600519.SH", "000001.SZ"})
	idx.Subscribe("u2", []string{"600519.SH"})

	src := &fakeSource{quotes: map[string]quote.Quote{
		"600519.SH": {TSCode: "600519.SH", CurrentPrice: 1700},
		"000001.SZ": {TSCode: "000001.SZ", CurrentPrice: 10.5},
	}}

	var deliveries []delivery
	deliver := func(userID string, q quote.Quote) bool {
		deliveries = append(deliveries, delivery{userID, q.TSCode})
		return true
	}

	l := NewLoop(src, idx, deliver, time.Second, zerolog.Nop())
	l.tick(context.Background())

	if src.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want exactly 1 per tick", src.fetchCount())
	}

	sort.Slice(deliveries, func(i, j int) bool {
		if deliveries[i].userID != deliveries[j].userID {
			return deliveries[i].userID < deliveries[j].userID
		}
		return deliveries[i].tsCode < deliveries[j].tsCode
	})
	want := []delivery{
		{"u1", "000001.SZ"},
		{"u1", "600519.SH"},
		{"u2", "600519.SH"},
	}
	if len(deliveries) != len(want) {
		t.Fatalf("deliveries = %v, want %v", deliveries, want)
	}
	for i := range want {
		if deliveries[i] != want[i] {
			t.Errorf("delivery[%d] = %v, want %v", i, deliveries[i], want[i])
		}
	}
}

func TestTickSkipsWithNoSubscriptions(t *testing.T) {
	src := &fakeSource{}
	l := NewLoop(src, subscription.NewIndex(), func(string, quote.Quote) bool { return true }, time.Second, zerolog.Nop())

	l.tick(context.Background())
	if src.fetchCount() != 0 {
		t.Errorf("fetches = %d, want 0 with empty index", src.fetchCount())
	}
}

func TestTickToleratesFailedCodes(t *testing.T) {
	idx := subscription.NewIndex()
	idx.Subscribe("u1", []string{"600519.SH", "999999.SH"})

	src := &fakeSource{quotes: map[string]quote.Quote{
		"600519.SH": {TSCode: "600519.SH", CurrentPrice: 1700},
	}}

	var got []string
	l := NewLoop(src, idx, func(userID string, q quote.Quote) bool {
		got = append(got, q.TSCode)
		return true
	}, time.Second, zerolog.Nop())

	l.tick(context.Background())
	if len(got) != 1 || got[0] != "600519.SH" {
		t.Errorf("delivered = %v, want only the resolvable code", got)
	}
}

func TestSyntheticSourceKnownInstruments(t *testing.T) {
	src := NewSyntheticSource()

	quotes, failed := src.FetchBatch(context.Background(), []string{"600519.SH", "999999.SH"})
	if len(failed) != 1 || failed[0] != "999999.SH" {
		t.Errorf("failed = %v, want unknown code reported", failed)
	}

	q, ok := quotes["600519.SH"]
	if !ok {
		t.Fatal("known instrument missing")
	}
	if q.CurrentPrice <= 0 || q.PreClose <= 0 {
		t.Errorf("quote = %+v, want positive prices", q)
	}

	// Prices stay inside the ±10% band across many ticks, volume is
	// cumulative.
	prevVolume := q.Volume
	for i := 0; i < 500; i++ {
		quotes, _ = src.FetchBatch(context.Background(), []string{"600519.SH"})
		q = quotes["600519.SH"]
		if q.ChangePercent > 10.0001 || q.ChangePercent < -10.0001 {
			t.Fatalf("tick %d: ChangePercent = %v, outside limit band", i, q.ChangePercent)
		}
		if q.Volume < prevVolume {
			t.Fatalf("tick %d: volume went backwards (%d -> %d)", i, prevVolume, q.Volume)
		}
		prevVolume = q.Volume
	}
}
