package quote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sinaLine renders one upstream response line with 33 fields.
func sinaLine(provider, name string, open, preClose, current, high, low, volume, amount float64, date, tm string) string {
	fields := make([]string, 33)
	fields[0] = name
	fields[1] = fmt.Sprintf("%.3f", open)
	fields[2] = fmt.Sprintf("%.3f", preClose)
	fields[3] = fmt.Sprintf("%.3f", current)
	fields[4] = fmt.Sprintf("%.3f", high)
	fields[5] = fmt.Sprintf("%.3f", low)
	for i := 6; i < 33; i++ {
		fields[i] = "0"
	}
	fields[8] = fmt.Sprintf("%.0f", volume)
	fields[9] = fmt.Sprintf("%.3f", amount)
	fields[30] = date
	fields[31] = tm
	return fmt.Sprintf(`var hq_str_%s="%s";`, provider, strings.Join(fields, ","))
}

func newTestSource(t *testing.T, handler http.HandlerFunc) (*SinaSource, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewSinaSource(SinaConfig{
		Scheme:  "http",
		Host:    strings.TrimPrefix(srv.URL, "http://"),
		Timeout: 2 * time.Second,
	}), srv
}

func TestNewSinaSourceDefaultsToHTTPS(t *testing.T) {
	src := NewSinaSource(SinaConfig{Host: "hq.sinajs.cn"})
	if src.scheme != "https" {
		t.Errorf("scheme = %q, want https", src.scheme)
	}
}

func TestFetchBatchParsesQuote(t *testing.T) {
	var gotReferer string
	src, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintln(w, sinaLine("sh600519", "贵州茅台", 1680, 1680, 1700, 1710, 1675, 3500000, 5.95e9, "2026-08-25", "10:30:00"))
	})

	quotes, failed := src.FetchBatch(context.Background(), []string{"600519.SH"})
	if len(failed) != 0 {
		t.Fatalf("failed = %v, want none", failed)
	}
	q, ok := quotes["600519.SH"]
	if !ok {
		t.Fatal("missing quote for 600519.SH")
	}

	if q.Name != "贵州茅台" {
		t.Errorf("Name = %q", q.Name)
	}
	if q.CurrentPrice != 1700 {
		t.Errorf("CurrentPrice = %v, want 1700", q.CurrentPrice)
	}
	if q.PreClose != 1680 {
		t.Errorf("PreClose = %v, want 1680", q.PreClose)
	}
	if q.Change != 20 {
		t.Errorf("Change = %v, want 20", q.Change)
	}
	wantPct := 20.0 / 1680 * 100
	if diff := q.ChangePercent - wantPct; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("ChangePercent = %v, want %v", q.ChangePercent, wantPct)
	}
	if q.Volume != 3500000 {
		t.Errorf("Volume = %v, want 3500000", q.Volume)
	}
	if q.TradeDate != "2026-08-25" || q.TradeTime != "10:30:00" {
		t.Errorf("TradeDate/TradeTime = %q/%q", q.TradeDate, q.TradeTime)
	}
	if q.Timestamp == 0 {
		t.Error("Timestamp not set")
	}

	if !strings.Contains(gotReferer, "finance.sina.com.cn") {
		t.Errorf("Referer = %q, want finance.sina.com.cn", gotReferer)
	}
}

func TestFetchBatchAlignsByIndex(t *testing.T) {
	src, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		// First line valid, second is a delisted-style empty body.
		fmt.Fprintln(w, sinaLine("sh600519", "贵州茅台", 1680, 1680, 1700, 1710, 1675, 1000, 1.7e6, "2026-08-25", "10:30:00"))
		fmt.Fprintln(w, `var hq_str_sz000001="";`)
	})

	quotes, failed := src.FetchBatch(context.Background(), []string{"600519.SH", "000001.SZ"})
	if _, ok := quotes["600519.SH"]; !ok {
		t.Error("600519.SH should have parsed")
	}
	if _, ok := quotes["000001.SZ"]; ok {
		t.Error("000001.SZ should not have parsed")
	}
	if len(failed) != 1 || failed[0] != "000001.SZ" {
		t.Errorf("failed = %v, want [000001.SZ]", failed)
	}
}

func TestFetchBatchShortResponse(t *testing.T) {
	src, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		// Upstream replies nothing at all.
	})

	quotes, failed := src.FetchBatch(context.Background(), []string{"600519.SH", "000001.SZ"})
	if len(quotes) != 0 {
		t.Errorf("quotes = %v, want none", quotes)
	}
	if len(failed) != 2 {
		t.Errorf("failed = %v, want both codes", failed)
	}
}

func TestFetchBatchUpstreamError(t *testing.T) {
	src, _ := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	quotes, failed := src.FetchBatch(context.Background(), []string{"600519.SH"})
	if len(quotes) != 0 || len(failed) != 1 {
		t.Errorf("quotes = %v failed = %v, want all failed", quotes, failed)
	}
}

func TestFetchBatchEmptyInput(t *testing.T) {
	src := NewSinaSource(SinaConfig{Host: "localhost:1"})
	quotes, failed := src.FetchBatch(context.Background(), nil)
	if len(quotes) != 0 || len(failed) != 0 {
		t.Errorf("quotes = %v failed = %v, want empty", quotes, failed)
	}
}

func TestParseLineRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"no quotes", `var hq_str_sh600519=;`},
		{"too few fields", `var hq_str_sh600519="a,b,c";`},
		{"non-numeric price", sinaLineWith(3, "abc")},
		{"zero price", sinaLineWith(3, "0.000")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseLine(tc.line); ok {
				t.Errorf("parseLine(%q) accepted, want reject", tc.line)
			}
		})
	}
}

// sinaLineWith builds a valid line and then overrides one field.
func sinaLineWith(idx int, val string) string {
	line := sinaLine("sh600519", "测试", 10, 10, 10.5, 11, 9.9, 1000, 10500, "2026-08-25", "10:00:00")
	start := strings.Index(line, `"`)
	end := strings.LastIndex(line, `"`)
	fields := strings.Split(line[start+1:end], ",")
	fields[idx] = val
	return line[:start+1] + strings.Join(fields, ",") + line[end:]
}

func TestParseLineZeroPreClose(t *testing.T) {
	q, ok := parseLine(sinaLineWith(2, "0.000"))
	if !ok {
		t.Fatal("line with zero preClose should still parse")
	}
	if q.ChangePercent != 0 {
		t.Errorf("ChangePercent = %v, want 0 when preClose is 0", q.ChangePercent)
	}
}
