package quote

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/stockwatch-io/gateway/internal/monitoring"
)

const (
	// Upstream refuses requests without a finance.sina.com.cn Referer.
	refererHeader = "https://finance.sina.com.cn"
	userAgent     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// Hard upstream limit on codes per request.
	maxBatchSize = 800

	defaultFetchTimeout = 5 * time.Second
)

// Source fetches quotes for a batch of TS codes. Implementations must be
// idempotent and side-effect-free; failed codes are reported, never errors.
type Source interface {
	FetchBatch(ctx context.Context, codes []string) (map[string]Quote, []string)
}

// SinaSource polls the Sina hq text endpoint.
type SinaSource struct {
	scheme    string
	host      string
	batchSize int
	client    *http.Client
	logger    zerolog.Logger
	now       func() time.Time
}

// SinaConfig configures a SinaSource.
type SinaConfig struct {
	Scheme    string        // defaults to "https"; tests point it at plain http
	Host      string        // e.g. "hq.sinajs.cn"
	BatchSize int           // <= 800; defaults to 800
	Timeout   time.Duration // per-request; defaults to 5s
	Logger    zerolog.Logger
}

// NewSinaSource creates a quote source for the Sina text grammar.
func NewSinaSource(cfg SinaConfig) *SinaSource {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	return &SinaSource{
		scheme:    cfg.Scheme,
		host:      cfg.Host,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    cfg.Logger.With().Str("component", "quote_source").Logger(),
		now:       time.Now,
	}
}

// FetchBatch fetches quotes for codes, chunked at the upstream batch limit.
// Chunks are issued concurrently; a failed chunk marks all of its codes as
// failed without failing the aggregate.
func (s *SinaSource) FetchBatch(ctx context.Context, codes []string) (map[string]Quote, []string) {
	if len(codes) == 0 {
		return map[string]Quote{}, nil
	}

	type chunkResult struct {
		quotes map[string]Quote
		failed []string
	}

	var chunks [][]string
	for start := 0; start < len(codes); start += s.batchSize {
		end := start + s.batchSize
		if end > len(codes) {
			end = len(codes)
		}
		chunks = append(chunks, codes[start:end])
	}

	results := make([]chunkResult, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []string) {
			defer wg.Done()
			defer monitoring.RecoverPanic(s.logger, "fetchChunk", nil)
			quotes, failed := s.fetchChunk(ctx, chunk)
			results[i] = chunkResult{quotes: quotes, failed: failed}
		}(i, chunk)
	}
	wg.Wait()

	quotes := make(map[string]Quote, len(codes))
	var failed []string
	for _, r := range results {
		for code, q := range r.quotes {
			quotes[code] = q
		}
		failed = append(failed, r.failed...)
	}

	monitoring.QuotesParsed.Add(float64(len(quotes)))
	monitoring.QuotesFailed.Add(float64(len(failed)))
	return quotes, failed
}

func (s *SinaSource) fetchChunk(ctx context.Context, codes []string) (map[string]Quote, []string) {
	provider := make([]string, 0, len(codes))
	for _, code := range codes {
		provider = append(provider, providerCode(code))
	}

	url := fmt.Sprintf("%s://%s/list=%s", s.scheme, s.host, strings.Join(provider, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, append([]string(nil), codes...)
	}
	req.Header.Set("Referer", refererHeader)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		monitoring.UpstreamFetchErrors.Inc()
		s.logger.Warn().Err(err).Int("codes", len(codes)).Msg("Upstream fetch failed")
		return nil, append([]string(nil), codes...)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		monitoring.UpstreamFetchErrors.Inc()
		s.logger.Warn().Int("status", resp.StatusCode).Int("codes", len(codes)).Msg("Upstream returned non-200")
		return nil, append([]string(nil), codes...)
	}

	body, err := decodeBody(resp)
	if err != nil {
		monitoring.UpstreamFetchErrors.Inc()
		s.logger.Warn().Err(err).Msg("Upstream body decode failed")
		return nil, append([]string(nil), codes...)
	}

	return s.parseResponse(codes, body)
}

// decodeBody decodes the response per its declared charset, defaulting to
// GBK when no charset is declared (the upstream's historical encoding).
func decodeBody(resp *http.Response) (string, error) {
	charset := "gbk"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if _, params, err := mime.ParseMediaType(ct); err == nil {
			if cs, ok := params["charset"]; ok {
				charset = strings.ToLower(cs)
			}
		}
	}

	var reader io.Reader = resp.Body
	if charset != "utf-8" && charset != "utf8" {
		reader = transform.NewReader(resp.Body, simplifiedchinese.GBK.NewDecoder())
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseResponse aligns response lines with the requested codes by index.
// The upstream replies one line per code in request order; when counts
// diverge, only the overlapping prefix is used.
func (s *SinaSource) parseResponse(codes []string, body string) (map[string]Quote, []string) {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}

	quotes := make(map[string]Quote, len(codes))
	var failed []string

	n := len(lines)
	if len(codes) < n {
		n = len(codes)
	}

	receivedAt := s.now().UnixMilli()
	for i := 0; i < n; i++ {
		q, ok := parseLine(lines[i])
		if !ok {
			failed = append(failed, codes[i])
			continue
		}
		q.TSCode = codes[i]
		q.Timestamp = receivedAt
		quotes[codes[i]] = q
	}

	// Codes beyond the response length never got a line.
	for i := n; i < len(codes); i++ {
		failed = append(failed, codes[i])
	}

	return quotes, failed
}

// parseLine parses one `var hq_str_sh600519="f0,f1,...,f31";` line.
// Field map (0-indexed): 0 name; 1 open; 2 preClose; 3 current; 4 high;
// 5 low; 8 cumulative volume (shares); 9 cumulative amount (CNY);
// 30 date; 31 time.
func parseLine(line string) (Quote, bool) {
	start := strings.Index(line, `"`)
	end := strings.LastIndex(line, `"`)
	if start < 0 || end <= start {
		return Quote{}, false
	}

	fields := strings.Split(line[start+1:end], ",")
	if len(fields) < 32 {
		return Quote{}, false
	}

	open, err1 := strconv.ParseFloat(fields[1], 64)
	preClose, err2 := strconv.ParseFloat(fields[2], 64)
	current, err3 := strconv.ParseFloat(fields[3], 64)
	high, err4 := strconv.ParseFloat(fields[4], 64)
	low, err5 := strconv.ParseFloat(fields[5], 64)
	volume, err6 := strconv.ParseFloat(fields[8], 64)
	amount, err7 := strconv.ParseFloat(fields[9], 64)
	for _, err := range []error{err1, err2, err3, err4, err5, err6, err7} {
		if err != nil {
			return Quote{}, false
		}
	}

	if current <= 0 || math.IsNaN(current) {
		return Quote{}, false
	}

	q := Quote{
		Name:         fields[0],
		Open:         open,
		PreClose:     preClose,
		CurrentPrice: current,
		High:         high,
		Low:          low,
		Volume:       int64(volume),
		Amount:       amount,
		TradeDate:    fields[30],
		TradeTime:    fields[31],
	}

	q.Change = q.CurrentPrice - q.PreClose
	if q.PreClose > 0 {
		q.ChangePercent = q.Change / q.PreClose * 100
	}

	return q, true
}
