package quote

import (
	"regexp"
	"strings"
)

// Quote is a point-in-time snapshot of a single stock.
// Volume and amount are cumulative for the trading day.
type Quote struct {
	TSCode        string  `json:"tsCode"`
	Name          string  `json:"name"`
	CurrentPrice  float64 `json:"currentPrice"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PreClose      float64 `json:"preClose"`
	Volume        int64   `json:"volume"`
	Amount        float64 `json:"amount"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	TradeDate     string  `json:"tradeDate,omitempty"`
	TradeTime     string  `json:"tradeTime,omitempty"`
	Timestamp     int64   `json:"timestamp"` // unix ms at adapter receive
}

var tsCodePattern = regexp.MustCompile(`^(?i)\d{6}\.(SH|SZ|BJ)$`)

// ValidTSCode reports whether code is an exchange-qualified A-share code
// such as "600519.SH". Matching is case-insensitive.
func ValidTSCode(code string) bool {
	return tsCodePattern.MatchString(code)
}

// NormalizeTSCode upper-cases the exchange suffix of a valid code.
func NormalizeTSCode(code string) string {
	return strings.ToUpper(code)
}

// providerCode translates "600519.SH" into the upstream form "sh600519".
// Returns "" for codes that do not parse.
func providerCode(tsCode string) string {
	parts := strings.SplitN(tsCode, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1]) + parts[0]
}
