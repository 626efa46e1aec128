package notify

import "time"

// shanghai is the exchange timezone. Falls back to a fixed UTC+8 zone when
// the host has no tzdata; mainland China observes no DST, so the fixed
// offset is exact.
var shanghai = loadShanghai()

func loadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// ExchangeLocation returns the Asia/Shanghai location used for all
// trading-hour decisions.
func ExchangeLocation() *time.Location {
	return shanghai
}

// InTradingSession reports whether t falls inside the A-share continuous
// trading windows: Monday-Friday, 09:30-11:30 and 13:00-15:00 local.
// Holidays are not modeled; a sweep on a holiday finds quiet quotes.
func InTradingSession(t time.Time) bool {
	local := t.In(shanghai)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	morning := minutes >= 9*60+30 && minutes <= 11*60+30
	afternoon := minutes >= 13*60 && minutes <= 15*60
	return morning || afternoon
}
