package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketStatus is the NSE equity session state.
type MarketStatus string

const (
	MarketPreOpen MarketStatus = "PRE_OPEN"
	MarketOpen    MarketStatus = "OPEN"
	MarketClosed  MarketStatus = "CLOSED"
)

// Session boundaries in minutes after midnight IST.
const (
	preOpenStart = 9 * 60
	marketOpen   = 9*60 + 15
	marketClose  = 15*60 + 30
)

// MarketStatusAt returns the session state at t. Exchange holidays are not
// modelled; orders placed on a holiday are rejected by the broker.
func MarketStatusAt(t time.Time) MarketStatus {
	now := t.In(IndiaLocation)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return MarketClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= preOpenStart && minutes < marketOpen:
		return MarketPreOpen
	case minutes >= marketOpen && minutes < marketClose:
		return MarketOpen
	default:
		return MarketClosed
	}
}

// NextMarketOpen returns the first session open after t.
func NextMarketOpen(t time.Time) time.Time {
	now := t.In(IndiaLocation)
	next := time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, IndiaLocation)
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NextSessionReset returns the 6 AM IST boundary after t, when Kite access
// tokens expire.
func NextSessionReset(t time.Time) time.Time {
	now := t.In(IndiaLocation)
	reset := time.Date(now.Year(), now.Month(), now.Day(), 6, 0, 0, 0, IndiaLocation)
	if !now.Before(reset) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}
