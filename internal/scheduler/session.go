package scheduler

import (
	"fmt"
	"time"
)

var defaultTradingDays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// Session 是某个时区下每日的交易时段。Open/Close 为距零点的偏移。
type Session struct {
	Location    *time.Location
	Open        time.Duration
	Close       time.Duration
	TradingDays []time.Weekday
}

func (s Session) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

func (s Session) validate() error {
	if s.Close <= s.Open {
		return fmt.Errorf("session close %s must be after open %s", s.Close, s.Open)
	}
	return nil
}

// IsTradingDay reports whether t falls on a configured trading weekday (Mon-Fri by default).
func (s Session) IsTradingDay(t time.Time) bool {
	days := s.TradingDays
	if len(days) == 0 {
		days = defaultTradingDays
	}
	wd := t.In(s.loc()).Weekday()
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}

// Bounds returns the open and close instants of the session on t's local date.
func (s Session) Bounds(t time.Time) (open, closeAt time.Time) {
	local := t.In(s.loc())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc())
	return midnight.Add(s.Open), midnight.Add(s.Close)
}

// Contains reports whether t is inside today's session.
func (s Session) Contains(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	open, closeAt := s.Bounds(t)
	return !t.Before(open) && t.Before(closeAt)
}

// TradeDate 返回 t 在会话时区下的日期。
func (s Session) TradeDate(t time.Time) string {
	return t.In(s.loc()).Format("2006-01-02")
}
