package scheduler

import (
	"context"
	"time"

	"neotrader/internal/logger"
)

// MarketScheduler runs a task every Interval during the trading session, aligned to
// session open + Offset. OnOpen runs once per trading day before that day's first pass.
type MarketScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	Session        Session
	RunImmediately bool
	OnOpen         func(ctx context.Context)

	ctx   context.Context
	nowFn func() time.Time
}

func NewMarketScheduler(ctx context.Context, session Session, interval, offset time.Duration) *MarketScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &MarketScheduler{
		Interval: interval,
		Offset:   offset,
		Session:  session,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks until ctx is done.
func (s *MarketScheduler) Start(task func(ctx context.Context)) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("MarketScheduler: task is nil, exit")
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("MarketScheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if err := s.Session.validate(); err != nil {
		logger.Warnf("MarketScheduler: %v, exit", err)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("MarketScheduler: negative offset=%s, clamp to 0", s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn()
	logger.Infof("MarketScheduler: started interval=%s offset=%s run_immediately=%v at=%s",
		s.Interval, s.Offset, s.RunImmediately, startAt.In(s.Session.loc()).Format(time.RFC3339))

	lastOpenDay := ""
	run := func(at time.Time) {
		if day := s.Session.TradeDate(at); day != lastOpenDay {
			lastOpenDay = day
			if s.OnOpen != nil {
				logger.Infof("MarketScheduler: session %s open hook", day)
				s.OnOpen(s.ctx)
			}
		}
		task(s.ctx)
	}

	if s.RunImmediately && s.Session.Contains(startAt) {
		logger.Infof("MarketScheduler: RunImmediately=true, execute once before alignment loop")
		run(startAt)
	}

	for {
		now := s.nowFn()
		next := s.NextRun(now)
		logger.Debugf("MarketScheduler: 下一次执行=%s (in %s) | uptime=%s",
			next.In(s.Session.loc()).Format(time.RFC3339),
			next.Sub(now).Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second),
		)
		if !s.waitUntil(next) {
			return
		}
		run(next)
	}
}

// NextRun returns the first aligned slot strictly after now that lies inside a session.
func (s *MarketScheduler) NextRun(now time.Time) time.Time {
	day := now
	for i := 0; i < 8; i++ {
		if s.Session.IsTradingDay(day) {
			open, closeAt := s.Session.Bounds(day)
			anchor := open.Add(s.Offset)
			var next time.Time
			if now.Before(anchor) {
				next = anchor
			} else {
				next = nextFixedTimeAfter(anchor, s.Interval, now)
			}
			if next.Before(closeAt) {
				return next
			}
		}
		open, _ := s.Session.Bounds(day)
		day = open.Add(-s.Session.Open).AddDate(0, 0, 1)
	}
	return now.Add(s.Interval)
}

func (s *MarketScheduler) waitUntil(target time.Time) bool {
	wait := target.Sub(s.nowFn())
	if wait <= 0 {
		select {
		case <-s.ctx.Done():
			logger.Infof("MarketScheduler: ctx done, exit")
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		logger.Infof("MarketScheduler: ctx done, exit")
		return false
	case <-timer.C:
		return true
	}
}

func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}
