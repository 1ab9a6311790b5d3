package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func nseSession() Session {
	return Session{Location: ist, Open: 9*time.Hour + 15*time.Minute, Close: 15*time.Hour + 30*time.Minute}
}

func TestNextRun(t *testing.T) {
	s := NewMarketScheduler(context.Background(), nseSession(), time.Minute, 5*time.Second)
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before open", time.Date(2024, 5, 10, 8, 0, 0, 0, ist), time.Date(2024, 5, 10, 9, 15, 5, 0, ist)},
		{"mid session", time.Date(2024, 5, 10, 10, 0, 30, 0, ist), time.Date(2024, 5, 10, 10, 1, 5, 0, ist)},
		{"on slot", time.Date(2024, 5, 10, 10, 1, 5, 0, ist), time.Date(2024, 5, 10, 10, 2, 5, 0, ist)},
		{"after close friday", time.Date(2024, 5, 10, 15, 30, 0, 0, ist), time.Date(2024, 5, 13, 9, 15, 5, 0, ist)},
		{"saturday", time.Date(2024, 5, 11, 11, 0, 0, 0, ist), time.Date(2024, 5, 13, 9, 15, 5, 0, ist)},
		{"utc input", time.Date(2024, 5, 10, 4, 30, 0, 0, time.UTC), time.Date(2024, 5, 10, 10, 0, 5, 0, ist)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.NextRun(tc.now)
			assert.True(t, tc.want.Equal(got), "want %s got %s", tc.want, got)
		})
	}
}

func TestSessionContains(t *testing.T) {
	sess := nseSession()
	assert.True(t, sess.Contains(time.Date(2024, 5, 10, 9, 15, 0, 0, ist)))
	assert.False(t, sess.Contains(time.Date(2024, 5, 10, 15, 30, 0, 0, ist)))
	assert.False(t, sess.Contains(time.Date(2024, 5, 12, 11, 0, 0, 0, ist)))
	assert.Equal(t, "2024-05-10", sess.TradeDate(time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC).Add(-2*time.Hour)))
}

func TestNextFixedTimeAfter(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, anchor, nextFixedTimeAfter(anchor, time.Minute, anchor.Add(-time.Second)))
	assert.Equal(t, anchor.Add(3*time.Minute), nextFixedTimeAfter(anchor, time.Minute, anchor.Add(2*time.Minute)))
}

func TestStartRunsOpenHookOncePerDay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	allDays := []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
	sess := Session{Location: time.UTC, Open: 0, Close: 24 * time.Hour, TradingDays: allDays}
	s := NewMarketScheduler(ctx, sess, 20*time.Millisecond, 0)
	s.RunImmediately = true

	var opens, runs int32
	s.OnOpen = func(context.Context) { atomic.AddInt32(&opens, 1) }
	done := make(chan struct{})
	go func() {
		s.Start(func(context.Context) {
			if atomic.AddInt32(&runs, 1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(3))
	assert.LessOrEqual(t, atomic.LoadInt32(&opens), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&opens), int32(1))
}

func TestStartRejectsInvalidSession(t *testing.T) {
	s := NewMarketScheduler(context.Background(), Session{Open: time.Hour, Close: time.Hour}, time.Second, 0)
	called := false
	s.Start(func(context.Context) { called = true })
	assert.False(t, called)
}
