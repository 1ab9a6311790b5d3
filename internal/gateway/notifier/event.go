package notifier

import (
	"fmt"
	"sync"
	"time"

	"neotrader/internal/logger"
)

// EventKind 只包含会改变用户持仓或订单状态的事件。
type EventKind string

const (
	EventOrderRejected    EventKind = "order_rejected"
	EventOrderModified    EventKind = "order_modified"
	EventOrderCancelled   EventKind = "order_cancelled"
	EventManualSell       EventKind = "manual_sell"
	EventForcedExitFailed EventKind = "forced_exit_failed"
)

// Event 是一条订单通知。
type Event struct {
	Kind    EventKind
	Symbol  string
	OrderID string
	Detail  string
	Fields  []string
	At      time.Time
}

var eventTitles = map[EventKind]struct{ icon, title string }{
	EventOrderRejected:    {"❌", "订单被拒"},
	EventOrderModified:    {"✏️", "检测到人工改单"},
	EventOrderCancelled:   {"🚫", "检测到人工撤单"},
	EventManualSell:       {"👤", "检测到人工卖出"},
	EventForcedExitFailed: {"⚠️", "RSI 强制卖出失败"},
}

// Message 把事件渲染为统一格式的推送。
func (e Event) Message() StructuredMessage {
	head, ok := eventTitles[e.Kind]
	if !ok {
		head.title = string(e.Kind)
	}
	lines := []string{fmt.Sprintf("标的：%s", e.Symbol)}
	if e.OrderID != "" {
		lines = append(lines, fmt.Sprintf("订单：%s", e.OrderID))
	}
	lines = append(lines, e.Fields...)
	sections := []MessageSection{{Title: "详情", Lines: lines}}
	return StructuredMessage{
		Icon:      head.icon,
		Title:     head.title,
		Sections:  sections,
		Footer:    e.Detail,
		Timestamp: e.At,
	}
}

// Dispatcher delivers events to a TextNotifier on a background goroutine.
// Publishing never blocks: a full queue drops the event with a warning.
type Dispatcher struct {
	out   TextNotifier
	queue chan Event
	done  chan struct{}
	once  sync.Once
}

func NewDispatcher(out TextNotifier, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		out:   out,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case d.queue <- ev:
	default:
		logger.Warnf("notifier: queue full, drop %s for %s", ev.Kind, ev.Symbol)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.queue {
		if d.out == nil {
			continue
		}
		if err := d.out.SendText(ev.Message().RenderMarkdown()); err != nil {
			logger.Warnf("notifier: send %s for %s failed: %v", ev.Kind, ev.Symbol, err)
		}
	}
}

// Close drains queued events and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() { close(d.queue) })
	<-d.done
}
