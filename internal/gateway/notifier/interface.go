package notifier

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so different components can depend on it without
// importing concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// Sink receives order events. Implementations must not block the caller.
type Sink interface {
	Notify(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}
