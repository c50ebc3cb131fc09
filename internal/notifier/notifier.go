// Package notifier defines the sink that routing decisions are reported
// to. The core never renders anything itself; it just emits short,
// human-readable strings for an embedding host (a menu-bar UI, a log
// tailer, a test) to display.
package notifier

import "log/slog"

// Sink receives human-readable routing events, e.g. "Default Model:
// gemini-2.5-flash (google)" or "Rate Limit! Switched to Default: gpt-5-mini".
type Sink interface {
	Notify(event string)
}

// Nop discards every event. Useful in tests and as a zero-value default.
type Nop struct{}

func (Nop) Notify(string) {}

// Slog reports events through the default slog logger, at Info level.
// This is the core's own fallback sink when an embedding host doesn't
// supply one of its own.
type Slog struct{}

func (Slog) Notify(event string) {
	slog.Info("routing", "event", event)
}
