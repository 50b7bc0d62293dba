package log

import "fmt"

// MessageFormatter prefixes log messages with a component tag and a
// state glyph, so gatewayd's startup/shutdown narration scans at a
// glance.
type MessageFormatter struct {
	component string
	emoji     string
}

// NewMessageFormatter builds a formatter tagged with the component's
// name and emoji.
func NewMessageFormatter(component, emoji string) *MessageFormatter {
	return &MessageFormatter{component: component, emoji: emoji}
}

func (f *MessageFormatter) format(glyph, msg string) string {
	return fmt.Sprintf("%s %s: %s %s", f.emoji, f.component, glyph, msg)
}

func (f *MessageFormatter) Start(msg string) string    { return f.format("🚀", msg) }
func (f *MessageFormatter) Ok(msg string) string       { return f.format("👍", msg) }
func (f *MessageFormatter) Fail(msg string) string     { return f.format("❌", msg) }
func (f *MessageFormatter) Warn(msg string) string     { return f.format("⚠️", msg) }
func (f *MessageFormatter) Active(msg string) string   { return f.format("⚡", msg) }
func (f *MessageFormatter) Disabled(msg string) string { return f.format("🚫", msg) }
func (f *MessageFormatter) Complete(msg string) string { return f.format("🎉", msg) }
