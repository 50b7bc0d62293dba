package log

import (
	"strings"
	"testing"
)

// The glyphs are decoration; what matters is that every method carries
// the component tag and the message through unchanged.
func TestMessageFormatter(t *testing.T) {
	testCases := []struct {
		name    string
		method  func(*MessageFormatter, string) string
		message string
	}{
		{name: "Start", method: (*MessageFormatter).Start, message: "loading configuration"},
		{name: "Ok", method: (*MessageFormatter).Ok, message: "storage opened"},
		{name: "Fail", method: (*MessageFormatter).Fail, message: "failed to open storage"},
		{name: "Warn", method: (*MessageFormatter).Warn, message: "renewal sweep overran"},
		{name: "Active", method: (*MessageFormatter).Active, message: "acme issuance enabled"},
		{name: "Disabled", method: (*MessageFormatter).Disabled, message: "discord alerting"},
		{name: "Complete", method: (*MessageFormatter).Complete, message: "starting gateway"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewMessageFormatter("gatewayd", "")
			got := tc.method(f, tc.message)
			if !strings.Contains(got, "gatewayd") {
				t.Errorf("output %q is missing the component tag", got)
			}
			if !strings.Contains(got, tc.message) {
				t.Errorf("output %q is missing the message", got)
			}
		})
	}
}
