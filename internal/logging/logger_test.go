package logging

import "testing"

func TestNewLoggerAcceptsKnownLevels(testContext *testing.T) {
	for _, level := range []string{"", "debug", "info", "WARN", " error "} {
		if _, err := NewLogger(level); err != nil {
			testContext.Fatalf("expected level %q to be accepted: %v", level, err)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(testContext *testing.T) {
	if _, err := NewLogger("verbose"); err == nil {
		testContext.Fatalf("expected unknown level to be rejected")
	}
}
