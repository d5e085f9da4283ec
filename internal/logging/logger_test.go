package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
		invalid  bool
	}{
		{input: "", expected: zapcore.InfoLevel},
		{input: " DEBUG ", expected: zapcore.DebugLevel},
		{input: "warning", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
		{input: "verbose", expected: zapcore.InfoLevel, invalid: true},
	}

	for _, testCase := range testCases {
		level, err := ParseLevel(testCase.input)
		if level != testCase.expected {
			t.Fatalf("level for %q: expected %s, got %s", testCase.input, testCase.expected, level)
		}
		if (err != nil) != testCase.invalid {
			t.Fatalf("error for %q: %v", testCase.input, err)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger("error")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be disabled at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error to be enabled")
	}
}
