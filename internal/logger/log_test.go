package logger

import (
	"strings"
	"testing"
)

func TestConsoleLoggerRespectsLevel(t *testing.T) {
	var sb strings.Builder
	l := NewConsole(&sb)
	l.SetLevel(WARN)

	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("this one should")

	out := sb.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("expected debug/info to be filtered, got: %q", out)
	}
	if !strings.Contains(out, "this one should") {
		t.Fatalf("expected warn line, got: %q", out)
	}
}

func TestConsoleLoggerWithFields(t *testing.T) {
	var sb strings.Builder
	l := NewConsole(&sb).WithFields(StringField("client", "trainer"))
	l.Info("connected")

	out := sb.String()
	if !strings.Contains(out, "client=trainer") {
		t.Fatalf("expected field in output, got: %q", out)
	}
}

func TestBufferCapturesMessages(t *testing.T) {
	b := NewBuffer()
	b.Info("hello %s", "world")

	if len(b.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(b.Messages))
	}
	if b.Messages[0] != "[INFO] hello world" {
		t.Fatalf("unexpected message: %q", b.Messages[0])
	}
}
