package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithService("streaming")
	l.SetOutput(&buf)

	l.Info("hello")

	if !strings.Contains(buf.String(), `"service":"streaming"`) {
		t.Fatalf("expected service field in output, got %s", buf.String())
	}
}

func TestNewLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger()
	l.SetOutput(&buf)

	l.WithField("k", "v").Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"k":"v"`) || !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("expected JSON fields in output, got %s", out)
	}
}
