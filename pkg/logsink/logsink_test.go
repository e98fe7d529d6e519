package logsink_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/driftcode/devproxy/pkg/logsink"
)

func TestLogLineFormat(t *testing.T) {
	var buf bytes.Buffer
	s := logsink.New(&buf)

	s.Log("C2R", "conn-1", "hello world")

	line := buf.String()
	if !strings.HasPrefix(line, "#") {
		t.Fatalf("expected line to start with #, got %q", line)
	}
	if !strings.Contains(line, "C2R") || !strings.Contains(line, "conn-1") || !strings.Contains(line, "hello world") {
		t.Fatalf("expected direction, label, and message in line, got %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("expected line to end with newline, got %q", line)
	}
}

func TestInfoUsesDashDirection(t *testing.T) {
	var buf bytes.Buffer
	s := logsink.New(&buf)
	s.Info("conn-2", "Socket closed")

	line := buf.String()
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || parts[1] != "-" {
		t.Fatalf("expected direction field to be -, got %q", line)
	}
}

func TestConcurrentLogCallsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	s := logsink.New(&buf)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			s.Log("C2R", "conn", "payload-chunk-of-text")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 complete lines, got %d", len(lines))
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "#") {
			t.Fatalf("expected every line to start with #, got %q", l)
		}
	}
}
