package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_DebugSuppressedWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Prefix: "[test] "})
	l.std = log.New(&buf, "[test] ", 0)

	l.Debugf("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}

	l.debug = true
	l.Debugf("visible now")
	if !strings.Contains(buf.String(), "visible now") {
		t.Errorf("expected debug output once enabled, got %q", buf.String())
	}
}

func TestLogger_WarnAlwaysWritten(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{})
	l.std = log.New(&buf, "", 0)

	l.Warnf("disk low: %d%%", 5)
	if !strings.Contains(buf.String(), "disk low: 5%") {
		t.Errorf("got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[warn]") {
		t.Errorf("expected [warn] level tag, got %q", buf.String())
	}
}

func TestNew_WritesToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "daemon.log")

	l := New(Config{LogFile: logFile})
	l.Errorf("boom")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "boom") {
		t.Errorf("log file contents = %q, want to contain %q", data, "boom")
	}
}
