package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWithWriterPrefixesMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("config", &buf)

	l.Printf("unknown timezone %s", "Mars/Olympus")

	line := buf.String()
	if !strings.Contains(line, "[config] unknown timezone Mars/Olympus") {
		t.Fatalf("unexpected log line %q", line)
	}
}
