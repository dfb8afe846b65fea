package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "WARN")
	l.Info("hidden")
	l.Warn("shown")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("unexpected output %s", buf.String())
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	Component(NewLoggerTo(&buf, "debug"), "tracker").Debug("hello", "ticket_id", "t1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["component"] != "tracker" || rec["ticket_id"] != "t1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestSourceIsShortened(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf, "info").Info("where")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	src, ok := rec["source"].(string)
	if !ok || !strings.HasPrefix(src, "logger_test.go:") {
		t.Fatalf("unexpected source %v", rec["source"])
	}
}
