package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOutput("info", "json", &buf)
	if err != nil {
		t.Fatalf("NewWithOutput: %v", err)
	}

	log.Named("scan").With("rule", "CVE-2024-0001").Info("scan started", "attempt", 2)
	_ = log.Sync()

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["message"] != "scan started" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["logger"] != "scan" {
		t.Errorf("logger = %v, want scan", entry["logger"])
	}
	if entry["rule"] != "CVE-2024-0001" {
		t.Errorf("rule = %v", entry["rule"])
	}
	if entry["attempt"] != float64(2) {
		t.Errorf("attempt = %v, want 2", entry["attempt"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewWithOutput("warn", "console", &buf)

	log.Info("hidden")
	log.Warn("shown")
	_ = log.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log, _ := NewWithOutput("loud", "json", &bytes.Buffer{})
	if got := log.Level(); got != "info" {
		t.Errorf("Level() = %q, want info", got)
	}
	if err := log.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if got := log.Level(); got != "debug" {
		t.Errorf("Level() = %q, want debug", got)
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Named("x").With("k", "v").Error("discarded")
}
