package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Listen != ":8787" {
		t.Errorf("Listen = %q, want :8787", c.Listen)
	}
	if c.Telemetry.Exporter != "none" {
		t.Errorf("Telemetry.Exporter = %q, want none", c.Telemetry.Exporter)
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "listen: \":9000\"\ntarget: \"ws://upstream:8000\"\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", c.Listen)
	}
	if c.Target != "ws://upstream:8000" {
		t.Errorf("Target = %q", c.Target)
	}
	if c.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", c.Logging.Level)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TOOLGUARD_LISTEN", ":7000")
	t.Setenv("TOOLGUARD_TELEMETRY_EXPORTER", "stdout")
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Listen != ":7000" {
		t.Errorf("Listen = %q, want :7000", c.Listen)
	}
	if c.Telemetry.Exporter != "stdout" {
		t.Errorf("Telemetry.Exporter = %q, want stdout", c.Telemetry.Exporter)
	}
}

func TestLoadRejectsBadExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("telemetry:\n  exporter: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for bad exporter")
	}
}
