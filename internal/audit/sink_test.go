package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolguard/toolguard/internal/policyfile"
	"github.com/toolguard/toolguard/internal/wire"
)

func TestSinkWritesJSONLines(t *testing.T) {
	p, err := policyfile.Parse([]byte(`
logging:
  sink: file
  file_path: ` + filepath.Join(t.TempDir(), "audit.log") + `
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, err := NewSink(p)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer s.Close()

	rec := Record{
		Timestamp:     time.Now(),
		Identity:      "alice",
		Tool:          "calculator.add",
		Action:        "tool",
		Decision:      "allow",
		Findings:      []wire.Finding{},
		PolicyVersion: 1,
	}
	if err := s.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := os.Open(p.LogFilePath)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded Record
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d not valid JSON: %v", count, err)
		}
		if decoded.Identity != "alice" {
			t.Errorf("identity = %q, want alice", decoded.Identity)
		}
		count++
	}
	if count != 2 {
		t.Errorf("wrote %d lines, want 2", count)
	}
}

func TestRedactIdentityDeterministicAndNonInvertible(t *testing.T) {
	a := RedactIdentity("alice@example.com")
	b := RedactIdentity("alice@example.com")
	if a != b {
		t.Errorf("RedactIdentity not deterministic: %q != %q", a, b)
	}
	if a == "alice@example.com" {
		t.Errorf("RedactIdentity returned the raw identity")
	}
	if len(a) != 16 {
		t.Errorf("RedactIdentity length = %d, want 16", len(a))
	}
}

func TestRotatingFileRotatesAtThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	r, err := newRotatingFile(path, 20, 2)
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	defer r.Close()

	for i := 0; i < 5; i++ {
		if _, err := r.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected a rotated backup at %s.1: %v", path, err)
	}
}
