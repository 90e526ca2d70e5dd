package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/toolguard/toolguard/internal/policyfile"
)

// Sink writes Records as JSON lines. Writes are synchronous and
// best-effort: a write failure is logged by the caller but never blocks
// or fails the guard decision that produced the record.
type Sink struct {
	mu      sync.Mutex
	out     io.Writer
	rotator *rotatingFile
}

// NewSink builds a Sink per the logging section of a loaded policy.
func NewSink(p *policyfile.Policy) (*Sink, error) {
	if p.LogSink == policyfile.AuditSinkStderr {
		return &Sink{out: os.Stderr}, nil
	}
	r, err := newRotatingFile(p.LogFilePath, p.LogRotateBytes, 3)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &Sink{out: r, rotator: r}, nil
}

// Write serializes rec as one JSON line and appends it to the sink.
func (s *Sink) Write(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(line)
	return err
}

// Close releases any open file handle held by the sink.
func (s *Sink) Close() error {
	if s.rotator != nil {
		return s.rotator.Close()
	}
	return nil
}
