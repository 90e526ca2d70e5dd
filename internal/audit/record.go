// Package audit writes structured, append-only JSON-line audit records
// for every guard decision, with an optional queryable SQLite index.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/toolguard/toolguard/internal/wire"
)

// Record is one audit entry. A deny writes one record immediately; an
// allowed tool call gets one "allow" record from its caller (the proxy
// writes it before the frame reaches upstream, WrapTool after the wrapped
// function returns). Allowed resource checks write none.
type Record struct {
	Timestamp     time.Time      `json:"ts"`
	Identity      string         `json:"identity"`
	Tool          string         `json:"tool,omitempty"`
	Resource      string         `json:"resource,omitempty"`
	Action        string         `json:"action"`
	Decision      string         `json:"decision"`
	Findings      []wire.Finding `json:"findings"`
	LatencyMS     *float64       `json:"latency_ms,omitempty"`
	RequestHash   string         `json:"request_hash,omitempty"`
	ResponseHash  string         `json:"response_hash,omitempty"`
	PolicyVersion int            `json:"policy_version"`
}

// RedactIdentity replaces an identity with a short, non-invertible digest
// for records logged under the audit.redact_identity policy flag.
func RedactIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:16]
}
