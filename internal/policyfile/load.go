package policyfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BadPolicy aggregates every validation violation found while loading a
// policy document. Load either returns a fully valid Policy or a single
// *BadPolicy carrying every problem found, never a partially-valid Policy.
type BadPolicy struct {
	Violations []string
}

func (e *BadPolicy) Error() string {
	return fmt.Sprintf("invalid policy: %s", strings.Join(e.Violations, "; "))
}

func newBadPolicy(violations []string) *BadPolicy {
	return &BadPolicy{Violations: violations}
}

// Load reads, parses and validates a policy document from disk.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from a trusted CLI flag
	if err != nil {
		return nil, newBadPolicy([]string{fmt.Sprintf("reading policy file: %v", err)})
	}
	return Parse(data)
}

// Parse validates a policy document already read into memory. Exposed
// separately from Load so tests and the `check --dump-policy` round-trip
// can exercise parsing without touching disk.
func Parse(data []byte) (*Policy, error) {
	var doc raw
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, newBadPolicy([]string{fmt.Sprintf("parsing policy YAML: %v", err)})
	}
	return validate(doc)
}

func validate(doc raw) (*Policy, error) {
	var violations []string

	p := &Policy{
		Version: doc.Version,
	}
	if p.Version == 0 {
		p.Version = 1
	}

	// --- auth ---
	mode := AuthMode(doc.Auth.Mode)
	if mode == "" {
		mode = AuthNone
	}
	switch mode {
	case AuthNone, AuthAPIKey, AuthBearer:
		p.AuthMode = mode
	default:
		violations = append(violations, fmt.Sprintf("auth.mode: unsupported mode %q", doc.Auth.Mode))
	}
	p.AuthKeys = toSet(doc.Auth.Keys)
	p.AuthTokens = toSet(doc.Auth.Tokens)
	if p.AuthMode == AuthAPIKey && len(p.AuthKeys) == 0 {
		violations = append(violations, "auth.keys must be non-empty for api_key mode")
	}
	if p.AuthMode == AuthBearer && len(p.AuthTokens) == 0 {
		violations = append(violations, "auth.tokens must be non-empty for bearer mode")
	}

	// --- tools / resources ---
	p.Tools = GlobList{
		AllowPatterns: normalizePatterns(doc.Tools.Allow),
		DenyPatterns:  normalizePatterns(doc.Tools.Deny),
	}
	if allow, err := compileGlobs(p.Tools.AllowPatterns, '.'); err != nil {
		violations = append(violations, "tools.allow: "+err.Error())
	} else {
		p.Tools.allow = allow
	}
	if deny, err := compileGlobs(p.Tools.DenyPatterns, '.'); err != nil {
		violations = append(violations, "tools.deny: "+err.Error())
	} else {
		p.Tools.deny = deny
	}

	p.Resources = GlobList{
		AllowPatterns: doc.Resources.Allow,
		DenyPatterns:  doc.Resources.Deny,
	}
	if allow, err := compileGlobs(p.Resources.AllowPatterns, '/'); err != nil {
		violations = append(violations, "resources.allow: "+err.Error())
	} else {
		p.Resources.allow = allow
	}
	if deny, err := compileGlobs(p.Resources.DenyPatterns, '/'); err != nil {
		violations = append(violations, "resources.deny: "+err.Error())
	} else {
		p.Resources.deny = deny
	}

	// --- prompts ---
	p.MaxLength = doc.Prompts.MaxLength
	if p.MaxLength == 0 {
		p.MaxLength = 4000
	}
	if p.MaxLength <= 0 {
		violations = append(violations, "prompts.max_length must be positive")
	}
	p.PromptRawRegex = doc.Prompts.DenyRegex
	for _, pattern := range doc.Prompts.DenyRegex {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			violations = append(violations, fmt.Sprintf("prompts.deny_regex: invalid pattern %q: %v", pattern, err))
			continue
		}
		p.PromptPatterns = append(p.PromptPatterns, compiled)
	}

	// --- rate limit ---
	p.RateCapacity = doc.RateLimit.Capacity
	if p.RateCapacity == 0 {
		p.RateCapacity = 30
	}
	p.RateRefillRate = doc.RateLimit.RefillRate
	if p.RateRefillRate == 0 {
		p.RateRefillRate = 1.0
	}
	if p.RateCapacity <= 0 {
		violations = append(violations, "rate_limit.capacity must be positive")
	}
	if p.RateRefillRate <= 0 {
		violations = append(violations, "rate_limit.refill_rate must be positive")
	}
	backend := Backend(doc.RateLimit.Backend)
	if backend == "" {
		backend = BackendMemory
	}
	switch backend {
	case BackendMemory, BackendShared:
		p.RateBackend = backend
	default:
		violations = append(violations, fmt.Sprintf("rate_limit.backend: unsupported backend %q", doc.RateLimit.Backend))
	}
	p.RateConnection = doc.RateLimit.Connection
	if p.RateBackend == BackendShared && p.RateConnection == "" {
		violations = append(violations, "rate_limit.connection must be set for shared backend")
	}

	// --- logging / audit ---
	p.LogLevel = doc.Logging.Level
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
	sink := AuditSinkKind(doc.Logging.Sink)
	if sink == "" {
		sink = AuditSinkStderr
	}
	switch sink {
	case AuditSinkStderr, AuditSinkFile:
		p.LogSink = sink
	default:
		violations = append(violations, fmt.Sprintf("logging.sink: unsupported sink %q", doc.Logging.Sink))
	}
	p.LogFilePath = doc.Logging.FilePath
	if p.LogFilePath == "" {
		p.LogFilePath = "toolguard-audit.log"
	}
	p.LogRotateBytes = doc.Logging.RotateBytes
	if p.LogRotateBytes == 0 {
		p.LogRotateBytes = 10 * 1024 * 1024
	}
	p.AuditIndexOn = doc.Logging.Index.Enabled
	p.AuditIndexPath = doc.Logging.Index.Path
	if p.AuditIndexOn && p.AuditIndexPath == "" {
		p.AuditIndexPath = "toolguard-audit.db"
	}
	p.RedactIdentity = doc.Logging.RedactIdentity

	// --- attestation ---
	p.AttestationEnabled = doc.Attestation.Enabled
	alg := HashAlg(doc.Attestation.Alg)
	if alg == "" {
		alg = HashSHA256
	}
	switch alg {
	case HashSHA256, HashSHA512:
		p.AttestationAlg = alg
	default:
		violations = append(violations, fmt.Sprintf("attestation.alg: unsupported algorithm %q", doc.Attestation.Alg))
	}

	if len(violations) > 0 {
		return nil, newBadPolicy(violations)
	}
	return p, nil
}

// Marshal serializes p back into the policy document YAML shape, for
// the `check --dump-policy` round-trip.
func Marshal(p *Policy) (string, error) {
	var doc raw
	doc.Version = p.Version
	doc.Auth.Mode = string(p.AuthMode)
	doc.Auth.Keys = fromSet(p.AuthKeys)
	doc.Auth.Tokens = fromSet(p.AuthTokens)
	doc.Tools.Allow = p.Tools.AllowPatterns
	doc.Tools.Deny = p.Tools.DenyPatterns
	doc.Resources.Allow = p.Resources.AllowPatterns
	doc.Resources.Deny = p.Resources.DenyPatterns
	doc.Prompts.DenyRegex = p.PromptRawRegex
	doc.Prompts.MaxLength = p.MaxLength
	doc.RateLimit.Capacity = p.RateCapacity
	doc.RateLimit.RefillRate = p.RateRefillRate
	doc.RateLimit.Backend = string(p.RateBackend)
	doc.RateLimit.Connection = p.RateConnection
	doc.Logging.Level = p.LogLevel
	doc.Logging.Sink = string(p.LogSink)
	doc.Logging.FilePath = p.LogFilePath
	doc.Logging.RotateBytes = p.LogRotateBytes
	doc.Logging.Index.Enabled = p.AuditIndexOn
	doc.Logging.Index.Path = p.AuditIndexPath
	doc.Logging.RedactIdentity = p.RedactIdentity
	doc.Attestation.Enabled = p.AttestationEnabled
	doc.Attestation.Alg = string(p.AttestationAlg)

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
