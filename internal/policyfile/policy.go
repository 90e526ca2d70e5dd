// Package policyfile loads and validates the toolguard policy document.
//
// A Policy is immutable once loaded: queries (ToolAllowed, ResourceAllowed)
// never mutate state, and the same Policy value is shared by every
// component that consults it.
package policyfile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// AuthMode selects how the authenticator maps transport credentials to an identity.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthAPIKey AuthMode = "api_key"
	AuthBearer AuthMode = "bearer"
)

// Backend selects where token-bucket state for the rate limiter lives.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendShared Backend = "shared"
)

// HashAlg selects the digest used by the attestation component.
type HashAlg string

const (
	HashSHA256 HashAlg = "sha256"
	HashSHA512 HashAlg = "sha512"
)

// AuditSinkKind selects where the audit logger writes JSON lines.
type AuditSinkKind string

const (
	AuditSinkStderr AuditSinkKind = "stderr"
	AuditSinkFile   AuditSinkKind = "file"
)

// raw is the shape the policy YAML document unmarshals into before
// validation promotes it to a Policy. Unknown keys are rejected by
// yaml.v3's KnownFields-equivalent strict decode performed by Load.
type raw struct {
	Version int `yaml:"version"`
	Auth    struct {
		Mode   string   `yaml:"mode"`
		Keys   []string `yaml:"keys"`
		Tokens []string `yaml:"tokens"`
	} `yaml:"auth"`
	Tools struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	} `yaml:"tools"`
	Resources struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	} `yaml:"resources"`
	Prompts struct {
		DenyRegex []string `yaml:"deny_regex"`
		MaxLength int      `yaml:"max_length"`
	} `yaml:"prompts"`
	RateLimit struct {
		Capacity   int     `yaml:"capacity"`
		RefillRate float64 `yaml:"refill_rate"`
		Backend    string  `yaml:"backend"`
		Connection string  `yaml:"connection"`
	} `yaml:"rate_limit"`
	Logging struct {
		Level       string `yaml:"level"`
		Sink        string `yaml:"sink"`
		FilePath    string `yaml:"file_path"`
		RotateBytes int64  `yaml:"rotate_bytes"`
		Index       struct {
			Enabled bool   `yaml:"enabled"`
			Path    string `yaml:"path"`
		} `yaml:"index"`
		RedactIdentity bool `yaml:"redact_identity"`
	} `yaml:"logging"`
	Attestation struct {
		Enabled bool   `yaml:"enabled"`
		Alg     string `yaml:"alg"`
	} `yaml:"attestation"`
}

// GlobList is a pair of compiled glob matchers for an allow/deny pattern pair.
type GlobList struct {
	AllowPatterns []string
	DenyPatterns  []string
	allow         []glob.Glob
	deny          []glob.Glob
}

// compileGlobs compiles patterns with separator as the glob library's
// segment boundary, so a single '*' matches within one segment and '**'
// is required to cross one. Tool names are dot-separated
// ("calculator.add"); resource URIs are slash-separated
// ("file:///data/report.csv").
func compileGlobs(patterns []string, separator rune) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, separator)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

// allowed applies deny-wins, allow-if-listed-else-allow-all semantics.
func (g *GlobList) allowed(candidate string) bool {
	for _, d := range g.deny {
		if d.Match(candidate) {
			return false
		}
	}
	if len(g.allow) == 0 {
		return true
	}
	for _, a := range g.allow {
		if a.Match(candidate) {
			return true
		}
	}
	return false
}

// Policy is the validated, immutable configuration loaded from a policy file.
type Policy struct {
	Version int

	AuthMode   AuthMode
	AuthKeys   map[string]struct{}
	AuthTokens map[string]struct{}

	Tools     GlobList
	Resources GlobList

	PromptPatterns []*regexp.Regexp
	PromptRawRegex []string
	MaxLength      int

	RateCapacity   int
	RateRefillRate float64
	RateBackend    Backend
	RateConnection string

	LogLevel       string
	LogSink        AuditSinkKind
	LogFilePath    string
	LogRotateBytes int64
	AuditIndexOn   bool
	AuditIndexPath string
	RedactIdentity bool

	AttestationEnabled bool
	AttestationAlg     HashAlg
}

// ToolAllowed reports whether tool name may be invoked, after normalizing
// '/' to '.'.
// Deny wins; an empty allow list means allow by default.
func (p *Policy) ToolAllowed(name string) bool {
	return p.Tools.allowed(NormalizeToolName(name))
}

// ResourceAllowed reports whether a resource URI may be used in a call.
func (p *Policy) ResourceAllowed(uri string) bool {
	return p.Resources.allowed(uri)
}

// NormalizeToolName replaces '/' with '.' so "calculator/add" and
// "calculator.add" address the same glob namespace.
func NormalizeToolName(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ReplaceAll(p, "/", ".")
	}
	return out
}
