// Package guard orchestrates authentication, ACL, heuristics, rate
// limiting, attestation and audit logging into the operations every
// caller actually needs: check_resource, check_tool, and the in-process
// wrap_tool middleware.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/toolguard/toolguard/internal/acl"
	"github.com/toolguard/toolguard/internal/attestation"
	"github.com/toolguard/toolguard/internal/audit"
	"github.com/toolguard/toolguard/internal/auth"
	"github.com/toolguard/toolguard/internal/guarderr"
	"github.com/toolguard/toolguard/internal/heuristics"
	"github.com/toolguard/toolguard/internal/policyfile"
	"github.com/toolguard/toolguard/internal/ratelimit"
	"github.com/toolguard/toolguard/internal/redaction"
	"github.com/toolguard/toolguard/internal/telemetry"
	"github.com/toolguard/toolguard/internal/wire"
)

// Guard is the policy enforcement entry point shared by the proxy and the
// `check` CLI subcommand.
type Guard struct {
	policy *policyfile.Policy

	Authenticator *auth.Authenticator
	resourceACL   *acl.ResourceACL
	toolACL       *acl.ToolACL
	heuristics    *heuristics.Evaluator
	limiter       ratelimit.Limiter
	sink          *audit.Sink
	index         *audit.Index
	redactor      redaction.Redactor
	tracer        *telemetry.Provider

	attestationEnabled bool
	attestationAlg     policyfile.HashAlg
}

// Option customizes a Guard at construction time.
type Option func(*Guard)

// WithLimiter overrides the rate limiter backend selected by the policy.
// Used so the CLI can inject a Redis-backed limiter, and so tests can
// inject a memory limiter with a deterministic clock.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Guard) { g.limiter = l }
}

// WithIndex attaches a supplemental SQLite audit index.
func WithIndex(idx *audit.Index) Option {
	return func(g *Guard) { g.index = idx }
}

// WithRedactor overrides the finding-reason redactor applied before audit
// records are written. Defaults to the standard PII pattern set.
func WithRedactor(r redaction.Redactor) Option {
	return func(g *Guard) { g.redactor = r }
}

// WithTelemetry attaches a tracer emitting one span per check_tool /
// check_resource call. Defaults to a no-op provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(g *Guard) { g.tracer = p }
}

// New builds a Guard from a validated policy and an audit sink.
func New(p *policyfile.Policy, sink *audit.Sink, opts ...Option) *Guard {
	g := &Guard{
		policy:             p,
		Authenticator:      auth.New(p),
		resourceACL:        acl.New(p),
		toolACL:            acl.NewToolACL(p),
		heuristics:         heuristics.New(p.PromptPatterns, p.MaxLength),
		sink:               sink,
		redactor:           redaction.NewPatternRedactor(),
		tracer:             telemetry.NoopProvider(),
		attestationEnabled: p.AttestationEnabled,
		attestationAlg:     p.AttestationAlg,
	}
	if p.RateBackend == policyfile.BackendMemory {
		g.limiter = ratelimit.NewMemoryLimiter(p.RateCapacity, p.RateRefillRate, nil)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) logRecord(identity, tool, resource, action, decision string, findings []wire.Finding, requestHash, responseHash string) {
	scrubbed := make([]wire.Finding, len(findings))
	for i, f := range findings {
		f.Reason = g.redactor.Redact(f.Reason)
		scrubbed[i] = f
	}
	loggedIdentity := identity
	if g.policy.RedactIdentity {
		loggedIdentity = audit.RedactIdentity(identity)
	}
	rec := audit.Record{
		Timestamp:     time.Now().UTC(),
		Identity:      loggedIdentity,
		Tool:          tool,
		Resource:      resource,
		Action:        action,
		Decision:      decision,
		Findings:      scrubbed,
		RequestHash:   requestHash,
		ResponseHash:  responseHash,
		PolicyVersion: g.policy.Version,
	}
	if g.sink != nil {
		if err := g.sink.Write(rec); err != nil {
			g.logWriteFailure(err)
		}
	}
	if g.index != nil {
		if err := g.index.Insert(rec); err != nil {
			g.logWriteFailure(err)
		}
	}
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// CheckResource decides whether identity may reference a resource URI.
// A deny always produces exactly one "deny" audit record.
func (g *Guard) CheckResource(ctx context.Context, identity, uri string) (decision wire.GuardDecision, err error) {
	_, span := g.tracer.StartCheckSpan(ctx, "check_resource", identity, uri)
	defer func() {
		g.tracer.EndCheckSpan(span, decisionLabel(decision.Allowed), decision.Reason, 0, err)
	}()

	if g.resourceACL.IsAllowed(uri) {
		decision = wire.GuardDecision{Allowed: true, Reason: "Allowed"}
		return decision, nil
	}
	g.logRecord(identity, "", uri, "resource", "deny", nil, "", "")
	err = guarderr.NewPolicyDenied("Resource access denied", map[string]any{"uri": uri})
	return wire.GuardDecision{}, err
}

// CheckTool runs every enforcement step, in order, for a tool invocation:
//  1. quota pre-check (get_remaining)
//  2. tool allow/deny list
//  3. prompt length bound
//  4. prompt heuristic findings
//  5. per-call resource ACL
//  6. quota consumption
//
// The first failing step raises; every raise is paired with exactly one
// "deny" audit record. A successful call writes no record itself: the
// caller writes the single "allow" record through LogAllow.
func (g *Guard) CheckTool(ctx context.Context, identity, toolName string, promptText *string, resources []string) (decision wire.GuardDecision, err error) {
	tool := policyfile.NormalizeToolName(toolName)

	var span trace.Span
	ctx, span = g.tracer.StartCheckSpan(ctx, "check_tool", identity, tool)
	defer func() {
		remaining := 0
		if decision.QuotaRemaining != nil {
			remaining = *decision.QuotaRemaining
		}
		g.tracer.EndCheckSpan(span, decisionLabel(decision.Allowed), decision.Reason, remaining, err)
	}()

	remaining, err := g.limiter.Remaining(ctx, identity, tool)
	if err != nil {
		return wire.GuardDecision{}, fmt.Errorf("checking rate limit quota: %w", err)
	}
	if remaining <= 0 {
		g.logRecord(identity, tool, "", "tool", "deny", nil, "", "")
		err = guarderr.NewPolicyDenied("Rate limit exceeded", map[string]any{"tool": tool})
		return wire.GuardDecision{}, err
	}

	if !g.toolACL.IsAllowed(tool) {
		g.logRecord(identity, tool, "", "tool", "deny", nil, "", "")
		err = guarderr.NewPolicyDenied("Tool not allowed", map[string]any{"tool": tool})
		return wire.GuardDecision{}, err
	}

	var findings []wire.Finding
	if promptText != nil {
		if g.heuristics.TooLong(*promptText) {
			findings = append(findings, wire.Finding{RuleID: "prompt_length", Reason: "Prompt too long", Severity: "medium"})
		}
		findings = append(findings, g.heuristics.Evaluate(*promptText)...)
		if len(findings) > 0 {
			g.logRecord(identity, tool, "", "tool", "deny", findings, "", "")
			details := map[string]any{"tool": tool, "findings": findings}
			err = guarderr.NewPolicyDenied("Prompt injection suspected", details)
			return wire.GuardDecision{}, err
		}
	}

	for _, uri := range resources {
		if !g.resourceACL.IsAllowed(uri) {
			g.logRecord(identity, tool, uri, "tool", "deny", nil, "", "")
			err = guarderr.NewPolicyDenied("Resource denied", map[string]any{"uri": uri})
			return wire.GuardDecision{}, err
		}
	}

	ok, err := g.limiter.Consume(ctx, identity, tool, 1)
	if err != nil {
		return wire.GuardDecision{}, fmt.Errorf("consuming rate limit quota: %w", err)
	}
	if !ok {
		g.logRecord(identity, tool, "", "tool", "deny", nil, "", "")
		err = guarderr.NewPolicyDenied("Rate limit exceeded", map[string]any{"tool": tool})
		return wire.GuardDecision{}, err
	}

	quotaAfter, err := g.limiter.Remaining(ctx, identity, tool)
	if err != nil {
		return wire.GuardDecision{}, fmt.Errorf("checking rate limit quota: %w", err)
	}
	decision = wire.GuardDecision{Allowed: true, Reason: "Allowed", Findings: findings, QuotaRemaining: &quotaAfter}
	return decision, nil
}

// Attest hashes payload using the configured algorithm when attestation is
// enabled in policy; otherwise it returns an empty string.
func (g *Guard) Attest(payload any) string {
	if !g.attestationEnabled {
		return ""
	}
	hash, err := attestation.Hash(payload, g.attestationAlg)
	if err != nil {
		g.logWriteFailure(err)
		return ""
	}
	return hash
}

// LogAllow records an "allow" audit entry for a tool call that already
// passed CheckTool, carrying the request/response attestation hashes
// when attestation is enabled.
func (g *Guard) LogAllow(identity, tool string, findings []wire.Finding, requestHash, responseHash string) {
	g.logRecord(identity, tool, "", "tool", "allow", findings, requestHash, responseHash)
}

// logWriteFailure never propagates: an audit write failure must not
// change a decision already made.
func (g *Guard) logWriteFailure(err error) {
	slog.Warn("audit write failed", "error", err)
}

// CallContext is the capability-set handle passed into a wrapped tool on
// every invocation: the identity, prompt, and resource list check_tool
// needs to decide. It replaces the attached-pseudo-argument style of
// library wrapping with an explicit first parameter.
type CallContext struct {
	Identity  string
	Prompt    string
	Resources []string
}

// WrappedTool is the signature produced by WrapTool: a context-first
// callable taking the capability-set handle and the tool's own
// arguments, returning the tool's own result.
type WrappedTool func(ctx context.Context, call CallContext, args ...any) (any, error)

var (
	ctxInterfaceType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errInterfaceType = reflect.TypeOf((*error)(nil)).Elem()
)

// isWrappableSignature reports whether fnType is a func taking
// context.Context as its first parameter and returning (result, error) —
// the Go shape of "asynchronous", i.e. able to participate in
// cancellation and blocking I/O the way the spec's coroutine functions do.
func isWrappableSignature(fnType reflect.Type) bool {
	if fnType == nil || fnType.Kind() != reflect.Func {
		return false
	}
	if fnType.NumIn() == 0 || fnType.In(0) != ctxInterfaceType {
		return false
	}
	if fnType.NumOut() != 2 || !fnType.Out(1).Implements(errInterfaceType) {
		return false
	}
	return true
}

// WrapTool builds a middleware-wrapped tool invocation for fn: check_tool
// runs before fn is called, and exactly one "allow" audit record (carrying
// the request/response attestation hashes when enabled) is written after
// fn returns successfully. fn must be a func(context.Context, ...) (T, error);
// attempting to wrap a function without a leading context.Context — this
// module's equivalent of "the wrapped function must be asynchronous" — is
// a configuration error raised here, at wrap time, not at call time.
func (g *Guard) WrapTool(toolName string, fn any) (WrappedTool, error) {
	fnVal := reflect.ValueOf(fn)
	if !isWrappableSignature(fnVal.Type()) {
		return nil, fmt.Errorf("wrap_tool: %s must have signature func(context.Context, ...) (T, error); synchronous tool functions cannot be wrapped", toolName)
	}
	tool := policyfile.NormalizeToolName(toolName)

	return func(ctx context.Context, call CallContext, args ...any) (any, error) {
		var promptPtr *string
		if call.Prompt != "" {
			promptPtr = &call.Prompt
		}
		decision, err := g.CheckTool(ctx, call.Identity, tool, promptPtr, call.Resources)
		if err != nil {
			return nil, err
		}

		requestHash := g.Attest(map[string]any{"tool": tool, "identity": call.Identity, "args": args})

		in := make([]reflect.Value, 0, len(args)+1)
		in = append(in, reflect.ValueOf(ctx))
		for _, a := range args {
			in = append(in, reflect.ValueOf(a))
		}
		out := fnVal.Call(in)
		if errVal := out[1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		result := out[0].Interface()

		responseHash := g.Attest(result)
		g.LogAllow(call.Identity, tool, decision.Findings, requestHash, responseHash)
		return result, nil
	}, nil
}
