// Package acl implements the resource access control list component.
// It is a thin, named wrapper over the glob lists compiled at policy
// load time, kept as its own package because the guard treats resource
// checks and tool checks as distinct steps with distinct audit reasons.
package acl

import "github.com/toolguard/toolguard/internal/policyfile"

// ResourceACL decides whether a resource URI may be referenced by a call.
type ResourceACL struct {
	policy *policyfile.Policy
}

// New builds a ResourceACL backed by the resource allow/deny lists of p.
func New(p *policyfile.Policy) *ResourceACL {
	return &ResourceACL{policy: p}
}

// IsAllowed reports whether uri passes the resource allow/deny lists.
// Deny always wins; an empty allow list permits everything not denied.
func (a *ResourceACL) IsAllowed(uri string) bool {
	return a.policy.ResourceAllowed(uri)
}

// ToolACL decides whether a tool name may be invoked.
type ToolACL struct {
	policy *policyfile.Policy
}

// NewToolACL builds a ToolACL backed by the tool allow/deny lists of p.
func NewToolACL(p *policyfile.Policy) *ToolACL {
	return &ToolACL{policy: p}
}

// IsAllowed reports whether name passes the tool allow/deny lists, after
// normalizing '/' and '.' separators.
func (a *ToolACL) IsAllowed(name string) bool {
	return a.policy.ToolAllowed(name)
}
