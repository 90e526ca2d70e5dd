// Package heuristics applies regex-based prompt heuristics and the
// prompt length bound from policy.
package heuristics

import (
	"fmt"
	"regexp"

	"github.com/toolguard/toolguard/internal/wire"
)

// Evaluator applies the configured deny patterns and max length to prompts.
type Evaluator struct {
	patterns  []*regexp.Regexp
	maxLength int
}

// New builds an Evaluator from policy-compiled regex patterns and bound.
func New(patterns []*regexp.Regexp, maxLength int) *Evaluator {
	return &Evaluator{patterns: patterns, maxLength: maxLength}
}

// Evaluate runs every configured deny pattern against text and returns one
// Finding per match, in pattern order. An empty slice means no findings.
func (e *Evaluator) Evaluate(text string) []wire.Finding {
	var findings []wire.Finding
	for idx, pattern := range e.patterns {
		if pattern.MatchString(text) {
			findings = append(findings, wire.Finding{
				RuleID:   fmt.Sprintf("prompt_regex_%d", idx),
				Severity: "high",
				Reason:   fmt.Sprintf("Matched %s", pattern.String()),
			})
		}
	}
	return findings
}

// TooLong reports whether text exceeds the configured maximum length.
func (e *Evaluator) TooLong(text string) bool {
	return e.maxLength > 0 && len(text) > e.maxLength
}
