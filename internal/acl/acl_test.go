package acl

import (
	"testing"

	"github.com/toolguard/toolguard/internal/policyfile"
)

func TestResourceACLDenyWins(t *testing.T) {
	p, err := policyfile.Parse([]byte(`
resources:
  allow: ["file:///data/**"]
  deny: ["file:///data/secrets/**"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a := New(p)

	if !a.IsAllowed("file:///data/report.csv") {
		t.Errorf("report.csv should be allowed")
	}
	if a.IsAllowed("file:///data/secrets/key.pem") {
		t.Errorf("secrets/key.pem should be denied")
	}
	if a.IsAllowed("file:///etc/passwd") {
		t.Errorf("unlisted path should not be allowed when an allow list exists")
	}
}

func TestToolACLEmptyAllowMeansAll(t *testing.T) {
	p, err := policyfile.Parse([]byte(`
tools:
  deny: ["shell.*"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a := NewToolACL(p)

	if !a.IsAllowed("calculator.add") {
		t.Errorf("calculator.add should be allowed by default")
	}
	if a.IsAllowed("shell.exec") {
		t.Errorf("shell.exec should be denied")
	}
}
