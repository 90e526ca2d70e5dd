package control

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/toolguard/toolguard/internal/audit"
	"github.com/toolguard/toolguard/internal/guard"
	"github.com/toolguard/toolguard/internal/policyfile"
	"github.com/toolguard/toolguard/internal/proxy"
)

func newTestHandler(t *testing.T, withIndex bool) *Handler {
	t.Helper()
	doc := "logging:\n  sink: file\n  file_path: " + filepath.Join(t.TempDir(), "audit.log") + "\n"
	p, err := policyfile.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sink, err := audit.NewSink(p)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	g := guard.New(p, sink)
	prox := proxy.New("ws://unused", g)

	var index *audit.Index
	if withIndex {
		index, err = audit.NewIndex(filepath.Join(t.TempDir(), "audit.db"))
		if err != nil {
			t.Fatalf("NewIndex: %v", err)
		}
	}
	return New(prox, index)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, false)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	h := newTestHandler(t, false)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuditWithoutIndexReturnsNotImplemented(t *testing.T) {
	h := newTestHandler(t, false)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/audit")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestAuditWithIndex(t *testing.T) {
	h := newTestHandler(t, true)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/audit?identity=alice&limit=10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
