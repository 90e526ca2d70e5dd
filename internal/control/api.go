// Package control implements the guard's operator-facing HTTP surface:
// health, JSON metrics counters, and a queryable audit trail.
package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/toolguard/toolguard/internal/audit"
	"github.com/toolguard/toolguard/internal/proxy"
)

// Handler serves the control-plane endpoints alongside the proxy.
type Handler struct {
	proxy *proxy.Proxy
	index *audit.Index // nil when the policy has no SQLite audit index configured
	mux   *http.ServeMux
}

// New builds a control Handler. index may be nil if the running policy
// does not enable the audit index.
func New(p *proxy.Proxy, index *audit.Index) *Handler {
	h := &Handler{proxy: p, index: index, mux: http.NewServeMux()}
	h.mux.HandleFunc("/healthz", h.handleHealthz)
	h.mux.HandleFunc("/metrics", h.handleMetrics)
	h.mux.HandleFunc("/audit", h.handleAudit)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	if !h.proxy.Healthy() {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Timestamp: time.Now()})
}

type metricsResponse struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
	Errors  int64 `json:"errors"`
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	allowed, denied, errors := h.proxy.Metrics.Snapshot()
	writeJSON(w, http.StatusOK, metricsResponse{Allowed: allowed, Denied: denied, Errors: errors})
}

// handleAudit serves GET /audit?identity=&tool=&decision=&limit=, a
// supplemental query surface over the SQLite audit index not present
// in the original implementation this was distilled from.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.index == nil {
		http.Error(w, "audit index not enabled", http.StatusNotImplemented)
		return
	}

	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := h.index.Find(audit.Query{
		Identity: q.Get("identity"),
		Tool:     q.Get("tool"),
		Decision: q.Get("decision"),
		Limit:    limit,
	})
	if err != nil {
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
