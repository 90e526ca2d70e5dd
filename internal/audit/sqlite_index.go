package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Index is a supplemental, queryable SQLite store mirroring everything
// written to the JSON-line sink, so the control plane can answer
// "what happened" queries without re-parsing log files.
type Index struct {
	db *sql.DB
}

// NewIndex opens (creating if necessary) the SQLite audit index at dbPath.
func NewIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit index: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating audit index: %w", err)
	}
	slog.Info("audit index initialized", "path", dbPath)
	return idx, nil
}

func (idx *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		ts DATETIME NOT NULL,
		identity TEXT NOT NULL,
		tool TEXT,
		resource TEXT,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		findings TEXT,
		latency_ms REAL,
		request_hash TEXT,
		response_hash TEXT,
		policy_version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_identity ON audit_records(identity);
	CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_records(tool);
	CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_records(decision);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts);
	`
	_, err := idx.db.Exec(schema)
	return err
}

// Insert stores rec in the index, assigning it a fresh ID.
func (idx *Index) Insert(rec Record) error {
	findings, err := json.Marshal(rec.Findings)
	if err != nil {
		findings = []byte("[]")
	}
	var latency any
	if rec.LatencyMS != nil {
		latency = *rec.LatencyMS
	}
	_, err = idx.db.Exec(`
		INSERT INTO audit_records
		(id, ts, identity, tool, resource, action, decision, findings, latency_ms, request_hash, response_hash, policy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		rec.Timestamp,
		rec.Identity,
		rec.Tool,
		rec.Resource,
		rec.Action,
		rec.Decision,
		string(findings),
		latency,
		rec.RequestHash,
		rec.ResponseHash,
		rec.PolicyVersion,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// Query is a filter over audit_records; empty string fields match any
// value, and a Limit of zero or less means 100.
type Query struct {
	Identity string
	Tool     string
	Decision string
	Limit    int
}

// Find returns audit records matching q, most recent first.
func (idx *Index) Find(q Query) ([]Record, error) {
	clauses := "WHERE 1=1"
	var args []any
	if q.Identity != "" {
		clauses += " AND identity = ?"
		args = append(args, q.Identity)
	}
	if q.Tool != "" {
		clauses += " AND tool = ?"
		args = append(args, q.Tool)
	}
	if q.Decision != "" {
		clauses += " AND decision = ?"
		args = append(args, q.Decision)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := idx.db.Query(fmt.Sprintf(`
		SELECT ts, identity, tool, resource, action, decision, findings, latency_ms, request_hash, response_hash, policy_version
		FROM audit_records %s ORDER BY ts DESC LIMIT ?`, clauses), append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit index: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var tool, resource, requestHash, responseHash sql.NullString
		var latency sql.NullFloat64
		var findingsStr string
		if err := rows.Scan(
			&rec.Timestamp, &rec.Identity, &tool, &resource, &rec.Action, &rec.Decision,
			&findingsStr, &latency, &requestHash, &responseHash, &rec.PolicyVersion,
		); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.Tool = tool.String
		rec.Resource = resource.String
		rec.RequestHash = requestHash.String
		rec.ResponseHash = responseHash.String
		if latency.Valid {
			v := latency.Float64
			rec.LatencyMS = &v
		}
		if err := json.Unmarshal([]byte(findingsStr), &rec.Findings); err != nil {
			rec.Findings = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
