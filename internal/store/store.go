// Package store is the persistent state store shared by the watcher,
// coordinator, and panel. It is the authoritative home of detection state and
// preferences; the coordinator's in-memory registry is only a cache rebuilt
// on startup.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Well-known keys. Writes are last-writer-wins, no transactions.
const (
	KeyCurrentOpportunityID = "currentOpportunityId"
	KeyCurrentTabID         = "currentTabId"
	KeyLastUpdated          = "lastUpdated"
	KeyCurrentURL           = "currentUrl"
	KeyCurrentOrgID         = "currentOrgId"
	KeyLastOrgIDUpdated     = "lastOrgIdUpdated"
	KeyAutoOpen             = "autoOpen"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS detections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	event TEXT NOT NULL,
	opportunity_id TEXT,
	organization_id TEXT,
	source_url TEXT,
	tab_id INTEGER,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_detections_created ON detections(created_at);
`

// DetectionState is the single global "current record" view. At most one is
// current per instance; switching tabs overwrites it.
type DetectionState struct {
	OpportunityID  string    `json:"opportunity_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	TabID          int64     `json:"tab_id,omitempty"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// DetectionRecord is one row of the append-only detection history.
type DetectionRecord struct {
	ID             int64     `json:"id"`
	TraceID        string    `json:"trace_id,omitempty"`
	Event          string    `json:"event"`
	OpportunityID  string    `json:"opportunity_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	TabID          int64     `json:"tab_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store wraps the sqlite-backed key-value and history tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for dbs created before tab ids were recorded.
	_, _ = db.Exec(`ALTER TABLE detections ADD COLUMN tab_id INTEGER`)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the value for key, or ("", false) when unset.
func (s *Store) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts key to value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SetDetection records a newly detected opportunity as the current global
// state. Org id keys are only touched when an org id is known.
func (s *Store) SetDetection(st DetectionState) error {
	now := st.LastUpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	stamp := now.UTC().Format(time.RFC3339Nano)

	if err := s.Set(KeyCurrentOpportunityID, st.OpportunityID); err != nil {
		return err
	}
	if err := s.Set(KeyLastUpdated, stamp); err != nil {
		return err
	}
	if err := s.Set(KeyCurrentURL, st.SourceURL); err != nil {
		return err
	}
	if err := s.Set(KeyCurrentTabID, strconv.FormatInt(st.TabID, 10)); err != nil {
		return err
	}
	if st.OrganizationID != "" {
		if err := s.Set(KeyCurrentOrgID, st.OrganizationID); err != nil {
			return err
		}
		if err := s.Set(KeyLastOrgIDUpdated, stamp); err != nil {
			return err
		}
	}
	return nil
}

// ClearDetection removes the current opportunity id. The org id is kept; the
// user is still on the CRM even when no record is open.
func (s *Store) ClearDetection() error {
	if err := s.Delete(KeyCurrentOpportunityID); err != nil {
		return err
	}
	if err := s.Delete(KeyCurrentTabID); err != nil {
		return err
	}
	return s.Set(KeyLastUpdated, time.Now().UTC().Format(time.RFC3339Nano))
}

// Detection returns the current detection state. ok is false when no
// opportunity is current.
func (s *Store) Detection() (DetectionState, bool, error) {
	id, ok, err := s.Get(KeyCurrentOpportunityID)
	if err != nil || !ok || id == "" {
		return DetectionState{}, false, err
	}
	st := DetectionState{OpportunityID: id}
	if v, ok, _ := s.Get(KeyCurrentOrgID); ok {
		st.OrganizationID = v
	}
	if v, ok, _ := s.Get(KeyCurrentURL); ok {
		st.SourceURL = v
	}
	if v, ok, _ := s.Get(KeyCurrentTabID); ok {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			st.TabID = n
		}
	}
	if v, ok, _ := s.Get(KeyLastUpdated); ok {
		if ts, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			st.LastUpdatedAt = ts
		}
	}
	return st, true, nil
}

// CurrentOrgID returns the most recently seen organization id, if any.
func (s *Store) CurrentOrgID() (string, bool) {
	v, ok, _ := s.Get(KeyCurrentOrgID)
	return v, ok && v != ""
}

// AutoOpen returns the panel auto-open preference. Defaults to true when
// unset or unparsable.
func (s *Store) AutoOpen() bool {
	v, ok, err := s.Get(KeyAutoOpen)
	if err != nil || !ok {
		return true
	}
	enabled, perr := strconv.ParseBool(v)
	if perr != nil {
		return true
	}
	return enabled
}

// SetAutoOpen stores the panel auto-open preference.
func (s *Store) SetAutoOpen(enabled bool) error {
	return s.Set(KeyAutoOpen, strconv.FormatBool(enabled))
}

// AppendDetection adds a row to the detection history (best-effort audit
// trail for the panel timeline and the status command).
func (s *Store) AppendDetection(rec DetectionRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO detections (trace_id, event, opportunity_id, organization_id, source_url, tab_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.Event, rec.OpportunityID, rec.OrganizationID, rec.SourceURL, rec.TabID, created.UTC())
	if err != nil {
		return fmt.Errorf("append detection: %w", err)
	}
	return nil
}

// RecentDetections returns up to limit history rows, newest first.
func (s *Store) RecentDetections(limit int) ([]DetectionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, trace_id, event, opportunity_id, organization_id, source_url, COALESCE(tab_id, 0), created_at
		FROM detections ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var r DetectionRecord
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Event, &r.OpportunityID, &r.OrganizationID, &r.SourceURL, &r.TabID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
