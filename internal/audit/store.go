// Package audit keeps a persistent trail of logins, SSO redemptions,
// logouts and session expiries.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/umc/internal/clock"
)

// Actions recorded by the console.
const (
	ActionLogin          = "login"
	ActionLoginFailed    = "login_failed"
	ActionPasswordChange = "password_change"
	ActionSSO            = "sso"
	ActionLogout         = "logout"
	ActionSessionExpired = "session_expired"
)

// Event represents a single audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Username  string         `json:"username"`
	Session   string         `json:"session,omitempty"`
	Action    string         `json:"action"`
	ClientIP  string         `json:"client_ip,omitempty"`
	Status    int            `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	Since    time.Time
	Until    time.Time
	Action   string
	Username string
	Limit    int
}

// Store provides persistent storage for audit events.
type Store struct {
	db        *sql.DB
	clock     clock.Clock
	retention time.Duration
}

// Open opens or creates the audit database at path. ":memory:" gives a
// private in-memory store.
func Open(path string, clk clock.Clock, retentionDays int) (*Store, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			username TEXT NOT NULL,
			session TEXT,
			action TEXT NOT NULL,
			client_ip TEXT,
			status INTEGER DEFAULT 0,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_username ON audit_events(username);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Store{
		db:        db,
		clock:     clk,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

// Record persists evt. A zero Timestamp is set to the current time.
func (s *Store) Record(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock.Now()
	}
	var details sql.NullString
	if len(evt.Details) > 0 {
		data, err := json.Marshal(evt.Details)
		if err != nil {
			data = []byte("{}")
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (timestamp, username, session, action, client_ip, status, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.Timestamp.UnixNano(), evt.Username, evt.Session, evt.Action, evt.ClientIP, evt.Status, details)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	query := `SELECT id, timestamp, username, session, action, client_ip, status, details
		FROM audit_events WHERE 1=1`
	var args []any
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UnixNano())
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Username != "" {
		query += " AND username = ?"
		args = append(args, f.Username)
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt                  Event
			ts                   int64
			session, ip, details sql.NullString
		)
		if err := rows.Scan(&evt.ID, &ts, &evt.Username, &session, &evt.Action, &ip, &evt.Status, &details); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Timestamp = time.Unix(0, ts).UTC()
		evt.Session = session.String
		evt.ClientIP = ip.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &evt.Details)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// StartPruning prunes every interval until ctx is cancelled.
func (s *Store) StartPruning(ctx context.Context, interval time.Duration, onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Prune(ctx); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}

// Count returns the total number of events in the store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
