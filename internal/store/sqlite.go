// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides minion presence and sink message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Presence updates arrive from many streams at once
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS minions (
			tenant_id       TEXT NOT NULL,
			system_id       TEXT NOT NULL,
			location        TEXT NOT NULL,
			status          TEXT NOT NULL,
			connected_at    TEXT NOT NULL,
			last_seen       TEXT NOT NULL,
			disconnected_at TEXT,
			PRIMARY KEY (tenant_id, system_id),

			CHECK (status IN ('online', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_minions_location ON minions(tenant_id, location);
		CREATE INDEX IF NOT EXISTS idx_minions_status ON minions(status);

		CREATE TABLE IF NOT EXISTS sink_messages (
			message_id  TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			system_id   TEXT NOT NULL,
			module_id   TEXT NOT NULL,
			content     BLOB,
			received_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sink_messages_minion
			ON sink_messages(tenant_id, system_id, received_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertMinion records a minion as online. Reconnects keep the row and reset the
// connection timestamps.
func (s *SQLiteStore) UpsertMinion(ctx context.Context, m *Minion) error {
	query := `
		INSERT INTO minions (tenant_id, system_id, location, status, connected_at, last_seen, disconnected_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (tenant_id, system_id) DO UPDATE SET
			location = excluded.location,
			status = excluded.status,
			connected_at = excluded.connected_at,
			last_seen = excluded.last_seen,
			disconnected_at = NULL
	`

	lastSeen := m.LastSeen
	if lastSeen.IsZero() {
		lastSeen = m.ConnectedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		m.TenantID,
		m.SystemID,
		m.Location,
		StatusOnline,
		formatTime(m.ConnectedAt),
		formatTime(lastSeen),
	)
	if err != nil {
		return fmt.Errorf("upserting minion: %w", err)
	}

	s.logger.Debug("minion online", "tenant_id", m.TenantID, "system_id", m.SystemID)
	return nil
}

// MarkMinionOffline records a disconnect.
// Returns ErrNotFound if the minion doesn't exist.
func (s *SQLiteStore) MarkMinionOffline(ctx context.Context, tenantID, systemID string, at time.Time) error {
	query := `
		UPDATE minions
		SET status = ?, disconnected_at = ?, last_seen = ?
		WHERE tenant_id = ? AND system_id = ?
	`

	ts := formatTime(at)
	result, err := s.db.ExecContext(ctx, query, StatusOffline, ts, ts, tenantID, systemID)
	if err != nil {
		return fmt.Errorf("marking minion offline: %w", err)
	}
	return requireRow(result)
}

// TouchMinion updates last_seen.
// Returns ErrNotFound if the minion doesn't exist.
func (s *SQLiteStore) TouchMinion(ctx context.Context, tenantID, systemID string, at time.Time) error {
	query := `
		UPDATE minions
		SET last_seen = ?
		WHERE tenant_id = ? AND system_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(at), tenantID, systemID)
	if err != nil {
		return fmt.Errorf("touching minion: %w", err)
	}
	return requireRow(result)
}

// GetMinion retrieves one minion.
// Returns ErrNotFound if the minion doesn't exist.
func (s *SQLiteStore) GetMinion(ctx context.Context, tenantID, systemID string) (*Minion, error) {
	query := `
		SELECT tenant_id, system_id, location, status, connected_at, last_seen, disconnected_at
		FROM minions
		WHERE tenant_id = ? AND system_id = ?
	`

	m, err := scanMinion(s.db.QueryRowContext(ctx, query, tenantID, systemID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying minion: %w", err)
	}
	return m, nil
}

// ListMinions returns minions matching opts ordered by tenant then system id
func (s *SQLiteStore) ListMinions(ctx context.Context, opts ListMinionsOptions) ([]*Minion, error) {
	var where []string
	var args []any
	if opts.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	if opts.Location != "" {
		where = append(where, "location = ?")
		args = append(args, opts.Location)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}

	query := `
		SELECT tenant_id, system_id, location, status, connected_at, last_seen, disconnected_at
		FROM minions
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY tenant_id, system_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying minions: %w", err)
	}
	defer rows.Close()

	var minions []*Minion
	for rows.Next() {
		m, err := scanMinion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning minion: %w", err)
		}
		minions = append(minions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating minions: %w", err)
	}
	return minions, nil
}

// SaveSinkMessage stores a sink message.
// Returns ErrDuplicateMessage if the message id was already stored.
func (s *SQLiteStore) SaveSinkMessage(ctx context.Context, rec *SinkRecord) error {
	query := `
		INSERT INTO sink_messages (message_id, tenant_id, system_id, module_id, content, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.MessageID,
		rec.TenantID,
		rec.SystemID,
		rec.ModuleID,
		rec.Content,
		formatTime(rec.ReceivedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting sink message: %w", err)
	}
	return nil
}

// ListSinkMessages returns a minion's newest sink messages first
func (s *SQLiteStore) ListSinkMessages(ctx context.Context, tenantID, systemID string, limit int) ([]*SinkRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT message_id, tenant_id, system_id, module_id, content, received_at
		FROM sink_messages
		WHERE tenant_id = ? AND system_id = ?
		ORDER BY received_at DESC, message_id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, systemID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sink messages: %w", err)
	}
	defer rows.Close()

	var records []*SinkRecord
	for rows.Next() {
		var rec SinkRecord
		var receivedAt string
		if err := rows.Scan(&rec.MessageID, &rec.TenantID, &rec.SystemID, &rec.ModuleID, &rec.Content, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning sink message: %w", err)
		}
		if rec.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, fmt.Errorf("parsing received_at: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sink messages: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMinion(row rowScanner) (*Minion, error) {
	var m Minion
	var connectedAt, lastSeen string
	var disconnectedAt sql.NullString

	if err := row.Scan(&m.TenantID, &m.SystemID, &m.Location, &m.Status, &connectedAt, &lastSeen, &disconnectedAt); err != nil {
		return nil, err
	}

	var err error
	if m.ConnectedAt, err = parseTime(connectedAt); err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	if m.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if disconnectedAt.Valid {
		t, err := parseTime(disconnectedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing disconnected_at: %w", err)
		}
		m.DisconnectedAt = &t
	}
	return &m, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
