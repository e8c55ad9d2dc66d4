package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

// Store represents the SQLite audit store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := Memory
	if path != Memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if path == Memory {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	if s.db == nil {
		return errors.New("store closed")
	}
	return s.db.Ping()
}

// StartSession records the start of a session. Starting a known session is
// a no-op.
func (s *Store) StartSession(id string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, started_at)
		VALUES (?, ?)`,
		id, startedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// EndSession records the end of a session.
func (s *Store) EndSession(id string, endedAt time.Time, terminated bool, reason string) error {
	result, err := s.db.Exec(`
		UPDATE sessions SET ended_at = ?, terminated = ?, reason = ?
		WHERE id = ? AND ended_at IS NULL`,
		endedAt.UnixNano(), terminated, reason, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session not found or already ended: %s", id)
	}
	return nil
}

// GetSession retrieves a session by ID. It returns nil when not found.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	var reason sql.NullString

	err := s.db.QueryRow(`
		SELECT id, started_at, ended_at, terminated, reason
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.StartedAtNs, &sess.EndedAtNs, &sess.Terminated, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.Reason = reason.String
	return &sess, nil
}

// ListSessions returns the most recent sessions, newest first. A limit of
// zero returns every session.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	query := `
		SELECT id, started_at, ended_at, terminated, reason
		FROM sessions
		ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var reason sql.NullString
		if err := rows.Scan(&sess.ID, &sess.StartedAtNs, &sess.EndedAtNs, &sess.Terminated, &reason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Reason = reason.String
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// InsertEvent inserts a new event and returns its ID.
func (s *Store) InsertEvent(e *Event) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO events (session_id, kind, timestamp_ns, category, grp, count, popup_count, strength, detail, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Kind, e.TimestampNs, e.Category, e.Group, e.Count, e.PopupCount, e.Strength, e.Detail, e.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// GetSessionEvents returns the audit trail of a session in order.
func (s *Store) GetSessionEvents(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, kind, timestamp_ns, category, grp, count, popup_count, strength, detail, reason
		FROM events
		WHERE session_id = ?
		ORDER BY timestamp_ns ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEventsByKind returns the number of events of each kind in a session.
func (s *Store) CountEventsByKind(sessionID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT kind, COUNT(*)
		FROM events
		WHERE session_id = ?
		GROUP BY kind`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[kind] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event counts: %w", err)
	}

	return counts, nil
}

// PruneBefore deletes ended sessions, and their events, that ended before
// cutoff. It returns the number of sessions removed.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM events WHERE session_id IN (
			SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
		)`, cutoff.UnixNano()); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}

// SaveConfigSnapshot stores the serialized configuration.
func (s *Store) SaveConfigSnapshot(version int, data, reason string) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO config_snapshots (version, created_at, config_data, reason)
		VALUES (?, ?, ?, ?)`,
		version, time.Now().UnixNano(), data, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("insert config snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// LatestConfigSnapshot returns the newest configuration snapshot, or nil.
func (s *Store) LatestConfigSnapshot() (*ConfigSnapshot, error) {
	var c ConfigSnapshot
	var reason sql.NullString

	err := s.db.QueryRow(`
		SELECT id, version, created_at, config_data, reason
		FROM config_snapshots
		ORDER BY id DESC
		LIMIT 1`,
	).Scan(&c.ID, &c.Version, &c.CreatedAt, &c.Data, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get config snapshot: %w", err)
	}

	c.Reason = reason.String
	return &c, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var category, group, detail, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.TimestampNs, &category, &group,
			&e.Count, &e.PopupCount, &e.Strength, &detail, &reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Category = category.String
		e.Group = group.String
		e.Detail = detail.String
		e.Reason = reason.String
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}
