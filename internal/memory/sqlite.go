package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens a database file with the named driver: "sqlite3"
// (mattn, cgo) or "sqlite" (modernc, pure Go). Both are opened in WAL
// mode with a busy timeout.
func OpenSQLite(driver, path string) (*sql.DB, error) {
	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// SQLiteBackend persists sessions in SQLite. Each Save rewrites the
// session's messages inside one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the schema on db if needed.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		last_updated TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		timestamp    TIMESTAMP NOT NULL,
		tool_calls   TEXT,
		tool_results TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`)
	return err
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Load reads the session's messages in order. An unknown session yields
// an empty memory and no error.
func (b *SQLiteBackend) Load(ctx context.Context, session string) (AgentMemory, error) {
	var mem AgentMemory
	err := b.db.QueryRowContext(ctx,
		`SELECT last_updated FROM sessions WHERE id = ?`, session,
	).Scan(&mem.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return mem, nil
	}
	if err != nil {
		return mem, fmt.Errorf("load session: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, tool_calls, tool_results
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, session)
	if err != nil {
		return mem, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m              Message
			role           string
			calls, results sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Timestamp, &calls, &results); err != nil {
			return AgentMemory{}, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if !m.Role.Valid() {
			return AgentMemory{}, fmt.Errorf("message %s: unknown role %q", m.ID, role)
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return AgentMemory{}, fmt.Errorf("message %s: decode tool calls: %w", m.ID, err)
			}
		}
		if results.Valid {
			if err := json.Unmarshal([]byte(results.String), &m.ToolResults); err != nil {
				return AgentMemory{}, fmt.Errorf("message %s: decode tool results: %w", m.ID, err)
			}
		}
		mem.Messages = append(mem.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return AgentMemory{}, fmt.Errorf("iterate messages: %w", err)
	}
	return mem, nil
}

// Save replaces the session's stored messages with mem.
func (b *SQLiteBackend) Save(ctx context.Context, session string, mem AgentMemory) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	updated := mem.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, last_updated) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET last_updated = excluded.last_updated
	`, session, updated); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, session); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, timestamp, tool_calls, tool_results)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range mem.Messages {
		calls, cerr := nullJSON(m.ToolCalls, len(m.ToolCalls) > 0)
		if cerr != nil {
			return fmt.Errorf("message %s: encode tool calls: %w", m.ID, cerr)
		}
		results, rerr := nullJSON(m.ToolResults, len(m.ToolResults) > 0)
		if rerr != nil {
			return fmt.Errorf("message %s: encode tool results: %w", m.ID, rerr)
		}
		if _, err = stmt.ExecContext(ctx, m.ID, session, i, string(m.Role), m.Content, m.Timestamp, calls, results); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
