package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/flock/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes the recorder, the CLI and the HTTP handlers.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

// CreateSession inserts a session row. Recording the same session twice
// refreshes its descriptive columns and keeps its state.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *models.SessionRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = models.StateIdle
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, branch, worktree_path, state, pull_request_url, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			branch = excluded.branch,
			worktree_path = excluded.worktree_path,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Title, rec.Branch, rec.WorktreePath, string(rec.State),
		rec.PullRequestURL, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, title, branch, worktree_path, state, pull_request_url, last_error, created_at, updated_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionRecord, error) {
	rec := &models.SessionRecord{}
	var state string
	var endedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Title, &rec.Branch, &rec.WorktreePath, &state,
		&rec.PullRequestURL, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	rec.State = models.AgentState(state)
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return rec, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	rec, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 means all.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateSessionState records a transition. Entering a terminal state sets
// ended_at once.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id string, state models.AgentState) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ended any
	if state.IsTerminal() {
		ended = now
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?`,
		string(state), now, ended, id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_changes (id, session_id, state, created_at) VALUES (?, ?, ?, ?)`,
		newULID(), id, string(state), now); err != nil {
		return fmt.Errorf("record state change: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetPullRequestURL(ctx context.Context, id, url string) error {
	return s.setColumn(ctx, id, "pull_request_url", url)
}

func (s *SQLiteStore) SetLastError(ctx context.Context, id, msg string) error {
	return s.setColumn(ctx, id, "last_error", msg)
}

// setColumn only accepts column names from this file.
func (s *SQLiteStore) setColumn(ctx context.Context, id, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReconcileSessions marks sessions left in a non-terminal state by a
// previous process as stopped. Their sandboxes died with that process.
func (s *SQLiteStore) ReconcileSessions(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ?, ended_at = ?,
			last_error = CASE WHEN last_error = '' THEN 'orphaned by restart' ELSE last_error END
		WHERE state NOT IN (?, ?)`,
		string(models.StateStopped), now, now,
		string(models.StateStopped), string(models.StateCompleted))
	if err != nil {
		return 0, fmt.Errorf("reconcile sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Transcript ---

// AppendMessage journals msg at the end of the session transcript. A
// message already recorded under the same id is ignored.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = newULID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	calls, err := json.Marshal(nonNil(msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	results, err := json.Marshal(nonNil(msg.ToolResults))
	if err != nil {
		return fmt.Errorf("encode tool results: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, session_id, seq, role, content, tool_calls, tool_results, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, sessionID, string(msg.Role), msg.Content,
		string(calls), string(results), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tool_calls, tool_results, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role, calls, results string
		if err := rows.Scan(&m.ID, &role, &m.Content, &calls, &results, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(results), &m.ToolResults); err != nil {
			return nil, fmt.Errorf("decode tool results of %s: %w", m.ID, err)
		}
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		}
		if len(m.ToolResults) == 0 {
			m.ToolResults = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListStateChanges(ctx context.Context, sessionID string) ([]StateChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, created_at FROM state_changes WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list state changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StateChange
	for rows.Next() {
		var c StateChange
		var state string
		if err := rows.Scan(&state, &c.At); err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		c.State = models.AgentState(state)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Automation ---

func (s *SQLiteStore) RecordAutomation(ctx context.Context, res models.AutomationResult) error {
	errs, err := json.Marshal(nonNil(res.Errors))
	if err != nil {
		return fmt.Errorf("encode automation errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_results (id, session_id, skipped, lint_applied, commit_sha, pushed, pull_request_url, pull_request_created, pull_request_updated, errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newULID(), res.SessionID, boolToInt(res.Skipped), boolToInt(res.LintApplied),
		res.CommitSHA, boolToInt(res.Pushed), res.PullRequestURL,
		boolToInt(res.PullRequestCreated), boolToInt(res.PullRequestUpdated),
		string(errs), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record automation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAutomation(ctx context.Context, sessionID string) ([]models.AutomationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT skipped, lint_applied, commit_sha, pushed, pull_request_url, pull_request_created, pull_request_updated, errors
		FROM automation_results WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list automation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.AutomationResult
	for rows.Next() {
		r := models.AutomationResult{SessionID: sessionID}
		var errs string
		if err := rows.Scan(&r.Skipped, &r.LintApplied, &r.CommitSHA, &r.Pushed,
			&r.PullRequestURL, &r.PullRequestCreated, &r.PullRequestUpdated, &errs); err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
			return nil, fmt.Errorf("decode automation errors: %w", err)
		}
		if len(r.Errors) == 0 {
			r.Errors = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
