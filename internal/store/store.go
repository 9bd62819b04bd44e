// Package store persists sessions, execution requests, and their results
// in SQLite. The in-memory session registry remains authoritative for live
// kernels; this is the durable record behind it.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// isBusyLock reports whether err indicates an SQLite lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Session struct {
	ID           string    `json:"id"`
	Image        string    `json:"image"`
	ContainerID  string    `json:"container_id"`
	Dependencies []string  `json:"dependencies,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
}

type Request struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Result rows carry the translated execution outcome. Outputs, Error, and
// Files are stored as JSON so the store stays ignorant of their shape.
type Result struct {
	RequestID   string          `json:"request_id"`
	Status      string          `json:"status"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Files       json.RawMessage `json:"files,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	image        TEXT NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL,
	last_used    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used);

CREATE TABLE IF NOT EXISTS requests (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	code       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_session_id ON requests(session_id);

CREATE TABLE IF NOT EXISTS results (
	request_id   TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	outputs      TEXT NOT NULL DEFAULT '[]',
	error        TEXT,
	files        TEXT,
	completed_at DATETIME NOT NULL
);
`

// DefaultMaxOpenConns sizes the connection pool for concurrent reads.
// WAL mode allows multiple readers alongside the single writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and
// perf pragmas applied to every new connection; the driver applies DSN
// pragmas per-connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the pool size (0 = default).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(sess *Session) error {
	deps, err := json.Marshal(sess.Dependencies)
	if err != nil {
		return fmt.Errorf("encoding dependencies: %w", err)
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, image, container_id, dependencies, created_at, last_used)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Image, sess.ContainerID, string(deps),
			sess.CreatedAt.UTC(), sess.LastUsed.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, image, container_id, dependencies, created_at, last_used
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, image, container_id, dependencies, created_at, last_used
		 FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// TouchSession records activity so the idle reaper leaves the session alone.
func (s *Store) TouchSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET last_used = ? WHERE id = ?`, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return checkRowAffected(result)
}

// ListIdleSessions returns sessions whose last activity is before cutoff.
func (s *Store) ListIdleSessions(cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, image, container_id, dependencies, created_at, last_used
		 FROM sessions WHERE last_used < ?`, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) DeleteSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result)
}

func (s *Store) CreateRequest(req *Request) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO requests (id, session_id, code, status, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			req.ID, req.SessionID, req.Code, req.Status, req.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, code, status, created_at FROM requests WHERE id = ?`, id,
	)
	var req Request
	err := row.Scan(&req.ID, &req.SessionID, &req.Code, &req.Status, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning request: %w", err)
	}
	return &req, nil
}

func (s *Store) UpdateRequestStatus(id string, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE requests SET status = ? WHERE id = ?`, status, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating request status: %w", err)
	}
	return checkRowAffected(result)
}

// SaveResult upserts so a late rewrite (timeout followed by a straggling
// completion) cannot fail on the primary key.
func (s *Store) SaveResult(res *Result) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO results (request_id, status, outputs, error, files, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(request_id) DO UPDATE SET
			   status = excluded.status, outputs = excluded.outputs,
			   error = excluded.error, files = excluded.files,
			   completed_at = excluded.completed_at`,
			res.RequestID, res.Status, rawOrDefault(res.Outputs, "[]"),
			rawOrNull(res.Error), rawOrNull(res.Files), res.CompletedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("saving result: %w", err)
	}
	return nil
}

func (s *Store) GetResult(requestID string) (*Result, error) {
	row := s.db.QueryRow(
		`SELECT request_id, status, outputs, error, files, completed_at
		 FROM results WHERE request_id = ?`, requestID,
	)
	var res Result
	var outputs string
	var errJSON, files sql.NullString
	err := row.Scan(&res.RequestID, &res.Status, &outputs, &errJSON, &files, &res.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning result: %w", err)
	}
	res.Outputs = json.RawMessage(outputs)
	if errJSON.Valid {
		res.Error = json.RawMessage(errJSON.String)
	}
	if files.Valid {
		res.Files = json.RawMessage(files.String)
	}
	return &res, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var deps string
	err := row.Scan(&sess.ID, &sess.Image, &sess.ContainerID, &deps, &sess.CreatedAt, &sess.LastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &sess.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies: %w", err)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func rawOrDefault(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
