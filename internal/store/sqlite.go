package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/throw-if-null/argon/internal/api"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists each task as one JSON document keyed by task_id.
// status and timestamps are denormalised into columns for recovery queries.
type SQLiteStore struct {
	db *sql.DB
}

func New(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Open creates the parent directory, opens the database and runs
// migrations.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare db dir: %w", err)
	}
	// busy_timeout is per connection, so it rides on the DSN.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		log.Printf("store: WAL unavailable, using default journal: %v", err)
	}
	s := New(db)
	if err := s.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Init runs migrations using PRAGMA user_version.
func (s *SQLiteStore) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  body TEXT NOT NULL
);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS tasks_status ON tasks(status)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Create(t *api.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.TaskID, err)
	}
	err = retryBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO tasks (task_id, status, created_at, updated_at, body) VALUES (?, ?, ?, ?, ?)`,
			t.TaskID, string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt), string(body),
		)
		return err
	})
	if isUniqueConstraintError(err) {
		return fmt.Errorf("create %s: %w", t.TaskID, ErrExists)
	}
	return err
}

func (s *SQLiteStore) Update(t *api.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.TaskID, err)
	}
	var n int64
	err = retryBusy(func() error {
		res, err := s.db.Exec(
			`UPDATE tasks SET status = ?, updated_at = ?, body = ? WHERE task_id = ?`,
			string(t.Status), formatTime(t.UpdatedAt), string(body), t.TaskID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", t.TaskID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*api.Task, error) {
	var body string
	if err := s.db.QueryRow(`SELECT body FROM tasks WHERE task_id = ?`, id).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTask(body)
}

// List returns tasks in insertion order. With limit > 0 only the newest
// limit tasks are returned, still oldest first.
func (s *SQLiteStore) List(limit int) ([]*api.Task, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(`SELECT body FROM (SELECT seq, body FROM tasks ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	} else {
		rows, err = s.db.Query(`SELECT body FROM tasks ORDER BY seq ASC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*api.Task{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := decodeTask(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReconcileInterrupted fails every task persisted in a non-terminal state.
// It runs once at startup, before any worker exists, and returns the ids it
// touched. Running it twice is a no-op the second time.
func (s *SQLiteStore) ReconcileInterrupted() ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT body FROM tasks WHERE status NOT IN (?, ?, ?) ORDER BY seq ASC`,
		string(api.StatusCompleted), string(api.StatusFailed), string(api.StatusCancelled))
	if err != nil {
		return nil, err
	}
	var live []*api.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			rows.Close()
			return nil, err
		}
		t, err := decodeTask(body)
		if err != nil {
			rows.Close()
			return nil, err
		}
		live = append(live, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(live))
	for _, t := range live {
		markInterrupted(t, now, InterruptedDetail)
		body, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ?, body = ? WHERE task_id = ?`,
			string(t.Status), formatTime(t.UpdatedAt), string(body), t.TaskID); err != nil {
			return nil, err
		}
		ids = append(ids, t.TaskID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) String() string { return "sqlite" }

func decodeTask(body string) (*api.Task, error) {
	var t api.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
