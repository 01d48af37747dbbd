package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lareview/broker/internal/broker/domain"
)

// SQLiteStore is the standalone/CLI-mode TaskStore backing cmd/mcp-tool-server
// when no Postgres DSN is configured (spec.md §6's `--db-path` flag). It uses
// sqlx for named-parameter upserts rather than raw database/sql placeholders.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ TaskStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) a SQLite database at dbPath
// and ensures the pull_requests/review_tasks tables exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	path := normalizePath(dbPath)
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pull_requests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	repo TEXT NOT NULL,
	author TEXT NOT NULL,
	branch TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS review_tasks (
	id TEXT NOT NULL,
	pr_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	files TEXT NOT NULL DEFAULT '[]',
	stats TEXT NOT NULL DEFAULT '{}',
	diffs TEXT NOT NULL DEFAULT '[]',
	sub_flow TEXT,
	diagram TEXT,
	PRIMARY KEY (pr_id, id),
	FOREIGN KEY (pr_id) REFERENCES pull_requests(id) ON DELETE CASCADE
);
`

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func (s *SQLiteStore) SavePullRequest(ctx context.Context, pr domain.PullRequestContext) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pull_requests (id, title, description, repo, author, branch, created_at)
		VALUES (:id, :title, :description, :repo, :author, :branch, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			repo = excluded.repo,
			author = excluded.author,
			branch = excluded.branch,
			created_at = excluded.created_at
	`, map[string]any{
		"id":          pr.ID,
		"title":       pr.Title,
		"description": pr.Description,
		"repo":        pr.Repo,
		"author":      pr.Author,
		"branch":      pr.Branch,
		"created_at":  pr.CreatedAt,
	})
	return err
}

func (s *SQLiteStore) SaveTasks(ctx context.Context, prID string, tasks []domain.ReviewTask) error {
	for _, task := range tasks {
		filesJSON, err := json.Marshal(task.Files)
		if err != nil {
			return fmt.Errorf("marshal files for task %s: %w", task.ID, err)
		}
		statsJSON, err := json.Marshal(task.Stats)
		if err != nil {
			return fmt.Errorf("marshal stats for task %s: %w", task.ID, err)
		}
		diffsJSON, err := json.Marshal(task.Diffs)
		if err != nil {
			return fmt.Errorf("marshal diffs for task %s: %w", task.ID, err)
		}

		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO review_tasks (id, pr_id, title, description, files, stats, diffs, sub_flow, diagram)
			VALUES (:id, :pr_id, :title, :description, :files, :stats, :diffs, :sub_flow, :diagram)
			ON CONFLICT(pr_id, id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				files = excluded.files,
				stats = excluded.stats,
				diffs = excluded.diffs,
				sub_flow = excluded.sub_flow,
				diagram = excluded.diagram
		`, map[string]any{
			"id":          task.ID,
			"pr_id":       prID,
			"title":       task.Title,
			"description": task.Description,
			"files":       string(filesJSON),
			"stats":       string(statsJSON),
			"diffs":       string(diffsJSON),
			"sub_flow":    task.SubFlow,
			"diagram":     task.Diagram,
		})
		if err != nil {
			return fmt.Errorf("save task %s: %w", task.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) TasksForPullRequest(ctx context.Context, prID string) ([]domain.ReviewTask, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, title, description, files, stats, diffs, sub_flow, diagram
		FROM review_tasks WHERE pr_id = ? ORDER BY id
	`, prID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ReviewTask
	for rows.Next() {
		var (
			row struct {
				ID          string `db:"id"`
				Title       string `db:"title"`
				Description string `db:"description"`
				Files       string `db:"files"`
				Stats       string `db:"stats"`
				Diffs       string `db:"diffs"`
				SubFlow     string `db:"sub_flow"`
				Diagram     string `db:"diagram"`
			}
		)
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}

		task := domain.ReviewTask{
			ID:          row.ID,
			PRID:        prID,
			Title:       row.Title,
			Description: row.Description,
			SubFlow:     row.SubFlow,
			Diagram:     row.Diagram,
		}
		_ = json.Unmarshal([]byte(row.Files), &task.Files)
		_ = json.Unmarshal([]byte(row.Stats), &task.Stats)
		_ = json.Unmarshal([]byte(row.Diffs), &task.Diffs)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
