package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lareview/broker/internal/broker/domain"
	"github.com/lareview/broker/internal/common/database"
)

// PgxStore is the production TaskStore, backed by the shared pgxpool.Pool
// connection the rest of the service uses.
type PgxStore struct {
	db *database.DB
}

var _ TaskStore = (*PgxStore)(nil)

func NewPgxStore(db *database.DB) *PgxStore {
	return &PgxStore{db: db}
}

func (s *PgxStore) SavePullRequest(ctx context.Context, pr domain.PullRequestContext) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pull_requests (id, title, description, repo, author, branch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			repo = EXCLUDED.repo,
			author = EXCLUDED.author,
			branch = EXCLUDED.branch,
			created_at = EXCLUDED.created_at
	`, pr.ID, pr.Title, pr.Description, pr.Repo, pr.Author, pr.Branch, pr.CreatedAt)
	return err
}

func (s *PgxStore) SaveTasks(ctx context.Context, prID string, tasks []domain.ReviewTask) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
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

			_, err = tx.Exec(ctx, `
				INSERT INTO review_tasks (id, pr_id, title, description, files, stats, diffs, sub_flow, diagram)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (pr_id, id) DO UPDATE SET
					title = EXCLUDED.title,
					description = EXCLUDED.description,
					files = EXCLUDED.files,
					stats = EXCLUDED.stats,
					diffs = EXCLUDED.diffs,
					sub_flow = EXCLUDED.sub_flow,
					diagram = EXCLUDED.diagram
			`, task.ID, prID, task.Title, task.Description, filesJSON, statsJSON, diffsJSON, task.SubFlow, task.Diagram)
			if err != nil {
				return fmt.Errorf("save task %s: %w", task.ID, err)
			}
		}
		return nil
	})
}

func (s *PgxStore) TasksForPullRequest(ctx context.Context, prID string) ([]domain.ReviewTask, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, description, files, stats, diffs, sub_flow, diagram
		FROM review_tasks WHERE pr_id = $1 ORDER BY id
	`, prID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ReviewTask
	for rows.Next() {
		var (
			id, title, description, subFlow, diagram string
			filesJSON, statsJSON, diffsJSON           []byte
		)
		if err := rows.Scan(&id, &title, &description, &filesJSON, &statsJSON, &diffsJSON, &subFlow, &diagram); err != nil {
			return nil, err
		}

		task := domain.ReviewTask{
			ID:          id,
			PRID:        prID,
			Title:       title,
			Description: description,
			SubFlow:     subFlow,
			Diagram:     diagram,
		}
		_ = json.Unmarshal(filesJSON, &task.Files)
		_ = json.Unmarshal(statsJSON, &task.Stats)
		_ = json.Unmarshal(diffsJSON, &task.Diffs)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
