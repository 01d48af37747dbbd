// Package store defines the storage contract the MCP Tool Server (C4)
// depends on to persist a pull request and its review tasks, plus the two concrete collaborators behind it: a Postgres-backed
// implementation for production and a SQLite-backed one for standalone/CLI
// use, matching spec.md §1's note that the SQL schema and CRUD repositories
// live below this thin contract and are not reimplemented beyond it.
package store

import (
	"context"

	"github.com/lareview/broker/internal/broker/domain"
)

// TaskStore persists a pull request and the review tasks produced for it.
// SaveTasks upserts by (pr_id, task.ID) so a re-run of return_tasks for the
// same PR overwrites rather than duplicates.
type TaskStore interface {
	SavePullRequest(ctx context.Context, pr domain.PullRequestContext) error
	SaveTasks(ctx context.Context, prID string, tasks []domain.ReviewTask) error
	TasksForPullRequest(ctx context.Context, prID string) ([]domain.ReviewTask, error)
}
