package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lareview/broker/internal/broker/domain"
)

func TestSQLiteStoreSaveAndFetchTasks(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	pr := domain.PullRequestContext{ID: "pr-1", Title: "Add widget", Repo: "acme/widgets", Author: "ada", Branch: "main", CreatedAt: "2026-07-31T00:00:00Z"}
	if err := s.SavePullRequest(ctx, pr); err != nil {
		t.Fatalf("SavePullRequest: %v", err)
	}

	tasks := []domain.ReviewTask{
		{ID: "T1", Title: "Review auth", Files: []string{"src/auth.go"}, Stats: domain.TaskStats{Additions: 10, Deletions: 2, Risk: domain.RiskHigh, Tags: []string{"security"}}, Diffs: []string{"@@ -1 +1 @@"}},
		{ID: "T2", Title: "Review tests", Files: []string{"src/auth_test.go"}, Stats: domain.TaskStats{Additions: 5, Deletions: 0, Risk: domain.RiskLow}},
	}
	if err := s.SaveTasks(ctx, pr.ID, tasks); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}

	got, err := s.TasksForPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatalf("TasksForPullRequest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].ID != "T1" || got[0].Stats.Risk != domain.RiskHigh {
		t.Fatalf("unexpected task[0]: %+v", got[0])
	}
	if len(got[0].Files) != 1 || got[0].Files[0] != "src/auth.go" {
		t.Fatalf("expected files round-tripped, got %+v", got[0].Files)
	}
}

func TestSQLiteStoreSaveTasksUpsert(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	pr := domain.PullRequestContext{ID: "pr-2", Title: "x", Repo: "r", Author: "a", Branch: "main", CreatedAt: "now"}
	if err := s.SavePullRequest(ctx, pr); err != nil {
		t.Fatalf("SavePullRequest: %v", err)
	}

	first := []domain.ReviewTask{{ID: "T1", Title: "first title", Stats: domain.TaskStats{Risk: domain.RiskLow}}}
	if err := s.SaveTasks(ctx, pr.ID, first); err != nil {
		t.Fatalf("SaveTasks first: %v", err)
	}

	second := []domain.ReviewTask{{ID: "T1", Title: "updated title", Stats: domain.TaskStats{Risk: domain.RiskHigh}}}
	if err := s.SaveTasks(ctx, pr.ID, second); err != nil {
		t.Fatalf("SaveTasks second: %v", err)
	}

	got, err := s.TasksForPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatalf("TasksForPullRequest: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(got))
	}
	if got[0].Title != "updated title" || got[0].Stats.Risk != domain.RiskHigh {
		t.Fatalf("expected upserted values, got %+v", got[0])
	}
}
