package mcpserver

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lareview/broker/internal/broker/domain"
)

type rawStats struct {
	Additions int      `json:"additions"`
	Deletions int      `json:"deletions"`
	Risk      string   `json:"risk"`
	Tags      []string `json:"tags"`
}

type rawTask struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Stats       rawStats `json:"stats"`
	Diffs       []string `json:"diffs"`
	SubFlow     string   `json:"sub_flow"`
	Diagram     string   `json:"diagram"`
}

type tasksPayload struct {
	Tasks []rawTask `json:"tasks"`
}

// parseTasksPayload decodes the raw return_tasks tool arguments into
// domain.ReviewTask values, parsing risk with domain.ParseRiskLevel (case
// insensitive, MED as MEDIUM) as the Task Validator does. Unlike the
// validator, it does not reject an unknown or missing risk: such a task is
// stored with RiskLow.
func parseTasksPayload(raw map[string]any) ([]domain.ReviewTask, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode tool arguments: %w", err)
	}

	var payload tasksPayload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("decode tasks payload: %w", err)
	}

	tasks := make([]domain.ReviewTask, 0, len(payload.Tasks))
	for _, t := range payload.Tasks {
		risk, ok := domain.ParseRiskLevel(t.Stats.Risk)
		if !ok {
			risk = domain.RiskLow
		}
		tasks = append(tasks, domain.ReviewTask{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Files:       t.Files,
			Stats: domain.TaskStats{
				Additions: t.Stats.Additions,
				Deletions: t.Stats.Deletions,
				Risk:      risk,
				Tags:      t.Stats.Tags,
			},
			Diffs:   t.Diffs,
			SubFlow: t.SubFlow,
			Diagram: t.Diagram,
		})
	}
	return tasks, nil
}

// loadPullRequest loads a PullRequestContext from the --pr-context file, or
// returns a placeholder PR if path is empty or unreadable.
func loadPullRequest(path string) domain.PullRequestContext {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var pr domain.PullRequestContext
			if err := json.Unmarshal(data, &pr); err == nil {
				return pr
			}
		}
	}

	return domain.PullRequestContext{
		ID:        "local-pr",
		Title:     "Review",
		Repo:      "unknown/repo",
		Author:    "unknown",
		Branch:    "main",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}
