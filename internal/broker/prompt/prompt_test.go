package prompt

import (
	"strings"
	"testing"

	"github.com/lareview/broker/internal/broker/domain"
)

func samplePR() domain.PullRequestContext {
	return domain.PullRequestContext{
		ID:     "pr-1",
		Title:  "Add feature",
		Repo:   "example/repo",
		Author: "tester",
		Branch: "main",
	}
}

const sampleDiff = "diff --git a/src/a.rs b/src/a.rs\n--- a/src/a.rs\n+++ b/src/a.rs\n"

func TestRenderNoRepoAccess(t *testing.T) {
	got := Render(Input{PR: samplePR(), DiffText: sampleDiff, HasRepoAccess: false})

	if !strings.Contains(got, "You do NOT have repository access.") {
		t.Fatalf("missing no-access phrase:\n%s", got)
	}
	if strings.Contains(got, "READ-ONLY access") {
		t.Fatalf("unexpected read-only phrase in no-access prompt:\n%s", got)
	}
	if !strings.Contains(got, "Do NOT call any tools except `return_tasks`.") {
		t.Fatalf("missing tool restriction:\n%s", got)
	}
}

func TestRenderWithRepoAccess(t *testing.T) {
	got := Render(Input{
		PR:            samplePR(),
		DiffText:      sampleDiff,
		HasRepoAccess: true,
		RepoRoot:      "/tmp/repo-root",
	})

	if !strings.Contains(got, "You have READ-ONLY access") {
		t.Fatalf("missing read-only phrase:\n%s", got)
	}
	if !strings.Contains(got, "/tmp/repo-root") {
		t.Fatalf("missing repo root path:\n%s", got)
	}
	if !strings.Contains(got, "Allowed tools:") {
		t.Fatalf("missing allowed tools block:\n%s", got)
	}
	if strings.Contains(got, "You do NOT have repository access.") {
		t.Fatalf("unexpected no-access phrase in repo-access prompt:\n%s", got)
	}
}

func TestRenderIncludesDiff(t *testing.T) {
	got := Render(Input{PR: samplePR(), DiffText: sampleDiff, HasRepoAccess: false})
	if !strings.Contains(got, sampleDiff) {
		t.Fatalf("diff text not embedded verbatim:\n%s", got)
	}
}

func TestRenderIncludesChangeSummary(t *testing.T) {
	diff := "diff --git a/src/a.rs b/src/a.rs\n--- a/src/a.rs\n+++ b/src/a.rs\n@@ -1 +2 @@\n-old\n+new\n+new2\n"
	got := Render(Input{PR: samplePR(), DiffText: diff, HasRepoAccess: false})
	if !strings.Contains(got, "Changed files:") {
		t.Fatalf("missing change summary header:\n%s", got)
	}
	if !strings.Contains(got, "src/a.rs (+2/-1)") {
		t.Fatalf("missing per-file stat line:\n%s", got)
	}
}

func TestRenderOmitsChangeSummaryWhenDiffUnparsable(t *testing.T) {
	got := Render(Input{PR: samplePR(), DiffText: "not a diff", HasRepoAccess: false})
	if strings.Contains(got, "Changed files:") {
		t.Fatalf("unexpected change summary for unparsable diff:\n%s", got)
	}
}
