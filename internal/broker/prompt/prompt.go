// Package prompt renders the agent-facing instruction text for a review run
// (C1 Prompt Builder). Rendering is a pure function with no I/O, matching the
// string-building convention of internal/sysprompt — no templating engine.
package prompt

import (
	"fmt"
	"strings"

	"github.com/lareview/broker/internal/broker/diffstats"
	"github.com/lareview/broker/internal/broker/domain"
)

// Input carries everything the prompt needs to render.
type Input struct {
	PR            domain.PullRequestContext
	DiffText      string
	HasRepoAccess bool
	RepoRoot      string
}

// returnTasksSchema is a condensed example of the MCP tool's input shape,
// listing every field with its type without importing the mcpserver package.
// It is not the tool's full JSON schema (no descriptions or required lists).
const returnTasksSchema = `{
  "tasks": [{
    "id": "string",
    "title": "string",
    "description": "string",
    "files": ["string"],
    "stats": {"additions": "number", "deletions": "number", "risk": "LOW|MEDIUM|HIGH", "tags": ["string"]},
    "diffs": ["string"],
    "sub_flow": "string (optional)",
    "diagram": "string (optional)"
  }]
}`

// Render builds the deterministic instruction string sent as the ACP prompt.
func Render(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are reviewing pull request #%s: %s\n", in.PR.ID, in.PR.Title)
	fmt.Fprintf(&b, "Repository: %s\n", in.PR.Repo)
	fmt.Fprintf(&b, "Author: %s\n", in.PR.Author)
	fmt.Fprintf(&b, "Branch: %s\n", in.PR.Branch)
	if in.PR.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.PR.Description)
	}
	b.WriteString("\n")

	if in.HasRepoAccess {
		fmt.Fprintf(&b, "You have READ-ONLY access to the repository checked out at %s.\n", in.RepoRoot)
		b.WriteString("You may read files under that path for additional context, but you may not write files or run commands.\n")
		b.WriteString("Allowed tools: filesystem reads (fs/read_text_file) and `return_tasks`.\n")
	} else {
		b.WriteString("You do NOT have repository access. You can only see the diff below.\n")
		b.WriteString("Do NOT call any tools except `return_tasks`.\n")
	}
	b.WriteString("\n")

	b.WriteString("Analyze the diff below and break it into 2-7 logical review tasks, each\n")
	b.WriteString("covering one sub-flow or concern. Every changed file must be listed under\n")
	b.WriteString("at least one task's `files` array — 100% diff coverage is required.\n\n")

	if summary := renderChangeSummary(in.DiffText); summary != "" {
		b.WriteString("Changed files:\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}

	b.WriteString("When you are done, call the `return_tasks` tool exactly once with a JSON\n")
	b.WriteString("payload matching this shape:\n")
	b.WriteString(returnTasksSchema)
	b.WriteString("\n\n")

	b.WriteString("<diff>\n")
	b.WriteString(in.DiffText)
	b.WriteString("\n</diff>\n")

	return b.String()
}

// renderChangeSummary lists each changed file with its +/- line counts, so
// the agent can weigh which sub-flows are largest before it starts reading.
// A file with zero of both counts (pure rename, mode change) is still
// listed, since it still needs a task.
func renderChangeSummary(diffText string) string {
	files := diffstats.ParseFileDiffs(diffText)
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "  %s (+%d/-%d)\n", f.Path, f.Additions, f.Deletions)
	}
	return b.String()
}
