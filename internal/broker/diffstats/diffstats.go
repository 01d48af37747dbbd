// Package diffstats parses a unified diff into per-file hunks with addition
// and deletion counts. It backs the Task Validator's coverage reporting and
// the Prompt Builder's optional stat enrichment (SPEC_FULL.md §12); it is not
// involved in deriving ChangedFilePathSet, which remains governed strictly by
// the `diff --git` header scan in internal/broker/validator.
package diffstats

import (
	"strings"

	"github.com/lareview/broker/internal/broker/domain"
)

// ParseFileDiffs splits a unified diff into one domain.FileDiff per
// `diff --git` section, counting added/removed lines in each hunk.
func ParseFileDiffs(diffText string) []domain.FileDiff {
	lines := strings.Split(diffText, "\n")
	var results []domain.FileDiff
	var current *domain.FileDiff
	var buffer []string

	finalize := func() {
		if current == nil {
			return
		}
		current.Patch = strings.Join(buffer, "\n")
		results = append(results, *current)
		current = nil
		buffer = nil
	}

	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, "diff --git "); ok {
			finalize()

			fields := strings.Fields(rest)
			path := "unknown"
			if len(fields) > 0 {
				path = strings.TrimPrefix(fields[len(fields)-1], "b/")
			}
			current = &domain.FileDiff{Path: path}
			buffer = append(buffer, line)
			continue
		}

		if current == nil {
			continue
		}

		buffer = append(buffer, line)

		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		if strings.HasPrefix(line, "+") {
			current.Additions++
		} else if strings.HasPrefix(line, "-") {
			current.Deletions++
		}
	}
	finalize()

	return results
}
