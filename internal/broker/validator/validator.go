// Package validator proves a candidate set of review tasks covers every
// changed file in the originating diff, and flags suspicious sub-diffs
// (C3 Task Validator).
package validator

import (
	"sort"
	"strings"

	brokererrors "github.com/lareview/broker/internal/broker/errors"
	"github.com/lareview/broker/internal/broker/diffstats"
	"github.com/lareview/broker/internal/broker/domain"
)

// Validate runs the four ordered rules of spec.md §4.3 against tasks and
// diffText. On success it returns non-fatal warnings (diffs that do not
// appear verbatim in the diff); on failure it returns a *errors.BrokerError
// of kind KindValidationFailed describing which rule fired.
func Validate(tasks []domain.ReviewTask, diffText string) ([]string, *brokererrors.BrokerError) {
	if len(tasks) < 2 || len(tasks) > 7 {
		return nil, brokererrors.New(brokererrors.KindValidationFailed, "return_tasks must provide 2-7 tasks").
			With("rule", "CountOutOfRange").
			With("count", len(tasks))
	}

	for _, task := range tasks {
		if _, ok := domain.ParseRiskLevel(string(task.Stats.Risk)); !ok {
			return nil, brokererrors.New(brokererrors.KindValidationFailed, "task has invalid or missing stats.risk").
				With("rule", "RiskInvalid").
				With("task_id", task.ID).
				With("risk", string(task.Stats.Risk))
		}
	}

	changedFiles := ExtractChangedFiles(diffText)
	mentioned := make(map[string]struct{})
	for _, task := range tasks {
		for _, f := range task.Files {
			mentioned[domain.NormalizeTaskPath(f)] = struct{}{}
		}
	}

	var missing []string
	for f := range changedFiles {
		if _, ok := mentioned[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		missingSet := make(map[string]struct{}, len(missing))
		for _, f := range missing {
			missingSet[f] = struct{}{}
		}
		var missingStats []domain.FileDiff
		for _, fd := range diffstats.ParseFileDiffs(diffText) {
			if _, ok := missingSet[domain.NormalizeTaskPath(fd.Path)]; ok {
				missingStats = append(missingStats, fd)
			}
		}
		return nil, brokererrors.New(brokererrors.KindValidationFailed, "tasks do not cover all changed files").
			With("rule", "IncompleteCoverage").
			With("missing_files", missing).
			With("missing_file_stats", missingStats)
	}

	diffNorm := strings.ReplaceAll(diffText, "\r\n", "\n")
	var warnings []string
	for _, task := range tasks {
		for _, d := range task.Diffs {
			if !strings.Contains(diffNorm, d) {
				warnings = append(warnings, "task "+task.ID+" includes a diff not found verbatim in the provided diff")
				break
			}
		}
	}

	return warnings, nil
}

// ExtractChangedFiles derives ChangedFilePathSet from a unified diff by
// scanning each `diff --git a/<A> b/<B>` header. For renames/modifications
// the b/ side is used; for deletions (b/ side is /dev/null) the a/ side is
// used instead.
func ExtractChangedFiles(diffText string) map[string]struct{} {
	files := make(map[string]struct{})

	for _, line := range strings.Split(diffText, "\n") {
		rest, ok := strings.CutPrefix(line, "diff --git ")
		if !ok {
			continue
		}

		fields := strings.Fields(rest)
		if len(fields) < 2 {
			continue
		}
		aPath, bPath := fields[0], fields[1]
		if bPath == "" {
			continue
		}

		bClean := domain.NormalizeTaskPath(bPath)
		if bClean == "dev/null" || bClean == "/dev/null" {
			aClean := domain.NormalizeTaskPath(aPath)
			if aClean != "" && aClean != "dev/null" && aClean != "/dev/null" {
				files[aClean] = struct{}{}
			}
		} else if bClean != "" {
			files[bClean] = struct{}{}
		}
	}

	return files
}
