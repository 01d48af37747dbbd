package validator

import (
	"testing"

	brokererrors "github.com/lareview/broker/internal/broker/errors"
	"github.com/lareview/broker/internal/broker/domain"
)

const diffOneFile = "diff --git a/src/a.rs b/src/a.rs\n--- a/src/a.rs\n+++ b/src/a.rs\n@@ -1 +1 @@\n-old\n+new\n"

func task(id string, files []string, risk domain.RiskLevel) domain.ReviewTask {
	return domain.ReviewTask{
		ID:    id,
		Title: id,
		Files: files,
		Stats: domain.TaskStats{Risk: risk},
	}
}

func TestValidateHappyPath(t *testing.T) {
	tasks := []domain.ReviewTask{
		task("T1", []string{"src/a.rs"}, domain.RiskLow),
		task("T2", []string{"src/a.rs"}, domain.RiskMedium),
	}
	warnings, err := Validate(tasks, diffOneFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
}

func TestValidateCountOutOfRange(t *testing.T) {
	tasks := []domain.ReviewTask{task("T1", []string{"src/a.rs"}, domain.RiskLow)}
	_, err := Validate(tasks, diffOneFile)
	if err == nil || err.Kind != brokererrors.KindValidationFailed || err.Context["rule"] != "CountOutOfRange" {
		t.Fatalf("expected CountOutOfRange, got %v", err)
	}
}

func TestValidateRiskInvalid(t *testing.T) {
	tasks := []domain.ReviewTask{
		task("T1", []string{"src/a.rs"}, "LOW"),
		task("T2", []string{"src/a.rs"}, "NOPE"),
	}
	_, err := Validate(tasks, diffOneFile)
	if err == nil || err.Context["rule"] != "RiskInvalid" {
		t.Fatalf("expected RiskInvalid, got %v", err)
	}
}

func TestValidateMedAliasAccepted(t *testing.T) {
	tasks := []domain.ReviewTask{
		task("T1", []string{"src/a.rs"}, "MED"),
		task("T2", []string{"src/a.rs"}, domain.RiskHigh),
	}
	if _, err := Validate(tasks, diffOneFile); err != nil {
		t.Fatalf("expected MED to be accepted as MEDIUM alias, got %v", err)
	}
}

func TestValidateIncompleteCoverage(t *testing.T) {
	tasks := []domain.ReviewTask{
		task("T1", nil, domain.RiskLow),
		task("T2", nil, domain.RiskMedium),
	}
	_, err := Validate(tasks, diffOneFile)
	if err == nil || err.Context["rule"] != "IncompleteCoverage" {
		t.Fatalf("expected IncompleteCoverage, got %v", err)
	}
	missing, _ := err.Context["missing_files"].([]string)
	if len(missing) != 1 || missing[0] != "src/a.rs" {
		t.Fatalf("expected missing src/a.rs, got %v", missing)
	}
}

func TestValidateWarnsOnUnmatchedDiff(t *testing.T) {
	tasks := []domain.ReviewTask{
		task("T1", []string{"src/a.rs"}, domain.RiskLow),
		{ID: "T2", Title: "T2", Files: []string{"src/a.rs"}, Stats: domain.TaskStats{Risk: domain.RiskLow},
			Diffs: []string{"this substring is not in the diff"}},
	}
	warnings, err := Validate(tasks, diffOneFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warnings)
	}
}

func TestValidateCRLFNormalizedDiffMatches(t *testing.T) {
	diffCRLF := "diff --git a/src/a.rs b/src/a.rs\r\n--- a/src/a.rs\r\n+++ b/src/a.rs\r\n@@ -1 +1 @@\r\n-old\r\n+new\r\n"
	tasks := []domain.ReviewTask{
		task("T1", []string{"src/a.rs"}, domain.RiskLow),
		{ID: "T2", Title: "T2", Files: []string{"src/a.rs"}, Stats: domain.TaskStats{Risk: domain.RiskLow},
			Diffs: []string{"-old\n+new"}},
	}
	warnings, err := Validate(tasks, diffCRLF)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected CRLF-normalized diff to match, got warnings %v", warnings)
	}
}

func TestExtractChangedFilesHandlesDeletion(t *testing.T) {
	diff := "diff --git a/src/gone.rs b/dev/null\n--- a/src/gone.rs\n+++ /dev/null\n"
	files := ExtractChangedFiles(diff)
	if _, ok := files["src/gone.rs"]; !ok {
		t.Fatalf("expected deleted file a-side to be tracked, got %v", files)
	}
}

func TestExtractChangedFilesNormalizesPrefixes(t *testing.T) {
	diff := "diff --git a/./src/a.rs b/./src/a.rs\n"
	files := ExtractChangedFiles(diff)
	if _, ok := files["src/a.rs"]; !ok {
		t.Fatalf("expected normalized path, got %v", files)
	}
}
