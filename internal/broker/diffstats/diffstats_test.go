package diffstats

import "testing"

func TestParseFileDiffsCountsAdditionsAndDeletions(t *testing.T) {
	diff := "diff --git a/src/a.rs b/src/a.rs\n--- a/src/a.rs\n+++ b/src/a.rs\n@@ -1,2 +1,2 @@\n-old1\n-old2\n+new1\n+new2\n+new3\n"
	got := ParseFileDiffs(diff)
	if len(got) != 1 {
		t.Fatalf("expected 1 file, got %d: %v", len(got), got)
	}
	if got[0].Path != "src/a.rs" {
		t.Fatalf("expected path src/a.rs, got %q", got[0].Path)
	}
	if got[0].Additions != 3 || got[0].Deletions != 2 {
		t.Fatalf("expected +3/-2, got +%d/-%d", got[0].Additions, got[0].Deletions)
	}
}

func TestParseFileDiffsMultipleFiles(t *testing.T) {
	diff := "diff --git a/a.rs b/a.rs\n--- a/a.rs\n+++ b/a.rs\n+one\n" +
		"diff --git a/b.rs b/b.rs\n--- a/b.rs\n+++ b/b.rs\n-two\n"
	got := ParseFileDiffs(diff)
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(got), got)
	}
	if got[0].Path != "a.rs" || got[0].Additions != 1 {
		t.Fatalf("unexpected first file: %+v", got[0])
	}
	if got[1].Path != "b.rs" || got[1].Deletions != 1 {
		t.Fatalf("unexpected second file: %+v", got[1])
	}
}

func TestParseFileDiffsIgnoresHeaderLines(t *testing.T) {
	diff := "diff --git a/a.rs b/a.rs\n--- a/a.rs\n+++ b/a.rs\n@@ -1 +1 @@\n-old\n+new\n"
	got := ParseFileDiffs(diff)
	if len(got) != 1 || got[0].Additions != 1 || got[0].Deletions != 1 {
		t.Fatalf("expected +1/-1 ignoring --- and +++ headers, got %+v", got)
	}
}

func TestParseFileDiffsEmptyInput(t *testing.T) {
	if got := ParseFileDiffs(""); len(got) != 0 {
		t.Fatalf("expected no files for empty diff, got %v", got)
	}
}

func TestParseFileDiffsHandlesRenameWithoutHunks(t *testing.T) {
	diff := "diff --git a/old.rs b/new.rs\nsimilarity index 100%\nrename from old.rs\nrename to new.rs\n"
	got := ParseFileDiffs(diff)
	if len(got) != 1 {
		t.Fatalf("expected 1 file, got %d: %v", len(got), got)
	}
	if got[0].Additions != 0 || got[0].Deletions != 0 {
		t.Fatalf("expected no +/- lines for a pure rename, got %+v", got[0])
	}
}
