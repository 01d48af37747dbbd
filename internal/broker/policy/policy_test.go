package policy

import "testing"

func allowOptions() []Option {
	return []Option{
		{ID: "allow", Kind: OptionKindAllowOnce},
		{ID: "reject", Kind: "reject_once"},
	}
}

func TestDecideAllowsReturnTasksWithoutRepoAccess(t *testing.T) {
	d := Decide(Request{
		ToolKind:  ToolKindOther,
		ToolTitle: "return_tasks",
		Options:   allowOptions(),
	})
	if !d.Selected || d.OptionID != "allow" {
		t.Fatalf("expected return_tasks to be allowed, got %+v", d)
	}
}

func TestDecideCancelledReadWithoutRepoAccess(t *testing.T) {
	d := Decide(Request{
		ToolKind:  ToolKindRead,
		ToolTitle: "fs/read_text_file",
		RawInput:  map[string]any{"path": "src/a.rs"},
		Options:   allowOptions(),
	})
	if !d.Cancelled {
		t.Fatalf("expected cancelled without repo access, got %+v", d)
	}
}

func TestDecideAllowsSafeReadUnderRepoRoot(t *testing.T) {
	root := t.TempDir()
	d := Decide(Request{
		ToolKind:      ToolKindRead,
		ToolTitle:     "fs/read_text_file",
		RawInput:      map[string]any{"path": "src/a.rs"},
		HasRepoAccess: true,
		RepoRoot:      root,
		Options:       allowOptions(),
	})
	if !d.Selected {
		t.Fatalf("expected safe read to be allowed, got %+v", d)
	}
}

func TestDecideDeniesReadOutsideRepoRoot(t *testing.T) {
	root := t.TempDir()
	d := Decide(Request{
		ToolKind:      ToolKindRead,
		ToolTitle:     "fs/read_text_file",
		RawInput:      map[string]any{"path": "../outside.rs"},
		HasRepoAccess: true,
		RepoRoot:      root,
		Options:       allowOptions(),
	})
	if !d.Cancelled {
		t.Fatalf("expected read outside root to be cancelled, got %+v", d)
	}
}

func TestDecideAlwaysDeniesExecuteEvenWithRepoAccess(t *testing.T) {
	root := t.TempDir()
	d := Decide(Request{
		ToolKind:      ToolKindExecute,
		ToolTitle:     "terminal/exec",
		RawInput:      map[string]any{"command": "echo hi"},
		HasRepoAccess: true,
		RepoRoot:      root,
		Options:       allowOptions(),
	})
	if !d.Cancelled {
		t.Fatalf("expected execute to always be cancelled, got %+v", d)
	}
}

func TestDecideNoAllowOptionCancels(t *testing.T) {
	root := t.TempDir()
	d := Decide(Request{
		ToolKind:      ToolKindRead,
		ToolTitle:     "fs/read_text_file",
		RawInput:      map[string]any{"path": "a.rs"},
		HasRepoAccess: true,
		RepoRoot:      root,
		Options:       []Option{{ID: "reject", Kind: "reject_once"}},
	})
	if !d.Cancelled {
		t.Fatalf("expected cancelled when no allow option offered, got %+v", d)
	}
}
