package session

import (
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lareview/broker/internal/common/logger"
)

func newTestSession() *Session {
	return New(Config{HasRepoAccess: true, RepoRoot: "/tmp/root", ClientName: "test", ClientVersion: "0.0.0"}, nil, logger.Default())
}

func TestChunkID_PrefersMessageID(t *testing.T) {
	assert.Equal(t, "abc", chunkID(map[string]any{"message_id": "abc"}))
	assert.Equal(t, "abc", chunkID(map[string]any{"messageId": "abc"}))
	assert.Equal(t, "abc", chunkID(map[string]any{"id": "abc"}))
	assert.Equal(t, "", chunkID(nil))
	assert.Equal(t, "", chunkID(map[string]any{"other": "abc"}))
}

func TestAppendChunk_GroupsBySameID(t *testing.T) {
	s := newTestSession()

	s.appendChunk(&s.messages, &s.messageChunkID, "c1", "hello ")
	s.appendChunk(&s.messages, &s.messageChunkID, "c1", "world")
	s.appendChunk(&s.messages, &s.messageChunkID, "c2", "second paragraph")

	require.Equal(t, []string{"hello world", "second paragraph"}, s.Messages())
}

func TestAppendChunk_EmptyIDMergesIntoPriorParagraph(t *testing.T) {
	s := newTestSession()

	s.appendChunk(&s.thoughts, &s.thoughtChunkID, "", "a")
	s.appendChunk(&s.thoughts, &s.thoughtChunkID, "", "b")

	require.Equal(t, []string{"ab"}, s.Thoughts())
}

func TestParseTasks(t *testing.T) {
	ok, found := parseTasks(map[string]any{
		"tasks": []any{
			map[string]any{"id": "T1", "title": "x", "stats": map[string]any{"risk": "LOW"}},
		},
	})
	require.True(t, found)
	require.Len(t, ok, 1)
	assert.Equal(t, "T1", ok[0].ID)

	_, found = parseTasks(map[string]any{"other": "value"})
	assert.False(t, found)

	_, found = parseTasks(nil)
	assert.False(t, found)

	_, found = parseTasks("not a map")
	assert.False(t, found)
}

func TestMaybeCaptureFromToolCall_MatchesTitleSubstring(t *testing.T) {
	s := newTestSession()

	s.maybeCaptureFromToolCall("call to return_tasks", map[string]any{
		"tasks": []any{map[string]any{"id": "T1", "stats": map[string]any{"risk": "HIGH"}}},
	}, nil)

	tasks, captured := s.CapturedTasks()
	require.True(t, captured)
	require.Len(t, tasks, 1)
	assert.Equal(t, "T1", tasks[0].ID)
}

func TestMaybeCaptureFromToolCall_FallsBackToRawOutput(t *testing.T) {
	s := newTestSession()

	s.maybeCaptureFromToolCall("create_review_tasks", nil, map[string]any{
		"tasks": []any{map[string]any{"id": "T2", "stats": map[string]any{"risk": "MED"}}},
	})

	tasks, captured := s.CapturedTasks()
	require.True(t, captured)
	require.Len(t, tasks, 1)
	assert.Equal(t, "T2", tasks[0].ID)
}

func TestMaybeCaptureFromToolCall_LastWriterWins(t *testing.T) {
	s := newTestSession()

	s.maybeCaptureFromToolCall("return_tasks", map[string]any{
		"tasks": []any{map[string]any{"id": "T1"}},
	}, nil)
	s.maybeCaptureFromToolCall("return_tasks", map[string]any{
		"tasks": []any{map[string]any{"id": "T2"}, map[string]any{"id": "T3"}},
	}, nil)

	tasks, captured := s.CapturedTasks()
	require.True(t, captured)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T2", tasks[0].ID)
}

func TestMaybeCaptureFromToolCall_IgnoresUnrelatedTool(t *testing.T) {
	s := newTestSession()

	s.maybeCaptureFromToolCall("list_files", map[string]any{"path": "/tmp"}, nil)

	_, captured := s.CapturedTasks()
	assert.False(t, captured)
}

func TestExtMethod_RecognizedAliasesCaptureTasks(t *testing.T) {
	for _, method := range []string{"lareview/return_tasks", "return_tasks", "lareview/create_review_tasks", "create_review_tasks"} {
		s := newTestSession()
		resp, err := s.ExtMethod(nil, method, []byte(`{"tasks":[{"id":"T1"}]}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok"}`, string(resp))

		_, captured := s.CapturedTasks()
		assert.True(t, captured, "method %s should capture", method)
	}
}

func TestExtMethod_UnknownMethodIgnored(t *testing.T) {
	s := newTestSession()
	resp, err := s.ExtMethod(nil, "some/other-method", []byte(`{"tasks":[{"id":"T1"}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ignored"}`, string(resp))

	_, captured := s.CapturedTasks()
	assert.False(t, captured)
}

func TestRequestPermission_ExecuteAlwaysDenied(t *testing.T) {
	s := newTestSession()
	execKind := acp.ToolKindExecute
	req := acp.RequestPermissionRequest{
		ToolCall: acp.ToolCallUpdate{Kind: &execKind},
		Options: []acp.PermissionOption{
			{OptionId: "allow", Kind: acp.PermissionOptionKindAllowOnce},
		},
	}

	resp, err := s.RequestPermission(nil, req)
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
	assert.Nil(t, resp.Outcome.Selected)
}

func TestRequestPermission_SafeReadWithRepoAccessAllowed(t *testing.T) {
	s := newTestSession()
	readKind := acp.ToolKindRead
	req := acp.RequestPermissionRequest{
		ToolCall: acp.ToolCallUpdate{
			Kind:     &readKind,
			RawInput: map[string]any{"path": "src/a.go"},
		},
		Options: []acp.PermissionOption{
			{OptionId: "allow-once", Kind: acp.PermissionOptionKindAllowOnce},
		},
	}

	resp, err := s.RequestPermission(nil, req)
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, "allow-once", string(resp.Outcome.Selected.OptionId))
}

func TestRequestPermission_ReturnTasksAlwaysAllowed(t *testing.T) {
	s := New(Config{HasRepoAccess: false}, nil, logger.Default())
	title := "return_tasks"
	req := acp.RequestPermissionRequest{
		ToolCall: acp.ToolCallUpdate{Title: &title},
		Options: []acp.PermissionOption{
			{OptionId: "allow", Kind: acp.PermissionOptionKindAllowAlways},
		},
	}

	resp, err := s.RequestPermission(nil, req)
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
}

func TestRequestPermission_OutsideSandboxDenied(t *testing.T) {
	s := newTestSession()
	readKind := acp.ToolKindRead
	req := acp.RequestPermissionRequest{
		ToolCall: acp.ToolCallUpdate{
			Kind:     &readKind,
			RawInput: map[string]any{"path": "../outside.go"},
		},
		Options: []acp.PermissionOption{
			{OptionId: "allow-once", Kind: acp.PermissionOptionKindAllowOnce},
		},
	}

	resp, err := s.RequestPermission(nil, req)
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
}
