// Command mock-acp-agent is a test harness that speaks the real ACP dialect
// (via github.com/coder/acp-go-sdk) rather than the teacher's bespoke
// stream-json format used by cmd/mock-agent. It replays the six end-to-end
// scenarios of spec.md §8 against the Broker Orchestrator, selected by the
// MOCK_ACP_SCENARIO environment variable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// Scenario names, matching spec.md §8's numbered list.
const (
	ScenarioSingleTask       = "single_task"
	ScenarioMissingCoverage  = "missing_coverage"
	ScenarioOutOfRange       = "out_of_range"
	ScenarioNoSubmission     = "no_submission"
	ScenarioPermissionDenial = "permission_denial"
	ScenarioTimeout          = "timeout"
)

func main() {
	scenario := os.Getenv("MOCK_ACP_SCENARIO")
	if scenario == "" {
		scenario = ScenarioSingleTask
	}

	a := &mockAgent{scenario: scenario}
	a.conn = acp.NewAgentSideConnection(a, os.Stdout, os.Stdin)

	// Block for the lifetime of the process; the Broker Orchestrator owns
	// termination (spec.md §4.7 step 9 — grace window then SIGKILL).
	select {}
}

type mockAgent struct {
	conn      *acp.AgentSideConnection
	scenario  string
	sessionID acp.SessionId
}

var _ acp.Agent = (*mockAgent)(nil)

func (a *mockAgent) Initialize(_ context.Context, params acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersionNumber,
		AgentCapabilities: acp.AgentCapabilities{
			PromptCapabilities: acp.PromptCapabilities{},
		},
	}, nil
}

func (a *mockAgent) NewSession(_ context.Context, params acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	a.sessionID = acp.SessionId(uuid.New().String())
	return acp.NewSessionResponse{SessionId: a.sessionID}, nil
}

func (a *mockAgent) Authenticate(context.Context, acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

func (a *mockAgent) LoadSession(context.Context, acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	return acp.LoadSessionResponse{}, fmt.Errorf("mock-acp-agent: load session not supported")
}

func (a *mockAgent) Cancel(context.Context, acp.CancelNotification) error {
	return nil
}

// Prompt drives one of the six spec.md §8 scenarios, returning once the
// scenario's behavior has been emitted.
func (a *mockAgent) Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error) {
	switch a.scenario {
	case ScenarioSingleTask:
		a.sendToolCall(ctx, tasksPayload(
			task("t1", "handle edge case", "src/a.rs"),
			task("t2", "add test coverage", "src/a.rs"),
		))

	case ScenarioMissingCoverage:
		a.sendToolCall(ctx, tasksPayload(
			task("t1", "first pass"),
			task("t2", "second pass"),
		))

	case ScenarioOutOfRange:
		a.sendToolCall(ctx, tasksPayload(
			task("t1", "only task", "src/a.rs"),
		))

	case ScenarioNoSubmission:
		a.sendThought(ctx, "still thinking about this diff...")

	case ScenarioPermissionDenial:
		a.requestReadPermission(ctx, "../outside.rs")

	case ScenarioTimeout:
		a.sendThought(ctx, "taking a very long time...")
		select {
		case <-ctx.Done():
			return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
		case <-time.After(10 * time.Minute):
		}
	}

	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

func (a *mockAgent) sendThought(ctx context.Context, text string) {
	_ = a.conn.SessionUpdate(ctx, acp.SessionNotification{
		SessionId: a.sessionID,
		Update: acp.SessionUpdate{
			AgentThoughtChunk: &acp.AgentThoughtChunk{
				Content: acp.ContentBlock{Text: &acp.ContentBlockText{Text: text}},
			},
		},
	})
}

func (a *mockAgent) sendToolCall(ctx context.Context, payload map[string]any) {
	_ = a.conn.SessionUpdate(ctx, acp.SessionNotification{
		SessionId: a.sessionID,
		Update: acp.SessionUpdate{
			ToolCall: &acp.ToolCall{
				Title:    "return_tasks",
				RawInput: payload,
			},
		},
	})
}

// requestReadPermission round-trips a fs/read_text_file permission request
// through the client so the Policy Gate's sandbox check can be exercised;
// the agent does not act on the outcome beyond logging it to stderr.
func (a *mockAgent) requestReadPermission(ctx context.Context, path string) {
	optionID := acp.PermissionOptionId("allow-once")
	readKind := acp.ToolKindRead
	resp, err := a.conn.RequestPermission(ctx, acp.RequestPermissionRequest{
		SessionId: a.sessionID,
		ToolCall: acp.ToolCallUpdate{
			Kind:     &readKind,
			RawInput: map[string]any{"path": path},
		},
		Options: []acp.PermissionOption{
			{OptionId: optionID, Kind: acp.PermissionOptionKindAllowOnce, Name: "Allow"},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-acp-agent: request_permission error: %v\n", err)
		return
	}
	encoded, _ := json.Marshal(resp.Outcome)
	fmt.Fprintf(os.Stderr, "mock-acp-agent: permission outcome: %s\n", encoded)
}

func task(id, title string, files ...string) map[string]any {
	return map[string]any{
		"id":          id,
		"title":       title,
		"description": title,
		"files":       files,
		"stats": map[string]any{
			"additions": 1,
			"deletions": 1,
			"risk":      "LOW",
		},
		"diffs": []string{},
	}
}

func tasksPayload(tasks ...map[string]any) map[string]any {
	return map[string]any{"tasks": tasks}
}
