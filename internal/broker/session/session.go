// Package session implements the ACP Client Session (C5): the bidirectional
// JSON-RPC dialogue with the agent child process — initialize, session/new,
// prompt, then streamed updates, permission requests, and extension calls
// until the agent submits review tasks or the Orchestrator tears it down.
//
// Session implements acp.Client so it can be handed directly to
// acp.NewClientSideConnection, mirroring the structural shape of
// internal/agentctl/server/acp.Client and
// internal/agentctl/server/adapter/transport/acp.Adapter, adapted to the
// capture/extension semantics of the original task_generator.rs LaReviewClient.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lareview/broker/internal/broker/domain"
	"github.com/lareview/broker/internal/broker/policy"
	"github.com/lareview/broker/internal/broker/progress"
	"github.com/lareview/broker/internal/broker/sandbox"
	"github.com/lareview/broker/internal/common/logger"
	"github.com/lareview/broker/internal/common/tracing"
)

var tracer = tracing.Tracer("lareview-broker/session")

// extension method names that all dispatch to the same task-capture path,
// per DESIGN.md's resolution of the create_review_tasks open question.
var taskCaptureExtMethods = map[string]struct{}{
	"lareview/return_tasks":        {},
	"return_tasks":                 {},
	"lareview/create_review_tasks": {},
	"create_review_tasks":          {},
}

// advertisedExtensions is the capability `meta` map sent on initialize (§4.5):
// only the two canonical extensions are advertised. A well-behaved agent never
// produces the legacy create_review_tasks alias; the broker accepts it anyway
// from agents that do (see DESIGN.md open question 1).
var advertisedExtensions = map[string]any{
	"lareview/return_tasks": map[string]any{
		"type":        "request",
		"method":      "lareview/return_tasks",
		"description": "Submit the final set of structured code review tasks for this pull request.",
		"params":      returnTasksExtSchema,
	},
	"lareview/return_plans": map[string]any{
		"type":        "request",
		"method":      "lareview/return_plans",
		"description": "Submit an intermediate review plan before the final tasks are ready.",
		"params":      returnPlansExtSchema,
	},
}

var returnTasksExtSchema = map[string]any{
	"type":     "object",
	"required": []string{"tasks"},
	"properties": map[string]any{
		"tasks": map[string]any{"type": "array"},
	},
}

var returnPlansExtSchema = map[string]any{
	"type":     "object",
	"required": []string{"plans"},
	"properties": map[string]any{
		"plans": map[string]any{"type": "array"},
	},
}

// Config carries everything the Session needs that is fixed for the lifetime
// of one broker run.
type Config struct {
	HasRepoAccess bool
	RepoRoot      string
	ClientName    string
	ClientVersion string
}

// Session owns the streamed-text accumulators, the captured-tasks slot, and
// the ACP wire connection for exactly one broker run (§3 Ownership &
// lifecycle). All shared mutable state lives behind mu and is held only for
// the duration of a single append or assignment — never across a suspension
// point (§5).
type Session struct {
	cfg      Config
	gate     func(policy.Request) policy.Decision
	progress progress.Sink
	log      *logger.Logger

	conn      *acp.ClientSideConnection
	sessionID acp.SessionId

	mu                sync.Mutex
	messages          []string
	messageChunkID    string
	thoughts          []string
	thoughtChunkID    string
	capturedTasks     []domain.ReviewTask
	hasCaptured       bool
	plan              *domain.PlanSnapshot
	availableCommands []domain.AvailableCommand
	localLog          []string
}

// New builds a Session whose permission requests are decided by
// policy.Decide.
func New(cfg Config, sink progress.Sink, log *logger.Logger) *Session {
	if sink == nil {
		sink = progress.Noop{}
	}
	return &Session{
		cfg:      cfg,
		gate:     policy.Decide,
		progress: sink,
		log:      log.WithFields(zap.String("component", "acp-session")),
	}
}

// Attach creates the underlying ACP connection over the agent child's stdio.
// Must be called before Initialize.
func (s *Session) Attach(stdin io.Writer, stdout io.Reader) {
	s.conn = acp.NewClientSideConnection(s, stdin, stdout)
}

// Connection returns the underlying ACP connection for the Orchestrator to
// drive lifecycle calls against.
func (s *Session) Connection() *acp.ClientSideConnection { return s.conn }

// Initialize sends the ACP `initialize` request with the capabilities of
// §4.5: fs.read_text_file mirrors HasRepoAccess, fs.write_text_file and
// terminal are always false, and meta advertises the two task-capture
// extensions.
func (s *Session) Initialize(ctx context.Context) (acp.InitializeResponse, error) {
	ctx, span := tracer.Start(ctx, "acp.initialize", trace.WithAttributes(
		attribute.Bool("has_repo_access", s.cfg.HasRepoAccess),
	))
	defer span.End()

	resp, err := s.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    s.cfg.ClientName,
			Version: s.cfg.ClientVersion,
		},
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  s.cfg.HasRepoAccess,
				WriteTextFile: false,
			},
			Terminal: false,
			Meta:     advertisedExtensions,
		},
	})
	if err != nil {
		span.RecordError(err)
		return resp, fmt.Errorf("initialize: %w", err)
	}
	return resp, nil
}

// OpenSession sends `session/new` with the given cwd and MCP server list.
func (s *Session) OpenSession(ctx context.Context, cwd string, mcpServers []acp.McpServer) error {
	ctx, span := tracer.Start(ctx, "acp.session_new")
	defer span.End()

	resp, err := s.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: mcpServers,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session/new: %w", err)
	}
	s.sessionID = resp.SessionId
	span.SetAttributes(attribute.String("session_id", string(s.sessionID)))
	return nil
}

// SendPrompt sends the rendered instruction text as a single text content
// block prompt.
func (s *Session) SendPrompt(ctx context.Context, text string) error {
	ctx, span := tracer.Start(ctx, "acp.prompt", trace.WithAttributes(
		attribute.Int("prompt_length", len(text)),
	))
	defer span.End()

	_, err := s.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: s.sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("prompt: %w", err)
	}
	return nil
}

// CapturedTasks returns the capture slot's current contents and whether
// anything has been captured yet. Safe to call concurrently; callers must
// wait for the I/O loop to drain (§4.7 step 10) before trusting a "false" as
// final.
func (s *Session) CapturedTasks() ([]domain.ReviewTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturedTasks, s.hasCaptured
}

// Messages returns a snapshot of the accumulated message paragraphs.
func (s *Session) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

// Thoughts returns a snapshot of the accumulated thought paragraphs.
func (s *Session) Thoughts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.thoughts))
	copy(out, s.thoughts)
	return out
}

// Log returns a snapshot of the local log trail.
func (s *Session) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.localLog))
	copy(out, s.localLog)
	return out
}

// FinalPlan returns the most recent plan snapshot, or nil if the agent never
// sent one (§12).
func (s *Session) FinalPlan() *domain.PlanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// AvailableCommands returns the commands captured from
// available_commands_update notifications (§12).
func (s *Session) AvailableCommands() []domain.AvailableCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AvailableCommand, len(s.availableCommands))
	copy(out, s.availableCommands)
	return out
}

func (s *Session) appendLog(line string) {
	s.mu.Lock()
	s.localLog = append(s.localLog, line)
	s.mu.Unlock()
	s.progress.Publish(progress.LocalLog(line))
}

// --- acp.Client implementation -------------------------------------------

// SessionUpdate handles `session/update` notifications (§4.5(a)).
func (s *Session) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if raw, err := json.Marshal(n); err == nil {
		s.progress.Publish(progress.SessionUpdate(raw))
	}

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			s.appendChunk(&s.messages, &s.messageChunkID, chunkID(u.AgentMessageChunk.Meta), u.AgentMessageChunk.Content.Text.Text)
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			s.appendChunk(&s.thoughts, &s.thoughtChunkID, chunkID(u.AgentThoughtChunk.Meta), u.AgentThoughtChunk.Content.Text.Text)
		}

	case u.ToolCall != nil:
		s.maybeCaptureFromToolCall(u.ToolCall.Title, u.ToolCall.RawInput, u.ToolCall.RawOutput)

	case u.ToolCallUpdate != nil:
		var title string
		if u.ToolCallUpdate.Title != nil {
			title = *u.ToolCallUpdate.Title
		}
		s.maybeCaptureFromToolCall(title, u.ToolCallUpdate.RawInput, u.ToolCallUpdate.RawOutput)

	case u.Plan != nil:
		entries := make([]domain.PlanEntry, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			entries = append(entries, domain.PlanEntry{
				Content:  e.Content,
				Priority: string(e.Priority),
				Status:   string(e.Status),
			})
		}
		s.mu.Lock()
		s.plan = &domain.PlanSnapshot{Entries: entries}
		s.mu.Unlock()

	case u.AvailableCommandsUpdate != nil:
		cmds := make([]domain.AvailableCommand, 0, len(u.AvailableCommandsUpdate.AvailableCommands))
		for _, c := range u.AvailableCommandsUpdate.AvailableCommands {
			cmds = append(cmds, domain.AvailableCommand{Name: c.Name, Description: c.Description})
		}
		s.mu.Lock()
		s.availableCommands = cmds
		s.mu.Unlock()
	}

	return nil
}

// chunkID extracts a chunk identifier from a meta map under any of the keys
// the source accepts, per spec.md §4.5(a).
func chunkID(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	for _, key := range []string{"message_id", "messageId", "id"} {
		if v, ok := meta[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// appendChunk concatenates text onto the current paragraph when id matches
// *lastID, or starts a new paragraph when it changes. Held only for the
// duration of the append — no suspension point inside the lock (§5).
func (s *Session) appendChunk(paragraphs *[]string, lastID *string, id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(*paragraphs) == 0 || id != *lastID {
		*paragraphs = append(*paragraphs, text)
	} else {
		(*paragraphs)[len(*paragraphs)-1] += text
	}
	*lastID = id
}

// maybeCaptureFromToolCall implements §4.5(a)'s tool_call capture rule:
// substring match on return_tasks/create_review_tasks in the title, parsing
// raw_input first and then raw_output, storing the first that parses.
func (s *Session) maybeCaptureFromToolCall(title string, rawInput, rawOutput any) {
	if !strings.Contains(title, "return_tasks") && !strings.Contains(title, "create_review_tasks") {
		if !payloadNamesTasks(rawInput) && !payloadNamesTasks(rawOutput) {
			return
		}
	}

	if tasks, ok := parseTasks(rawInput); ok {
		s.storeTasks(tasks)
		return
	}
	if tasks, ok := parseTasks(rawOutput); ok {
		s.storeTasks(tasks)
	}
}

func payloadNamesTasks(raw any) bool {
	m, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["tasks"]
	return ok
}

// storeTasks overwrites the capture slot: last-writer-wins, per DESIGN.md's
// resolution of the partial-submission open question.
func (s *Session) storeTasks(tasks []domain.ReviewTask) {
	s.mu.Lock()
	s.capturedTasks = tasks
	s.hasCaptured = true
	s.mu.Unlock()
	s.appendLog(fmt.Sprintf("captured %d tasks", len(tasks)))
}

type taskPayload struct {
	Tasks []domain.ReviewTask `json:"tasks"`
}

// parseTasks attempts to decode raw as {"tasks": [...]}. It returns ok=false
// for nil, non-JSON-able values, or a payload whose tasks key is missing or
// null. An empty tasks array parses with ok=true and zero tasks; rejecting a
// batch of the wrong size is left to the validator, not this parse step.
func parseTasks(raw any) ([]domain.ReviewTask, bool) {
	if raw == nil {
		return nil, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var payload taskPayload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, false
	}
	if payload.Tasks == nil {
		return nil, false
	}
	return payload.Tasks, true
}

// RequestPermission delegates to the Policy Gate (§4.5(b), §4.6).
func (s *Session) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	_, span := tracer.Start(ctx, "acp.request_permission")
	defer span.End()

	kind := classifyToolKind(p.ToolCall.Kind)
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}

	req := policy.Request{
		ToolKind:      kind,
		ToolTitle:     title,
		RawInput:      asMap(p.ToolCall.RawInput),
		HasRepoAccess: s.cfg.HasRepoAccess,
		RepoRoot:      s.cfg.RepoRoot,
		Options:       toPolicyOptions(p.Options),
	}

	decision := s.gate(req)
	span.SetAttributes(
		attribute.Bool("selected", decision.Selected),
		attribute.String("tool_kind", string(kind)),
	)

	s.log.Debug("permission decision",
		zap.String("tool_title", title),
		zap.String("tool_kind", string(kind)),
		zap.Bool("selected", decision.Selected))

	if decision.Selected {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{
					OptionId: acp.PermissionOptionId(decision.OptionID),
				},
			},
		}, nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}, nil
}

func classifyToolKind(kind *acp.ToolKind) policy.ToolKind {
	if kind == nil {
		return policy.ToolKindOther
	}
	switch *kind {
	case acp.ToolKindRead:
		return policy.ToolKindRead
	case acp.ToolKindExecute:
		return policy.ToolKindExecute
	default:
		return policy.ToolKindOther
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func toPolicyOptions(opts []acp.PermissionOption) []policy.Option {
	out := make([]policy.Option, 0, len(opts))
	for _, o := range opts {
		var kind policy.OptionKind
		switch o.Kind {
		case acp.PermissionOptionKindAllowOnce:
			kind = policy.OptionKindAllowOnce
		case acp.PermissionOptionKindAllowAlways:
			kind = policy.OptionKindAllowAlways
		}
		out = append(out, policy.Option{ID: string(o.OptionId), Kind: kind})
	}
	return out
}

// ExtMethod handles extension requests (§4.5(c)). Only the four task-capture
// aliases are recognized; any other method, or params that do not parse as
// tasks, gets a {"status":"ignored"} reply rather than an error.
func (s *Session) ExtMethod(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if _, ok := taskCaptureExtMethods[method]; !ok {
		return json.Marshal(map[string]string{"status": "ignored"})
	}

	var raw map[string]any
	if err := json.Unmarshal(params, &raw); err != nil {
		return json.Marshal(map[string]string{"status": "ignored"})
	}

	if tasks, ok := parseTasks(raw); ok {
		s.storeTasks(tasks)
		return json.Marshal(map[string]string{"status": "ok"})
	}
	return json.Marshal(map[string]string{"status": "ignored"})
}

// ExtNotification mirrors ExtMethod for the notification form of the same
// extensions (no response is sent, per JSON-RPC notification semantics).
func (s *Session) ExtNotification(ctx context.Context, method string, params json.RawMessage) error {
	if _, ok := taskCaptureExtMethods[method]; !ok {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(params, &raw); err != nil {
		return nil
	}
	if tasks, ok := parseTasks(raw); ok {
		s.storeTasks(tasks)
	}
	return nil
}

// ReadTextFile is only ever reachable once the Policy Gate has allowed the
// read (fs.read_text_file capability is advertised as false when
// !HasRepoAccess), but the sandbox is re-checked here as the ACP-level
// equivalent of "trust but verify" — the same path resolution used by the
// gate, applied again against the literal file read.
func (s *Session) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !s.cfg.HasRepoAccess || !sandbox.IsSafeReadRequest(s.cfg.RepoRoot, map[string]any{"path": p.Path}) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("read denied: %s is outside the sandbox", p.Path)
	}
	return acp.ReadTextFileResponse{}, fmt.Errorf("read_text_file not implemented by this client")
}

// WriteTextFile is never permitted (§4.5 capabilities: fs.write_text_file is
// always false).
func (s *Session) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("write_text_file denied: terminal and write access are never granted")
}

// CreateTerminal and the rest of the terminal family are never permitted
// (§4.5 capabilities: terminal is always false).
func (s *Session) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal access denied")
}

func (s *Session) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal access denied")
}

func (s *Session) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal access denied")
}

func (s *Session) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal access denied")
}

func (s *Session) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal access denied")
}

var _ acp.Client = (*Session)(nil)
