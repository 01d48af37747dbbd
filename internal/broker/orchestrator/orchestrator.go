// Package orchestrator implements the Broker Orchestrator (C7): it spawns
// the ACP agent child process, wires the ACP Client Session (C5) to its
// stdio, drives the initialize/session.new/prompt lifecycle, runs the
// poll-and-grace wait loop of spec.md §4.7 step 9, and hands the captured
// tasks to the Task Validator (C3) once the child has fully terminated.
//
// Structurally grounded on internal/agentctl/process.Manager's subprocess
// lifecycle (Start/Stop, piped stdio, stderr reader goroutine,
// *exec.ExitError exit-code extraction), with the stderr reader run in an
// errgroup, adapted from that package's "agent does arbitrary things" loop
// to the
// generate-once, capture-then-kill state machine of
// original_source/src/acp/task_generator.rs generate_tasks_with_acp_inner.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lareview/broker/internal/broker/domain"
	brokererrors "github.com/lareview/broker/internal/broker/errors"
	"github.com/lareview/broker/internal/broker/progress"
	"github.com/lareview/broker/internal/broker/prompt"
	"github.com/lareview/broker/internal/broker/session"
	"github.com/lareview/broker/internal/broker/validator"
	"github.com/lareview/broker/internal/common/logger"
	"github.com/lareview/broker/internal/common/tracing"
)

var tracer = tracing.Tracer("lareview-broker/orchestrator")

const (
	pollInterval              = 200 * time.Millisecond
	graceWindow               = 2 * time.Second
	defaultAgentClientName    = "lareview-broker"
	defaultAgentClientVersion = "0.1.0"
	defaultTimeoutSeconds     = 5000
)

// AgentDescriptor names the external agent binary to spawn. Per spec.md §9,
// "agents" differ only in command/argv — this is the whole variant surface,
// not a subclass hierarchy.
type AgentDescriptor struct {
	Command string
	Args    []string
}

// GenerateTasksInput carries everything one generate_tasks call needs (§4.7).
type GenerateTasksInput struct {
	PR       domain.PullRequestContext
	DiffText string

	// RepoRoot, if set, is used as the agent's cwd and as HasRepoAccess's
	// sandbox root. Empty means the agent has no repo access and a
	// temporary working directory is created for the run (step 5).
	RepoRoot string

	Agent AgentDescriptor

	// RunID, if set, is used verbatim as the run's identifier (and, when a
	// progress.NATSSink is in play, the "broker.<run_id>.progress" subject
	// suffix a caller needs in order to subscribe before the run starts).
	// Empty generates one from PR.ID and the current time.
	RunID string

	// Progress, if non-nil, receives LocalLog/SessionUpdate events as the
	// run progresses. Sends are always best-effort (§5 Backpressure).
	Progress progress.Sink

	// McpServerBinaryOverride, if set, is the explicit path to the
	// cmd/mcp-tool-server binary (step 6).
	McpServerBinaryOverride string

	// DBPath, if set, is forwarded to the MCP server as --db-path.
	DBPath string

	// TimeoutSeconds bounds the wall-clock wait; 0 means
	// defaultTimeoutSeconds (5000, per §4.7).
	TimeoutSeconds int

	// Cancel, if non-nil, is closed to trip the cancellation token.
	Cancel <-chan struct{}

	Debug bool
}

// GenerateTasksOutput is returned on a fully validated run (§4.7, §6).
type GenerateTasksOutput struct {
	RunID             string
	Tasks             []domain.ReviewTask
	Warnings          []string
	Messages          []string
	Thoughts          []string
	Log               []string
	FinalPlan         *domain.PlanSnapshot
	AvailableCommands []domain.AvailableCommand
}

// Orchestrator runs generate_tasks calls. It holds no per-run state itself —
// every mutable piece of a run lives in the run's own session.Session and
// child process handle, matching §3's ownership rule that the Orchestrator
// exclusively owns the child process handle and cancellation token of one
// run, and nothing outlives that run.
type Orchestrator struct {
	log *logger.Logger
}

// New builds an Orchestrator.
func New(log *logger.Logger) *Orchestrator {
	return &Orchestrator{log: log.WithFields(zap.String("component", "broker-orchestrator"))}
}

// GenerateTasks runs one end-to-end agent session and returns a validated
// task batch or a categorized *errors.BrokerError (§7). It is safe to call
// concurrently for independent runs; each call owns its own child process.
func (o *Orchestrator) GenerateTasks(ctx context.Context, in GenerateTasksInput) (*GenerateTasksOutput, *brokererrors.BrokerError) {
	runID := in.RunID
	if runID == "" {
		runID = fmt.Sprintf("%s-%d", in.PR.ID, time.Now().UnixNano())
	}
	log := o.log.WithRunID(runID)

	sink := in.Progress
	if sink == nil {
		sink = progress.Noop{}
	}

	timeoutSecs := in.TimeoutSeconds
	if timeoutSecs <= 0 {
		timeoutSecs = defaultTimeoutSeconds
	}

	ctx, span := tracer.Start(ctx, "broker.generate_tasks", trace.WithAttributes(
		attribute.String("pr_id", in.PR.ID),
		attribute.Int("timeout_seconds", timeoutSecs),
	))
	defer span.End()

	hasRepoAccess := in.RepoRoot != ""
	cwd := in.RepoRoot
	var tempDir string
	if !hasRepoAccess {
		dir, err := os.MkdirTemp("", "lareview-broker-*")
		if err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindSpawnFailed, "failed to create temp working directory", err)
		}
		tempDir = dir
		cwd = dir
	}
	defer func() {
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
	}()

	prCtxPath, cleanupPR, err := writePRContextFile(in.PR)
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindSpawnFailed, "failed to write PR context file", err)
	}
	defer cleanupPR()

	mcpBinary := resolveMcpServerBinary(in.McpServerBinaryOverride)
	mcpArgs := []string{"--task-mcp-server", "--pr-context", prCtxPath}
	if in.DBPath != "" {
		mcpArgs = append(mcpArgs, "--db-path", in.DBPath)
	}

	if len(in.Agent.Args) == 0 && in.Agent.Command == "" {
		return nil, brokererrors.New(brokererrors.KindSpawnFailed, "no agent command configured")
	}

	cmd := exec.Command(in.Agent.Command, in.Agent.Args...)
	cmd.Dir = cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindSpawnFailed, "failed to open agent stdin", err).
			With("command", in.Agent.Command).With("args", in.Agent.Args)
	}
	stdoutRaw, err := cmd.StdoutPipe()
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindSpawnFailed, "failed to open agent stdout", err).
			With("command", in.Agent.Command).With("args", in.Agent.Args)
	}
	stderrRaw, err := cmd.StderrPipe()
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindSpawnFailed, "failed to open agent stderr", err).
			With("command", in.Agent.Command).With("args", in.Agent.Args)
	}

	stdout := newEOFSignalingReader(stdoutRaw)

	if err := cmd.Start(); err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindSpawnFailed, "failed to start agent process", err).
			With("command", in.Agent.Command).With("args", in.Agent.Args)
	}
	log.Info("agent process started", zap.Int("pid", cmd.Process.Pid))

	// stderrGroup owns the background stderr-tailing goroutine: it only ever
	// reports an error if that goroutine panics, giving KindWorkerCrashed a
	// concrete trigger instead of leaving it structurally unreachable.
	var stderrGroup errgroup.Group
	stderrGroup.Go(func() error {
		return tailStderr(stderrRaw, log, sink)
	})

	childDone := make(chan error, 1)
	go func() {
		childDone <- cmd.Wait()
	}()

	sess := session.New(session.Config{
		HasRepoAccess: hasRepoAccess,
		RepoRoot:      in.RepoRoot,
		ClientName:    defaultAgentClientName,
		ClientVersion: defaultAgentClientVersion,
	}, sink, log)
	sess.Attach(stdin, stdout)

	if _, err := sess.Initialize(ctx); err != nil {
		killAndWait(cmd, childDone)
		return nil, brokererrors.Wrap(brokererrors.KindProtocolInitFailed, "ACP initialize failed", err)
	}

	mcpServers := []acp.McpServer{{
		Stdio: &acp.McpServerStdio{
			Name:    "lareview-tasks",
			Command: mcpBinary,
			Args:    mcpArgs,
		},
	}}
	if err := sess.OpenSession(ctx, cwd, mcpServers); err != nil {
		killAndWait(cmd, childDone)
		return nil, brokererrors.Wrap(brokererrors.KindProtocolInitFailed, "ACP session/new failed", err)
	}

	renderedPrompt := prompt.Render(prompt.Input{
		PR:            in.PR,
		DiffText:      in.DiffText,
		HasRepoAccess: hasRepoAccess,
		RepoRoot:      in.RepoRoot,
	})
	if err := sess.SendPrompt(ctx, renderedPrompt); err != nil {
		killAndWait(cmd, childDone)
		return nil, brokererrors.Wrap(brokererrors.KindProtocolInitFailed, "ACP prompt failed", err)
	}

	outcome := o.waitLoop(ctx, waitLoopInput{
		cmd:         cmd,
		childDone:   childDone,
		cancel:      in.Cancel,
		timeout:     time.Duration(timeoutSecs) * time.Second,
		session:     sess,
		log:         log,
	})

	// Step 10: await the I/O drain before reading the capture slot (step
	// 11), so a notification that arrived on the last scheduler tick is
	// never lost.
	select {
	case <-stdout.done:
	case <-time.After(graceWindow):
	}
	if err := stderrGroup.Wait(); err != nil && outcome.err == nil {
		outcome.err = brokererrors.Wrap(brokererrors.KindWorkerCrashed, "background stderr reader crashed", err)
	}

	if outcome.err != nil {
		return nil, outcome.err
	}

	tasks, captured := sess.CapturedTasks()
	if !captured {
		return nil, brokererrors.New(brokererrors.KindNoTasksReturned, "agent exited without submitting review tasks").
			With("log", sess.Log()).
			With("messages", sess.Messages()).
			With("thoughts", sess.Thoughts())
	}

	warnings, verr := validator.Validate(tasks, in.DiffText)
	if verr != nil {
		return nil, verr
	}

	return &GenerateTasksOutput{
		RunID:             runID,
		Tasks:             tasks,
		Warnings:          warnings,
		Messages:          sess.Messages(),
		Thoughts:          sess.Thoughts(),
		Log:               sess.Log(),
		FinalPlan:         sess.FinalPlan(),
		AvailableCommands: sess.AvailableCommands(),
	}, nil
}

type waitLoopInput struct {
	cmd       *exec.Cmd
	childDone chan error
	cancel    <-chan struct{}
	timeout   time.Duration
	session   *session.Session
	log       *logger.Logger
}

type waitLoopOutcome struct {
	err *brokererrors.BrokerError
}

// waitLoop implements spec.md §4.7 step 9 as an explicit state machine:
// poll every 200ms for a capture; once captured, allow up to graceWindow for
// a natural exit before forcing termination; otherwise race the child's
// natural exit against the overall timeout and cancellation.
func (o *Orchestrator) waitLoop(ctx context.Context, in waitLoopInput) waitLoopOutcome {
	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeoutTimer := time.NewTimer(in.timeout)
	defer timeoutTimer.Stop()

	for {
		select {
		case err := <-in.childDone:
			in.log.Info("agent process exited", zap.Error(err))
			return waitLoopOutcome{}

		case <-in.cancel:
			in.log.Info("generate_tasks cancelled, killing agent")
			killAndWait(in.cmd, in.childDone)
			return waitLoopOutcome{err: brokererrors.New(brokererrors.KindCancelled, "cancelled by caller")}

		case <-ctx.Done():
			in.log.Info("context done, killing agent")
			killAndWait(in.cmd, in.childDone)
			return waitLoopOutcome{err: brokererrors.Wrap(brokererrors.KindCancelled, "context cancelled", ctx.Err())}

		case <-timeoutTimer.C:
			in.log.Warn("generate_tasks timed out, killing agent")
			killAndWait(in.cmd, in.childDone)
			elapsed := time.Since(start).Seconds()
			return waitLoopOutcome{err: brokererrors.New(brokererrors.KindTimedOut, "agent did not finish before the timeout").
				With("elapsed_seconds", elapsed)}

		case <-ticker.C:
			if _, captured := in.session.CapturedTasks(); captured {
				return o.drainAfterCapture(in)
			}
		}
	}
}

// drainAfterCapture is the "grace window" sub-state: tasks are in hand, so
// wait briefly for the agent to exit on its own (many agents keep stdio open
// after submitting) before forcing a kill.
func (o *Orchestrator) drainAfterCapture(in waitLoopInput) waitLoopOutcome {
	select {
	case err := <-in.childDone:
		in.log.Info("agent exited naturally after task capture", zap.Error(err))
		return waitLoopOutcome{}
	case <-time.After(graceWindow):
		in.log.Info("grace window elapsed after task capture, killing agent")
		killAndWait(in.cmd, in.childDone)
		return waitLoopOutcome{}
	}
}

// killAndWait sends SIGKILL (Process.Kill) and waits for the exit status to
// be consumed, so no live child process or goroutine outlives the call
// (§8 Termination property).
func killAndWait(cmd *exec.Cmd, childDone <-chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-childDone:
	case <-time.After(5 * time.Second):
	}
}

// tailStderr runs readStderr with panic recovery, so a malformed agent's
// stderr stream can never crash the orchestrator process itself — it only
// ever surfaces as a KindWorkerCrashed BrokerError.
func tailStderr(r io.Reader, log *logger.Logger, sink progress.Sink) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stderr reader panicked: %v", p)
		}
	}()
	readStderr(r, log, sink)
	return nil
}

func readStderr(r io.Reader, log *logger.Logger, sink progress.Sink) {
	buf := make([]byte, 4096)
	var line []byte
	flush := func() {
		if len(line) == 0 {
			return
		}
		text := string(line)
		log.Debug("agent stderr", zap.String("line", text))
		sink.Publish(progress.LocalLog(text))
		line = nil
	}
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				flush()
				continue
			}
			line = append(line, b)
		}
		if err != nil {
			flush()
			return
		}
	}
}

// eofSignalingReader wraps an io.Reader and closes done the first time Read
// returns a non-nil error (in practice io.EOF once the agent's stdout pipe
// closes). The Orchestrator waits on done as a concrete, observable stand-in
// for "the ACP connection's read loop has finished" (step 10's I/O drain),
// since the SDK's own read loop runs until its underlying reader is
// exhausted.
type eofSignalingReader struct {
	io.Reader
	once sync.Once
	done chan struct{}
}

func newEOFSignalingReader(r io.Reader) *eofSignalingReader {
	return &eofSignalingReader{Reader: r, done: make(chan struct{})}
}

func (r *eofSignalingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err != nil {
		r.once.Do(func() { close(r.done) })
	}
	return n, err
}

// writePRContextFile JSON-encodes pr into a temp file, returning its path
// and a cleanup func. This path becomes the --pr-context argument (step 6).
func writePRContextFile(pr domain.PullRequestContext) (string, func(), error) {
	f, err := os.CreateTemp("", "lareview-pr-*.json")
	if err != nil {
		return "", func() {}, err
	}
	defer f.Close()

	encoded, err := json.Marshal(pr)
	if err != nil {
		os.Remove(f.Name())
		return "", func() {}, err
	}
	if _, err := f.Write(encoded); err != nil {
		os.Remove(f.Name())
		return "", func() {}, err
	}
	path := f.Name()
	return path, func() { os.Remove(path) }, nil
}

// resolveMcpServerBinary implements step 6's resolution order: explicit
// override, else a binary named mcp-tool-server next to this executable,
// else the current executable itself (for a build that folds the
// --task-mcp-server mode into a single binary).
func resolveMcpServerBinary(override string) string {
	if override != "" {
		return override
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "mcp-tool-server")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
		return exe
	}
	return "mcp-tool-server"
}
