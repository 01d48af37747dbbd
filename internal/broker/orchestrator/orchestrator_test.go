package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/lareview/broker/internal/broker/errors"
	"github.com/lareview/broker/internal/broker/domain"
	"github.com/lareview/broker/internal/broker/progress"
	"github.com/lareview/broker/internal/broker/session"
	"github.com/lareview/broker/internal/common/logger"
)

func TestResolveMcpServerBinary_OverrideWins(t *testing.T) {
	assert.Equal(t, "/custom/path", resolveMcpServerBinary("/custom/path"))
}

func TestWritePRContextFile_RoundTrips(t *testing.T) {
	pr := domain.PullRequestContext{ID: "42", Title: "add feature", Repo: "org/repo"}

	path, cleanup, err := writePRContextFile(pr)
	require.NoError(t, err)
	defer cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"42"`)
	assert.Contains(t, string(data), `"title":"add feature"`)

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEOFSignalingReader_ClosesOnEOF(t *testing.T) {
	r, w := os.Pipe()
	eofr := newEOFSignalingReader(r)

	go func() {
		w.Write([]byte("hello"))
		w.Close()
	}()

	buf := make([]byte, 16)
	for {
		_, err := eofr.Read(buf)
		if err != nil {
			break
		}
	}

	select {
	case <-eofr.done:
	case <-time.After(time.Second):
		t.Fatal("done channel was not closed after EOF")
	}
}

func newTestLogger() *logger.Logger { return logger.Default() }

func TestWaitLoop_CancellationKillsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	cancel := make(chan struct{})
	close(cancel)

	sess := session.New(session.Config{}, progress.Noop{}, newTestLogger())

	o := New(newTestLogger())
	outcome := o.waitLoop(context.Background(), waitLoopInput{
		cmd:       cmd,
		childDone: childDone,
		cancel:    cancel,
		timeout:   time.Minute,
		session:   sess,
		log:       newTestLogger(),
	})

	require.NotNil(t, outcome.err)
	assert.Equal(t, brokererrors.KindCancelled, outcome.err.Kind)

	require.Eventually(t, func() bool {
		return cmd.ProcessState != nil
	}, 2*time.Second, 10*time.Millisecond, "process should have been killed")
}

func TestWaitLoop_TimeoutKillsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	sess := session.New(session.Config{}, progress.Noop{}, newTestLogger())

	o := New(newTestLogger())
	outcome := o.waitLoop(context.Background(), waitLoopInput{
		cmd:       cmd,
		childDone: childDone,
		timeout:   50 * time.Millisecond,
		session:   sess,
		log:       newTestLogger(),
	})

	require.NotNil(t, outcome.err)
	assert.Equal(t, brokererrors.KindTimedOut, outcome.err.Kind)
	assert.Contains(t, outcome.err.Context, "elapsed_seconds")
}

func TestWaitLoop_NaturalExitBeforeCapture(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	sess := session.New(session.Config{}, progress.Noop{}, newTestLogger())

	o := New(newTestLogger())
	outcome := o.waitLoop(context.Background(), waitLoopInput{
		cmd:       cmd,
		childDone: childDone,
		timeout:   time.Minute,
		session:   sess,
		log:       newTestLogger(),
	})

	assert.Nil(t, outcome.err)
}

func TestWaitLoop_CaptureThenGraceExit(t *testing.T) {
	// Outlives the first 200ms poll (so the capture is seen and the grace
	// window entered) but exits well inside the 2s grace window.
	cmd := exec.Command("sleep", "0.5")
	require.NoError(t, cmd.Start())
	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	sess := session.New(session.Config{}, progress.Noop{}, newTestLogger())
	_, err := sess.ExtMethod(context.Background(), "return_tasks", []byte(`{"tasks":[{"id":"T1"},{"id":"T2"}]}`))
	require.NoError(t, err)

	o := New(newTestLogger())
	outcome := o.waitLoop(context.Background(), waitLoopInput{
		cmd:       cmd,
		childDone: childDone,
		timeout:   time.Minute,
		session:   sess,
		log:       newTestLogger(),
	})

	assert.Nil(t, outcome.err)
	tasks, captured := sess.CapturedTasks()
	require.True(t, captured)
	assert.Len(t, tasks, 2)
}

func TestResolveMcpServerBinary_FallsBackToSelfExe(t *testing.T) {
	got := resolveMcpServerBinary("")
	assert.NotEmpty(t, got)
	assert.True(t, strings.HasSuffix(got, "mcp-tool-server") || filepath.Base(got) != "")
}

type panickingReader struct{}

func (panickingReader) Read([]byte) (int, error) {
	panic("simulated stderr reader crash")
}

func TestTailStderr_RecoversPanicIntoError(t *testing.T) {
	err := tailStderr(panickingReader{}, newTestLogger(), progress.Noop{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated stderr reader crash")
}

func TestTailStderr_NilErrorOnCleanEOF(t *testing.T) {
	r, w := os.Pipe()
	w.Close()

	err := tailStderr(r, newTestLogger(), progress.Noop{})
	assert.NoError(t, err)
}
