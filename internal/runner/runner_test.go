package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotwatch/internal/bus"
	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/event"
	"github.com/conneroisu/hotwatch/internal/logging"
)

type harness struct {
	tx   bus.Sender[event.Event]
	obs  *bus.Receiver[event.Event]
	r    *Runner
	done chan error
}

func startRunner(t *testing.T, cfg Config, logger logging.Logger) *harness {
	t.Helper()
	tx, obs := bus.New(64, event.Start())
	h := &harness{tx: tx, obs: obs, r: New(cfg, logger), done: make(chan error, 1)}

	rx := tx.Subscribe()
	go func() { h.done <- h.r.Run(context.Background(), tx, rx) }()
	return h
}

// waitFinished counts CmdFinished events observed within d.
func (h *harness) waitFinished(d time.Duration, want int) int {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	n := 0
	for n < want {
		ev, err := h.obs.Recv(ctx)
		if err != nil {
			return n
		}
		if ev.Kind == event.KindCmdFinished {
			n++
		}
	}
	return n
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.tx.Send(event.Quit())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on Quit")
	}
}

func TestEmptyCommandStillFinishes(t *testing.T) {
	h := startRunner(t, Config{}, logging.Discard())

	h.tx.Send(event.FileChange("/srv/index.html"))
	assert.Equal(t, 1, h.waitFinished(time.Second, 1))
	assert.Equal(t, int64(1), h.r.RunCount())

	h.stop(t)
}

func TestRapidChangesCoalesceIntoOneRerun(t *testing.T) {
	h := startRunner(t, Config{Command: "sleep 0.2"}, logging.Discard())

	h.tx.Send(event.FileChange("/a"))
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		h.tx.Send(event.FileChange("/b"))
	}

	assert.Equal(t, 2, h.waitFinished(2*time.Second, 2))
	assert.Equal(t, 0, h.waitFinished(400*time.Millisecond, 1), "no third run expected")
	assert.Equal(t, int64(2), h.r.RunCount())

	h.stop(t)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestChangedPathsAreWrittenToStdin(t *testing.T) {
	var out syncBuffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelInfo, Output: &out})
	h := startRunner(t, Config{Command: "cat"}, logger)

	h.tx.Send(event.FileChange("/srv/site/about.html"))
	require.Equal(t, 1, h.waitFinished(2*time.Second, 1))

	assert.Contains(t, out.String(), "/srv/site/about.html")
	assert.Contains(t, out.String(), "stream=stdout")

	h.stop(t)
}

func TestCommandRunsInConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	h := startRunner(t, Config{Command: "touch built.txt", Dir: dir}, logging.Discard())

	h.tx.Send(event.FileChange(filepath.Join(dir, "src")))
	require.Equal(t, 1, h.waitFinished(2*time.Second, 1))

	_, err := os.Stat(filepath.Join(dir, "built.txt"))
	assert.NoError(t, err)

	h.stop(t)
}

func TestNonZeroExitKeepsRunning(t *testing.T) {
	var out syncBuffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelInfo, Output: &out})
	h := startRunner(t, Config{Command: "false", Output: OutputDiscard}, logger)

	h.tx.Send(event.FileChange("/x"))
	require.Equal(t, 1, h.waitFinished(2*time.Second, 1))

	// reported as a recoverable build error, not a failure of the runner
	logged := out.String()
	assert.Contains(t, logged, "level=WARN")
	assert.Contains(t, logged, hwerrors.ErrCodeCommandExit)
	assert.Contains(t, logged, "exit_code=1")
	assert.Contains(t, logged, "type=build")

	h.tx.Send(event.FileChange("/y"))
	require.Equal(t, 1, h.waitFinished(2*time.Second, 1))

	h.stop(t)
}

func TestSpawnFailureEndsRunner(t *testing.T) {
	h := startRunner(t, Config{Command: "/definitely/not/a/real/binary --flag"}, logging.Discard())

	h.tx.Send(event.FileChange("/x"))

	select {
	case err := <-h.done:
		require.Error(t, err)
		assert.True(t, hwerrors.IsType(err, hwerrors.ErrorTypeIO))
		var he *hwerrors.HotwatchError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, hwerrors.ErrCodeSpawn, he.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("runner kept going after a spawn failure")
	}
}

func TestQuitStopsIdleRunner(t *testing.T) {
	h := startRunner(t, Config{Command: "true"}, logging.Discard())
	h.stop(t)
	assert.Equal(t, int64(0), h.r.RunCount())
}

func TestContextCancelStopsRunner(t *testing.T) {
	tx, _ := bus.New(8, event.Start())
	r := New(Config{}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, tx, tx.Subscribe()) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner ignored cancellation")
	}
}

func TestDrainDeduplicates(t *testing.T) {
	tx, rx := bus.New(16, event.Start())
	tx.Send(event.FileChange("/a"))
	tx.Send(event.CmdFinished())
	tx.Send(event.FileChange("/b"))
	tx.Send(event.FileChange("/a"))

	paths, quit := drain(rx)
	assert.False(t, quit)
	assert.Equal(t, []string{"/a", "/b"}, paths)

	tx.Send(event.FileChange("/c"))
	tx.Send(event.Quit())
	_, quit = drain(rx)
	assert.True(t, quit)
}
