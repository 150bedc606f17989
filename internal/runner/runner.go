// Package runner executes the user's build command once per burst of file
// changes and announces each completed run on the bus.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/hotwatch/internal/bus"
	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/event"
	"github.com/conneroisu/hotwatch/internal/logging"
)

// Output modes for the command's stdout and stderr.
const (
	OutputLog     = "log"
	OutputInherit = "inherit"
	OutputDiscard = "discard"
)

// Config configures a Runner.
type Config struct {
	// Command is split on whitespace and executed without a shell. An empty
	// command runs nothing but still reports completion.
	Command string
	Dir     string
	Env     []string
	Output  string
}

// Runner serialises command runs.
type Runner struct {
	cfg    Config
	args   []string
	logger logging.Logger
	errs   *hwerrors.ErrorHandler
	runs   atomic.Int64
}

// New creates a runner.
func New(cfg Config, logger logging.Logger) *Runner {
	if cfg.Output == "" {
		cfg.Output = OutputLog
	}
	logger = logger.WithComponent("runner")
	return &Runner{
		cfg:    cfg,
		args:   strings.Fields(cfg.Command),
		logger: logger,
		errs:   hwerrors.NewErrorHandler(logger),
	}
}

// RunCount returns the number of runs so far, failed ones included.
func (r *Runner) RunCount() int64 {
	return r.runs.Load()
}

// Run waits for FileChange events on rx and runs the command, publishing
// CmdFinished on sender after each run. Changes that arrive while a run is
// in progress are folded into a single follow-up run. It returns nil on
// Quit or ctx cancellation and an error when the command cannot be
// started.
func (r *Runner) Run(ctx context.Context, sender bus.Sender[event.Event], rx *bus.Receiver[event.Event]) error {
	for {
		ev, err := rx.Recv(ctx)
		if err != nil {
			return nil
		}

		switch ev.Kind {
		case event.KindQuit:
			return nil
		case event.KindFileChange:
			if quit, err := r.runUntilSettled(ctx, sender, rx, []string{ev.Path}); err != nil || quit {
				return err
			}
		}
	}
}

// runUntilSettled runs the command, then keeps rerunning while changes
// piled up during the previous run.
func (r *Runner) runUntilSettled(ctx context.Context, sender bus.Sender[event.Event], rx *bus.Receiver[event.Event], paths []string) (bool, error) {
	for {
		if err := r.execute(ctx, paths); err != nil {
			return true, err
		}
		sender.Send(event.CmdFinished())

		var quit bool
		paths, quit = drain(rx)
		if quit {
			return true, nil
		}
		if len(paths) == 0 {
			return false, nil
		}
		r.logger.Debug(ctx, "Changes arrived during run, running again", "paths", len(paths))
	}
}

// drain consumes everything pending on rx and returns the distinct changed
// paths in arrival order.
func drain(rx *bus.Receiver[event.Event]) ([]string, bool) {
	var paths []string
	seen := make(map[string]struct{})
	for {
		ev, ok := rx.TryRecv()
		if !ok {
			return paths, false
		}
		switch ev.Kind {
		case event.KindQuit:
			return paths, true
		case event.KindFileChange:
			if _, dup := seen[ev.Path]; !dup {
				seen[ev.Path] = struct{}{}
				paths = append(paths, ev.Path)
			}
		}
	}
}

// execute runs the command once and waits for it. A non-zero exit is only
// logged; failing to start the process is returned.
func (r *Runner) execute(ctx context.Context, paths []string) error {
	defer r.runs.Add(1)

	if len(r.args) == 0 {
		r.logger.Debug(ctx, "No command configured, reporting change only")
		return nil
	}

	op := logging.StartOperation(r.logger, "command")

	cmd := exec.Command(r.args[0], r.args[1:]...)
	cmd.Dir = r.cfg.Dir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return r.spawnFailed(ctx, op, err)
	}

	var stdout, stderr io.ReadCloser
	switch r.cfg.Output {
	case OutputInherit:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case OutputDiscard:
	default:
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return r.spawnFailed(ctx, op, err)
		}
		if stderr, err = cmd.StderrPipe(); err != nil {
			return r.spawnFailed(ctx, op, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return r.spawnFailed(ctx, op, err)
	}

	var streams sync.WaitGroup
	if stdout != nil {
		streams.Add(2)
		go r.stream(ctx, &streams, stdout, "stdout")
		go r.stream(ctx, &streams, stderr, "stderr")
	}
	r.logger.Info(ctx, "Running command", "command", r.cfg.Command, "changed", len(paths))

	go func() {
		defer stdin.Close()
		w := bufio.NewWriter(stdin)
		for _, p := range paths {
			if _, err := fmt.Fprintln(w, p); err != nil {
				return
			}
		}
		_ = w.Flush()
	}()

	streams.Wait()
	err = cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		r.errs.Handle(ctx, hwerrors.NewBuildError(hwerrors.ErrCodeCommandExit, "command exited with non-zero status", err).
			WithComponent("runner").
			WithContext("command", r.cfg.Command).
			WithContext("exit_code", exitErr.ExitCode()))
		op.End(ctx, "exit_code", exitErr.ExitCode())
	case err != nil:
		r.errs.Handle(ctx, hwerrors.WrapBuild(err, hwerrors.ErrCodeCommandExit, "waiting for command failed", "runner"))
		op.End(ctx, "exit_code", -1)
	default:
		op.End(ctx, "exit_code", 0)
	}
	return nil
}

func (r *Runner) spawnFailed(ctx context.Context, op *logging.PerfLogger, err error) error {
	he := hwerrors.NewIOError(hwerrors.ErrCodeSpawn, "cannot start command", err).
		WithComponent("runner").
		WithContext("command", r.cfg.Command)
	op.EndWithError(ctx, he)
	return he
}

// stream copies the command's output into the log line by line.
func (r *Runner) stream(ctx context.Context, wg *sync.WaitGroup, src io.Reader, name string) {
	defer wg.Done()

	br := bufio.NewReader(src)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			r.logger.Info(ctx, line, "stream", name)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger.Warn(ctx, err, "Reading command output failed", "stream", name)
			}
			return
		}
	}
}
