// Package watcher publishes a FileChange event for every relevant change
// under a directory tree. The Linux backend speaks inotify directly; the
// fsnotify backend covers every other platform.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/hotwatch/internal/bus"
	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/event"
	"github.com/conneroisu/hotwatch/internal/logging"
	"github.com/conneroisu/hotwatch/internal/shutdown"
)

// Op is a portable set of change kinds to report.
type Op uint32

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
)

// DefaultOps reports completed writes and renames, so editors that save by
// renaming a temp file over the original still trigger a rebuild.
const DefaultOps = OpWrite | OpRename

var opNames = []struct {
	op   Op
	name string
}{
	{OpCreate, "create"},
	{OpWrite, "write"},
	{OpRemove, "remove"},
	{OpRename, "rename"},
}

// String returns the string representation of the Op set
func (o Op) String() string {
	var names []string
	for _, n := range opNames {
		if o&n.op != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseOps builds an Op set from names such as "write" or "create".
func ParseOps(names []string) (Op, error) {
	var ops Op
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		found := false
		for _, n := range opNames {
			if n.name == name {
				ops |= n.op
				found = true
				break
			}
		}
		if !found {
			return 0, hwerrors.NewValidationError(hwerrors.ErrCodeConfigInvalid,
				fmt.Sprintf("unknown watch op %q", raw))
		}
	}
	if ops == 0 {
		ops = DefaultOps
	}
	return ops, nil
}

// Backend names a watch implementation.
type Backend string

const (
	BackendAuto     Backend = "auto"
	BackendInotify  Backend = "inotify"
	BackendFsnotify Backend = "fsnotify"
)

// Config configures a Watcher.
type Config struct {
	Root         string
	Ops          Op
	Backend      Backend
	Ignore       []string // glob patterns matched against each path element
	PollInterval time.Duration
}

// DefaultPollInterval is how long the inotify loop sleeps when no data is
// pending before checking for shutdown.
const DefaultPollInterval = 10 * time.Millisecond

// Watcher watches one directory tree.
type Watcher struct {
	cfg    Config
	logger logging.Logger
	ready  chan struct{}
}

// Option customises Watch.
type Option func(*Config)

// WithBackend selects the watch implementation.
func WithBackend(b Backend) Option { return func(c *Config) { c.Backend = b } }

// WithIgnore sets the ignore patterns.
func WithIgnore(patterns ...string) Option { return func(c *Config) { c.Ignore = patterns } }

// WithPollInterval sets the idle sleep of the inotify loop.
func WithPollInterval(d time.Duration) Option { return func(c *Config) { c.PollInterval = d } }

// New creates a watcher. Zero config fields take their defaults.
func New(cfg Config, logger logging.Logger) *Watcher {
	if cfg.Ops == 0 {
		cfg.Ops = DefaultOps
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Watcher{
		cfg:    cfg,
		logger: logger.WithComponent("watcher"),
		ready:  make(chan struct{}),
	}
}

// Watch runs a watcher on root until Quit is published on sender or ctx is
// done.
func Watch(ctx context.Context, root string, ops Op, sender bus.Sender[event.Event], logger logging.Logger, opts ...Option) error {
	cfg := Config{Root: root, Ops: ops}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg, logger).Run(ctx, sender)
}

// Ready is closed once the initial recursive registration has finished.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// run holds per-Run shutdown state shared by the backend and the listener.
type run struct {
	root    string
	sender  bus.Sender[event.Event]
	flag    shutdown.Flag
	stopped chan struct{}
}

// Run registers the tree and publishes changes until shutdown. A missing or
// unreadable root is returned immediately.
func (w *Watcher) Run(ctx context.Context, sender bus.Sender[event.Event]) error {
	root, err := filepath.Abs(w.cfg.Root)
	if err != nil {
		return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchInit, "cannot resolve watch root").WithPath(w.cfg.Root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchInit, "cannot watch root").WithPath(root)
	}
	if !info.IsDir() {
		return hwerrors.NewIOError(hwerrors.ErrCodeWatchInit, "watch root is not a directory", nil).WithPath(root)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{root: root, sender: sender, stopped: make(chan struct{})}
	go w.listen(ctx, sender.Subscribe(), r)

	w.logger.Info(ctx, "Watching directory tree", "root", root, "ops", w.cfg.Ops.String(), "backend", string(w.backend()))

	switch w.backend() {
	case BackendInotify:
		err = w.runInotify(ctx, r)
	default:
		err = w.runFsnotify(ctx, r)
	}
	if err != nil {
		w.logger.Error(ctx, err, "Watcher stopped")
		return err
	}

	w.logger.Debug(ctx, "Watcher stopped")
	return nil
}

func (w *Watcher) backend() Backend {
	if w.cfg.Backend == BackendAuto {
		if inotifySupported {
			return BackendInotify
		}
		return BackendFsnotify
	}
	return w.cfg.Backend
}

// listen raises the run's flag on Quit or when ctx ends.
func (w *Watcher) listen(ctx context.Context, rx *bus.Receiver[event.Event], r *run) {
	defer func() {
		if r.flag.Set() {
			close(r.stopped)
		}
	}()

	for {
		ev, err := rx.Recv(ctx)
		if err != nil || ev.Kind == event.KindQuit {
			return
		}
	}
}

// ignored reports whether any element of path below root matches an ignore
// pattern.
func (w *Watcher) ignored(root, path string) bool {
	if len(w.cfg.Ignore) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, pattern := range w.cfg.Ignore {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) markReady() {
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}
