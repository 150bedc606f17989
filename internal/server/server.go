// Package server wires the hotwatch components together: it binds the
// listener, starts the watcher, runner and key listener on a shared event
// bus, and hands every accepted connection to the coordinator.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logrusorgru/aurora"
	"golang.org/x/term"

	"github.com/conneroisu/hotwatch/internal/bus"
	"github.com/conneroisu/hotwatch/internal/config"
	"github.com/conneroisu/hotwatch/internal/coordinator"
	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/event"
	hwhttp "github.com/conneroisu/hotwatch/internal/http"
	"github.com/conneroisu/hotwatch/internal/logging"
	"github.com/conneroisu/hotwatch/internal/runner"
	"github.com/conneroisu/hotwatch/internal/shutdown"
	"github.com/conneroisu/hotwatch/internal/version"
	"github.com/conneroisu/hotwatch/internal/watcher"
)

// Server is one hotwatch instance.
type Server struct {
	cfg    *config.Config
	logger logging.Logger
	errs   *hwerrors.ErrorHandler

	out    io.Writer
	in     io.Reader
	colors bool

	tx      bus.Sender[event.Event]
	ctrl    *shutdown.Controller
	watcher *watcher.Watcher
	runner  *runner.Runner

	started time.Time
	ready   chan struct{}
	conns   atomic.Int64

	mu sync.Mutex
	ln net.Listener
}

// Option customises a Server.
type Option func(*Server)

// WithOutput sets where the startup banner is written. Defaults to stdout.
func WithOutput(w io.Writer) Option { return func(s *Server) { s.out = w } }

// WithInput sets the console the quit key is read from. Defaults to stdin.
func WithInput(r io.Reader) Option { return func(s *Server) { s.in = r } }

// WithColors forces banner colors on or off.
func WithColors(on bool) Option { return func(s *Server) { s.colors = on } }

// New creates a server from a validated configuration.
func New(cfg *config.Config, logger logging.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, hwerrors.NewConfigError(hwerrors.ErrCodeConfigInvalid, "configuration is required")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger = logger.WithComponent("server")
	tx, _ := bus.New(cfg.Bus.Capacity, event.Start())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		errs:   hwerrors.NewErrorHandler(logger),
		out:    os.Stdout,
		in:     os.Stdin,
		colors: term.IsTerminal(int(os.Stdout.Fd())),
		tx:     tx,
		ctrl:   shutdown.NewController(tx, logger, cfg.Shutdown.SentinelTimeout),
		watcher: watcher.New(watcher.Config{
			Root:         cfg.Watch.Dir,
			Ops:          cfg.Watch.WatchOps(),
			Backend:      watcher.Backend(cfg.Watch.Backend),
			Ignore:       cfg.Watch.Ignore,
			PollInterval: cfg.Watch.PollInterval,
		}, logger),
		runner: runner.New(runner.Config{
			Command: cfg.Run.Command,
			Dir:     cfg.Run.Dir,
			Output:  cfg.Run.Output,
		}, logger),
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ready is closed once the listener is bound and the watch tree registered.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address, or nil before Start binds it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown publishes Quit and wakes the accept loop. Start returns once the
// watcher, runner and key listener have stopped.
func (s *Server) Shutdown() {
	s.ctrl.Trigger("shutdown requested")
}

// Start runs the server until shutdown. Startup failures (missing watch
// directory, bind errors) are returned; component failures afterwards are
// logged.
func (s *Server) Start(ctx context.Context) error {
	root, err := s.checkWatchDir()
	if err != nil {
		return s.abort(ctx, err)
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return s.abort(ctx, hwerrors.WrapIO(err, hwerrors.ErrCodeBind,
			fmt.Sprintf("failed to bind %s", s.cfg.Server.Addr())))
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.ctrl.SetListenAddr(ln.Addr())
	if s.ctrl.Triggered() {
		// Shutdown ran before the address was known, so no sentinel will arrive
		ln.Close()
	}
	s.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	watchErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.watcher.Run(ctx, s.tx); err != nil {
			select {
			case <-s.watcher.Ready():
				s.report(ctx, err)
			default:
				watchErr <- err
			}
		}
	}()

	select {
	case <-s.watcher.Ready():
	case err := <-watchErr:
		s.ctrl.Trigger("watcher failed")
		ln.Close()
		wg.Wait()
		return s.abort(ctx, err)
	case <-ctx.Done():
	}

	runnerRx := s.tx.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.runner.Run(ctx, s.tx, runnerRx); err != nil {
			s.report(ctx, err)
		}
	}()

	if !s.cfg.Shutdown.NoKeys {
		keys := shutdown.NewKeyListener(s.in, s.cfg.Shutdown.Key(), s.ctrl.Trigger, s.logger)
		keysRx := s.tx.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := keys.Run(ctx, keysRx); err != nil {
				s.report(ctx, err)
			}
		}()
	}

	go s.ctrl.WatchSignals(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.ctrl.Trigger("context cancelled")
		case <-s.ctrl.Done():
		}
	}()

	s.banner(root, ln.Addr())
	close(s.ready)

	s.acceptLoop(ctx, ln)
	ln.Close()

	wg.Wait()
	s.logger.Info(ctx, "Server stopped", "uptime", time.Since(s.started).Round(time.Millisecond).String())
	return nil
}

func (s *Server) checkWatchDir() (string, error) {
	root, err := filepath.Abs(s.cfg.Watch.Dir)
	if err != nil {
		return "", hwerrors.WrapIO(err, hwerrors.ErrCodeWatchInit, "failed to resolve watch directory")
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", hwerrors.WrapIO(err, hwerrors.ErrCodeWatchInit, "watch directory is not accessible").WithPath(root)
	}
	if !info.IsDir() {
		return "", hwerrors.NewIOError(hwerrors.ErrCodeWatchInit, "watch path is not a directory", nil).WithPath(root)
	}
	return root, nil
}

// abort logs a startup failure and returns it for the caller.
func (s *Server) abort(ctx context.Context, err error) error {
	s.logger.Fatal(ctx, err, "Startup failed")
	return err
}

// report logs an error that ended a background component. Only that
// component stops; the server keeps serving files.
func (s *Server) report(ctx context.Context, err error) {
	s.errs.Handle(ctx, err)
}

// acceptLoop hands each connection to its own goroutine and returns once
// the listener is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	deps := coordinator.Deps{
		Events:         s.tx,
		Handler:        s.router(),
		Logger:         s.logger,
		OriginPatterns: originPatterns(s.cfg.Server.AllowedOrigins),
	}

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// transient accept failures (EMFILE and friends) back off like net/http
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn(ctx, err, "Accept failed", "retry_in", backoff.String())
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go s.dispatch(ctx, ln, conn, deps)
	}
}

// dispatch checks a new connection for the shutdown sentinel before it is
// treated as HTTP.
func (s *Server) dispatch(ctx context.Context, ln net.Listener, conn net.Conn, deps coordinator.Deps) {
	br := bufio.NewReader(conn)

	sentinel, err := shutdown.IsSentinel(conn, br, s.cfg.Server.IdleTimeout, s.cfg.Shutdown.SentinelTimeout)
	if err != nil {
		conn.Close()
		return
	}
	if sentinel {
		defer conn.Close()
		if !shutdown.IsLocalPeer(conn) {
			s.logger.Warn(ctx, nil, "Ignoring shutdown sentinel from remote peer", "peer", conn.RemoteAddr().String())
			return
		}
		s.ctrl.Trigger("sentinel")
		ln.Close()
		return
	}
	if s.ctrl.Triggered() {
		conn.Close()
		return
	}

	s.conns.Add(1)
	defer s.conns.Add(-1)
	coordinator.Serve(ctx, conn, br, deps)
}

func (s *Server) router() http.Handler {
	return hwhttp.NewRouter(hwhttp.RouterConfig{
		ServeDir:       s.cfg.Serve.Dir,
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		InjectReload:   s.cfg.Server.InjectReload,
	}, s.health, s.logger)
}

func (s *Server) health() hwhttp.Health {
	status := "healthy"
	if s.ctrl.Triggered() {
		status = "shutting_down"
	}
	return hwhttp.Health{
		Status:      status,
		Version:     version.Short(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		BusVersion:  s.tx.Version(),
		Runs:        s.runner.RunCount(),
		Connections: s.conns.Load(),
		Timestamp:   time.Now(),
	}
}

func (s *Server) banner(root string, addr net.Addr) {
	au := aurora.NewAurora(s.colors)

	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	serveDir, err := filepath.Abs(s.cfg.Serve.Dir)
	if err != nil {
		serveDir = s.cfg.Serve.Dir
	}
	hint := "Ctrl-C"
	if !s.cfg.Shutdown.NoKeys {
		hint = fmt.Sprintf("%c or Ctrl-C", s.cfg.Shutdown.Key())
	}

	fmt.Fprintf(s.out, "%s\n%s\n\nWatching %s\nServing  %s\n\n%s to exit\n",
		au.Bold(au.Cyan(fmt.Sprintf("http://localhost:%d", port))),
		au.Bold(au.Green("http://"+addr.String())),
		au.Brown(root),
		au.Brown(serveDir),
		au.Magenta(hint),
	)
}

// originPatterns converts allowed origins such as "http://localhost:3000"
// into the host patterns the WebSocket handshake checks.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			patterns = append(patterns, "*")
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			patterns = append(patterns, origin)
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
