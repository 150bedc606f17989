package shutdown

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/conneroisu/hotwatch/internal/bus"
	"github.com/conneroisu/hotwatch/internal/event"
	"github.com/conneroisu/hotwatch/internal/logging"
)

const ctrlC = 0x03

// KeyListener watches console input for the quit key.
type KeyListener struct {
	in      io.Reader
	quitKey byte
	trigger func(reason string)
	logger  logging.Logger
}

// NewKeyListener creates a listener reading from in. When in is a terminal
// it is switched to single-key mode for the listener's lifetime.
func NewKeyListener(in io.Reader, quitKey byte, trigger func(reason string), logger logging.Logger) *KeyListener {
	if quitKey == 0 {
		quitKey = 'q'
	}
	return &KeyListener{
		in:      in,
		quitKey: quitKey,
		trigger: trigger,
		logger:  logger.WithComponent("keys"),
	}
}

// Run reads keys until the quit key, end of input, a Quit event on rx or
// ctx cancellation. Only the quit key triggers shutdown.
func (k *KeyListener) Run(ctx context.Context, rx *bus.Receiver[event.Event]) error {
	if f, ok := k.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		restore, err := enterKeyMode(int(f.Fd()))
		if err != nil {
			k.logger.Warn(ctx, err, "Failed to switch terminal to key mode")
		} else {
			defer restore()
		}
	}

	keys := make(chan byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	// The read cannot be interrupted; this goroutine stays parked on it
	// after Run returns and exits at the next key or end of input.
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := k.in.Read(buf)
			if n == 1 {
				select {
				case keys <- buf[0]:
				case <-stop:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		ready := rx.Ready()
		for {
			ev, ok := rx.TryRecv()
			if !ok {
				break
			}
			if ev.Kind == event.KindQuit {
				return nil
			}
		}

		select {
		case key := <-keys:
			if key == k.quitKey || key == ctrlC {
				k.trigger("quit key")
				return nil
			}
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				k.logger.Debug(ctx, "Console input closed, quit key disabled")
				return nil
			}
			k.logger.Warn(ctx, err, "Console read failed, quit key disabled")
			return nil
		case <-ready:
		case <-ctx.Done():
			return nil
		}
	}
}

// restoreFunc puts the terminal back the way it was found.
type restoreFunc func()

func restoreWith(fd int, state *term.State) restoreFunc {
	return func() { _ = term.Restore(fd, state) }
}
