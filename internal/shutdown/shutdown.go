// Package shutdown implements cooperative termination: a set-once flag, the
// loopback sentinel that wakes a blocked accept loop, and the controller
// that fans a single quit request out to every component.
package shutdown

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/conneroisu/hotwatch/internal/bus"
	"github.com/conneroisu/hotwatch/internal/event"
	"github.com/conneroisu/hotwatch/internal/logging"
)

// Sentinel is written by the controller to its own listener. It starts with
// a NUL byte, which never begins an HTTP request line.
const Sentinel = "\x00HOTWATCH-QUIT\x00"

// Flag is a set-once boolean safe for concurrent use.
type Flag struct {
	v atomic.Bool
}

// Set raises the flag and reports whether this call was the one that did it.
func (f *Flag) Set() bool {
	return f.v.CompareAndSwap(false, true)
}

// IsSet reports whether the flag has been raised.
func (f *Flag) IsSet() bool {
	return f.v.Load()
}

// IsSentinel inspects the first bytes buffered in br without consuming them.
// The peer gets idle to send its first byte; only a connection starting
// with NUL gets the shorter timeout for the rest of the sentinel. A non-nil
// error means the peer went away or stayed silent, and the caller should
// close the connection.
func IsSentinel(conn net.Conn, br *bufio.Reader, idle, timeout time.Duration) (bool, error) {
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	first, err := br.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return false, err
	}
	if first[0] != Sentinel[0] {
		return false, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	got, err := br.Peek(len(Sentinel))
	if err != nil {
		return false, nil
	}
	return string(got) == Sentinel, nil
}

// IsLocalPeer reports whether conn originates from this host: a loopback
// peer, or a peer whose address equals the local end of the connection.
func IsLocalPeer(conn net.Conn) bool {
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}
	if remote.IP.IsLoopback() {
		return true
	}
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	return ok && local.IP.Equal(remote.IP)
}

// Controller turns the first shutdown request into a Quit event plus a
// sentinel connection to the server's own listener.
type Controller struct {
	sender      bus.Sender[event.Event]
	logger      logging.Logger
	dialTimeout time.Duration

	mu   sync.Mutex
	addr net.Addr

	once sync.Once
	flag Flag
	done chan struct{}
}

// NewController creates a controller publishing on sender.
func NewController(sender bus.Sender[event.Event], logger logging.Logger, dialTimeout time.Duration) *Controller {
	if dialTimeout <= 0 {
		dialTimeout = time.Second
	}
	return &Controller{
		sender:      sender,
		logger:      logger.WithComponent("shutdown"),
		dialTimeout: dialTimeout,
		done:        make(chan struct{}),
	}
}

// SetListenAddr records the bound listener address the sentinel is sent to.
func (c *Controller) SetListenAddr(addr net.Addr) {
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
}

// Triggered reports whether shutdown has started.
func (c *Controller) Triggered() bool {
	return c.flag.IsSet()
}

// Done is closed once Trigger has run.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Trigger starts shutdown. Only the first call has any effect.
func (c *Controller) Trigger(reason string) {
	c.once.Do(func() {
		c.flag.Set()
		ctx := context.Background()
		c.logger.Info(ctx, "Shutting down", "reason", reason)

		c.sender.Send(event.Quit())
		close(c.done)

		c.mu.Lock()
		addr := c.addr
		c.mu.Unlock()
		if addr == nil {
			return
		}

		target := loopbackTarget(addr)
		conn, err := net.DialTimeout("tcp", target, c.dialTimeout)
		if err != nil {
			c.logger.Warn(ctx, err, "Failed to wake accept loop", "addr", target)
			return
		}
		defer conn.Close()

		_ = conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
		if _, err := conn.Write([]byte(Sentinel)); err != nil {
			c.logger.Warn(ctx, err, "Failed to write shutdown sentinel", "addr", target)
		}
	})
}

// WatchSignals triggers shutdown on SIGINT or SIGTERM. It returns when a
// signal arrives, shutdown starts elsewhere, or ctx is done.
func (c *Controller) WatchSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		c.Trigger(sig.String())
	case <-c.done:
	case <-ctx.Done():
	}
}

// loopbackTarget maps a wildcard bind address to the matching loopback
// address. A specific interface is dialled directly.
func loopbackTarget(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}

	ip := tcp.IP
	// a wildcard listener is dual-stack, so IPv4 loopback reaches it
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}

	return net.JoinHostPort(ip.String(), strconv.Itoa(tcp.Port))
}
