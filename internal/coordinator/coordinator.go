// Package coordinator drives one client connection as a pair of goroutines.
//
// The reader parses requests off the wire and announces each one on a
// per-connection bus; the handler is the only goroutine that writes to the
// connection. The handler also listens on the global bus, so a finished
// build can be pushed to streaming clients and a Quit closes everything.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/hotwatch/internal/bus"
	"github.com/conneroisu/hotwatch/internal/event"
	hwhttp "github.com/conneroisu/hotwatch/internal/http"
	"github.com/conneroisu/hotwatch/internal/logging"
)

const (
	// DefaultMessage is the payload pushed to streaming clients.
	DefaultMessage = "File changed"

	// DefaultWriteTimeout bounds a single push to a streaming client.
	DefaultWriteTimeout = 5 * time.Second

	connBusCapacity = 4
)

// Deps are the collaborators shared by every connection.
type Deps struct {
	// Events is the global bus. Each connection subscribes its own receiver.
	Events bus.Sender[event.Event]
	// Handler answers ordinary requests.
	Handler http.Handler
	Logger  logging.Logger

	Message        string
	OriginPatterns []string
	WriteTimeout   time.Duration
}

type mode int

const (
	modeNormal mode = iota
	modeClose
	modeSSE
	modeWS
)

// ack is the handler's answer to one request. closed is set for WebSocket
// mode and fires once the peer is gone.
type ack struct {
	mode   mode
	closed <-chan struct{}
}

type connection struct {
	id   event.ConnID
	raw  net.Conn
	br   *bufio.Reader
	deps Deps
	log  logging.Logger

	local  bus.Sender[event.Event]
	connRx *bus.Receiver[event.Event]
	global *bus.Receiver[event.Event]

	mu      sync.Mutex
	pending *http.Request

	acks chan ack
	done chan struct{}

	mode    mode
	stream  *hwhttp.ResponseWriter
	ws      *websocket.Conn
	closing bool
}

// Serve runs the reader and handler for conn and returns when the handler
// exits. br must wrap conn and may already hold peeked bytes. The connection
// is closed on return.
func Serve(ctx context.Context, conn net.Conn, br *bufio.Reader, deps Deps) {
	if deps.Message == "" {
		deps.Message = DefaultMessage
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = DefaultWriteTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	id := event.ConnID(conn.RemoteAddr().String())
	local, connRx := bus.New(connBusCapacity, event.Start())

	c := &connection{
		id:     id,
		raw:    conn,
		br:     br,
		deps:   deps,
		log:    deps.Logger.WithComponent("coordinator").With("peer", string(id)),
		local:  local,
		connRx: connRx,
		global: deps.Events.Subscribe(),
		acks:   make(chan ack, 1),
		done:   make(chan struct{}),
	}

	go c.read()
	c.handle(ctx)
}

// read parses one request at a time and waits for the handler to answer it
// before touching the connection again.
func (c *connection) read() {
	defer c.local.Send(event.StreamClosed(c.id))

	for {
		req, err := http.ReadRequest(c.br)
		if err != nil {
			if !isClosed(err) {
				c.log.Warn(context.Background(), err, "Failed to read request")
			}
			return
		}

		c.mu.Lock()
		c.pending = req
		c.mu.Unlock()
		c.local.Send(event.HTTPRequest(c.id))

		var a ack
		select {
		case a = <-c.acks:
		case <-c.done:
			return
		}

		switch a.mode {
		case modeNormal:
			_, _ = io.Copy(io.Discard, req.Body)
			req.Body.Close()
		case modeClose:
			return
		case modeSSE:
			// nothing more is expected from the client; wait for it to hang up
			_, _ = io.Copy(io.Discard, c.br)
			return
		case modeWS:
			select {
			case <-a.closed:
			case <-c.done:
			}
			return
		}
	}
}

// handle is the sole writer. Global events are drained before connection
// events so a connection never answers a request after missing a Quit.
func (c *connection) handle(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	for {
		globalReady := c.global.Ready()
		connReady := c.connRx.Ready()

		for {
			ev, ok := c.global.TryRecv()
			if !ok {
				break
			}
			if c.onGlobal(ctx, ev) {
				return
			}
		}

		if ev, ok := c.connRx.TryRecv(); ok {
			if c.onLocal(ctx, ev) {
				return
			}
			continue
		}

		select {
		case <-globalReady:
		case <-connReady:
		case <-ctx.Done():
			c.quit()
			return
		}
	}
}

func (c *connection) onGlobal(ctx context.Context, ev event.Event) bool {
	switch ev.Kind {
	case event.KindCmdFinished:
		return c.push(ctx) != nil
	case event.KindQuit:
		c.quit()
		return true
	}
	return false
}

func (c *connection) onLocal(ctx context.Context, ev event.Event) bool {
	switch {
	case ev.Kind == event.KindHTTPRequest && ev.For(c.id):
		return c.respond(ctx)
	case ev.Kind == event.KindStreamClosed && ev.For(c.id):
		return true
	}
	return false
}

func (c *connection) respond(ctx context.Context) bool {
	c.mu.Lock()
	req := c.pending
	c.pending = nil
	c.mu.Unlock()
	if req == nil {
		return false
	}

	switch {
	case req.Method == http.MethodGet && req.URL.Path == "/sse":
		return c.startSSE(ctx, req)
	case req.Method == http.MethodGet && req.URL.Path == "/ws":
		return c.startWS(ctx, req)
	}

	w := hwhttp.NewResponseWriter(c.raw, c.br, req)
	c.deps.Handler.ServeHTTP(w, req)
	err := w.Finish()
	c.access(ctx, req, w.Status())
	if err != nil {
		c.log.Warn(ctx, err, "Failed to write response")
		c.acks <- ack{mode: modeClose}
		return true
	}

	if req.Close {
		c.closeWrite()
		c.acks <- ack{mode: modeClose}
		return false
	}
	c.acks <- ack{mode: modeNormal}
	return false
}

func (c *connection) startSSE(ctx context.Context, req *http.Request) bool {
	w := hwhttp.NewResponseWriter(c.raw, c.br, req)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")

	err := w.StartStream(http.StatusOK)
	c.access(ctx, req, http.StatusOK)
	if err != nil {
		c.log.Warn(ctx, err, "Failed to start event stream")
		c.acks <- ack{mode: modeClose}
		return true
	}

	c.mode = modeSSE
	c.stream = w
	c.acks <- ack{mode: modeSSE}
	return false
}

func (c *connection) startWS(ctx context.Context, req *http.Request) bool {
	w := hwhttp.NewResponseWriter(c.raw, c.br, req)
	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: c.deps.OriginPatterns,
	})
	c.access(ctx, req, w.Status())
	if err != nil {
		// Accept already wrote an error response
		c.log.Warn(ctx, err, "WebSocket upgrade failed")
		if ferr := w.Finish(); ferr != nil || req.Close {
			c.acks <- ack{mode: modeClose}
			return ferr != nil
		}
		c.acks <- ack{mode: modeNormal}
		return false
	}

	c.mode = modeWS
	c.ws = ws
	closed := ws.CloseRead(ctx)
	c.acks <- ack{mode: modeWS, closed: closed.Done()}
	return false
}

// push notifies a streaming client. Errors end the connection.
func (c *connection) push(ctx context.Context) error {
	switch c.mode {
	case modeSSE:
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.deps.WriteTimeout))
		_, err := fmt.Fprintf(c.stream, "data: %s\n\n", c.deps.Message)
		_ = c.raw.SetWriteDeadline(time.Time{})
		if err != nil {
			c.log.Debug(ctx, "Event stream client went away", "error", err.Error())
		}
		return err
	case modeWS:
		wctx, cancel := context.WithTimeout(ctx, c.deps.WriteTimeout)
		defer cancel()
		err := c.ws.Write(wctx, websocket.MessageText, []byte(c.deps.Message))
		if err != nil {
			c.log.Debug(ctx, "WebSocket client went away", "error", err.Error())
		}
		return err
	}
	return nil
}

func (c *connection) quit() {
	if c.mode == modeWS {
		c.closing = true
		ws := c.ws
		go ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	c.closeWrite()
}

func (c *connection) closeWrite() {
	if hc, ok := c.raw.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
}

// teardown releases the connection. A WebSocket owns its net.Conn and closes
// it through the close handshake.
func (c *connection) teardown() {
	if c.mode == modeWS {
		if !c.closing {
			_ = c.ws.CloseNow()
		}
		return
	}
	c.raw.Close()
}

func (c *connection) access(ctx context.Context, req *http.Request, status int) {
	c.log.Info(ctx, "Request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"user_agent", req.UserAgent(),
	)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
