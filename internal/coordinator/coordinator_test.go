package coordinator

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotwatch/internal/bus"
	"github.com/conneroisu/hotwatch/internal/event"
)

type harness struct {
	tx     bus.Sender[event.Event]
	addr   string
	served chan struct{}
}

func startServer(t *testing.T) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tx, _ := bus.New(16, event.Start())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	h := &harness{tx: tx, addr: ln.Addr().String(), served: make(chan struct{}, 16)}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "path="+r.URL.Path)
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				Serve(ctx, conn, bufio.NewReader(conn), Deps{Events: tx, Handler: handler})
				h.served <- struct{}{}
			}()
		}
	}()
	return h
}

func (h *harness) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func (h *harness) waitServed(t *testing.T) {
	t.Helper()
	select {
	case <-h.served:
	case <-time.After(2 * time.Second):
		t.Fatal("connection handler did not exit")
	}
}

func get(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) *http.Response {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	return resp
}

func TestKeepAliveServesSequentialRequests(t *testing.T) {
	h := startServer(t)
	conn, br := h.dial(t)

	for _, p := range []string{"/a.html", "/b.css"} {
		resp := get(t, conn, br, "GET "+p+" HTTP/1.1\r\nHost: x\r\n\r\n")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "path="+p, string(body))
		assert.False(t, resp.Close)
	}

	conn.Close()
	h.waitServed(t)
}

func TestConnectionCloseEndsConnection(t *testing.T) {
	h := startServer(t)
	conn, br := h.dial(t)

	resp := get(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, resp.Close)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	h.waitServed(t)
}

func TestSSEPushesOnlyNewBuilds(t *testing.T) {
	h := startServer(t)
	// published before the client connects: must not be pushed
	h.tx.Send(event.CmdFinished())

	conn, br := h.dial(t)
	resp := get(t, conn, br, "GET /sse HTTP/1.1\r\nHost: x\r\n\r\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(-1), resp.ContentLength)

	h.tx.Send(event.FileChange("/tmp/ignored"))
	h.tx.Send(event.CmdFinished())

	lines := bufio.NewReader(resp.Body)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: File changed\n", line)
	blank, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", blank)

	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, err = lines.ReadByte()
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestQuitClosesEventStream(t *testing.T) {
	h := startServer(t)
	conn, br := h.dial(t)

	resp := get(t, conn, br, "GET /sse HTTP/1.1\r\nHost: x\r\n\r\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.tx.Send(event.Quit())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	h.waitServed(t)
}

func TestQuitClosesIdleConnection(t *testing.T) {
	h := startServer(t)
	conn, br := h.dial(t)

	resp := get(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	_, _ = io.ReadAll(resp.Body)

	h.tx.Send(event.Quit())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	h.waitServed(t)
}

func TestWebSocketPushAndGoingAway(t *testing.T) {
	h := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+h.addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	h.tx.Send(event.CmdFinished())

	typ, msg, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, DefaultMessage, string(msg))

	h.tx.Send(event.Quit())

	_, _, err = ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	h.waitServed(t)
}

func TestWebSocketPeerClose(t *testing.T) {
	h := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+h.addr+"/ws", nil)
	require.NoError(t, err)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))
	h.waitServed(t)
}

func TestMalformedRequestEndsConnection(t *testing.T) {
	h := startServer(t)
	conn, br := h.dial(t)

	_, err := io.WriteString(conn, "NOT HTTP\r\n\r\n")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = br.ReadByte()
	assert.Error(t, err)
	h.waitServed(t)
}
