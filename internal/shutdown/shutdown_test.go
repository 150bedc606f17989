package shutdown

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotwatch/internal/bus"
	"github.com/conneroisu/hotwatch/internal/event"
	"github.com/conneroisu/hotwatch/internal/logging"
)

func TestFlagSetOnce(t *testing.T) {
	var f Flag
	assert.False(t, f.IsSet())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Set() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.True(t, f.IsSet())
	assert.Equal(t, int32(1), wins.Load())
}

func TestIsSentinel(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected bool
	}{
		{"sentinel", Sentinel, true},
		{"http request", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", false},
		{"nul prefix only", "\x00HOTWATCH-NOPE\x00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			go func() { _, _ = client.Write([]byte(tt.payload)) }()

			br := bufio.NewReader(server)
			got, err := IsSentinel(server, br, time.Second, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)

			// nothing consumed
			first, err := br.Peek(1)
			require.NoError(t, err)
			assert.Equal(t, tt.payload[0], first[0])
		})
	}
}

func TestIsSentinelShortNulPayloadTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { _, _ = client.Write([]byte{0}) }()

	start := time.Now()
	got, err := IsSentinel(server, bufio.NewReader(server), time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsSentinelPeerGone(t *testing.T) {
	client, server := net.Pipe()
	client.Close()
	defer server.Close()

	_, err := IsSentinel(server, bufio.NewReader(server), time.Second, time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestIsSentinelSilentPeerTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	start := time.Now()
	_, err := IsSentinel(server, bufio.NewReader(server), 50*time.Millisecond, time.Second)
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoopbackTarget(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", loopbackTarget(&net.TCPAddr{IP: net.IPv4zero, Port: 8080}))
	assert.Equal(t, "127.0.0.1:8080", loopbackTarget(&net.TCPAddr{IP: net.IPv6unspecified, Port: 8080}))
	assert.Equal(t, "127.0.0.1:9", loopbackTarget(&net.TCPAddr{Port: 9}))
	assert.Equal(t, "10.0.0.2:80", loopbackTarget(&net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 80}))
}

func TestControllerTriggerOnce(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tx, rx := bus.New(8, event.Start())
	ctl := NewController(tx, logging.Discard(), time.Second)
	ctl.SetListenAddr(ln.Addr())

	accepted := make(chan string, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			local := IsLocalPeer(conn)
			br := bufio.NewReader(conn)
			ok, _ := IsSentinel(conn, br, time.Second, time.Second)
			if ok && local {
				accepted <- "sentinel"
			} else {
				accepted <- "other"
			}
			conn.Close()
		}
	}()

	ctl.Trigger("test")
	ctl.Trigger("again")

	select {
	case got := <-accepted:
		assert.Equal(t, "sentinel", got)
	case <-time.After(2 * time.Second):
		t.Fatal("sentinel connection never arrived")
	}

	select {
	case <-accepted:
		t.Fatal("second trigger dialled again")
	case <-time.After(100 * time.Millisecond):
	}

	assert.True(t, ctl.Triggered())
	select {
	case <-ctl.Done():
	default:
		t.Fatal("done not closed")
	}

	var quits int
	for {
		ev, ok := rx.TryRecv()
		if !ok {
			break
		}
		if ev.Kind == event.KindQuit {
			quits++
		}
	}
	assert.Equal(t, 1, quits)
}

func TestControllerWithoutListener(t *testing.T) {
	tx, rx := bus.New(4, event.Start())
	ctl := NewController(tx, logging.Discard(), 0)

	assert.NotPanics(t, func() { ctl.Trigger("no listener") })

	rx.TryRecv()
	ev, ok := rx.TryRecv()
	require.True(t, ok)
	assert.Equal(t, event.KindQuit, ev.Kind)
}

func TestWatchSignalsReturnsOnTrigger(t *testing.T) {
	tx, _ := bus.New(4, event.Start())
	ctl := NewController(tx, logging.Discard(), 0)

	done := make(chan struct{})
	go func() {
		ctl.WatchSignals(context.Background())
		close(done)
	}()

	ctl.Trigger("elsewhere")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signal watcher did not return")
	}
}

func TestKeyListenerQuitKey(t *testing.T) {
	tx, rx := bus.New(4, event.Start())
	var reasons []string
	kl := NewKeyListener(strings.NewReader("abq"), 0, func(reason string) {
		reasons = append(reasons, reason)
		tx.Send(event.Quit())
	}, logging.Discard())

	require.NoError(t, kl.Run(context.Background(), rx))
	assert.Equal(t, []string{"quit key"}, reasons)
}

func TestKeyListenerCtrlC(t *testing.T) {
	_, rx := bus.New(4, event.Start())
	triggered := false
	kl := NewKeyListener(strings.NewReader("x\x03"), 'z', func(string) { triggered = true }, logging.Discard())

	require.NoError(t, kl.Run(context.Background(), rx))
	assert.True(t, triggered)
}

func TestKeyListenerEOFDoesNotQuit(t *testing.T) {
	_, rx := bus.New(4, event.Start())
	triggered := false
	kl := NewKeyListener(strings.NewReader("abc"), 'q', func(string) { triggered = true }, logging.Discard())

	require.NoError(t, kl.Run(context.Background(), rx))
	assert.False(t, triggered)
}

func TestKeyListenerStopsOnQuitEvent(t *testing.T) {
	tx, rx := bus.New(4, event.Start())
	pr, pw := io.Pipe()
	defer pw.Close()

	kl := NewKeyListener(pr, 'q', func(string) { t.Error("must not trigger") }, logging.Discard())

	done := make(chan error, 1)
	go func() { done <- kl.Run(context.Background(), rx) }()

	time.Sleep(20 * time.Millisecond)
	tx.Send(event.Quit())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("key listener ignored Quit")
	}
}
