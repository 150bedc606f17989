// Package http adapts net/http handlers to connections owned by the
// coordinator: requests are parsed by the caller, and responses are written
// through a ResponseWriter bound directly to the connection.
package http

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrHijacked is returned by writes after the connection was taken over.
var ErrHijacked = errors.New("http: connection has been hijacked")

// ResponseWriter buffers a handler's response and serialises it as one
// HTTP/1.1 message on Finish. In streaming mode the header is sent at once
// and every write is flushed to the connection.
type ResponseWriter struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	req  *http.Request

	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
	streaming   bool
	hijacked    bool
	finished    bool
}

var (
	_ http.ResponseWriter = (*ResponseWriter)(nil)
	_ http.Flusher        = (*ResponseWriter)(nil)
	_ http.Hijacker       = (*ResponseWriter)(nil)
)

// NewResponseWriter creates a writer answering req on conn. br is the
// reader the request was parsed from; it is handed over on Hijack.
func NewResponseWriter(conn net.Conn, br *bufio.Reader, req *http.Request) *ResponseWriter {
	return &ResponseWriter{
		conn:   conn,
		br:     br,
		bw:     bufio.NewWriter(conn),
		req:    req,
		header: make(http.Header),
	}
}

// Header returns the header map that will be sent.
func (w *ResponseWriter) Header() http.Header {
	return w.header
}

// WriteHeader records the status code. Only the first call counts.
func (w *ResponseWriter) WriteHeader(code int) {
	if w.wroteHeader || w.hijacked {
		return
	}
	w.wroteHeader = true
	w.status = code
}

// Write buffers p, or sends it at once in streaming mode.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, ErrHijacked
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.streaming {
		return w.body.Write(p)
	}

	n, err := w.bw.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.bw.Flush()
}

// Flush sends buffered stream data. It is a no-op for buffered responses.
func (w *ResponseWriter) Flush() {
	if w.streaming && !w.hijacked {
		_ = w.bw.Flush()
	}
}

// StartStream sends the status line and headers without a Content-Length
// and switches to streaming mode.
func (w *ResponseWriter) StartStream(code int) error {
	if w.hijacked {
		return ErrHijacked
	}
	w.WriteHeader(code)
	w.streaming = true
	w.header.Del("Content-Length")
	if err := w.writeHead(); err != nil {
		return err
	}
	return w.bw.Flush()
}

// Streaming reports whether the response is in streaming mode.
func (w *ResponseWriter) Streaming() bool {
	return w.streaming
}

// Hijack hands the connection to the caller. A status recorded with
// WriteHeader, such as 101 Switching Protocols, is sent first.
func (w *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, ErrHijacked
	}
	if w.wroteHeader && !w.streaming {
		if err := w.writeHead(); err != nil {
			return nil, nil, err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return nil, nil, err
	}
	w.hijacked = true
	return w.conn, bufio.NewReadWriter(w.br, w.bw), nil
}

// Hijacked reports whether Hijack succeeded.
func (w *ResponseWriter) Hijacked() bool {
	return w.hijacked
}

// Status returns the recorded status code, 200 when none was set.
func (w *ResponseWriter) Status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}

// Finish writes a buffered response to the connection. Streaming and
// hijacked responses only get a flush.
func (w *ResponseWriter) Finish() error {
	if w.finished || w.hijacked {
		return nil
	}
	w.finished = true
	if w.streaming {
		return w.bw.Flush()
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	withBody := bodyAllowed(w.status)
	switch {
	case !withBody:
		w.header.Del("Content-Length")
	case w.req != nil && w.req.Method == http.MethodHead && w.header.Get("Content-Length") != "":
		// HEAD keeps the length the handler advertised
	default:
		w.header.Set("Content-Length", strconv.Itoa(w.body.Len()))
	}

	if err := w.writeHead(); err != nil {
		return err
	}
	if withBody && (w.req == nil || w.req.Method != http.MethodHead) {
		if _, err := w.bw.Write(w.body.Bytes()); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

func (w *ResponseWriter) writeHead() error {
	if w.header.Get("Date") == "" {
		w.header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if w.req != nil && w.req.Close {
		w.header.Set("Connection", "close")
	}

	if _, err := fmt.Fprintf(w.bw, "HTTP/1.1 %d %s\r\n", w.status, http.StatusText(w.status)); err != nil {
		return err
	}
	if err := w.header.Write(w.bw); err != nil {
		return err
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
