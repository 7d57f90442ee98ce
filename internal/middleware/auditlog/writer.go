package auditlog

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
)

// TeeWriter passes the response through unchanged while keeping the status,
// the byte count and up to max bytes of the body for the audit record.
type TeeWriter struct {
	http.ResponseWriter
	statusCode   int
	wroteHeader  bool
	hijacked     bool
	bytes        int64
	max          int
	body         bytes.Buffer
	truncated    bool
	beforeHeader func(http.Header)
}

// NewTeeWriter wraps w. beforeHeader, when set, runs once right before the
// status line is committed.
func NewTeeWriter(w http.ResponseWriter, max int, beforeHeader func(http.Header)) *TeeWriter {
	return &TeeWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		max:            max,
		beforeHeader:   beforeHeader,
	}
}

func (tw *TeeWriter) WriteHeader(code int) {
	if tw.wroteHeader {
		return
	}
	// Informational responses do not commit the final status.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		tw.ResponseWriter.WriteHeader(code)
		return
	}
	tw.wroteHeader = true
	tw.statusCode = code
	if tw.beforeHeader != nil {
		tw.beforeHeader(tw.Header())
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *TeeWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	if room := tw.max - tw.body.Len(); room > 0 {
		if len(b) > room {
			tw.body.Write(b[:room])
			tw.truncated = true
		} else {
			tw.body.Write(b)
		}
	} else if len(b) > 0 {
		tw.truncated = true
	}
	n, err := tw.ResponseWriter.Write(b)
	tw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (tw *TeeWriter) Flush() {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket upgrades.
func (tw *TeeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		tw.hijacked = true
		tw.wroteHeader = true
		tw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (tw *TeeWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

// Written reports whether the response has started.
func (tw *TeeWriter) Written() bool { return tw.wroteHeader }

// Status returns the committed status code.
func (tw *TeeWriter) Status() int { return tw.statusCode }

// Bytes returns the number of body bytes written to the client.
func (tw *TeeWriter) Bytes() int64 { return tw.bytes }

// Body returns the captured prefix of the response body.
func (tw *TeeWriter) Body() []byte { return tw.body.Bytes() }

// Truncated reports whether the body exceeded the capture cap.
func (tw *TeeWriter) Truncated() bool { return tw.truncated }

// Hijacked reports whether the connection was taken over.
func (tw *TeeWriter) Hijacked() bool { return tw.hijacked }
