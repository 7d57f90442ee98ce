package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

// ErrHijackUnsupported is returned when the response writer cannot hand
// over the client connection.
var ErrHijackUnsupported = errors.New("websocket: response writer does not support hijacking")

// Tunnel relays an upgraded connection between the client and a backend.
type Tunnel struct {
	dialer           *net.Dialer
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
}

// NewTunnel creates a Tunnel. insecureSkipVerify applies to wss/https
// backends.
func NewTunnel(dialTimeout time.Duration, insecureSkipVerify bool) *Tunnel {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Tunnel{
		dialer:           &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		tlsConfig:        &tls.Config{InsecureSkipVerify: insecureSkipVerify},
		handshakeTimeout: dialTimeout,
	}
}

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Serve sends out, an already rewritten upgrade request, to its backend and
// relays the connection once the backend switches protocols. A non-101
// answer is copied to w as a normal response. Errors are returned only
// while nothing has been written to the client.
func (t *Tunnel) Serve(w http.ResponseWriter, out *http.Request) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return ErrHijackUnsupported
	}

	backend, err := t.dial(out.Context(), out)
	if err != nil {
		return err
	}

	backend.SetDeadline(time.Now().Add(t.handshakeTimeout))
	if err := out.Write(backend); err != nil {
		backend.Close()
		return fmt.Errorf("websocket: write handshake: %w", err)
	}
	br := bufio.NewReader(backend)
	resp, err := http.ReadResponse(br, out)
	if err != nil {
		backend.Close()
		return fmt.Errorf("websocket: read handshake: %w", err)
	}
	backend.SetDeadline(time.Time{})

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer backend.Close()
		defer resp.Body.Close()
		for k, vv := range resp.Header {
			w.Header()[k] = append([]string(nil), vv...)
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return nil
	}

	client, clientBuf, err := hj.Hijack()
	if err != nil {
		backend.Close()
		return fmt.Errorf("websocket: hijack: %w", err)
	}
	defer client.Close()
	defer backend.Close()

	if err := resp.Write(clientBuf); err == nil {
		err = clientBuf.Flush()
	}
	if err != nil {
		logging.Debug("WebSocket handshake relay failed", zap.Error(err))
		return nil
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(backend, clientBuf)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(client, br)
		errCh <- err
	}()

	select {
	case err = <-errCh:
	case <-out.Context().Done():
		err = out.Context().Err()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		logging.Debug("WebSocket tunnel closed", zap.String("target", out.URL.Host), zap.Error(err))
	}

	// Let the other direction drain before the deferred closes.
	client.SetDeadline(time.Now().Add(time.Second))
	backend.SetDeadline(time.Now().Add(time.Second))
	return nil
}

func (t *Tunnel) dial(ctx context.Context, out *http.Request) (net.Conn, error) {
	addr := out.URL.Host
	secure := out.URL.Scheme == "https" || out.URL.Scheme == "wss"
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if secure {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", addr, err)
	}
	if !secure {
		return conn, nil
	}

	cfg := t.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = out.URL.Hostname()
	}
	tconn := tls.Client(conn, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("websocket: tls handshake: %w", err)
	}
	return tconn, nil
}
