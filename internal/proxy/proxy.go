package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/pipeline"
	"github.com/wudi/edgegate/internal/router"
	"github.com/wudi/edgegate/internal/websocket"
)

// Upstream failure reasons recorded in metrics.
const (
	ReasonTimeout  = "timeout"
	ReasonRefused  = "connection_refused"
	ReasonCanceled = "canceled"
	ReasonTooLarge = "payload_too_large"
	ReasonError    = "error"
	ReasonStream   = "stream"
)

// StatusClientClosedRequest is recorded when the client goes away before
// the backend answers. Nothing is written to the client.
const StatusClientClosedRequest = 499

// Injector writes trace context into outbound headers.
type Injector interface {
	Inject(ctx context.Context, h http.Header)
}

// Config holds forwarder configuration
type Config struct {
	Transport      http.RoundTripper
	Tunnel         *websocket.Tunnel
	Injector       Injector
	Metrics        *metrics.Collector
	DefaultTimeout time.Duration
	// FlushInterval is the streaming flush latency. Zero flushes after every
	// write, negative never flushes.
	FlushInterval time.Duration
}

// Forwarder is the single forwarding engine. It interprets the router.Rule
// bound to the request context and streams the backend response back.
type Forwarder struct {
	transport      http.RoundTripper
	tunnel         *websocket.Tunnel
	injector       Injector
	metrics        *metrics.Collector
	defaultTimeout time.Duration
	flushInterval  time.Duration
}

// New creates a new forwarder
func New(cfg Config) *Forwarder {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		transport:      transport,
		tunnel:         cfg.Tunnel,
		injector:       cfg.Injector,
		metrics:        cfg.Metrics,
		defaultTimeout: timeout,
		flushInterval:  cfg.FlushInterval,
	}
}

func (f *Forwarder) Name() string { return "forward" }

// Process forwards r to the backend of the rule bound to rc.
func (f *Forwarder) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	rule := rc.Route()
	if rule == nil {
		return pipeline.Fail(rc, errors.NotFound())
	}

	if rule.WebSocket && f.tunnel != nil && websocket.IsUpgradeRequest(r) {
		// The tunnel outlives the per-rule timeout; only the handshake is bounded.
		out := f.outbound(r.Context(), r, rc, rule, true)
		if err := f.tunnel.Serve(w, out); err != nil {
			if r.Context().Err() != nil {
				return f.clientGone(w, rc, rule, err)
			}
			return pipeline.Fail(rc, f.upstreamError(rc, rule, err))
		}
		return pipeline.Halt(rc)
	}

	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := f.transport.RoundTrip(f.outbound(ctx, r, rc, rule, false))
	if err != nil {
		if r.Context().Err() != nil {
			return f.clientGone(w, rc, rule, err)
		}
		return pipeline.Fail(rc, f.upstreamError(rc, rule, err))
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	for k, v := range rule.ResponseHeaders {
		w.Header().Set(k, v)
	}
	w.Header().Set(pipeline.HeaderRequestID, rc.CorrelationID())
	w.WriteHeader(resp.StatusCode)

	if err := f.copyBody(w, resp.Body); err != nil {
		logging.Warn("Upstream response interrupted",
			zap.String("request_id", rc.CorrelationID()),
			zap.String("service", rule.Name),
			zap.Error(err),
		)
		if f.metrics != nil {
			f.metrics.RecordUpstreamError(rule.Name, ReasonStream)
		}
	}
	return pipeline.Halt(rc)
}

// outbound builds the backend request for r under rule.
func (f *Forwarder) outbound(ctx context.Context, r *http.Request, rc pipeline.RequestContext, rule *router.Rule, upgrade bool) *http.Request {
	target := rule.OutboundURL(r.URL)

	out := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Header:        r.Header.Clone(),
		Host:          target.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		out.Body = nil
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}

	removeHopHeaders(out.Header)
	pipeline.SetIdentityHeaders(out.Header, rc.Identity())
	if !rule.ForwardAuthorization {
		out.Header.Del("Authorization")
	}

	if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		out.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+rc.ClientAddr())
	} else {
		out.Header.Set("X-Forwarded-For", rc.ClientAddr())
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set(pipeline.HeaderRequestID, rc.CorrelationID())

	if rule.PreserveHost {
		out.Host = r.Host
	}
	for k, v := range rule.RequestHeaders {
		out.Header.Set(k, v)
	}
	if f.injector != nil {
		f.injector.Inject(ctx, out.Header)
	}
	if upgrade {
		out.Header.Set("Connection", "Upgrade")
		out.Header.Set("Upgrade", "websocket")
	}
	return out
}

// upstreamError classifies a failed forward. A timeout is 503; refusals
// and anything else are 500.
func (f *Forwarder) upstreamError(rc pipeline.RequestContext, rule *router.Rule, err error) *errors.GatewayError {
	var maxErr *http.MaxBytesError
	if stderrors.As(err, &maxErr) {
		if f.metrics != nil {
			f.metrics.RecordUpstreamError(rule.Name, ReasonTooLarge)
		}
		return errors.PayloadTooLarge()
	}

	status, reason := http.StatusInternalServerError, ReasonError
	switch {
	case stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		status, reason = http.StatusServiceUnavailable, ReasonTimeout
	case stderrors.Is(err, context.Canceled):
		reason = ReasonCanceled
	case stderrors.Is(err, syscall.ECONNREFUSED):
		reason = ReasonRefused
	}

	logging.Error("Upstream request failed",
		zap.String("request_id", rc.CorrelationID()),
		zap.String("service", rule.Name),
		zap.String("target", rule.Target.String()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if f.metrics != nil {
		f.metrics.RecordUpstreamError(rule.Name, reason)
	}
	return errors.UpstreamUnavailable(status, rule.Name, rule.FallbackMessage, err)
}

// clientGone ends a request whose client disconnected mid-flight. The
// upstream round trip has already been aborted through the request context.
func (f *Forwarder) clientGone(w http.ResponseWriter, rc pipeline.RequestContext, rule *router.Rule, err error) pipeline.Result {
	logging.Debug("Client disconnected before upstream response",
		zap.String("request_id", rc.CorrelationID()),
		zap.String("service", rule.Name),
		zap.Error(err),
	)
	if f.metrics != nil {
		f.metrics.RecordUpstreamError(rule.Name, ReasonCanceled)
	}
	w.WriteHeader(StatusClientClosedRequest)
	return pipeline.Halt(rc)
}

func isTimeout(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// copyBody streams the response body, flushing according to flushInterval.
func (f *Forwarder) copyBody(w http.ResponseWriter, body io.Reader) error {
	flusher, ok := w.(http.Flusher)
	if !ok || f.flushInterval < 0 {
		_, err := io.Copy(w, body)
		return err
	}

	fw := &flushWriter{w: w, flusher: flusher, latency: f.flushInterval}
	defer fw.stop()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := fw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// flushWriter flushes at most latency after a write.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
	latency time.Duration

	mu      sync.Mutex
	t       *time.Timer
	pending bool
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	n, err := fw.w.Write(p)
	if fw.latency == 0 {
		fw.flusher.Flush()
		return n, err
	}
	if fw.pending {
		return n, err
	}
	fw.pending = true
	if fw.t == nil {
		fw.t = time.AfterFunc(fw.latency, fw.delayedFlush)
	} else {
		fw.t.Reset(fw.latency)
	}
	return n, err
}

func (fw *flushWriter) delayedFlush() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.pending {
		return
	}
	fw.flusher.Flush()
	fw.pending = false
}

func (fw *flushWriter) stop() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.pending {
		fw.flusher.Flush()
		fw.pending = false
	}
	if fw.t != nil {
		fw.t.Stop()
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops hop-by-hop headers and any header named in
// Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
