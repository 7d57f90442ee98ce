package auditlog

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/pipeline"
	"github.com/wudi/edgegate/internal/router"
)

// HeaderResponseTime reports the gateway time spent before the status line.
const HeaderResponseTime = "X-Response-Time"

// Logger writes one start and one completion record per request and records
// the request metrics. It wraps the whole pipeline.
type Logger struct {
	logger    *zap.Logger
	metrics   *metrics.Collector
	redactor  *Redactor
	enabled   bool
	logBody   bool
	maxBody   int
	skipPaths []string
}

// New creates an audit Logger. maxBody is the effective body capture cap.
func New(cfg config.AuditConfig, maxBody int, logger *zap.Logger, m *metrics.Collector) *Logger {
	return &Logger{
		logger:    logger,
		metrics:   m,
		redactor:  NewRedactor(cfg, maxBody),
		enabled:   cfg.Enabled,
		logBody:   cfg.LogRequestBody,
		maxBody:   maxBody,
		skipPaths: cfg.SkipPaths,
	}
}

// Redactor returns the redactor used for records.
func (l *Logger) Redactor() *Redactor { return l.redactor }

// Skipped reports whether records for path are suppressed. Patterns holding
// glob metacharacters are matched with doublestar, the rest as prefixes.
func (l *Logger) Skipped(path string) bool {
	for _, p := range l.skipPaths {
		if strings.ContainsAny(p, "*?[{") {
			if ok, _ := doublestar.Match(p, path); ok {
				return true
			}
			continue
		}
		if router.PrefixMatch(p, path) {
			return true
		}
	}
	return false
}

// Observe implements pipeline.Observer.
func (l *Logger) Observe(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext, run pipeline.RunFunc) {
	start := rc.Start()
	quiet := !l.enabled || l.Skipped(r.URL.Path)

	capture := l.maxBody
	if quiet {
		capture = 0
	}
	tw := NewTeeWriter(w, capture, func(h http.Header) {
		h.Set(HeaderResponseTime, fmt.Sprintf("%.3fms", float64(time.Since(start))/float64(time.Millisecond)))
	})

	if !quiet {
		l.safe(rc, func() { l.logStart(r, rc) })
	}

	final := run(tw, r)
	duration := time.Since(start)

	if l.metrics != nil {
		l.metrics.RecordRequest(final.RouteName(), r.Method, tw.Status(), duration)
	}
	if !quiet {
		l.safe(final, func() { l.logCompletion(r, tw, final, duration) })
	}
}

func (l *Logger) logStart(r *http.Request, rc pipeline.RequestContext) {
	fields := []zap.Field{
		zap.String("request_id", rc.CorrelationID()),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("client", rc.ClientAddr()),
		zap.String("user_agent", r.UserAgent()),
		zap.Any("headers", l.redactor.Headers(r.Header)),
	}
	if body, truncated, ok := l.requestBody(r); ok {
		fields = append(fields, zap.Any("body", body))
		if truncated {
			fields = append(fields, zap.Bool("body_truncated", true))
		}
	}
	l.logger.Info("Incoming request", fields...)
}

// requestBody captures the inbound JSON body only when its declared length
// fits the cap, so the audit read never consumes more than the pipeline
// would accept.
func (l *Logger) requestBody(r *http.Request) (interface{}, bool, bool) {
	if !l.logBody || r.Body == nil || r.Body == http.NoBody {
		return nil, false, false
	}
	ct := r.Header.Get("Content-Type")
	if !middleware.IsJSON(ct) || r.ContentLength <= 0 || r.ContentLength > int64(l.maxBody) {
		return nil, false, false
	}
	data, err := middleware.ReadBody(r)
	if err != nil || len(data) == 0 {
		return nil, false, false
	}
	body, truncated := l.redactor.Body(data, ct, true)
	return body, truncated, true
}

func (l *Logger) logCompletion(r *http.Request, tw *TeeWriter, rc pipeline.RequestContext, duration time.Duration) {
	status := tw.Status()
	fields := []zap.Field{
		zap.String("request_id", rc.CorrelationID()),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.Int64("bytes", tw.Bytes()),
		zap.String("route", rc.RouteName()),
	}
	if rc.Identity() != nil {
		fields = append(fields, zap.String("subject", rc.Subject()))
	}
	if data := tw.Body(); len(data) > 0 {
		body, truncated := l.redactor.Body(data, tw.Header().Get("Content-Type"), !tw.Truncated())
		fields = append(fields, zap.Any("body", body))
		if truncated {
			fields = append(fields, zap.Bool("body_truncated", true))
		}
	}

	if ce := l.logger.Check(LevelFor(status), "Request completed"); ce != nil {
		ce.Write(fields...)
	}
}

// LevelFor maps a response status to the completion record level.
func LevelFor(status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// safe runs fn and turns a panic into a best-effort line.
func (l *Logger) safe(rc pipeline.RequestContext, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("Audit record failed",
				zap.String("request_id", rc.CorrelationID()),
				zap.Any("panic", rec),
			)
			if l.metrics != nil {
				l.metrics.RecordAuditFailure()
			}
		}
	}()
	fn()
}
