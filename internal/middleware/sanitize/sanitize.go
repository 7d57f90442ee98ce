// Package sanitize strips markup and query operators from inbound payloads
// before they reach a backend.
package sanitize

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/pipeline"
)

// Sanitizer is the input sanitization stage.
type Sanitizer struct {
	policy       *bluemonday.Policy
	stripKeys    bool
	allowRepeats map[string]bool
}

// New creates the stage from config.
func New(cfg config.SanitizeConfig) *Sanitizer {
	s := &Sanitizer{
		policy:       NewPolicy(),
		stripKeys:    cfg.StripOperatorKeys,
		allowRepeats: make(map[string]bool, len(cfg.DuplicateParams)),
	}
	for _, k := range cfg.DuplicateParams {
		s.allowRepeats[k] = true
	}
	return s
}

// NewPolicy returns the markup allow-list applied to every string value.
func NewPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"a", "p", "br", "ul", "ol", "li", "strong", "em", "u",
		"blockquote", "code", "pre", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6",
	)
	p.AllowAttrs("href", "title", "target", "rel").OnElements("a")
	p.AllowStandardURLs()
	p.SkipElementsContent("script", "style", "iframe", "object", "embed")
	return p
}

func (s *Sanitizer) Name() string { return "sanitize" }

func (s *Sanitizer) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	if r.URL.RawQuery != "" {
		r.URL.RawQuery = s.sanitizeQuery(r.URL.Query(), r.URL.RawQuery, rc)
	}

	if !middleware.IsJSON(r.Header.Get("Content-Type")) {
		return pipeline.Continue(rc)
	}

	body, err := middleware.ReadBody(r)
	if err != nil {
		return pipeline.Fail(rc, middleware.BodyError(err))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return pipeline.Continue(rc)
	}

	out, err := s.SanitizeJSON(body, rc.CorrelationID())
	if err != nil {
		return pipeline.Fail(rc, errors.Validation("Invalid request body", nil))
	}
	middleware.ReplaceBody(r, out)
	return pipeline.Continue(rc)
}

// SanitizeJSON decodes a JSON document, cleans every string leaf and drops
// operator keys, then encodes it again.
func (s *Sanitizer) SanitizeJSON(data []byte, requestID string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}

	doc = s.walk(doc, requestID)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (s *Sanitizer) walk(v interface{}, requestID string) interface{} {
	switch val := v.(type) {
	case string:
		return s.SanitizeString(val)
	case map[string]interface{}:
		for k, child := range val {
			if s.stripKeys && isOperatorKey(k) {
				logging.Warn("Removed operator key from request body",
					zap.String("request_id", requestID),
					zap.String("key", k),
				)
				delete(val, k)
				continue
			}
			val[k] = s.walk(child, requestID)
		}
		return val
	case []interface{}:
		for i, child := range val {
			val[i] = s.walk(child, requestID)
		}
		return val
	default:
		return v
	}
}

// SanitizeString trims s and strips disallowed markup. Text without a tag
// opener is only trimmed so plain values keep their punctuation.
func (s *Sanitizer) SanitizeString(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "<") {
		return v
	}
	return strings.TrimSpace(s.policy.Sanitize(v))
}

// sanitizeQuery collapses repeated keys to their last value, drops operator
// keys and cleans values. The raw query is kept when nothing changed.
func (s *Sanitizer) sanitizeQuery(q url.Values, raw string, rc pipeline.RequestContext) string {
	changed := false
	for k, vs := range q {
		if s.stripKeys && isOperatorKey(k) {
			logging.Warn("Removed operator key from query",
				zap.String("request_id", rc.CorrelationID()),
				zap.String("key", k),
			)
			q.Del(k)
			changed = true
			continue
		}
		if len(vs) > 1 && !s.allowRepeats[k] {
			vs = vs[len(vs)-1:]
			changed = true
		}
		cleaned := make([]string, len(vs))
		for i, v := range vs {
			cleaned[i] = s.SanitizeString(v)
			if cleaned[i] != v {
				changed = true
			}
		}
		q[k] = cleaned
	}
	if !changed {
		return raw
	}
	return q.Encode()
}

func isOperatorKey(k string) bool {
	return strings.HasPrefix(k, "$") || strings.Contains(k, ".")
}

type sanitizeError string

func (e sanitizeError) Error() string { return string(e) }

const errTrailingData = sanitizeError("unexpected data after JSON document")
