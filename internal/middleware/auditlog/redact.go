package auditlog

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/middleware"
)

// Redacted replaces every sensitive value.
const Redacted = "***REDACTED***"

// Redactor masks sensitive headers and JSON fields before they are logged.
// Field names match case-insensitively and exactly.
type Redactor struct {
	headers map[string]bool
	fields  map[string]bool
	maxBody int
	preview int
	// inline masks "field": value pairs in text that cannot be decoded.
	inline *regexp.Regexp
}

// NewRedactor builds a redactor from the audit config. maxBody bounds the
// bodies that are decoded; larger ones are only previewed.
func NewRedactor(cfg config.AuditConfig, maxBody int) *Redactor {
	r := &Redactor{
		headers: make(map[string]bool, len(cfg.SensitiveHeaders)),
		fields:  make(map[string]bool, len(cfg.SensitiveFields)),
		maxBody: maxBody,
		preview: cfg.PreviewChars,
	}
	if r.preview <= 0 {
		r.preview = 500
	}
	for _, h := range cfg.SensitiveHeaders {
		r.headers[strings.ToLower(h)] = true
	}
	names := make([]string, 0, len(cfg.SensitiveFields))
	for _, f := range cfg.SensitiveFields {
		r.fields[strings.ToLower(f)] = true
		names = append(names, regexp.QuoteMeta(f))
	}
	if len(names) > 0 {
		sort.Strings(names)
		r.inline = regexp.MustCompile(`(?i)"(` + strings.Join(names, "|") + `)"\s*:\s*("(?:[^"\\]|\\.)*"?|[^,}\]\s]*)`)
	}
	return r
}

// Headers flattens h into a loggable map with sensitive values masked.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if r.headers[key] {
			out[key] = Redacted
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// Redact walks a decoded JSON value and masks sensitive fields in place.
// Applying it twice gives the same result as applying it once.
func (r *Redactor) Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			if r.fields[strings.ToLower(k)] {
				val[k] = Redacted
				continue
			}
			val[k] = r.Redact(child)
		}
		return val
	case []interface{}:
		for i, child := range val {
			val[i] = r.Redact(child)
		}
		return val
	default:
		return v
	}
}

// RedactJSON decodes data, masks it and encodes it again.
func (r *Redactor) RedactJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return json.Marshal(r.Redact(doc))
}

// Body returns a loggable form of a payload: redacted JSON when it is a
// complete JSON document within the cap, a preview otherwise. It never
// panics; any failure degrades to the preview.
func (r *Redactor) Body(data []byte, contentType string, complete bool) (body interface{}, truncated bool) {
	defer func() {
		if rec := recover(); rec != nil {
			body, truncated = r.Preview(data)
		}
	}()

	if len(data) == 0 {
		return nil, false
	}
	if complete && len(data) <= r.maxBody && middleware.IsJSON(contentType) {
		if out, err := r.RedactJSON(data); err == nil {
			return json.RawMessage(out), false
		}
	}
	return r.Preview(data)
}

// Preview returns at most the configured number of characters of data,
// with sensitive "field": value pairs masked.
func (r *Redactor) Preview(data []byte) (string, bool) {
	s := string(data)
	if !utf8.ValidString(s) {
		return "[binary body omitted]", true
	}
	truncated := false
	if utf8.RuneCountInString(s) > r.preview {
		s = string([]rune(s)[:r.preview])
		truncated = true
	}
	if r.inline != nil {
		s = r.inline.ReplaceAllString(s, `"${1}":"`+Redacted+`"`)
	}
	if truncated {
		s += "..."
	}
	return s, truncated
}
