package middleware

import (
	"net/http"

	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/pipeline"
)

// BodyLimit caps inbound request bodies. Requests that declare a larger
// Content-Length are rejected up front; chunked bodies fail on read once
// the cap is crossed.
type BodyLimit struct {
	maxBytes int64
}

// NewBodyLimit creates the body cap stage. A non-positive cap disables it.
func NewBodyLimit(maxBytes int64) *BodyLimit {
	return &BodyLimit{maxBytes: maxBytes}
}

func (b *BodyLimit) Name() string { return "body_limit" }

func (b *BodyLimit) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	if b.maxBytes <= 0 {
		return pipeline.Continue(rc)
	}
	if r.ContentLength > b.maxBytes {
		return pipeline.Fail(rc, errors.PayloadTooLarge())
	}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, b.maxBytes)
	}
	return pipeline.Continue(rc)
}
