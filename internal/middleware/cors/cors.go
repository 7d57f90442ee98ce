package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/pipeline"
)

// Handler is the cross-origin stage.
type Handler struct {
	allowOrigins     []string
	allowAllOrigins  bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

// New creates a CORS handler from config
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{
		allowOrigins:     cfg.AllowedOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	if len(cfg.AllowedMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowedMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowedHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowedHeaders, ", ")
	} else {
		h.allowHeaders = "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-Auth-Token"
	}

	if len(cfg.ExposedHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposedHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "600"
	}

	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

func (h *Handler) Name() string { return "cors" }

// Process applies the origin policy. Requests without an Origin header are
// not cross-origin and pass untouched. A preflight from an allowed origin
// is answered here with 204.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return pipeline.Continue(rc)
	}
	if !h.IsOriginAllowed(origin) {
		return pipeline.Fail(rc, errors.ForbiddenOrigin())
	}

	h.applyHeaders(w.Header(), origin)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
		w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
		w.Header().Set("Access-Control-Max-Age", h.maxAge)
		w.Header().Add("Vary", "Access-Control-Request-Method")
		w.Header().Add("Vary", "Access-Control-Request-Headers")
		w.WriteHeader(http.StatusNoContent)
		return pipeline.Halt(rc)
	}

	return pipeline.Continue(rc)
}

func (h *Handler) applyHeaders(hdr http.Header, origin string) {
	respOrigin := origin
	if h.allowAllOrigins && !h.allowCredentials {
		respOrigin = "*"
	}

	hdr.Set("Access-Control-Allow-Origin", respOrigin)
	hdr.Add("Vary", "Origin")

	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		hdr.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
}

// IsOriginAllowed matches exact origins, "*" and "*.example.com" wildcards.
func (h *Handler) IsOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}

	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:] // .example.com
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}

	return false
}
