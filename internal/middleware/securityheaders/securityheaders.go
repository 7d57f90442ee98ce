package securityheaders

import (
	"net/http"
	"sort"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/pipeline"
	"github.com/wudi/edgegate/internal/router"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// noStoreHeaders keep responses on credential paths out of every cache.
var noStoreHeaders = []headerPair{
	{"Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate"},
	{"Pragma", "no-cache"},
	{"Expires", "0"},
	{"Surrogate-Control", "no-store"},
}

// Headers is the hardening-header stage. It never terminates the chain.
type Headers struct {
	headers      []headerPair
	noStorePaths []string
}

// New creates the stage from config. X-Content-Type-Options is always
// nosniff; other headers are written when configured.
func New(cfg config.SecurityConfig) *Headers {
	pairs := []headerPair{{"X-Content-Type-Options", "nosniff"}}

	add := func(name, value string) {
		if value != "" {
			pairs = append(pairs, headerPair{name, value})
		}
	}
	add("Content-Security-Policy", cfg.ContentSecurityPolicy)
	add("Strict-Transport-Security", cfg.StrictTransportSecurity)
	add("X-Frame-Options", cfg.XFrameOptions)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Cross-Origin-Opener-Policy", cfg.CrossOriginOpenerPolicy)
	add("Cross-Origin-Resource-Policy", cfg.CrossOriginResourcePolicy)
	add("X-Permitted-Cross-Domain-Policies", cfg.PermittedCrossDomainPolicies)
	add("X-XSS-Protection", cfg.XSSProtection)

	custom := make([]string, 0, len(cfg.CustomHeaders))
	for name := range cfg.CustomHeaders {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	for _, name := range custom {
		add(name, cfg.CustomHeaders[name])
	}

	return &Headers{
		headers:      pairs,
		noStorePaths: append([]string(nil), cfg.NoStorePaths...),
	}
}

func (h *Headers) Name() string { return "security_headers" }

// Process writes the headers and continues.
func (h *Headers) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	h.Apply(w.Header(), r.URL.Path)
	return pipeline.Continue(rc)
}

// Apply sets all configured headers for a response to path.
func (h *Headers) Apply(hdr http.Header, path string) {
	for _, p := range h.headers {
		hdr.Set(p.Name, p.Value)
	}
	for _, prefix := range h.noStorePaths {
		if router.PrefixMatch(prefix, path) {
			for _, p := range noStoreHeaders {
				hdr.Set(p.Name, p.Value)
			}
			return
		}
	}
}
