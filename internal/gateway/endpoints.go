package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/pipeline"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

// localFunc serves a built-in endpoint. A returned error is rendered by the
// pipeline like any other stage failure.
type localFunc func(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) *errors.GatewayError

type localResult struct {
	err *errors.GatewayError
}

type localResultKey struct{}

func (g *Gateway) initLocalRoutes() {
	g.local = httprouter.New()
	g.local.HandleMethodNotAllowed = false
	g.local.RedirectTrailingSlash = false
	g.local.RedirectFixedPath = false

	g.handle(http.MethodGet, "/health", g.serveHealth)
	g.handle(http.MethodGet, "/health/ready", g.serveReady)
	g.handle(http.MethodGet, "/health/live", g.serveLive)

	g.handle(http.MethodGet, "/api/v1/public", g.servePublic)
	g.handle(http.MethodGet, "/api/v1/me", g.serveMe)

	g.handle(http.MethodGet, "/api/v1/auth/me", g.serveAuthMe)
	g.handle(http.MethodGet, "/api/v1/auth/login", g.serveLogin)
	g.handle(http.MethodGet, "/api/v1/auth/logout", g.serveLogout)
	g.handle(http.MethodGet, "/api/v1/auth/callback", g.serveCallback)
}

func (g *Gateway) handle(method, path string, fn localFunc) {
	g.local.Handle(method, path, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		rc, _ := pipeline.FromContext(r.Context())
		err := fn(w, r, rc)
		if res, ok := r.Context().Value(localResultKey{}).(*localResult); ok {
			res.err = err
			return
		}
		if err != nil {
			errors.Render(w, err, g.config.IsProduction())
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (g *Gateway) uptime() float64 {
	return time.Since(g.startTime).Seconds()
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	if detailed := r.URL.Query().Get("detailed"); detailed == "true" || detailed == "1" {
		return g.serveDetailedHealth(w, r)
	}

	errors.Success(w, http.StatusOK, "Service is healthy", map[string]any{
		"status":      "UP",
		"uptime":      g.uptime(),
		"timestamp":   timestamp(),
		"environment": g.config.Mode,
		"version":     Version,
	})
	return nil
}

func (g *Gateway) serveDetailedHealth(w http.ResponseWriter, r *http.Request) *errors.GatewayError {
	report := g.health.Run(r.Context())

	status, state, message := http.StatusOK, "ok", "Service is healthy"
	if !report.Healthy {
		status, state, message = http.StatusServiceUnavailable, "error", "Service is degraded"
	}
	errors.WriteJSON(w, status, errors.Envelope{
		Success: report.Healthy,
		Message: message,
		Data: map[string]any{
			"status":    state,
			"uptime":    g.uptime(),
			"timestamp": timestamp(),
			"checks":    report.Checks,
		},
	})
	return nil
}

func (g *Gateway) serveReady(w http.ResponseWriter, r *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	report := g.health.Run(r.Context())
	if !report.Ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "not_ready",
			"timestamp": timestamp(),
			"failed":    report.Failed(),
		})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "timestamp": timestamp()})
	return nil
}

func (g *Gateway) serveLive(w http.ResponseWriter, _ *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	writeJSON(w, http.StatusOK, map[string]any{"status": "live", "timestamp": timestamp()})
	return nil
}

func (g *Gateway) servePublic(w http.ResponseWriter, _ *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	errors.Success(w, http.StatusOK, "Success", map[string]any{
		"message":   "Public API endpoint",
		"timestamp": timestamp(),
	})
	return nil
}

type identityView struct {
	Authenticated bool     `json:"authenticated"`
	Subject       string   `json:"sub,omitempty"`
	Username      string   `json:"preferred_username,omitempty"`
	Email         string   `json:"email,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

func viewOf(id *pipeline.Identity) identityView {
	return identityView{
		Authenticated: true,
		Subject:       id.Subject,
		Username:      id.Username,
		Email:         id.Email,
		Roles:         id.Roles,
	}
}

func (g *Gateway) serveMe(w http.ResponseWriter, _ *http.Request, rc pipeline.RequestContext) *errors.GatewayError {
	id := rc.Identity()
	if id == nil {
		return errors.Unauthorized("Unauthorized: No token provided")
	}
	errors.Success(w, http.StatusOK, "Success", viewOf(id))
	return nil
}

// serveAuthMe is public: it reports whether the caller holds a valid token
// instead of rejecting them.
func (g *Gateway) serveAuthMe(w http.ResponseWriter, r *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	if g.gate == nil || r.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusOK, identityView{})
		return nil
	}
	id, err := g.gate.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusOK, identityView{})
		return nil
	}
	writeJSON(w, http.StatusOK, viewOf(id))
	return nil
}

func (g *Gateway) serveLogin(w http.ResponseWriter, r *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	cfg := g.config.Auth
	if cfg.AuthorizeURL == "" {
		return errors.NotFound()
	}
	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", g.appURL()+"/api/v1/auth/callback")
	q.Set("response_type", "code")
	q.Set("scope", "openid profile email")

	http.Redirect(w, r, withQuery(cfg.AuthorizeURL, q), http.StatusFound)
	return nil
}

func (g *Gateway) serveLogout(w http.ResponseWriter, r *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	cfg := g.config.Auth
	if cfg.LogoutURL == "" {
		return errors.NotFound()
	}
	q := url.Values{}
	q.Set("redirect_uri", g.appURL())

	http.Redirect(w, r, withQuery(cfg.LogoutURL, q), http.StatusFound)
	return nil
}

func (g *Gateway) serveCallback(w http.ResponseWriter, r *http.Request, _ pipeline.RequestContext) *errors.GatewayError {
	http.Redirect(w, r, "/", http.StatusFound)
	return nil
}

func (g *Gateway) appURL() string {
	return strings.TrimSuffix(g.config.Server.AppURL, "/")
}

func withQuery(base string, q url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}
