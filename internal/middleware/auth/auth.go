// Package auth is the bearer token gate in front of every non-public route.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	gwerrors "github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/pipeline"
	"github.com/wudi/edgegate/internal/router"
)

const (
	msgNoToken      = "Unauthorized: No token provided"
	msgInvalidToken = "Unauthorized: Invalid or expired token"
)

// TokenValidator turns a raw bearer token into an identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*pipeline.Identity, error)
}

// Gate is the authentication stage.
type Gate struct {
	validator   TokenValidator
	publicPaths []string
	realm       string
	metrics     *metrics.Collector
}

// NewGate creates the auth stage.
func NewGate(cfg config.AuthConfig, validator TokenValidator, m *metrics.Collector) *Gate {
	realm := cfg.Realm
	if realm == "" {
		realm = "api"
	}
	return &Gate{
		validator:   validator,
		publicPaths: append([]string(nil), cfg.PublicPaths...),
		realm:       realm,
		metrics:     m,
	}
}

func (g *Gate) Name() string { return "auth" }

// IsPublic reports whether path skips authentication.
func (g *Gate) IsPublic(path string) bool {
	for _, p := range g.publicPaths {
		if router.PrefixMatch(p, path) {
			return true
		}
	}
	return false
}

func (g *Gate) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	if g.IsPublic(r.URL.Path) {
		return pipeline.Continue(rc)
	}

	id, err := g.Authenticate(r)
	if err != nil {
		return pipeline.Fail(rc, g.reject(rc, err))
	}

	return pipeline.Continue(rc.WithIdentity(id))
}

// Authenticate validates the bearer token on r without touching the chain.
func (g *Gate) Authenticate(r *http.Request) (*pipeline.Identity, error) {
	token, err := ExtractBearer(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	return g.validator.Validate(r.Context(), token)
}

func (g *Gate) reject(rc pipeline.RequestContext, err error) *gwerrors.GatewayError {
	reason := ReasonClaims
	var te *TokenError
	if errors.As(err, &te) {
		reason = te.Reason
	}
	if g.metrics != nil {
		g.metrics.RecordAuthFailure(reason)
	}
	logging.Debug("Authentication failed",
		zap.String("request_id", rc.CorrelationID()),
		zap.String("reason", reason),
		zap.Error(err),
	)

	if reason == ReasonMissing {
		return gwerrors.Unauthorized(msgNoToken).
			WithHeader("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q`, g.realm))
	}
	return gwerrors.Unauthorized(msgInvalidToken).
		WithHeader("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, g.realm))
}
