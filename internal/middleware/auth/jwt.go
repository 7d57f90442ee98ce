package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/pipeline"
)

// KeyProvider resolves a signing key by kid.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (interface{}, error)
}

var defaultAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}

// Failure reasons reported to metrics.
const (
	ReasonMissing   = "missing_token"
	ReasonMalformed = "malformed_token"
	ReasonExpired   = "expired"
	ReasonSignature = "signature"
	ReasonClaims    = "claims"
	ReasonKey       = "key_unavailable"
)

// TokenError is a token rejection with a metrics reason.
type TokenError struct {
	Reason string
	err    error
}

func (e *TokenError) Error() string { return e.Reason + ": " + e.err.Error() }
func (e *TokenError) Unwrap() error { return e.err }

// accessClaims is the access token payload issued by the identity provider.
type accessClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string               `json:"preferred_username"`
	Email             string               `json:"email"`
	RealmAccess       roleClaim            `json:"realm_access"`
	ResourceAccess    map[string]roleClaim `json:"resource_access"`
}

type roleClaim struct {
	Roles []string `json:"roles"`
}

// Validator verifies bearer tokens and maps their claims to an Identity.
type Validator struct {
	keys     KeyProvider
	parser   *jwt.Parser
	clientID string
}

// NewValidator creates a validator bound to the configured issuer and
// audience. Expiry is always required.
func NewValidator(cfg config.AuthConfig, keys KeyProvider) *Validator {
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = defaultAlgorithms
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Validator{
		keys:     keys,
		parser:   jwt.NewParser(opts...),
		clientID: cfg.ClientID,
	}
}

// Validate checks signature, issuer, audience and expiry, and returns the
// caller identity.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*pipeline.Identity, error) {
	claims := &accessClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, &TokenError{Reason: ReasonKey, err: err}
		}
		return key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, &TokenError{Reason: ReasonSignature, err: errors.New("token is not valid")}
	}
	if claims.Subject == "" {
		return nil, &TokenError{Reason: ReasonClaims, err: errors.New("token has no subject")}
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}

	return pipeline.NewIdentity(
		claims.Subject,
		claims.PreferredUsername,
		claims.Email,
		v.roles(claims),
		expires,
	), nil
}

// roles merges realm roles with the roles granted to the gateway client.
func (v *Validator) roles(c *accessClaims) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(rs []string) {
		for _, r := range rs {
			if r != "" && !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	add(c.RealmAccess.Roles)
	if v.clientID != "" {
		add(c.ResourceAccess[v.clientID].Roles)
	}
	return out
}

func classify(err error) error {
	var te *TokenError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &TokenError{Reason: ReasonExpired, err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &TokenError{Reason: ReasonMalformed, err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &TokenError{Reason: ReasonSignature, err: err}
	default:
		return &TokenError{Reason: ReasonClaims, err: err}
	}
}

// ExtractBearer returns the token from an Authorization header value. The
// scheme is matched case-insensitively.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", &TokenError{Reason: ReasonMissing, err: errors.New("authorization header not provided")}
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", &TokenError{Reason: ReasonMalformed, err: fmt.Errorf("unsupported authorization scheme %q", scheme)}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &TokenError{Reason: ReasonMalformed, err: errors.New("empty bearer token")}
	}
	return token, nil
}
