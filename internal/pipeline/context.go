package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/edgegate/internal/router"
)

// Identity is the authenticated caller. It is created only by the auth
// gate after a token has passed every check, and is never mutated.
type Identity struct {
	Subject   string
	Username  string
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

// NewIdentity returns an Identity owning a private copy of roles.
func NewIdentity(subject, username, email string, roles []string, expiresAt time.Time) *Identity {
	rs := make([]string, len(roles))
	copy(rs, roles)
	return &Identity{
		Subject:   subject,
		Username:  username,
		Email:     email,
		Roles:     rs,
		ExpiresAt: expiresAt,
	}
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Headers describing the caller to backends. Only the forwarder writes them,
// from the request context identity; inbound copies never reach a backend.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRoles = "X-User-Roles"
)

var identityHeaders = []string{HeaderUserID, HeaderUserName, HeaderUserEmail, HeaderUserRoles}

// SetIdentityHeaders replaces any identity headers in h with those of id.
// A nil id leaves h with none.
func SetIdentityHeaders(h http.Header, id *Identity) {
	for _, name := range identityHeaders {
		h.Del(name)
	}
	if id == nil {
		return
	}
	h.Set(HeaderUserID, id.Subject)
	if id.Username != "" {
		h.Set(HeaderUserName, id.Username)
	}
	if id.Email != "" {
		h.Set(HeaderUserEmail, id.Email)
	}
	if len(id.Roles) > 0 {
		h.Set(HeaderUserRoles, strings.Join(id.Roles, ","))
	}
}

// RequestContext is the per-request state threaded through the stages.
// It is a value: With* methods return modified copies and leave the
// receiver untouched.
type RequestContext struct {
	correlationID string
	start         time.Time
	clientAddr    string
	route         *router.Rule
	endpoint      string
	identity      *Identity
}

// NewRequestContext creates a context with no route and no identity.
func NewRequestContext(correlationID, clientAddr string, start time.Time) RequestContext {
	return RequestContext{
		correlationID: correlationID,
		clientAddr:    clientAddr,
		start:         start,
	}
}

func (rc RequestContext) CorrelationID() string { return rc.correlationID }
func (rc RequestContext) Start() time.Time      { return rc.start }
func (rc RequestContext) ClientAddr() string    { return rc.clientAddr }
func (rc RequestContext) Route() *router.Rule   { return rc.route }
func (rc RequestContext) Identity() *Identity   { return rc.identity }

// Elapsed returns the time since the request entered the gateway.
func (rc RequestContext) Elapsed() time.Duration {
	return time.Since(rc.start)
}

// Subject returns the authenticated subject or "anonymous".
func (rc RequestContext) Subject() string {
	if rc.identity == nil || rc.identity.Subject == "" {
		return "anonymous"
	}
	return rc.identity.Subject
}

// RouteName returns the matched backend rule, the local endpoint pattern,
// or "unmatched".
func (rc RequestContext) RouteName() string {
	switch {
	case rc.route != nil:
		return rc.route.Name
	case rc.endpoint != "":
		return rc.endpoint
	default:
		return "unmatched"
	}
}

// WithRoute returns a copy bound to a backend rule.
func (rc RequestContext) WithRoute(rule *router.Rule) RequestContext {
	rc.route = rule
	return rc
}

// WithEndpoint returns a copy bound to a local endpoint.
func (rc RequestContext) WithEndpoint(pattern string) RequestContext {
	rc.endpoint = pattern
	return rc
}

// WithIdentity returns a copy carrying an authenticated identity.
func (rc RequestContext) WithIdentity(id *Identity) RequestContext {
	rc.identity = id
	return rc
}

type contextKey struct{}

// NewContext stores rc in ctx.
func NewContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	return rc, ok
}

// RequestIDFromContext returns the correlation id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.correlationID
	}
	return ""
}
