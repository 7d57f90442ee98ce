package pipeline

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID carries the correlation id in both directions.
const HeaderRequestID = "X-Request-Id"

const maxRequestIDLen = 128

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Builder creates the initial RequestContext for each inbound request.
type Builder struct {
	trustProxy bool
	now        func() time.Time
	generate   func() string
}

// NewBuilder creates a Builder. When trustProxy is set, the client address
// is taken from X-Forwarded-For (last hop) or X-Real-IP.
func NewBuilder(trustProxy bool) *Builder {
	return &Builder{
		trustProxy: trustProxy,
		now:        time.Now,
		generate:   func() string { return uuid.New().String() },
	}
}

// Build returns a fresh context for r.
func (b *Builder) Build(r *http.Request) RequestContext {
	id := r.Header.Get(HeaderRequestID)
	if !validRequestID(id) {
		id = b.generate()
	}
	return NewRequestContext(id, b.ClientIP(r), b.now())
}

// validRequestID accepts inbound ids that are safe to echo into headers
// and log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// ClientIP resolves the client address for r.
func (b *Builder) ClientIP(r *http.Request) string {
	remote := extractHost(r.RemoteAddr)
	if !b.trustProxy {
		return remote
	}
	// Trust exactly one proxy hop: the address it appended is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			if ip := strings.TrimSpace(parts[i]); ip != "" {
				return ip
			}
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	return remote
}

func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
