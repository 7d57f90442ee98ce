package router

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Rule is one entry of the route table. It is plain data: the forwarding
// engine interprets it, nothing on it performs I/O.
type Rule struct {
	Name                 string
	Prefix               string
	Target               *url.URL
	Rewrite              *regexp.Regexp
	Replacement          string
	Timeout              time.Duration
	WebSocket            bool
	FallbackMessage      string
	PreserveHost         bool
	ForwardAuthorization bool
	RequestHeaders       map[string]string
	ResponseHeaders      map[string]string
}

// Matches reports whether path falls under the rule prefix. Matching respects
// path segments, so "/opera" matches "/opera" and "/opera/x" but not "/operas".
func (r *Rule) Matches(path string) bool {
	return PrefixMatch(r.Prefix, path)
}

// PrefixMatch is the segment-aware prefix test shared by the route table and
// the path allow-lists.
func PrefixMatch(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// RewritePath applies the rewrite pattern to the first match in path.
func (r *Rule) RewritePath(path string) string {
	if r.Rewrite == nil {
		return path
	}
	m := r.Rewrite.FindStringSubmatchIndex(path)
	if m == nil {
		return path
	}
	var b []byte
	b = append(b, path[:m[0]]...)
	b = r.Rewrite.ExpandString(b, r.Replacement, path, m)
	b = append(b, path[m[1]:]...)
	return string(b)
}

// OutboundURL builds the backend URL for an inbound request URL.
func (r *Rule) OutboundURL(in *url.URL) *url.URL {
	out := *r.Target
	out.Path = singleJoiningSlash(r.Target.Path, r.RewritePath(in.Path))
	out.RawPath = ""
	out.RawQuery = in.RawQuery
	out.Fragment = ""
	return &out
}

// singleJoiningSlash joins two URL paths with exactly one slash between them
func singleJoiningSlash(a, b string) string {
	if b == "" {
		if a == "" {
			return "/"
		}
		return a
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
