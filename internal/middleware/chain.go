package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is the ordered set of wrappers placed around the request pipeline.
type Chain []Middleware

// Then returns h wrapped by every middleware in c. c[0] sees the request
// first and the response last.
func (c Chain) Then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}
