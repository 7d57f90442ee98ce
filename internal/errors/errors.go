package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failures a pipeline stage may terminate with.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindForbiddenOrigin
	KindRateLimited
	KindUpstreamUnavailable
	KindValidation
	KindNotFound
	KindPayloadTooLarge
)

var kindNames = [...]string{
	KindInternal:            "internal",
	KindAuth:                "auth",
	KindForbiddenOrigin:     "forbidden_origin",
	KindRateLimited:         "rate_limited",
	KindUpstreamUnavailable: "upstream_unavailable",
	KindValidation:          "validation",
	KindNotFound:            "not_found",
	KindPayloadTooLarge:     "payload_too_large",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Status returns the default HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbiddenOrigin:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is a terminal pipeline outcome rendered to the client.
type GatewayError struct {
	Kind    Kind
	Status  int
	Message string
	// Details is internal diagnostic text, rendered only outside production.
	Details string
	// Service names the backend an upstream failure is bound to.
	Service string
	// Errors carries structured field errors for validation failures.
	Errors     any
	Header     http.Header
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// StatusCode returns the explicit status or the kind default.
func (e *GatewayError) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.Status()
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	if e.Header != nil {
		c.Header = e.Header.Clone()
	}
	return &c
}

// WithDetails adds diagnostic details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithHeader adds a response header carried with the error
func (e *GatewayError) WithHeader(key, value string) *GatewayError {
	c := e.clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Header.Set(key, value)
	return c
}

// New creates a GatewayError of the given kind
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap wraps an underlying error with a kind and client-facing message
func Wrap(err error, kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, underlying: err}
}

// Unauthorized is an AuthError (401).
func Unauthorized(message string) *GatewayError {
	return New(KindAuth, message)
}

// ForbiddenOrigin is a CORS rejection (403).
func ForbiddenOrigin() *GatewayError {
	return New(KindForbiddenOrigin, "Origin not allowed by CORS policy")
}

// RateLimited is a quota rejection (429) carrying the tier message.
func RateLimited(message string) *GatewayError {
	return New(KindRateLimited, message)
}

// UpstreamUnavailable binds a backend failure to the affected service.
func UpstreamUnavailable(status int, service, message string, err error) *GatewayError {
	return &GatewayError{
		Kind:       KindUpstreamUnavailable,
		Status:     status,
		Message:    message,
		Service:    service,
		underlying: err,
	}
}

// Validation is a malformed body or query (400).
func Validation(message string, fieldErrors any) *GatewayError {
	return &GatewayError{Kind: KindValidation, Message: message, Errors: fieldErrors}
}

// NotFound is returned when no route or local endpoint matches.
func NotFound() *GatewayError {
	return New(KindNotFound, "Resource not found")
}

// PayloadTooLarge is returned when the inbound body exceeds the cap.
func PayloadTooLarge() *GatewayError {
	return New(KindPayloadTooLarge, "Request Entity Too Large")
}

// Internal wraps an unexpected failure (500).
func Internal(err error) *GatewayError {
	return Wrap(err, KindInternal, "Internal Server Error")
}

// As extracts a GatewayError from an error chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Envelope is the JSON shape of every response the gateway produces itself.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Errors  any    `json:"errors,omitempty"`
}

// WriteJSON writes an envelope with the given status.
func WriteJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// Success writes a success envelope.
func Success(w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

// Render converts any error into a client response. It is the only place
// stage failures become HTTP responses. In production, internal detail is
// never written to the client.
func Render(w http.ResponseWriter, err error, production bool) {
	ge, ok := As(err)
	if !ok {
		ge = Internal(err)
	}

	body := Envelope{Message: ge.Message}

	switch ge.Kind {
	case KindInternal:
		body.Message = "Internal Server Error"
		if !production {
			if detail := ge.detail(); detail != "" {
				body.Errors = map[string]string{"detail": detail}
			}
		}
	case KindUpstreamUnavailable:
		fields := map[string]string{"service": ge.Service}
		if !production {
			if detail := ge.detail(); detail != "" {
				fields["detail"] = detail
			}
		}
		body.Errors = fields
	case KindValidation:
		body.Errors = ge.Errors
	case KindAuth, KindForbiddenOrigin, KindRateLimited, KindNotFound, KindPayloadTooLarge:
		if ge.Errors != nil {
			body.Errors = ge.Errors
		}
	default:
		body.Message = "Internal Server Error"
	}

	for k, vv := range ge.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	WriteJSON(w, ge.StatusCode(), body)
}

func (e *GatewayError) detail() string {
	if e.Details != "" {
		return e.Details
	}
	if e.underlying != nil {
		return e.underlying.Error()
	}
	return ""
}
