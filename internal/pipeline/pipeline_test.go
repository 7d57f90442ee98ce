package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/router"
)

func recordingStage(name string, calls *[]string, res func(rc RequestContext) Result) Stage {
	return StageFunc{StageName: name, Fn: func(w http.ResponseWriter, r *http.Request, rc RequestContext) Result {
		*calls = append(*calls, name)
		return res(rc)
	}}
}

func TestPipelineShortCircuits(t *testing.T) {
	var calls []string
	p := New(NewBuilder(false), []Stage{
		recordingStage("security", &calls, Continue),
		recordingStage("auth", &calls, func(rc RequestContext) Result {
			return Fail(rc, errors.Unauthorized("Missing bearer token"))
		}),
		recordingStage("ratelimit", &calls, Continue),
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/opera/orders", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if len(calls) != 2 || calls[1] != "auth" {
		t.Errorf("unexpected stage calls: %v", calls)
	}
	var body errors.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Success || body.Message != "Missing bearer token" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestPipelineHalt(t *testing.T) {
	var calls []string
	p := New(NewBuilder(false), []Stage{
		StageFunc{StageName: "cors", Fn: func(w http.ResponseWriter, r *http.Request, rc RequestContext) Result {
			calls = append(calls, "cors")
			w.WriteHeader(http.StatusNoContent)
			return Halt(rc)
		}},
		recordingStage("auth", &calls, Continue),
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/opera", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if len(calls) != 1 {
		t.Errorf("expected only cors to run, got %v", calls)
	}
}

func TestPipelineThreadsContext(t *testing.T) {
	rule := &router.Rule{Name: "opera-service"}
	var seen RequestContext
	var fromRequest RequestContext

	p := New(NewBuilder(false), []Stage{
		StageFunc{StageName: "auth", Fn: func(w http.ResponseWriter, r *http.Request, rc RequestContext) Result {
			return Continue(rc.WithIdentity(NewIdentity("user-1", "alice", "a@b.com", []string{"user"}, time.Now().Add(time.Hour))))
		}},
		StageFunc{StageName: "route", Fn: func(w http.ResponseWriter, r *http.Request, rc RequestContext) Result {
			seen = rc
			fromRequest, _ = FromContext(r.Context())
			w.WriteHeader(http.StatusOK)
			return Halt(rc.WithRoute(rule))
		}},
	})

	var observed RequestContext
	p.observer = observerFunc(func(w http.ResponseWriter, r *http.Request, rc RequestContext, run RunFunc) {
		if rc.Identity() != nil {
			t.Error("observer saw identity before the chain ran")
		}
		observed = run(w, r)
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/opera", nil))

	if seen.Subject() != "user-1" {
		t.Errorf("route stage saw subject %q", seen.Subject())
	}
	if fromRequest.Identity() == nil || fromRequest.Identity().Username != "alice" {
		t.Error("request context not updated between stages")
	}
	if observed.RouteName() != "opera-service" || observed.Subject() != "user-1" {
		t.Errorf("observer got route %q subject %q", observed.RouteName(), observed.Subject())
	}
}

type observerFunc func(w http.ResponseWriter, r *http.Request, rc RequestContext, run RunFunc)

func (f observerFunc) Observe(w http.ResponseWriter, r *http.Request, rc RequestContext, run RunFunc) {
	f(w, r, rc, run)
}

func TestPipelineNoResponseIsNotFound(t *testing.T) {
	p := New(NewBuilder(false), []Stage{StageFunc{StageName: "noop", Fn: func(w http.ResponseWriter, r *http.Request, rc RequestContext) Result {
		return Continue(rc)
	}}})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/nowhere", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPipelineRequestID(t *testing.T) {
	p := New(NewBuilder(false), nil)

	t.Run("echoes inbound id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(HeaderRequestID, "abc-123")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		if got := rec.Header().Get(HeaderRequestID); got != "abc-123" {
			t.Errorf("X-Request-Id = %q, want abc-123", got)
		}
	})

	t.Run("replaces unsafe id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(HeaderRequestID, "bad id\twith spaces")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		got := rec.Header().Get(HeaderRequestID)
		if got == "" || got == "bad id\twith spaces" {
			t.Errorf("X-Request-Id = %q, want generated id", got)
		}
	})

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if len(rec.Header().Get(HeaderRequestID)) != 36 {
			t.Errorf("expected uuid, got %q", rec.Header().Get(HeaderRequestID))
		}
	})
}

func TestPipelineRecoversPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	original := logging.Global()
	logging.SetGlobal(zap.New(core))
	defer logging.SetGlobal(original)

	p := New(NewBuilder(false), []Stage{StageFunc{StageName: "boom", Fn: func(w http.ResponseWriter, r *http.Request, rc RequestContext) Result {
		panic("nil map")
	}}}, WithProduction(true))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errors.Envelope
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Message != "Internal Server Error" || body.Errors != nil {
		t.Errorf("production panic body leaked detail: %+v", body)
	}

	entries := logs.FilterMessage("Panic recovered").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 panic log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["request_id"]; got != rec.Header().Get(HeaderRequestID) {
		t.Errorf("logged request_id %v does not match header %q", got, rec.Header().Get(HeaderRequestID))
	}
}

func TestBuilderClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		remote     string
		headers    map[string]string
		want       string
	}{
		{"remote addr", false, "10.0.0.1:1234", nil, "10.0.0.1"},
		{"untrusted xff ignored", false, "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "10.0.0.1"},
		{"trusted xff last hop", true, "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "9.9.9.9, 1.2.3.4"}, "1.2.3.4"},
		{"trusted real ip", true, "10.0.0.1:1234", map[string]string{"X-Real-IP": "5.6.7.8"}, "5.6.7.8"},
		{"trusted without headers", true, "[::1]:80", nil, "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := NewBuilder(tt.trustProxy).ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestContextIsValue(t *testing.T) {
	base := NewRequestContext("id", "1.2.3.4", time.Now())
	withID := base.WithIdentity(NewIdentity("sub", "", "", nil, time.Time{}))

	if base.Identity() != nil {
		t.Error("WithIdentity mutated the receiver")
	}
	if base.Subject() != "anonymous" || withID.Subject() != "sub" {
		t.Errorf("subjects: base %q, derived %q", base.Subject(), withID.Subject())
	}
	if base.RouteName() != "unmatched" || base.WithEndpoint("/health").RouteName() != "/health" {
		t.Error("unexpected route names")
	}
}

func TestNewIdentityCopiesRoles(t *testing.T) {
	roles := []string{"admin"}
	id := NewIdentity("s", "u", "e", roles, time.Time{})
	roles[0] = "guest"
	if !id.HasRole("admin") || id.HasRole("guest") {
		t.Errorf("identity roles aliased caller slice: %v", id.Roles)
	}
}
