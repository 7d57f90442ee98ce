package pipeline

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
)

// RunFunc executes the stage chain and returns the final context.
type RunFunc func(w http.ResponseWriter, r *http.Request) RequestContext

// Observer wraps the whole chain. Observe must call run exactly once and
// must not let its own failures reach the client.
type Observer interface {
	Observe(w http.ResponseWriter, r *http.Request, rc RequestContext, run RunFunc)
}

// headerState is implemented by writers that know whether the response
// has started.
type headerState interface {
	Written() bool
}

// Pipeline runs the ordered stages for every request and is the single
// place failures are rendered.
type Pipeline struct {
	builder    *Builder
	stages     []Stage
	observer   Observer
	production bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver installs the observer wrapping the chain.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithProduction hides internal error detail from clients.
func WithProduction(production bool) Option {
	return func(p *Pipeline) { p.production = production }
}

// New creates a Pipeline running stages in order.
func New(builder *Builder, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		builder: builder,
		stages:  stages,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := p.builder.Build(r)

	w.Header().Set(HeaderRequestID, rc.CorrelationID())
	r.Header.Set(HeaderRequestID, rc.CorrelationID())
	r = r.WithContext(NewContext(r.Context(), rc))

	if p.observer == nil {
		p.run(w, r, rc)
		return
	}
	p.observer.Observe(w, r, rc, func(w http.ResponseWriter, r *http.Request) RequestContext {
		return p.run(w, r, rc)
	})
}

func (p *Pipeline) run(w http.ResponseWriter, r *http.Request, rc RequestContext) (final RequestContext) {
	final = rc
	stage := ""

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.Error("Panic recovered",
				zap.String("request_id", final.CorrelationID()),
				zap.String("stage", stage),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			p.render(w, errors.Internal(fmt.Errorf("panic in stage %s: %v", stage, rec)), final)
		}
	}()

	for _, s := range p.stages {
		stage = s.Name()
		res := s.Process(w, r, final)

		if res.ctx != final || res.req != nil {
			if res.req != nil {
				r = res.req
			}
			final = res.ctx
			r = r.WithContext(NewContext(r.Context(), final))
		}

		switch res.outcome {
		case outcomeContinue:
			continue
		case outcomeHalt:
			return final
		case outcomeFail:
			logging.Debug("Pipeline terminated",
				zap.String("request_id", final.CorrelationID()),
				zap.String("stage", stage),
				zap.String("kind", res.err.Kind.String()),
				zap.Int("status", res.err.StatusCode()),
			)
			p.render(w, res.err, final)
			return final
		}
	}

	// No stage wrote a response.
	p.render(w, errors.NotFound(), final)
	return final
}

func (p *Pipeline) render(w http.ResponseWriter, err error, rc RequestContext) {
	if hs, ok := w.(headerState); ok && hs.Written() {
		logging.Warn("Response already started, dropping error",
			zap.String("request_id", rc.CorrelationID()),
			zap.Error(err),
		)
		return
	}
	errors.Render(w, err, p.production)
}
