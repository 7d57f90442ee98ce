package pipeline

import (
	"net/http"

	"github.com/wudi/edgegate/internal/errors"
)

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeHalt
	outcomeFail
)

// Result is what a stage hands back: continue with a (possibly updated)
// context, halt because the stage already wrote the response, or fail with
// a gateway error for the top-level renderer.
type Result struct {
	ctx     RequestContext
	req     *http.Request
	outcome outcome
	err     *errors.GatewayError
}

// Continue passes rc on to the next stage.
func Continue(rc RequestContext) Result {
	return Result{ctx: rc, outcome: outcomeContinue}
}

// ContinueWith passes rc and a replacement request to the next stage.
func ContinueWith(rc RequestContext, r *http.Request) Result {
	return Result{ctx: rc, req: r, outcome: outcomeContinue}
}

// Halt ends the chain; the stage has written the response.
func Halt(rc RequestContext) Result {
	return Result{ctx: rc, outcome: outcomeHalt}
}

// Fail ends the chain with a gateway error.
func Fail(rc RequestContext, err *errors.GatewayError) Result {
	return Result{ctx: rc, outcome: outcomeFail, err: err}
}

// Context returns the context carried by the result.
func (r Result) Context() RequestContext { return r.ctx }

// Err returns the gateway error of a failed result.
func (r Result) Err() *errors.GatewayError { return r.err }

// Halted reports whether the chain stops at this result.
func (r Result) Halted() bool { return r.outcome != outcomeContinue }

// Stage is one step of the request pipeline.
type Stage interface {
	Name() string
	Process(w http.ResponseWriter, r *http.Request, rc RequestContext) Result
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(w http.ResponseWriter, r *http.Request, rc RequestContext) Result
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Process(w http.ResponseWriter, r *http.Request, rc RequestContext) Result {
	return s.Fn(w, r, rc)
}
