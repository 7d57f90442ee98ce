package validation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/pipeline"
	"github.com/wudi/edgegate/internal/router"
)

// FieldError is one schema violation reported to the client.
type FieldError struct {
	Message string `json:"message"`
}

type rule struct {
	path    string
	methods map[string]bool
	schema  *jsonschema.Schema
}

func (r *rule) matches(req *http.Request) bool {
	if !router.PrefixMatch(r.path, req.URL.Path) {
		return false
	}
	return len(r.methods) == 0 || r.methods[req.Method]
}

// Validator checks JSON request bodies against the first matching rule.
type Validator struct {
	rules []*rule
}

// New compiles every configured schema.
func New(rules []config.ValidationRule) (*Validator, error) {
	v := &Validator{}
	for i, rc := range rules {
		schema, err := compileSchema(fmt.Sprintf("schema-%d.json", i), rc.Schema, rc.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("validation rule %s: %w", rc.Path, err)
		}
		r := &rule{path: rc.Path, schema: schema}
		if len(rc.Methods) > 0 {
			r.methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				r.methods[strings.ToUpper(m)] = true
			}
		}
		v.rules = append(v.rules, r)
	}
	return v, nil
}

// compileSchema compiles a JSON schema from an inline string or file path.
func compileSchema(name, inline, file string) (*jsonschema.Schema, error) {
	schemaStr := inline
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema file: %w", err)
		}
		schemaStr = string(data)
	}

	var schemaDoc interface{}
	if err := json.Unmarshal([]byte(schemaStr), &schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

func (v *Validator) Name() string { return "validation" }

// Process validates the body of matching requests. Non-JSON bodies are
// left to the backend.
func (v *Validator) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	var matched *rule
	for _, ru := range v.rules {
		if ru.matches(r) {
			matched = ru
			break
		}
	}
	if matched == nil {
		return pipeline.Continue(rc)
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && !middleware.IsJSON(ct) {
		return pipeline.Continue(rc)
	}

	body, err := middleware.ReadBody(r)
	if err != nil {
		return pipeline.Fail(rc, middleware.BodyError(err))
	}

	var data interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return pipeline.Fail(rc, errors.Validation("Invalid request body", nil))
		}
	}

	if err := matched.schema.Validate(data); err != nil {
		return pipeline.Fail(rc, errors.Validation("Validation failed", fieldErrors(err)))
	}
	return pipeline.Continue(rc)
}

func fieldErrors(err error) []FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok || len(ve.Causes) == 0 {
		return []FieldError{{Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(ve.Causes))
	for _, c := range ve.Causes {
		out = append(out, FieldError{Message: c.Error()})
	}
	return out
}
