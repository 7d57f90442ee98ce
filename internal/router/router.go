package router

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/wudi/edgegate/internal/config"
)

// Table is the ordered route table. The first rule whose prefix matches
// wins; rules are never re-sorted.
type Table struct {
	rules []*Rule
}

// New builds a table from configuration, preserving order.
func New(routes []config.RouteConfig) (*Table, error) {
	t := &Table{rules: make([]*Rule, 0, len(routes))}
	for _, rc := range routes {
		rule, err := newRule(rc)
		if err != nil {
			return nil, err
		}
		t.rules = append(t.rules, rule)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func newRule(rc config.RouteConfig) (*Rule, error) {
	target, err := url.Parse(rc.Target)
	if err != nil {
		return nil, fmt.Errorf("route %s: invalid target: %w", rc.Name, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("route %s: target %q must be absolute", rc.Name, rc.Target)
	}

	rule := &Rule{
		Name:                 rc.Name,
		Prefix:               rc.Prefix,
		Target:               target,
		Replacement:          rc.Rewrite.Replacement,
		Timeout:              rc.Timeout,
		WebSocket:            rc.WebSocket,
		FallbackMessage:      rc.FallbackMessage,
		PreserveHost:         rc.PreserveHost,
		ForwardAuthorization: rc.ForwardAuthorization,
		RequestHeaders:       copyMap(rc.RequestHeaders),
		ResponseHeaders:      copyMap(rc.ResponseHeaders),
	}
	if rc.Rewrite.Pattern != "" {
		re, err := regexp.Compile(rc.Rewrite.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid rewrite pattern: %w", rc.Name, err)
		}
		rule.Rewrite = re
	}
	return rule, nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate rejects tables where a rule can never match because an earlier
// rule's prefix already covers it.
func (t *Table) Validate() error {
	for j, later := range t.rules {
		for _, earlier := range t.rules[:j] {
			if PrefixMatch(earlier.Prefix, later.Prefix) {
				return fmt.Errorf("route %s (%s) is shadowed by earlier route %s (%s)",
					later.Name, later.Prefix, earlier.Name, earlier.Prefix)
			}
		}
	}
	return nil
}

// Match returns the first rule matching path, or nil.
func (t *Table) Match(path string) *Rule {
	for _, r := range t.rules {
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// Rules returns the rules in table order.
func (t *Table) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}
