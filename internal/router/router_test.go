package router

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wudi/edgegate/internal/config"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := New(config.DefaultRoutes("http://opera:8081", "http://shows:8082/base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return table
}

func TestTableMatch(t *testing.T) {
	table := testTable(t)

	tests := []struct {
		path string
		want string
	}{
		{"/opera", "opera-service"},
		{"/opera/orders", "opera-service"},
		{"/operas", ""},
		{"/shows/1", "shows-service"},
		{"/graphql", "graphql"},
		{"/playground/assets/x.js", "playground"},
		{"/api/v1/public", ""},
		{"/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rule := table.Match(tt.path)
			got := ""
			if rule != nil {
				got = rule.Name
			}
			if got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	table := testTable(t)
	first := table.Match("/shows/42")
	for i := 0; i < 100; i++ {
		if table.Match("/shows/42") != first {
			t.Fatal("match result changed between calls")
		}
	}
}

func TestOutboundURL(t *testing.T) {
	table := testTable(t)

	tests := []struct {
		in   string
		want string
	}{
		{"/opera/orders", "http://opera:8081/api/orders"},
		{"/opera/orders?page=2", "http://opera:8081/api/orders?page=2"},
		{"/opera", "http://opera:8081/api"},
		{"/shows/1", "http://shows:8082/base/api/1"},
		{"/graphql", "http://opera:8081/graphql"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			in, _ := url.Parse(tt.in)
			rule := table.Match(in.Path)
			if rule == nil {
				t.Fatalf("no rule for %s", tt.in)
			}
			if got := rule.OutboundURL(in).String(); got != tt.want {
				t.Errorf("OutboundURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRewriteFirstMatchOnly(t *testing.T) {
	table, err := New([]config.RouteConfig{{
		Name:    "svc",
		Prefix:  "/svc",
		Target:  "http://svc",
		Rewrite: config.RewriteConfig{Pattern: `/v(\d+)`, Replacement: "/version-$1"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	got := table.Match("/svc").RewritePath("/svc/v1/items/v2")
	if got != "/svc/version-1/items/v2" {
		t.Errorf("RewritePath = %q", got)
	}
}

func TestNewRejectsShadowedRules(t *testing.T) {
	_, err := New([]config.RouteConfig{
		{Name: "api", Prefix: "/api", Target: "http://a"},
		{Name: "api-v1", Prefix: "/api/v1", Target: "http://b"},
	})
	if err == nil || !strings.Contains(err.Error(), "shadowed") {
		t.Fatalf("expected shadowing error, got %v", err)
	}

	// More specific first is accepted.
	table, err := New([]config.RouteConfig{
		{Name: "api-v1", Prefix: "/api/v1", Target: "http://b", Timeout: time.Second},
		{Name: "api", Prefix: "/api", Target: "http://a"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table.Match("/api/v1/x").Name != "api-v1" || table.Match("/api/v2").Name != "api" {
		t.Error("unexpected match order")
	}
}

func TestPrefixMatch(t *testing.T) {
	tests := []struct {
		prefix, path string
		want         bool
	}{
		{"/health", "/health", true},
		{"/health", "/health/ready", true},
		{"/health", "/healthz", false},
		{"/swagger-ui/", "/swagger-ui/index.html", true},
		{"/", "/anything", true},
	}
	for _, tt := range tests {
		if got := PrefixMatch(tt.prefix, tt.path); got != tt.want {
			t.Errorf("PrefixMatch(%q, %q) = %v, want %v", tt.prefix, tt.path, got, tt.want)
		}
	}
}
