// Package gateway assembles the request pipeline from configuration and
// serves it.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/health"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/middleware/auditlog"
	"github.com/wudi/edgegate/internal/middleware/auth"
	"github.com/wudi/edgegate/internal/middleware/cors"
	"github.com/wudi/edgegate/internal/middleware/ratelimit"
	"github.com/wudi/edgegate/internal/middleware/sanitize"
	"github.com/wudi/edgegate/internal/middleware/securityheaders"
	"github.com/wudi/edgegate/internal/middleware/validation"
	"github.com/wudi/edgegate/internal/pipeline"
	"github.com/wudi/edgegate/internal/proxy"
	"github.com/wudi/edgegate/internal/router"
	"github.com/wudi/edgegate/internal/tracing"
	"github.com/wudi/edgegate/internal/websocket"
)

// Gateway is the main API gateway
type Gateway struct {
	config    *config.Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	table     *router.Table
	forwarder *proxy.Forwarder
	gate      *auth.Gate
	keys      *auth.KeySet
	redis     *redis.Client
	health    *health.Checker
	local     *httprouter.Router
	pipeline  *pipeline.Pipeline
	handler   http.Handler
	startTime time.Time
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	store     ratelimit.Store
	validator auth.TokenValidator
}

// WithLogger sets the audit logger. Defaults to the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithStore sets the rate limit counter store.
func WithStore(s ratelimit.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTokenValidator replaces the JWKS-backed token validator.
func WithTokenValidator(v auth.TokenValidator) Option {
	return func(o *options) { o.validator = v }
}

// New creates a new gateway
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Global()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector()
	}

	g := &Gateway{
		config:    cfg,
		logger:    o.logger,
		metrics:   o.metrics,
		tracer:    o.tracer,
		startTime: time.Now(),
	}
	g.health = health.NewChecker(health.Config{
		OnChange: func(name string, status health.Status) {
			logging.Warn("Dependency health changed",
				zap.String("check", name),
				zap.String("status", string(status)),
			)
		},
	})

	if g.tracer == nil {
		t, err := tracing.New(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		g.tracer = t
	}

	table, err := router.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("failed to build route table: %w", err)
	}
	g.table = table
	g.initForwarder()

	if err := g.initAuth(o.validator); err != nil {
		return nil, err
	}

	limiter := g.initRateLimit(o.store)

	stages := []pipeline.Stage{
		middleware.NewBodyLimit(cfg.Server.MaxBodyBytes),
		securityheaders.New(cfg.Security),
		cors.New(cfg.CORS),
	}
	if cfg.Sanitize.Enabled {
		stages = append(stages, sanitize.New(cfg.Sanitize))
	}
	if len(cfg.Validation) > 0 {
		v, err := validation.New(cfg.Validation)
		if err != nil {
			return nil, fmt.Errorf("failed to compile validation rules: %w", err)
		}
		stages = append(stages, v)
	}
	if g.gate != nil {
		stages = append(stages, g.gate)
	}
	if limiter != nil {
		stages = append(stages, limiter)
	}

	g.initLocalRoutes()
	stages = append(stages, &dispatcher{gateway: g})

	for i := range stages {
		stages[i] = g.tracer.Stage(stages[i])
	}

	g.pipeline = pipeline.New(pipeline.NewBuilder(cfg.Server.TrustProxy), stages,
		pipeline.WithObserver(auditlog.New(cfg.Audit, cfg.AuditBodyCap(), g.logger, g.metrics)),
		pipeline.WithProduction(cfg.IsProduction()),
	)
	g.handler = middleware.Chain{
		middleware.Recovery(cfg.IsProduction()),
		g.tracer.Middleware(),
	}.Then(g.pipeline)

	return g, nil
}

func (g *Gateway) initForwarder() {
	tc := proxy.MergeTransportConfig(proxy.DefaultTransportConfig, g.config.Transport)
	g.forwarder = proxy.New(proxy.Config{
		Transport:     proxy.NewTransport(tc),
		Tunnel:        websocket.NewTunnel(tc.DialTimeout, tc.InsecureSkipVerify),
		Injector:      g.tracer,
		Metrics:       g.metrics,
		FlushInterval: tc.FlushInterval,
	})

	for _, rule := range g.table.Rules() {
		g.health.Register(health.Check{
			Name: rule.Name,
			Fn:   health.TCPCheck(targetAddress(rule.Target)),
		})
	}
}

// initAuth builds the auth gate. The JWKS cache is only created when no
// validator was supplied.
func (g *Gateway) initAuth(validator auth.TokenValidator) error {
	cfg := g.config.Auth
	if !cfg.Enabled {
		logging.Warn("Authentication disabled, every route is public")
		return nil
	}

	if validator == nil {
		keys, err := auth.NewKeySet(cfg.JWKSURL,
			auth.WithRefreshInterval(cfg.RefreshInterval),
			auth.WithMissRefreshGap(cfg.MissRefreshGap),
			auth.WithMetrics(g.metrics),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize JWKS: %w", err)
		}
		g.keys = keys
		g.health.Register(health.Check{Name: "jwks", Required: true, Fn: keys.Check})
		validator = auth.NewValidator(cfg, keys)
	}

	g.gate = auth.NewGate(cfg, validator, g.metrics)
	return nil
}

func (g *Gateway) initRateLimit(store ratelimit.Store) *ratelimit.Limiter {
	cfg := g.config.RateLimit
	if !cfg.Enabled {
		return nil
	}

	if store == nil {
		switch cfg.Store {
		case config.StoreRedis:
			g.redis = ratelimit.NewRedisClient(g.config.Redis)
			rs := ratelimit.NewRedisStore(g.redis)
			// Redis gates readiness only under the fail-closed policy.
			g.health.Register(health.Check{
				Name:     "redis",
				Required: cfg.FailurePolicy == config.FailClosed,
				Fn:       rs.Ping,
			})
			store = rs
		default:
			store = ratelimit.NewMemoryStore(cfg.MaxKeys)
		}
	}

	logging.Info("Rate limiting enabled",
		zap.String("store", cfg.Store),
		zap.String("failure_policy", cfg.FailurePolicy),
		zap.Int("tiers", len(cfg.Tiers)),
	)
	return ratelimit.New(cfg, store, g.metrics)
}

// Warm fetches the signing keys before traffic is served. Failure is
// logged and not fatal; keys are fetched again on first use.
func (g *Gateway) Warm(ctx context.Context) {
	if g.keys == nil {
		return
	}
	if err := g.keys.Warm(ctx, g.config.Auth.StartupTimeout); err != nil {
		logging.Error("Initial JWKS fetch failed, continuing", zap.Error(err))
		return
	}
	logging.Info("JWKS loaded", zap.String("url", g.config.Auth.JWKSURL))
}

// Handler returns the HTTP handler for the gateway
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Health returns the dependency checker.
func (g *Gateway) Health() *health.Checker {
	return g.health
}

// Stages returns the pipeline stage names in execution order.
func (g *Gateway) Stages() []string {
	return g.pipeline.Stages()
}

// Routes returns the backend route table.
func (g *Gateway) Routes() *router.Table {
	return g.table
}

// Close releases background resources.
func (g *Gateway) Close() error {
	if g.keys != nil {
		g.keys.Close()
	}
	var firstErr error
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			firstErr = fmt.Errorf("redis close: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.tracer.Close(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("tracer close: %w", err)
	}
	return firstErr
}

// dispatcher is the terminal stage. Local endpoints win over the backend
// table, and anything unmatched is a 404.
type dispatcher struct {
	gateway *Gateway
}

func (d *dispatcher) Name() string { return "dispatch" }

func (d *dispatcher) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	g := d.gateway

	if handle, ps, _ := g.local.Lookup(r.Method, r.URL.Path); handle != nil {
		rc = rc.WithEndpoint(r.URL.Path)
		res := &localResult{}
		ctx := context.WithValue(pipeline.NewContext(r.Context(), rc), localResultKey{}, res)
		handle(w, r.WithContext(ctx), ps)
		if res.err != nil {
			return pipeline.Fail(rc, res.err)
		}
		return pipeline.Halt(rc)
	}

	if rule := g.table.Match(r.URL.Path); rule != nil {
		return g.forwarder.Process(w, r, rc.WithRoute(rule))
	}

	return pipeline.Fail(rc, errors.NotFound())
}

// targetAddress returns host:port for a backend URL.
func targetAddress(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
