// Package ratelimit applies tiered fixed-window quotas backed by a shared
// counter store.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/pipeline"
	"github.com/wudi/edgegate/internal/router"
)

// Service is the name reported when the counter store is unavailable.
const Service = "rate-limiter"

const defaultMessage = "Too many requests, please try again later."

// Tier is one quota. A request is counted against the first tier that
// matches it, unless that tier skips it.
type Tier struct {
	Name    string
	Limit   int64
	Window  time.Duration
	Message string
	Key     KeyFunc

	paths         []string
	methods       map[string]bool
	requireHeader string
	skipPaths     []string
	skipMethods   map[string]bool
}

// NewTier builds a tier from config.
func NewTier(cfg config.TierConfig) *Tier {
	t := &Tier{
		Name:          cfg.Name,
		Limit:         cfg.Limit,
		Window:        cfg.Window,
		Message:       cfg.Message,
		Key:           KeyFor(cfg.Key),
		paths:         cfg.Paths,
		methods:       methodSet(cfg.Methods),
		requireHeader: cfg.RequireHeader,
		skipPaths:     cfg.SkipPaths,
		skipMethods:   methodSet(cfg.SkipMethods),
	}
	if t.Message == "" {
		t.Message = defaultMessage
	}
	return t
}

func methodSet(methods []string) map[string]bool {
	if len(methods) == 0 {
		return nil
	}
	m := make(map[string]bool, len(methods))
	for _, method := range methods {
		m[strings.ToUpper(method)] = true
	}
	return m
}

// Matches reports whether r falls under the tier.
func (t *Tier) Matches(r *http.Request) bool {
	if t.requireHeader != "" && r.Header.Get(t.requireHeader) == "" {
		return false
	}
	if t.methods != nil && !t.methods[r.Method] {
		return false
	}
	if len(t.paths) == 0 {
		return true
	}
	return matchAny(t.paths, r.URL.Path)
}

// Skips reports whether a matched request is exempt.
func (t *Tier) Skips(r *http.Request) bool {
	return t.skipMethods[r.Method] || matchAny(t.skipPaths, r.URL.Path)
}

func matchAny(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if router.PrefixMatch(p, path) {
			return true
		}
	}
	return false
}

// Limiter is the rate limiting stage.
type Limiter struct {
	tiers      []*Tier
	store      Store
	prefix     string
	timeout    time.Duration
	failClosed bool
	metrics    *metrics.Collector
	now        func() time.Time
}

// New creates the stage.
func New(cfg config.RateLimitConfig, store Store, m *metrics.Collector) *Limiter {
	l := &Limiter{
		store:      store,
		prefix:     cfg.Prefix,
		timeout:    cfg.StoreTimeout,
		failClosed: cfg.FailurePolicy == config.FailClosed,
		metrics:    m,
		now:        time.Now,
	}
	if l.timeout <= 0 {
		l.timeout = 100 * time.Millisecond
	}
	for _, tc := range cfg.Tiers {
		l.tiers = append(l.tiers, NewTier(tc))
	}
	return l
}

func (l *Limiter) Name() string { return "ratelimit" }

// Select returns the first tier matching r, or nil.
func (l *Limiter) Select(r *http.Request) *Tier {
	for _, t := range l.tiers {
		if t.Matches(r) {
			return t
		}
	}
	return nil
}

func (l *Limiter) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	tier := l.Select(r)
	if tier == nil {
		return pipeline.Continue(rc)
	}
	if tier.Skips(r) {
		l.record(tier.Name, metrics.DecisionSkipped)
		return pipeline.Continue(rc)
	}

	key := l.prefix + tier.Name + ":" + tier.Key(r, rc)

	ctx, cancel := context.WithTimeout(r.Context(), l.timeout)
	defer cancel()

	counter, err := l.store.Increment(ctx, key, tier.Limit, tier.Window)
	if err != nil {
		l.record(tier.Name, metrics.DecisionStoreError)
		if l.failClosed {
			logging.Error("Rate limit store unavailable, rejecting request",
				zap.String("request_id", rc.CorrelationID()),
				zap.String("tier", tier.Name),
				zap.Error(err),
			)
			return pipeline.Fail(rc, errors.UpstreamUnavailable(http.StatusServiceUnavailable, Service,
				"Rate limiting service is currently unavailable", err))
		}
		logging.Warn("Rate limit store unavailable, failing open",
			zap.String("request_id", rc.CorrelationID()),
			zap.String("tier", tier.Name),
			zap.Error(err),
		)
		return pipeline.Continue(rc)
	}

	resetIn := l.secondsUntil(counter.ResetAt)
	h := w.Header()
	h.Set("RateLimit-Limit", strconv.FormatInt(counter.Limit, 10))
	h.Set("RateLimit-Remaining", strconv.FormatInt(counter.Remaining(), 10))
	h.Set("RateLimit-Reset", strconv.FormatInt(resetIn, 10))

	if !counter.Allowed() {
		l.record(tier.Name, metrics.DecisionRejected)
		retry := resetIn
		if retry < 1 {
			retry = 1
		}
		logging.Debug("Rate limit exceeded",
			zap.String("request_id", rc.CorrelationID()),
			zap.String("tier", tier.Name),
			zap.String("client", rc.ClientAddr()),
		)
		return pipeline.Fail(rc, errors.RateLimited(tier.Message).
			WithHeader("Retry-After", strconv.FormatInt(retry, 10)))
	}

	l.record(tier.Name, metrics.DecisionAllowed)
	return pipeline.Continue(rc)
}

func (l *Limiter) secondsUntil(t time.Time) int64 {
	d := t.Sub(l.now())
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func (l *Limiter) record(tier, decision string) {
	if l.metrics != nil {
		l.metrics.RecordRateLimit(tier, decision)
	}
}
