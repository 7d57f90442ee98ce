package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
)

// ErrKeyNotFound is returned when no key matches the token kid, even
// after a forced refresh.
var ErrKeyNotFound = errors.New("signing key not found in JWKS")

// KeySet fetches and caches the identity provider's JSON Web Key Set.
// An unknown kid forces at most one refresh; concurrent refreshes share a
// single fetch and are throttled so a flood of bogus kids cannot hammer the
// provider.
type KeySet struct {
	cache   *jwk.Cache
	url     string
	group   singleflight.Group
	limiter *rate.Limiter
	metrics *metrics.Collector
	cancel  context.CancelFunc
}

// KeySetOption configures a KeySet.
type KeySetOption func(*keySetOptions)

type keySetOptions struct {
	refreshInterval time.Duration
	missRefreshGap  time.Duration
	client          *http.Client
	metrics         *metrics.Collector
}

// WithRefreshInterval sets the background refresh interval.
func WithRefreshInterval(d time.Duration) KeySetOption {
	return func(o *keySetOptions) { o.refreshInterval = d }
}

// WithMissRefreshGap sets the minimum gap between refreshes forced by an
// unknown kid.
func WithMissRefreshGap(d time.Duration) KeySetOption {
	return func(o *keySetOptions) { o.missRefreshGap = d }
}

// WithHTTPClient sets the client used to fetch the key set.
func WithHTTPClient(c *http.Client) KeySetOption {
	return func(o *keySetOptions) { o.client = c }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Collector) KeySetOption {
	return func(o *keySetOptions) { o.metrics = m }
}

// NewKeySet registers jwksURL with a background-refreshing cache. No fetch
// happens until Warm or the first lookup.
func NewKeySet(jwksURL string, opts ...KeySetOption) (*KeySet, error) {
	o := keySetOptions{
		refreshInterval: 15 * time.Minute,
		missRefreshGap:  10 * time.Second,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)

	err := cache.Register(jwksURL,
		jwk.WithMinRefreshInterval(o.refreshInterval),
		jwk.WithHTTPClient(o.client),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	limit := rate.Inf
	if o.missRefreshGap > 0 {
		limit = rate.Every(o.missRefreshGap)
	}

	return &KeySet{
		cache:   cache,
		url:     jwksURL,
		limiter: rate.NewLimiter(limit, 1),
		metrics: o.metrics,
		cancel:  cancel,
	}, nil
}

// Warm performs the initial fetch, retrying with exponential backoff until
// it succeeds or maxWait elapses.
func (k *KeySet) Warm(ctx context.Context, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	attempt := 0
	op := func() error {
		attempt++
		_, err := k.cache.Refresh(ctx, k.url)
		k.record(err)
		if err != nil {
			logging.Warn("JWKS fetch failed",
				zap.String("url", k.url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to fetch JWKS from %s: %w", k.url, err)
	}
	return nil
}

// Key returns the raw public key for kid. A miss triggers one refresh
// before giving up.
func (k *KeySet) Key(ctx context.Context, kid string) (interface{}, error) {
	set, err := k.cache.Get(ctx, k.url)
	if err == nil {
		if key, ok := lookup(set, kid); ok {
			return rawKey(key)
		}
	}

	set, err = k.refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}
	key, ok := lookup(set, kid)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return rawKey(key)
}

// Check reports whether a non-empty key set is available.
func (k *KeySet) Check(ctx context.Context) error {
	set, err := k.cache.Get(ctx, k.url)
	if err != nil {
		return err
	}
	if set.Len() == 0 {
		return errors.New("JWKS contains no keys")
	}
	return nil
}

// Close stops the background refresh goroutine.
func (k *KeySet) Close() {
	k.cancel()
}

func (k *KeySet) refresh(ctx context.Context) (jwk.Set, error) {
	v, err, _ := k.group.Do(k.url, func() (interface{}, error) {
		if !k.limiter.Allow() {
			return k.cache.Get(ctx, k.url)
		}
		set, err := k.cache.Refresh(ctx, k.url)
		k.record(err)
		return set, err
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

func (k *KeySet) record(err error) {
	if k.metrics != nil {
		k.metrics.RecordKeySetRefresh(err == nil)
	}
}

// lookup finds kid in set. Tokens without a kid fall back to the first key.
func lookup(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid == "" {
		if set.Len() == 0 {
			return nil, false
		}
		return set.Key(0)
	}
	return set.LookupKeyID(kid)
}

func rawKey(key jwk.Key) (interface{}, error) {
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("failed to extract raw key for kid %q: %w", key.KeyID(), err)
	}
	return raw, nil
}
