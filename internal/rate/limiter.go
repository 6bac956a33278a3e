package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/groovybytes/dashauth/internal"
	"github.com/groovybytes/dashauth/kv"
)

const keyPrefix = "rate"

// Config holds rate limiter tuning parameters.
type Config struct {
	EnableIPThrottle      bool
	MaxInitiateAttempts   int
	InitiateWindow        time.Duration
	MaxCallbackFailures   int
	CallbackFailureWindow time.Duration
}

// Limiter enforces per-IP rate limits for authorization initiation and
// failed callbacks using kv counters.
type Limiter struct {
	store  kv.Store
	config Config
}

// New creates a rate [Limiter] backed by the given store.
func New(store kv.Store, cfg Config) *Limiter {
	return &Limiter{
		store:  store,
		config: cfg,
	}
}

// CheckInitiate records an initiation for ip and returns ErrRateLimited
// once the window budget is spent. Empty ips are not throttled.
func (l *Limiter) CheckInitiate(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" || l.config.MaxInitiateAttempts <= 0 {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, initiateKey(ip), l.config.InitiateWindow)
	if err != nil {
		return err
	}
	if count > uint64(l.config.MaxInitiateAttempts) {
		return ErrRateLimited
	}
	return nil
}

// CheckCallback reports whether ip has exhausted its failed-callback budget.
func (l *Limiter) CheckCallback(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" || l.config.MaxCallbackFailures <= 0 {
		return nil
	}

	entry, err := l.store.Get(ctx, callbackKey(ip))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n, ok := entry.Uint64(); ok && n >= uint64(l.config.MaxCallbackFailures) {
		return ErrRateLimited
	}
	return nil
}

// IncrementCallbackFailure records a rejected callback for ip.
func (l *Limiter) IncrementCallbackFailure(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" || l.config.MaxCallbackFailures <= 0 {
		return nil
	}
	_, err := l.incrementWithTTL(ctx, callbackKey(ip), l.config.CallbackFailureWindow)
	return err
}

// Attempts returns the current initiation counter for ip.
func (l *Limiter) Attempts(ctx context.Context, ip string) (int, error) {
	entry, err := l.store.Get(ctx, initiateKey(ip))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, _ := entry.Uint64()
	return int(n), nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key kv.Key, ttl time.Duration) (uint64, error) {
	// Counter writes keep the expiry of the first hit, so the window is fixed.
	if _, err := l.store.Atomic().Sum(key, 1, kv.WithExpireIn(ttl)).Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	entry, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, _ := entry.Uint64()
	return n, nil
}

func initiateKey(ip string) kv.Key {
	return kv.Key{keyPrefix, "initiate", internal.HashClientIP(ip)}
}

func callbackKey(ip string) kv.Key {
	return kv.Key{keyPrefix, "callback", internal.HashClientIP(ip)}
}
