package credential

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9/auth"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	minRefreshDelay = time.Second
	jitterLow       = 0.5
	jitterHigh      = 0.8
)

// Refresher keeps a credential current and streams replacements to
// subscribed go-redis connections.
type Refresher struct {
	source   Source
	log      *zap.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	jitter   func() float64

	mu        sync.Mutex
	current   Credential
	listeners map[uint64]auth.CredentialsListener
	nextID    uint64
	closed    bool

	group   singleflight.Group
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

var _ auth.StreamingCredentialsProvider = (*Refresher)(nil)

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshInterval caps the refresh period. The actual delay is a
// uniform draw from [50%, 80%] of the smaller of this interval and the
// time left before the credential expires.
func WithRefreshInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRefreshTimeout bounds a single refresh attempt.
func WithRefreshTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RefresherOption {
	return func(r *Refresher) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

// WithJitter overrides the random source of the refresh delay. f must
// return a value in [0, 1).
func WithJitter(f func() float64) RefresherOption {
	return func(r *Refresher) {
		if f != nil {
			r.jitter = f
		}
	}
}

// NewRefresher acquires the first credential from source and starts the
// background refresh loop. The error wraps ErrCredentialUnavailable when
// the first acquisition fails.
func NewRefresher(ctx context.Context, source Source, opts ...RefresherOption) (*Refresher, error) {
	r := &Refresher{
		source:    source,
		log:       zap.NewNop(),
		interval:  4 * time.Minute,
		timeout:   30 * time.Second,
		now:       time.Now,
		jitter:    rand.Float64,
		listeners: make(map[uint64]auth.CredentialsListener),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	cred, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	r.current = cred

	go r.loop()
	return r, nil
}

// Current returns the credential in use.
func (r *Refresher) Current() Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Subscribe implements auth.StreamingCredentialsProvider.
func (r *Refresher) Subscribe(listener auth.CredentialsListener) (auth.Credentials, auth.UnsubscribeFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrRefresherClosed
	}

	id := r.nextID
	r.nextID++
	r.listeners[id] = listener

	unsubscribe := func() error {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
		return nil
	}
	return auth.NewBasicCredentials(r.current.Username, r.current.Password), unsubscribe, nil
}

// Refresh acquires a new credential now and pushes it to every listener.
// Concurrent callers share one acquisition. On failure the previous
// credential stays current.
func (r *Refresher) Refresh(ctx context.Context) (Credential, error) {
	v, err, _ := r.group.Do("refresh", func() (any, error) {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return Credential{}, ErrRefresherClosed
		}

		cred, err := r.acquire(ctx)
		if err != nil {
			return Credential{}, err
		}

		r.mu.Lock()
		r.current = cred
		listeners := make([]auth.CredentialsListener, 0, len(r.listeners))
		for _, l := range r.listeners {
			listeners = append(listeners, l)
		}
		r.mu.Unlock()

		next := auth.NewBasicCredentials(cred.Username, cred.Password)
		for _, l := range listeners {
			l.OnNext(next)
		}
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Close stops the refresh loop and drops every listener.
func (r *Refresher) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.listeners = map[uint64]auth.CredentialsListener{}
		r.mu.Unlock()
		close(r.stop)
		<-r.stopped
	})
	return nil
}

func (r *Refresher) acquire(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return Acquire(ctx, r.source)
}

// nextDelay draws the wait before the next refresh.
func (r *Refresher) nextDelay() time.Duration {
	base := r.interval

	r.mu.Lock()
	expires := r.current.ExpiresOn
	r.mu.Unlock()

	if !expires.IsZero() {
		if left := expires.Sub(r.now()); left < base {
			base = left
		}
	}

	frac := jitterLow + (jitterHigh-jitterLow)*r.jitter()
	d := time.Duration(float64(base) * frac)
	if d < minRefreshDelay {
		d = minRefreshDelay
	}
	return d
}

func (r *Refresher) loop() {
	defer close(r.stopped)

	timer := time.NewTimer(r.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-r.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		cred, err := r.Refresh(ctx)
		cancel()
		if err != nil {
			r.log.Warn("redis credential refresh failed, keeping current credential", zap.Error(err))
		} else {
			r.log.Info("redis credential refreshed", zap.Time("expires_on", cred.ExpiresOn))
		}

		timer.Reset(r.nextDelay())
	}
}
