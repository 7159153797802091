// Package ratelimit hands out one token bucket per credential, so one
// user's backoff never starves another's.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Registry implements per-credential token bucket rate limiting.
type Registry struct {
	limit rate.Limit
	burst int

	buckets sync.Map // map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64 // unix nanos
}

// New creates a registry issuing limiters of perSecond tokens per second
// with the given burst.
func New(perSecond float64, burst int) *Registry {
	if burst < 1 {
		burst = 1
	}
	return &Registry{
		limit: rate.Limit(perSecond),
		burst: burst,
		stop:  make(chan struct{}),
	}
}

// Limiter returns the shared limiter for credential.
func (r *Registry) Limiter(credential string) *rate.Limiter {
	return r.bucket(credential).limiter
}

// Wait blocks until credential's bucket yields a token or ctx is done.
func (r *Registry) Wait(ctx context.Context, credential string) error {
	return r.bucket(credential).limiter.Wait(ctx)
}

func (r *Registry) bucket(credential string) *bucket {
	v, ok := r.buckets.Load(credential)
	if !ok {
		v, _ = r.buckets.LoadOrStore(credential, &bucket{limiter: rate.NewLimiter(r.limit, r.burst)})
	}
	b := v.(*bucket)
	b.lastUsed.Store(time.Now().UnixNano())
	return b
}

// StartCleanup evicts buckets idle for longer than idle, checking every
// interval, until Stop is called.
func (r *Registry) StartCleanup(interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.evict(time.Now(), idle)
			}
		}
	}()
}

// Stop terminates the background cleanup goroutine.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) evict(now time.Time, idle time.Duration) int {
	n := 0
	r.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if now.Sub(time.Unix(0, b.lastUsed.Load())) > idle {
			r.buckets.Delete(key)
			n++
		}
		return true
	})
	return n
}
