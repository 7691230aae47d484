// Package kvstoretest provides an in-memory kvstore.Client for unit tests,
// in the style of jaeger's internal/metricstest and internal/grpctest
// in-memory test doubles.
package kvstoretest

import (
	"context"
	"sync"
	"time"

	"github.com/dredmonds/activity-stream/internal/kvstore"
)

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Fake is a single-process, goroutine-safe kvstore.Client backed by a map.
// TTLs are honoured lazily: an expired key is treated as absent the next
// time it is looked at.
type Fake struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

// New returns an empty Fake using time.Now for expiry checks.
func New() *Fake {
	return &Fake{data: map[string]entry{}, now: time.Now}
}

// NewWithClock returns an empty Fake whose notion of "now" is controlled by
// the caller, for deterministic TTL-expiry tests.
func NewWithClock(now func() time.Time) *Fake {
	return &Fake{data: map[string]entry{}, now: now}
}

func (f *Fake) live(key string) (entry, bool) {
	e, ok := f.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !f.now().Before(e.expires) {
		delete(f.data, key)
		return entry{}, false
	}
	return e, true
}

func (f *Fake) SetNXEX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.live(key); ok {
		return false, nil
	}
	f.data[key] = entry{value: "1", expires: f.now().Add(ttl)}
	return true, nil
}

func (f *Fake) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.live(key)
	if !ok {
		return false, nil
	}
	e.expires = f.now().Add(ttl)
	f.data[key] = e
	return true, nil
}

func (f *Fake) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.live(key)
	if !ok {
		return "", kvstore.ErrNotFound
	}
	return e.value, nil
}

func (f *Fake) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data[key] = entry{value: value}
	return nil
}

func (f *Fake) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data[key] = entry{value: value, expires: f.now().Add(ttl)}
	return nil
}

var _ kvstore.Client = (*Fake)(nil)
