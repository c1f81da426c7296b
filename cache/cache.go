// Package cache memoizes pipeline results by a content address of their
// arguments. Entries live until the caller forgets or purges them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Key hashes an argument tuple. Parts are separated by a NUL byte so that
// ("ab", "c") and ("a", "bc") map to different keys.
func Key(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type Stats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
}

// Memo stores successful results only. Concurrent Do calls for the same key
// share a single invocation of fn.
type Memo[V any] struct {
	name  string
	mu    sync.RWMutex
	items map[string]V
	group singleflight.Group

	fmu     sync.Mutex
	flights map[string]*flight
	seq     uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// flight is the shared work behind one key. Its context is detached from
// every caller and cancelled once the last waiter has left.
type flight struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New[V any](name string) *Memo[V] {
	return &Memo[V]{
		name:    name,
		items:   make(map[string]V),
		flights: make(map[string]*flight),
	}
}

func (m *Memo[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Memo[V]) Set(key string, v V) {
	m.mu.Lock()
	m.items[key] = v
	m.mu.Unlock()
}

// Do returns the cached value for key or computes it with fn. The boolean
// reports whether the value came from the cache.
//
// fn runs on a context shared by all callers waiting on key. A caller whose
// ctx ends stops waiting with ctx's error; fn is only cancelled when no
// caller is left.
func (m *Memo[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, bool, error) {
	var zero V
	if v, ok := m.Get(key); ok {
		m.hits.Add(1)
		return v, true, nil
	}
	m.misses.Add(1)

	f := m.join(ctx, key)
	defer m.leave(key, f)

	ch := m.group.DoChan(key+"/"+strconv.FormatUint(f.id, 10), func() (interface{}, error) {
		if v, ok := m.Get(key); ok {
			return v, nil
		}
		v, err := fn(f.ctx)
		if err != nil {
			return nil, err
		}
		m.store(key, f, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		v, _ := res.Val.(V)
		return v, false, nil
	}
}

func (m *Memo[V]) join(ctx context.Context, key string) *flight {
	m.fmu.Lock()
	defer m.fmu.Unlock()

	f, ok := m.flights[key]
	if !ok {
		m.seq++
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{id: m.seq, ctx: fctx, cancel: cancel}
		m.flights[key] = f
	}
	f.waiters++
	return f
}

func (m *Memo[V]) leave(key string, f *flight) {
	m.fmu.Lock()
	defer m.fmu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[key] == f {
		delete(m.flights, key)
	}
}

// store keeps v unless key was forgotten or purged while f was running.
func (m *Memo[V]) store(key string, f *flight, v V) {
	m.fmu.Lock()
	current := m.flights[key] == f
	m.fmu.Unlock()
	if current {
		m.Set(key, v)
	}
}

// Forget drops key. A flight already running for it keeps serving its
// waiters but does not populate the cache.
func (m *Memo[V]) Forget(key string) {
	m.fmu.Lock()
	delete(m.flights, key)
	m.fmu.Unlock()

	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *Memo[V]) Purge() {
	m.fmu.Lock()
	m.flights = make(map[string]*flight)
	m.fmu.Unlock()

	m.mu.Lock()
	m.items = make(map[string]V)
	m.mu.Unlock()
}

func (m *Memo[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memo[V]) Stats() Stats {
	return Stats{
		Name:    m.name,
		Entries: m.Len(),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}
}
