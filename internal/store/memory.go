package store

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/valet-proxy/valet/internal/obs"
)

// memoryStore keeps credentials in-process. Suitable when a single
// long-running process owns the store and out-of-process callers reach it
// through that process rather than through shared storage.
type memoryStore struct {
	cfg Config

	// mu makes check-and-mark in Verify atomic; go-cache guards its own
	// map but not read-modify-write sequences.
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewMemoryStore(cfg Config) Store {
	cfg = cfg.withDefaults()
	c := gocache.New(cfg.TTL, cfg.SweepInterval)
	c.OnEvicted(func(string, any) {
		obs.ActiveCredentials.Dec()
	})
	return &memoryStore{cfg: cfg, cache: c}
}

func (m *memoryStore) Add(_ context.Context, identifier, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(identifier, secret)
	if _, ok := m.cache.Get(k); !ok {
		obs.ActiveCredentials.Inc()
	}
	m.cache.Set(k, Credential{
		Identifier: identifier,
		Secret:     secret,
		CreatedAt:  time.Now(),
	}, gocache.DefaultExpiration)
	return nil
}

func (m *memoryStore) Remove(_ context.Context, identifier, secret string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(identifier, secret)
	if _, ok := m.cache.Get(k); !ok {
		return false, nil
	}
	m.cache.Delete(k)
	return true, nil
}

func (m *memoryStore) Verify(_ context.Context, identifier, secret string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(identifier, secret)
	v, exp, ok := m.cache.GetWithExpiration(k)
	if !ok {
		return false
	}
	cred := v.(Credential)
	if m.cfg.StrictSingleUse && cred.Used {
		return false
	}
	if !cred.Used {
		cred.Used = true
		ttl := gocache.DefaultExpiration
		if !exp.IsZero() {
			ttl = time.Until(exp)
		}
		m.cache.Set(k, cred, ttl)
	}
	return true
}

func (m *memoryStore) Close() error {
	m.cache.Flush()
	return nil
}
