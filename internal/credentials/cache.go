// Package credentials caches API keys fetched from the secret store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/loremonger/internal/secrets"
)

// ErrMissingCredential matches every *MissingCredentialError.
var ErrMissingCredential = errors.New("missing credential")

// MissingCredentialError reports an absent or empty secret.
type MissingCredentialError struct {
	Key string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no value configured for %q: add it in settings", e.Key)
}

func (e *MissingCredentialError) Is(target error) bool {
	return target == ErrMissingCredential
}

// Cache fetches each credential at most once per process. Concurrent
// callers share one in-flight fetch. Failed fetches are not cached.
// A fetch that was in flight when Invalidate ran never stores its value.
type Cache struct {
	store    secrets.Store
	group    singleflight.Group
	mu       sync.RWMutex
	values   map[string]string
	inflight map[string]int
	gen      uint64
	fetches  atomic.Int64
}

// NewCache creates a cache over store.
func NewCache(store secrets.Store) *Cache {
	return &Cache{
		store:    store,
		values:   make(map[string]string),
		inflight: make(map[string]int),
	}
}

// Get returns the credential for key.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		v, ok := c.values[key]
		gen := c.gen
		if !ok {
			c.inflight[key]++
		}
		c.mu.Unlock()
		if ok {
			return v, nil
		}
		defer func() {
			c.mu.Lock()
			if c.inflight[key]--; c.inflight[key] <= 0 {
				delete(c.inflight, key)
			}
			c.mu.Unlock()
		}()

		c.fetches.Add(1)
		raw, err := c.store.Get(ctx, key)
		if errors.Is(err, secrets.ErrNotFound) {
			return "", &MissingCredentialError{Key: key}
		}
		if err != nil {
			return "", fmt.Errorf("fetch credential %s: %w", key, err)
		}
		val := strings.TrimSpace(string(raw))
		if val == "" {
			return "", &MissingCredentialError{Key: key}
		}

		c.mu.Lock()
		if c.gen == gen {
			c.values[key] = val
		}
		c.mu.Unlock()
		log.Debug().Str("key", key).Msg("Credential loaded")
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Invalidate drops the given keys, or every key when none are given.
// Callers arriving afterwards start a fresh fetch instead of joining one
// that began before the invalidation.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if len(keys) == 0 {
		c.values = make(map[string]string)
		for k := range c.inflight {
			c.group.Forget(k)
		}
		return
	}
	for _, k := range keys {
		delete(c.values, k)
		c.group.Forget(k)
	}
}

// Fetches returns how many times the underlying store has been queried.
func (c *Cache) Fetches() int64 {
	return c.fetches.Load()
}
