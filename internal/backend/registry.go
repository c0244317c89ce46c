package backend

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/detectpipe/internal/logger"
)

// DefaultIdleTTL is how long an unused model stays loaded in a Registry.
const DefaultIdleTTL = 10 * time.Minute

// Registry keeps loaded backends keyed by Config.Key so that repeated runs
// with the same model (HTTP requests, FFI calls) reuse one interpreter.
// Entries idle for longer than the TTL are closed once no run holds them.
type Registry struct {
	mu      sync.Mutex
	cache   *cache.Cache
	ttl     time.Duration
	newFunc func(Config) (Backend, error)
}

type registryEntry struct {
	backend Backend
	refs    int
	evicted bool
}

// NewRegistry creates a registry. A non-positive ttl keeps models loaded
// until Close.
func NewRegistry(ttl time.Duration) *Registry {
	exp := ttl
	if exp <= 0 {
		exp = cache.NoExpiration
	}

	r := &Registry{ttl: exp, newFunc: New}
	// No janitor goroutine: expired entries are swept on Acquire.
	r.cache = cache.New(exp, 0)
	r.cache.OnEvicted(r.onEvicted)
	return r
}

// Acquire returns the backend for cfg, loading it on first use. Backends
// that are not concurrency safe are returned wrapped by Serialize, so
// concurrent runs sharing a model never overlap calls. The release func must
// be called when the caller is done with it.
func (r *Registry) Acquire(cfg Config) (Backend, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.DeleteExpired()

	key := cfg.Key()
	var entry *registryEntry
	if v, ok := r.cache.Get(key); ok {
		entry, _ = v.(*registryEntry)
	}

	if entry == nil {
		b, err := r.newFunc(cfg)
		if err != nil {
			return nil, nil, err
		}
		// every holder shares one lock on an unsafe interpreter
		entry = &registryEntry{backend: Serialize(b)}
		GetLogger().Info("backend loaded",
			logger.String("backend", cfg.Backend),
			logger.String("model", cfg.Model),
			logger.String("device", cfg.Device))
	}

	entry.refs++
	// refresh the idle deadline
	r.cache.Set(key, entry, r.ttl)

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(entry) })
	}
	return entry.backend, release, nil
}

func (r *Registry) release(entry *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.refs--
	if entry.refs == 0 && entry.evicted {
		closeBackend(entry.backend)
	}
}

// onEvicted runs with r.mu held (from DeleteExpired, Delete or Flush).
func (r *Registry) onEvicted(_ string, v any) {
	entry, ok := v.(*registryEntry)
	if !ok {
		return
	}
	entry.evicted = true
	if entry.refs == 0 {
		closeBackend(entry.backend)
	}
}

// Len returns the number of loaded models.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.DeleteExpired()
	return r.cache.ItemCount()
}

// Close evicts every entry. Backends still held by a run are closed on release.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache.Items() {
		r.cache.Delete(key)
	}
}

func closeBackend(b Backend) {
	if err := b.Close(); err != nil {
		GetLogger().Warn("failed to close backend",
			logger.String("backend", b.Name()),
			logger.Error(err))
	}
}
