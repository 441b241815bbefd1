// Package shortterm implements the TTL-scoped conversation context tier.
//
// Two backends satisfy the same Store contract: a Redis-backed store for
// deployments with a networked cache, and a pure in-process store. The
// backend is chosen once at construction; the Redis store degrades to an
// in-process shadow when the cache becomes unreachable.
package shortterm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL applies when a caller stores an entry without an explicit TTL.
const DefaultTTL = time.Hour

const keyPrefix = "stm:"

// Status describes the operational state of the tier.
type Status struct {
	Type     string `json:"type"`
	Degraded bool   `json:"degraded"`
	Entries  int    `json:"entries"`
}

// Store is the short-term memory contract. Both implementations provide
// identical read-after-write and expiry semantics.
type Store interface {
	// Store overwrites the entry under key. ttl <= 0 selects DefaultTTL.
	Store(ctx context.Context, key string, data map[string]any, ttl time.Duration) error
	// Get returns the entry, or ok=false when absent or expired. Reads
	// never return expired data regardless of backend eviction behaviour.
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	// Delete removes the entry, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// ListActive returns all unexpired entries keyed by conversation key.
	ListActive(ctx context.Context) (map[string]map[string]any, error)
	// SweepExpired removes expired entries and returns how many were dropped.
	SweepExpired(ctx context.Context) (int, error)
	// Status reports backend type, degradation and entry count.
	Status(ctx context.Context) Status
}

// MemoryStore is the in-process implementation. It is also used as the
// shadow store behind RedisStore; it is instance state, never shared
// process-wide.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Store(_ context.Context, key string, data map[string]any, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("short-term key required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal short-term entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{data: raw, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (map[string]any, bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok && s.now().After(entry.expiresAt) {
		// Lazy expiry: repeated reads after the deadline stay absent.
		delete(s.entries, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var data map[string]any
	if err := json.Unmarshal(entry.data, &data); err != nil {
		return nil, false, fmt.Errorf("unmarshal short-term entry: %w", err)
	}
	return data, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *MemoryStore) ListActive(_ context.Context) (map[string]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	active := make(map[string]map[string]any, len(s.entries))
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(entry.data, &data); err != nil {
			continue
		}
		active[key] = data
	}
	return active, nil
}

func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	swept := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			swept++
		}
	}
	return swept, nil
}

func (s *MemoryStore) Status(_ context.Context) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Type: "in_memory", Degraded: false, Entries: len(s.entries)}
}

// RedisStore is the networked implementation. Every call carries a timeout;
// on connection failure the store silently routes subsequent calls to an
// in-process shadow, favouring availability over durability. The switch is
// reported through Status, never as an error to callers.
type RedisStore struct {
	client      *redis.Client
	shadow      *MemoryStore
	callTimeout time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	degraded bool
}

// NewRedisStore connects to Redis and fails fast when the cache is
// unreachable at construction time.
func NewRedisStore(ctx context.Context, addr, password string, db int, dialTimeout, callTimeout time.Duration, logger *log.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[STM] ", log.LstdFlags)
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: dialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &RedisStore{
		client:      client,
		shadow:      NewMemoryStore(),
		callTimeout: callTimeout,
		logger:      logger,
	}, nil
}

func (s *RedisStore) isDegraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *RedisStore) degrade(err error) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !already {
		s.logger.Printf("redis unavailable, switching to in-memory shadow: %v", err)
	}
}

func (s *RedisStore) Store(ctx context.Context, key string, data map[string]any, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("short-term key required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if s.isDegraded() {
		return s.shadow.Store(ctx, key, data, ttl)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal short-term entry: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.client.Set(cctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		s.degrade(err)
		return s.shadow.Store(ctx, key, data, ttl)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	if s.isDegraded() {
		return s.shadow.Get(ctx, key)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	raw, err := s.client.Get(cctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		s.degrade(err)
		return s.shadow.Get(ctx, key)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("unmarshal short-term entry: %w", err)
	}
	return data, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	if s.isDegraded() {
		return s.shadow.Delete(ctx, key)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	n, err := s.client.Del(cctx, keyPrefix+key).Result()
	if err != nil {
		s.degrade(err)
		return s.shadow.Delete(ctx, key)
	}
	return n > 0, nil
}

func (s *RedisStore) ListActive(ctx context.Context) (map[string]map[string]any, error) {
	if s.isDegraded() {
		return s.shadow.ListActive(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	active := make(map[string]map[string]any)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(cctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			s.degrade(err)
			return s.shadow.ListActive(ctx)
		}
		for _, full := range keys {
			raw, err := s.client.Get(cctx, full).Bytes()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				s.degrade(err)
				return s.shadow.ListActive(ctx)
			}
			var data map[string]any
			if err := json.Unmarshal(raw, &data); err != nil {
				continue
			}
			active[full[len(keyPrefix):]] = data
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return active, nil
}

// SweepExpired is a no-op for Redis, which evicts on its own; the shadow is
// swept regardless so entries written during an outage do not linger.
func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	return s.shadow.SweepExpired(ctx)
}

func (s *RedisStore) Status(ctx context.Context) Status {
	if s.isDegraded() {
		st := s.shadow.Status(ctx)
		return Status{Type: "redis", Degraded: true, Entries: st.Entries}
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	entries := 0
	if n, err := s.client.DBSize(cctx).Result(); err == nil {
		entries = int(n)
	}
	return Status{Type: "redis", Degraded: false, Entries: entries}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
