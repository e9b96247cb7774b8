// Package cache provides the Redis-backed result cache and per-provider daily
// quota counters. Every external provider call goes through this package; no
// other component talks to a provider directly.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sports-settlement-bot/config"
)

// Confidence is the trust tier of a cached provider response. An unexpired
// entry is never overwritten by a lower tier.
type Confidence int

const (
	ConfidencePartial       Confidence = 1 // scrapers, secondary sources
	ConfidenceAuthoritative Confidence = 2 // primary sources, trusted as ground truth
)

func (c Confidence) String() string {
	switch c {
	case ConfidencePartial:
		return "partial"
	case ConfidenceAuthoritative:
		return "authoritative"
	default:
		return "unknown"
	}
}

// ResourceType classifies cached payloads. TTLs are configured per resource
// type because volatility differs: a final result is stable for days, a live
// score for minutes.
type ResourceType string

const (
	ResourceFixtureResult ResourceType = "fixture_result"
	ResourceFixtureMeta   ResourceType = "fixture_meta"
	ResourceLiveScore     ResourceType = "live_score"
)

var (
	// ErrMiss reports that no usable cache entry exists and no fetch happened.
	ErrMiss = errors.New("cache miss")
	// ErrQuotaExhausted reports that the provider's daily quota denied the fetch.
	ErrQuotaExhausted = errors.New("provider quota exhausted")
	// ErrEmptyPayload reports a fetch that returned no data; such responses are
	// never cached so a transient provider gap is not persisted as truth.
	ErrEmptyPayload = errors.New("provider returned empty payload")
	// ErrUnavailable reports that the cache backend itself is down. Callers must
	// treat this as quota-unavailable: a broken quota store must not allow
	// unmetered provider calls.
	ErrUnavailable = errors.New("cache backend unavailable")
)

// FetchFunc performs the actual provider call when the cache cannot serve.
type FetchFunc func(ctx context.Context) ([]byte, error)

// envelope is the stored representation of one cache entry.
type envelope struct {
	Payload    json.RawMessage `json:"payload"`
	Confidence Confidence      `json:"confidence"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// storeGuarded writes an envelope unless an unexpired entry of strictly higher
// confidence already exists. Runs atomically inside Redis.
var storeGuarded = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	local entry = cjson.decode(existing)
	if tonumber(entry['confidence']) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Service is the quota-aware cache in front of all provider calls.
type Service struct {
	client *redis.Client
	quota  *QuotaStore
	ttls   map[ResourceType]time.Duration

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewService creates the cache service and verifies Redis connectivity. A
// failed initial ping leaves the service in degraded mode; it recovers through
// background health checks.
func NewService(cfg config.RedisConfig, ttls config.ResourceTTLConfig, quotaLimits map[string]int64) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		quota:         NewQuotaStore(client, quotaLimits),
		ttls:          ttlMap(ttls),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[CACHE] Initial Redis connection failed: %v", err)
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	log.Printf("[CACHE] Redis connected successfully at %s", cfg.Address)

	return s, nil
}

func ttlMap(ttls config.ResourceTTLConfig) map[ResourceType]time.Duration {
	return map[ResourceType]time.Duration{
		ResourceFixtureResult: time.Duration(ttls.FixtureResultHours) * time.Hour,
		ResourceFixtureMeta:   time.Duration(ttls.FixtureMetaHours) * time.Hour,
		ResourceLiveScore:     time.Duration(ttls.LiveScoreMinutes) * time.Minute,
	}
}

// Quota exposes the quota store for the API stats endpoint.
func (s *Service) Quota() *QuotaStore {
	return s.quota
}

// IsHealthy returns whether Redis is currently available.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			log.Printf("[CACHE] Circuit breaker OPEN: Redis marked unhealthy after %d failures", s.failureCount)
		}
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		log.Printf("[CACHE] Circuit breaker CLOSED: Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(pingCtx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// Key builds the cache key for a provider resource.
func Key(provider string, rt ResourceType, resourceKey string) string {
	return fmt.Sprintf("result:%s:%s:%s", provider, rt, resourceKey)
}

// TTLFor returns the configured TTL for a resource type.
func (s *Service) TTLFor(rt ResourceType) time.Duration {
	if ttl, ok := s.ttls[rt]; ok && ttl > 0 {
		return ttl
	}
	return time.Hour
}

// GetOrFetch serves the cached payload when an unexpired entry of
// equal-or-higher confidence exists; otherwise it reserves quota and invokes
// fetch. Successful non-empty responses are cached at the given confidence
// tier before returning. Returns (payload, fromCache, error).
func (s *Service) GetOrFetch(ctx context.Context, provider string, rt ResourceType, resourceKey string, conf Confidence, fetch FetchFunc) ([]byte, bool, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return nil, false, ErrUnavailable
	}

	key := Key(provider, rt, resourceKey)

	raw, err := s.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var entry envelope
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil {
			if entry.Confidence >= conf {
				s.recordSuccess()
				return entry.Payload, true, nil
			}
			// Lower tier cached: a higher-confidence fetch may upgrade it.
		} else {
			log.Printf("[CACHE] Corrupt envelope at %s, refetching: %v", key, jsonErr)
		}
	case errors.Is(err, redis.Nil):
		// miss
	default:
		s.recordFailure()
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	allowed, err := s.quota.Reserve(ctx, provider)
	if err != nil {
		s.recordFailure()
		return nil, false, fmt.Errorf("quota reservation failed: %w", err)
	}
	if !allowed {
		return nil, false, ErrQuotaExhausted
	}
	s.recordSuccess()

	payload, err := fetch(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(payload) == 0 {
		return nil, false, ErrEmptyPayload
	}

	if err := s.store(ctx, key, payload, conf, s.TTLFor(rt)); err != nil {
		// The fetch succeeded; a cache write failure only costs future quota.
		log.Printf("[CACHE] Failed to store %s: %v", key, err)
	}

	return payload, false, nil
}

func (s *Service) store(ctx context.Context, key string, payload []byte, conf Confidence, ttl time.Duration) error {
	entry, err := json.Marshal(envelope{
		Payload:    payload,
		Confidence: conf,
		FetchedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	stored, err := storeGuarded.Run(ctx, s.client, []string{key}, entry, int(conf), ttl.Milliseconds()).Int()
	if err != nil {
		s.recordFailure()
		return err
	}
	if stored == 0 {
		log.Printf("[CACHE] Kept higher-confidence entry at %s", key)
	}
	return nil
}

// Peek returns the cached envelope for a key without fetching, or ErrMiss.
// Used by the resolver to detect conflicts between a fresh authoritative
// result and a previously cached one.
func (s *Service) Peek(ctx context.Context, provider string, rt ResourceType, resourceKey string) ([]byte, Confidence, error) {
	if !s.IsHealthy() {
		return nil, 0, ErrUnavailable
	}

	raw, err := s.client.Get(ctx, Key(provider, rt, resourceKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		s.recordFailure()
		return nil, 0, fmt.Errorf("redis get failed: %w", err)
	}

	var entry envelope
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, 0, fmt.Errorf("corrupt cache envelope: %w", err)
	}
	return entry.Payload, entry.Confidence, nil
}

// Invalidate removes a cache entry.
func (s *Service) Invalidate(ctx context.Context, provider string, rt ResourceType, resourceKey string) error {
	if !s.IsHealthy() {
		return ErrUnavailable
	}
	if err := s.client.Del(ctx, Key(provider, rt, resourceKey)).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Ping checks Redis connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
