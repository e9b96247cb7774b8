package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"sports-settlement-bot/config"
)

func miniService(t *testing.T, limits map[string]int64) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := NewService(config.RedisConfig{Address: mr.Addr()}, config.ResourceTTLConfig{}, limits)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, mr
}

func TestReserveDeniesPastLimit(t *testing.T) {
	svc, mr := miniService(t, map[string]int64{"api_football": 3})
	q := svc.Quota()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := q.Reserve(ctx, "api_football")
		if err != nil {
			t.Fatalf("Reserve() call %d error = %v", i+1, err)
		}
		if !ok {
			t.Fatalf("Reserve() call %d denied under the limit", i+1)
		}
	}

	// Every caller past the limit is denied, and denials do not consume
	// quota: the counter stays at the limit.
	for i := 0; i < 5; i++ {
		ok, err := q.Reserve(ctx, "api_football")
		if err != nil {
			t.Fatalf("Reserve() over-limit error = %v", err)
		}
		if ok {
			t.Fatal("Reserve() admitted a caller past the limit")
		}
	}

	used, limit, err := q.Usage(ctx, "api_football")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if used != 3 || limit != 3 {
		t.Errorf("Usage() = %d/%d, want 3/3", used, limit)
	}

	if ttl := mr.TTL(DayKey("api_football", time.Now())); ttl <= 0 {
		t.Errorf("counter TTL = %v, want positive", ttl)
	}
}

func TestReserveUnmeteredProvider(t *testing.T) {
	svc, _ := miniService(t, map[string]int64{"api_football": 1})
	q := svc.Quota()

	for i := 0; i < 10; i++ {
		ok, err := q.Reserve(context.Background(), "free_feed")
		if err != nil || !ok {
			t.Fatalf("Reserve() for unmetered provider = (%v, %v), want admitted", ok, err)
		}
	}
}

func TestStoreGuardKeepsHigherConfidence(t *testing.T) {
	svc, mr := miniService(t, nil)
	ctx := context.Background()
	key := Key("api_football", ResourceFixtureResult, "m-1")

	if err := svc.store(ctx, key, []byte(`{"hg":1}`), ConfidencePartial, time.Hour); err != nil {
		t.Fatalf("store(partial) error = %v", err)
	}

	// Higher confidence upgrades the entry.
	if err := svc.store(ctx, key, []byte(`{"hg":2}`), ConfidenceAuthoritative, time.Hour); err != nil {
		t.Fatalf("store(authoritative) error = %v", err)
	}
	payload, conf, err := svc.Peek(ctx, "api_football", ResourceFixtureResult, "m-1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if conf != ConfidenceAuthoritative || string(payload) != `{"hg":2}` {
		t.Fatalf("Peek() = (%s, %v), want authoritative {\"hg\":2}", payload, conf)
	}

	// A lower-confidence write never replaces an unexpired higher one.
	if err := svc.store(ctx, key, []byte(`{"hg":9}`), ConfidencePartial, time.Hour); err != nil {
		t.Fatalf("store(partial again) error = %v", err)
	}
	payload, conf, err = svc.Peek(ctx, "api_football", ResourceFixtureResult, "m-1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if conf != ConfidenceAuthoritative || string(payload) != `{"hg":2}` {
		t.Errorf("partial write replaced the authoritative entry: (%s, %v)", payload, conf)
	}

	// Once the authoritative entry expires the slot is free again.
	mr.FastForward(2 * time.Hour)
	if err := svc.store(ctx, key, []byte(`{"hg":9}`), ConfidencePartial, time.Hour); err != nil {
		t.Fatalf("store(after expiry) error = %v", err)
	}
	payload, conf, err = svc.Peek(ctx, "api_football", ResourceFixtureResult, "m-1")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if conf != ConfidencePartial || string(payload) != `{"hg":9}` {
		t.Errorf("Peek() after expiry = (%s, %v), want the partial rewrite", payload, conf)
	}
}

func TestGetOrFetchChargesQuotaOncePerMiss(t *testing.T) {
	svc, _ := miniService(t, map[string]int64{"api_football": 2})
	ctx := context.Background()
	fetches := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte(`{"hg":2,"ag":1}`), nil
	}

	for i := 0; i < 4; i++ {
		if _, _, err := svc.GetOrFetch(ctx, "api_football", ResourceFixtureResult, "m-7", ConfidenceAuthoritative, fetch); err != nil {
			t.Fatalf("GetOrFetch() call %d error = %v", i+1, err)
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1: cache hits must not refetch", fetches)
	}

	used, _, err := svc.Quota().Usage(ctx, "api_football")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if used != 1 {
		t.Errorf("quota used = %d, want 1: cache hits must not charge quota", used)
	}
}
