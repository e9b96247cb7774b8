package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// quotaTTL keeps a day's counter around past midnight so late readers still
// see yesterday's usage; the key itself rotates at the UTC day boundary.
const quotaTTL = 48 * time.Hour

// reserveQuota atomically admits a request under the daily limit. The N-th
// caller past the limit always observes a denial regardless of interleaving,
// because the check and increment run as one Redis script.
var reserveQuota = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return -1
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return count
`)

// QuotaStore tracks per-(provider, calendar day) request counters against
// configured daily limits.
type QuotaStore struct {
	client *redis.Client
	limits map[string]int64
}

// NewQuotaStore creates a quota store. Providers absent from limits are
// unmetered; every configured provider must appear.
func NewQuotaStore(client *redis.Client, limits map[string]int64) *QuotaStore {
	return &QuotaStore{client: client, limits: limits}
}

// DayKey builds the counter key for a provider on the UTC day of t.
func DayKey(provider string, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s", provider, t.UTC().Format("2006-01-02"))
}

// Reserve atomically increments the provider's counter for today and reports
// whether the call is permitted. A denial does not consume quota.
func (q *QuotaStore) Reserve(ctx context.Context, provider string) (bool, error) {
	limit, ok := q.limits[provider]
	if !ok || limit <= 0 {
		return true, nil
	}

	n, err := reserveQuota.Run(ctx, q.client, []string{DayKey(provider, time.Now())}, limit, int64(quotaTTL.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("quota script failed: %w", err)
	}
	return n > 0, nil
}

// Usage returns today's request count and the configured limit for a
// provider. Limit 0 means unmetered.
func (q *QuotaStore) Usage(ctx context.Context, provider string) (used, limit int64, err error) {
	limit = q.limits[provider]

	used, err = q.client.Get(ctx, DayKey(provider, time.Now())).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, limit, nil
	}
	if err != nil {
		return 0, limit, fmt.Errorf("quota read failed: %w", err)
	}
	return used, limit, nil
}

// Limits returns the configured provider limits.
func (q *QuotaStore) Limits() map[string]int64 {
	return q.limits
}
