// Package kv defines the key-value port the gateway persists through, plus
// the two interchangeable backends that implement it.
//
// Two backends are available:
//   - RedisStore  — Redis-backed, recommended for production clusters.
//   - MemoryStore — in-process store, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// The gateway keeps two keyspaces here:
//   - circuit-breaker:<provider>  — one breaker record per provider, no TTL.
//   - metrics:<provider>:current  — aggregated provider metrics, 7-day TTL.
//
// Unlike a cache, this store is authoritative state: backends surface errors
// to callers instead of degrading silently, and a zero TTL means "no expiry".
package kv

import (
	"context"
	"strings"
	"time"
)

// Store is the key-value port. A ttl of zero means the entry never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Key prefixes for the gateway keyspaces.
const (
	BreakerKeyPrefix = "circuit-breaker:"
	MetricsKeyPrefix = "metrics:"
)

// BreakerKey returns the persistence key for one provider's breaker record.
func BreakerKey(provider string) string { return BreakerKeyPrefix + provider }

// MetricsKey returns the persistence key for one provider's metric aggregate.
func MetricsKey(provider string) string { return MetricsKeyPrefix + provider + ":current" }

// ProviderFromMetricsKey recovers the provider name from a metrics key. It
// reports false for keys outside the metrics keyspace.
func ProviderFromMetricsKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, MetricsKeyPrefix)
	if !ok {
		return "", false
	}
	provider, ok := strings.CutSuffix(rest, ":current")
	if !ok || provider == "" {
		return "", false
	}
	return provider, true
}
