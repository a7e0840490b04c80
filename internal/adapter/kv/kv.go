// Package kv implements the key-value store adapter over
// github.com/redis/go-redis/v9, wrapped behind the pool/breaker/metrics
// plumbing instead of talking to Redis directly.
package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/breaker"
	"github.com/multidb/connectcore/internal/connpool"
	"github.com/multidb/connectcore/internal/manager"
	"github.com/multidb/connectcore/internal/secret"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// KeyAccessEvent is emitted on every read and write, for a hot-key
// observer to consume. The observer itself is out of scope for the core;
// Adapter only emits.
type KeyAccessEvent struct {
	TenantID string
	Key      string
	Op       string // "read" or "write"
}

// KeyAccessSink receives KeyAccessEvents. A nil sink silently drops them.
type KeyAccessSink func(KeyAccessEvent)

// EndpointResolver returns the still-encrypted Redis address/password pair
// configured for a tenant, serialized as "addr|password" — mirroring
// relational.DSNResolver's shape for a simpler descriptor.
type EndpointResolver func(tenantID string) (string, error)

// Adapter wraps a manager.Manager with the KV capability set.
type Adapter struct {
	mgr     *manager.Manager
	box     *secret.Box
	tls     secret.TLSPolicy
	resolve EndpointResolver
	sink    KeyAccessSink
}

// New constructs a KV Adapter and registers it for StoreKV.
func New(mgr *manager.Manager, box *secret.Box, tlsPolicy secret.TLSPolicy, resolve EndpointResolver, sink KeyAccessSink) *Adapter {
	a := &Adapter{mgr: mgr, box: box, tls: tlsPolicy, resolve: resolve, sink: sink}
	mgr.RegisterAdapter(poolkey.StoreKV, kvFactory{a})
	return a
}

func (a *Adapter) emit(tenantID, key, op string) {
	if a.sink != nil {
		a.sink(KeyAccessEvent{TenantID: tenantID, Key: key, Op: op})
	}
}

func withClient[T any](ctx context.Context, a *Adapter, tenantID string, tier poolkey.Tier, op string, fn func(ctx context.Context, c *redis.Client) (T, error)) (T, error) {
	key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreKV}
	return manager.Execute(ctx, a.mgr, key, tier, op, func(workCtx context.Context, conn *connpool.PooledConn) (T, error) {
		return fn(workCtx, conn.Raw().(*redis.Client))
	})
}

// ── Strings ──────────────────────────────────────────────────────────────

func (a *Adapter) Get(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (string, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "get", func(ctx context.Context, c *redis.Client) (string, error) {
		return c.Get(ctx, key).Result()
	})
}

func (a *Adapter) Set(ctx context.Context, tenantID string, tier poolkey.Tier, key, value string) error {
	a.emit(tenantID, key, "write")
	_, err := withClient(ctx, a, tenantID, tier, "set", func(ctx context.Context, c *redis.Client) (struct{}, error) {
		return struct{}{}, c.Set(ctx, key, value, 0).Err()
	})
	return err
}

func (a *Adapter) MGet(ctx context.Context, tenantID string, tier poolkey.Tier, keys ...string) ([]any, error) {
	for _, k := range keys {
		a.emit(tenantID, k, "read")
	}
	return withClient(ctx, a, tenantID, tier, "mget", func(ctx context.Context, c *redis.Client) ([]any, error) {
		return c.MGet(ctx, keys...).Result()
	})
}

func (a *Adapter) MSet(ctx context.Context, tenantID string, tier poolkey.Tier, pairs ...any) error {
	for i := 0; i < len(pairs); i += 2 {
		if k, ok := pairs[i].(string); ok {
			a.emit(tenantID, k, "write")
		}
	}
	_, err := withClient(ctx, a, tenantID, tier, "mset", func(ctx context.Context, c *redis.Client) (struct{}, error) {
		return struct{}{}, c.MSet(ctx, pairs...).Err()
	})
	return err
}

func (a *Adapter) Del(ctx context.Context, tenantID string, tier poolkey.Tier, keys ...string) (int64, error) {
	for _, k := range keys {
		a.emit(tenantID, k, "write")
	}
	return withClient(ctx, a, tenantID, tier, "del", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.Del(ctx, keys...).Result()
	})
}

func (a *Adapter) Exists(ctx context.Context, tenantID string, tier poolkey.Tier, keys ...string) (int64, error) {
	for _, k := range keys {
		a.emit(tenantID, k, "read")
	}
	return withClient(ctx, a, tenantID, tier, "exists", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.Exists(ctx, keys...).Result()
	})
}

func (a *Adapter) Expire(ctx context.Context, tenantID string, tier poolkey.Tier, key string, seconds int64) (bool, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "expire", func(ctx context.Context, c *redis.Client) (bool, error) {
		return c.Expire(ctx, key, secondsToDuration(seconds)).Result()
	})
}

func (a *Adapter) TTL(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (int64, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "ttl", func(ctx context.Context, c *redis.Client) (int64, error) {
		d, err := c.TTL(ctx, key).Result()
		return int64(d.Seconds()), err
	})
}

func (a *Adapter) Incr(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "incr", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.Incr(ctx, key).Result()
	})
}

func (a *Adapter) Decr(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "decr", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.Decr(ctx, key).Result()
	})
}

// ── Hashes ───────────────────────────────────────────────────────────────

func (a *Adapter) HGet(ctx context.Context, tenantID string, tier poolkey.Tier, key, field string) (string, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "hget", func(ctx context.Context, c *redis.Client) (string, error) {
		return c.HGet(ctx, key, field).Result()
	})
}

func (a *Adapter) HSet(ctx context.Context, tenantID string, tier poolkey.Tier, key string, values ...any) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "hset", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.HSet(ctx, key, values...).Result()
	})
}

func (a *Adapter) HDel(ctx context.Context, tenantID string, tier poolkey.Tier, key string, fields ...string) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "hdel", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.HDel(ctx, key, fields...).Result()
	})
}

func (a *Adapter) HGetAll(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (map[string]string, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "hgetall", func(ctx context.Context, c *redis.Client) (map[string]string, error) {
		return c.HGetAll(ctx, key).Result()
	})
}

func (a *Adapter) HExists(ctx context.Context, tenantID string, tier poolkey.Tier, key, field string) (bool, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "hexists", func(ctx context.Context, c *redis.Client) (bool, error) {
		return c.HExists(ctx, key, field).Result()
	})
}

// ── Lists ────────────────────────────────────────────────────────────────

func (a *Adapter) LPush(ctx context.Context, tenantID string, tier poolkey.Tier, key string, values ...any) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "lpush", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.LPush(ctx, key, values...).Result()
	})
}

func (a *Adapter) RPush(ctx context.Context, tenantID string, tier poolkey.Tier, key string, values ...any) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "rpush", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.RPush(ctx, key, values...).Result()
	})
}

func (a *Adapter) LPop(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (string, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "lpop", func(ctx context.Context, c *redis.Client) (string, error) {
		return c.LPop(ctx, key).Result()
	})
}

func (a *Adapter) RPop(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (string, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "rpop", func(ctx context.Context, c *redis.Client) (string, error) {
		return c.RPop(ctx, key).Result()
	})
}

func (a *Adapter) LRange(ctx context.Context, tenantID string, tier poolkey.Tier, key string, start, stop int64) ([]string, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "lrange", func(ctx context.Context, c *redis.Client) ([]string, error) {
		return c.LRange(ctx, key, start, stop).Result()
	})
}

func (a *Adapter) LLen(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (int64, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "llen", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.LLen(ctx, key).Result()
	})
}

// ── Sets ─────────────────────────────────────────────────────────────────

func (a *Adapter) SAdd(ctx context.Context, tenantID string, tier poolkey.Tier, key string, members ...any) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "sadd", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.SAdd(ctx, key, members...).Result()
	})
}

func (a *Adapter) SRem(ctx context.Context, tenantID string, tier poolkey.Tier, key string, members ...any) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "srem", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.SRem(ctx, key, members...).Result()
	})
}

func (a *Adapter) SMembers(ctx context.Context, tenantID string, tier poolkey.Tier, key string) ([]string, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "smembers", func(ctx context.Context, c *redis.Client) ([]string, error) {
		return c.SMembers(ctx, key).Result()
	})
}

func (a *Adapter) SIsMember(ctx context.Context, tenantID string, tier poolkey.Tier, key string, member any) (bool, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "sismember", func(ctx context.Context, c *redis.Client) (bool, error) {
		return c.SIsMember(ctx, key, member).Result()
	})
}

// ── Sorted sets ──────────────────────────────────────────────────────────

func (a *Adapter) ZAdd(ctx context.Context, tenantID string, tier poolkey.Tier, key string, members ...redis.Z) (int64, error) {
	a.emit(tenantID, key, "write")
	return withClient(ctx, a, tenantID, tier, "zadd", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.ZAdd(ctx, key, members...).Result()
	})
}

func (a *Adapter) ZRange(ctx context.Context, tenantID string, tier poolkey.Tier, key string, start, stop int64) ([]string, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "zrange", func(ctx context.Context, c *redis.Client) ([]string, error) {
		return c.ZRange(ctx, key, start, stop).Result()
	})
}

func (a *Adapter) ZRangeByScore(ctx context.Context, tenantID string, tier poolkey.Tier, key string, min, max string) ([]string, error) {
	a.emit(tenantID, key, "read")
	return withClient(ctx, a, tenantID, tier, "zrangebyscore", func(ctx context.Context, c *redis.Client) ([]string, error) {
		return c.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	})
}

// ── Pub/Sub ──────────────────────────────────────────────────────────────

func (a *Adapter) Publish(ctx context.Context, tenantID string, tier poolkey.Tier, channel string, message any) (int64, error) {
	a.emit(tenantID, channel, "write")
	return withClient(ctx, a, tenantID, tier, "publish", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.Publish(ctx, channel, message).Result()
	})
}

// ── Introspection ────────────────────────────────────────────────────────

func (a *Adapter) Info(ctx context.Context, tenantID string, tier poolkey.Tier, sections ...string) (string, error) {
	return withClient(ctx, a, tenantID, tier, "info", func(ctx context.Context, c *redis.Client) (string, error) {
		return c.Info(ctx, sections...).Result()
	})
}

func (a *Adapter) DBSize(ctx context.Context, tenantID string, tier poolkey.Tier) (int64, error) {
	return withClient(ctx, a, tenantID, tier, "dbsize", func(ctx context.Context, c *redis.Client) (int64, error) {
		return c.DBSize(ctx).Result()
	})
}

func (a *Adapter) Scan(ctx context.Context, tenantID string, tier poolkey.Tier, cursor uint64, match string, count int64) (keys []string, next uint64, err error) {
	type result struct {
		keys []string
		next uint64
	}
	r, err := withClient(ctx, a, tenantID, tier, "scan", func(ctx context.Context, c *redis.Client) (result, error) {
		k, n, err := c.Scan(ctx, cursor, match, count).Result()
		return result{k, n}, err
	})
	return r.keys, r.next, err
}

func (a *Adapter) Keys(ctx context.Context, tenantID string, tier poolkey.Tier, pattern string) ([]string, error) {
	return withClient(ctx, a, tenantID, tier, "keys", func(ctx context.Context, c *redis.Client) ([]string, error) {
		return c.Keys(ctx, pattern).Result()
	})
}

// ── Maintenance (always logged at warn, these are destructive) ─────────

func (a *Adapter) FlushDB(ctx context.Context, tenantID string, tier poolkey.Tier) error {
	log.Warn().Str("tenant_id", tenantID).Msg("kv: FLUSHDB requested")
	_, err := withClient(ctx, a, tenantID, tier, "flushdb", func(ctx context.Context, c *redis.Client) (struct{}, error) {
		return struct{}{}, c.FlushDB(ctx).Err()
	})
	return err
}

func (a *Adapter) FlushAll(ctx context.Context, tenantID string, tier poolkey.Tier) error {
	log.Warn().Str("tenant_id", tenantID).Msg("kv: FLUSHALL requested")
	_, err := withClient(ctx, a, tenantID, tier, "flushall", func(ctx context.Context, c *redis.Client) (struct{}, error) {
		return struct{}{}, c.FlushAll(ctx).Err()
	})
	return err
}

// HealthCheck performs a minimal round-trip.
func (a *Adapter) HealthCheck(ctx context.Context, tenantID string, tier poolkey.Tier) bool {
	_, err := withClient(ctx, a, tenantID, tier, "health_check", func(ctx context.Context, c *redis.Client) (struct{}, error) {
		return struct{}{}, c.Ping(ctx).Err()
	})
	return err == nil
}

// Close drains the pool for tenantID.
func (a *Adapter) Close(tenantID string) {
	a.mgr.Close(poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreKV})
}

// PoolStats returns (size, available, pending) for observability.
func (a *Adapter) PoolStats(tenantID string) (connpool.Stats, bool) {
	return a.mgr.PoolStats(poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreKV})
}

type kvFactory struct{ a *Adapter }

func (f kvFactory) BreakerPolicy() breaker.Policy {
	return breaker.DefaultPolicy(poolkey.StoreKV)
}

func (f kvFactory) NewFactory(key poolkey.PoolKey) connpool.Factory {
	return func(ctx context.Context) (any, error) {
		encrypted, err := f.a.resolve(key.TenantID)
		if err != nil {
			return nil, fmt.Errorf("kv: resolving endpoint: %w", err)
		}
		endpoint, err := f.a.box.Open(encrypted)
		if err != nil {
			return nil, fmt.Errorf("kv: decrypting endpoint: %w", err)
		}
		addr, password := splitEndpoint(endpoint)

		opts := &redis.Options{Addr: addr, Password: password}
		if !f.a.tls.IsInsecure() && (len(f.a.tls.CustomCAPEM) > 0 || len(f.a.tls.ClientCertPEM) > 0) {
			tlsCfg, err := f.a.tls.Build(addrHost(addr))
			if err != nil {
				return nil, fmt.Errorf("kv: building tls config: %w", err)
			}
			opts.TLSConfig = tlsCfg
		}

		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("kv: ping: %w", err)
		}
		return client, nil
	}
}

func (f kvFactory) NewValidator(key poolkey.PoolKey) connpool.Validator {
	return func(ctx context.Context, raw any) error {
		return raw.(*redis.Client).Ping(ctx).Err()
	}
}

func (f kvFactory) NewDestroyer(key poolkey.PoolKey) connpool.Destroyer {
	return func(raw any) {
		if err := raw.(*redis.Client).Close(); err != nil {
			log.Warn().Err(err).Str("pool_key", key.String()).Msg("kv: close failed")
		}
	}
}
