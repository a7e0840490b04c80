// Replica-aware KV adapter: a write pool (primary-only, via
// redis.NewFailoverClient) and a read pool (replica-preferred, sized ≥2×
// the primary's default max), automatic read-to-write fallback on
// adapter-level failure, and a failover observer subscribing to Redis
// Sentinel's own pub/sub channels. Sentinel's channel names
// (+sdown/+odown/+switch-master/-sdown) map almost one-to-one onto
// subjectively-down/objectively-down/switch-primary/reconnecting events,
// making this the concrete discovery-overlay implementation. The
// observer runs a subscribe loop with non-blocking sends to its event
// channel.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/breaker"
	"github.com/multidb/connectcore/internal/connpool"
	"github.com/multidb/connectcore/internal/manager"
	"github.com/multidb/connectcore/internal/metrics"
	"github.com/multidb/connectcore/internal/secret"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// OverlayDescriptor describes a Sentinel-backed deployment: a non-empty
// set of overlay (Sentinel) endpoints and a logical master name.
type OverlayDescriptor struct {
	SentinelAddrs []string
	MasterName    string
	Password      string
}

// OverlayResolver returns the OverlayDescriptor for a tenant, or ok=false
// when replica-awareness isn't enabled for that tenant.
type OverlayResolver func(tenantID string) (OverlayDescriptor, bool)

// FailoverEventKind is one of the four failover lifecycle events.
type FailoverEventKind string

const (
	EventSubjectivelyDown FailoverEventKind = "subjectively_down"
	EventObjectivelyDown  FailoverEventKind = "objectively_down"
	EventSwitchPrimary    FailoverEventKind = "switch_primary"
	EventReconnecting     FailoverEventKind = "reconnecting"
)

// FailoverEvent is emitted by the observer for every overlay notification.
type FailoverEvent struct {
	TenantID string
	Kind     FailoverEventKind
	Raw      string
	At       time.Time
}

// ReplicaAdapter layers write/read pool splitting and failover observation
// on top of a KV Adapter's pool machinery, reusing the same
// manager.Manager and PoolKey namespace but with two StoreKV-shaped
// entries distinguished by an internal pool-key suffix.
type ReplicaAdapter struct {
	mgr      *manager.Manager
	box      *secret.Box
	tls      secret.TLSPolicy
	overlay  OverlayResolver
	onEvent  func(FailoverEvent)

	mu          sync.Mutex
	observers   map[string]*observer
	descriptors map[string]OverlayDescriptor
	registered  bool
}

type observer struct {
	cancel context.CancelFunc
}

// NewReplica constructs a ReplicaAdapter. onEvent may be nil.
func NewReplica(mgr *manager.Manager, box *secret.Box, tlsPolicy secret.TLSPolicy, overlay OverlayResolver, onEvent func(FailoverEvent)) *ReplicaAdapter {
	return &ReplicaAdapter{
		mgr: mgr, box: box, tls: tlsPolicy, overlay: overlay, onEvent: onEvent,
		observers: make(map[string]*observer),
	}
}

func writeKey(tenantID string) poolkey.PoolKey {
	return poolkey.PoolKey{TenantID: tenantID + "#write", Store: poolkey.StoreKV}
}

func readKey(tenantID string) poolkey.PoolKey {
	return poolkey.PoolKey{TenantID: tenantID + "#read", Store: poolkey.StoreKV}
}

// EnsureStarted registers the write/read adapter factory for the given
// tenant's write/read PoolKeys (idempotently, on first tenant enrolled)
// and starts the tenant's failover observer. A tenant enrolled here must
// not also be routed through the plain kv.Adapter for the same StoreKind —
// the Manager keys AdapterFactory by StoreKind, so combinedFactory below
// replaces the plain kv.Adapter's factory for every StoreKV key. It builds
// pools only for "#write"/"#read"-suffixed keys; a StoreKV key without a
// role suffix fails to build once it is registered.
func (r *ReplicaAdapter) EnsureStarted(ctx context.Context, tenantID string) error {
	desc, ok := r.overlay(tenantID)
	if !ok {
		return fmt.Errorf("kv: no overlay descriptor configured for tenant %s", tenantID)
	}
	if len(desc.SentinelAddrs) == 0 || desc.MasterName == "" {
		return fmt.Errorf("kv: overlay descriptor incomplete for tenant %s", tenantID)
	}

	r.mu.Lock()
	if _, started := r.observers[tenantID]; started {
		r.mu.Unlock()
		return nil
	}
	if r.descriptors == nil {
		r.descriptors = make(map[string]OverlayDescriptor)
	}
	r.descriptors[tenantID] = desc
	if !r.registered {
		r.mgr.RegisterAdapter(poolkey.StoreKV, combinedFactory{r: r})
		r.registered = true
	}
	obsCtx, cancel := context.WithCancel(ctx)
	r.observers[tenantID] = &observer{cancel: cancel}
	r.mu.Unlock()

	go r.watch(obsCtx, tenantID, desc)
	return nil
}

func (r *ReplicaAdapter) descriptorFor(tenantID string) (OverlayDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[tenantID]
	return d, ok
}

// Get performs a read, preferring the read pool and falling back to the
// write pool exactly once on adapter-level failure. redis.Nil (logical
// key-not-found) is never treated as that kind of failure.
func (r *ReplicaAdapter) Get(ctx context.Context, tenantID string, tier poolkey.Tier, key string) (string, error) {
	val, err := manager.Execute(ctx, r.mgr, readKey(tenantID), tier, "get", func(ctx context.Context, conn *connpool.PooledConn) (string, error) {
		return conn.Raw().(*redis.Client).Get(ctx, key).Result()
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Warn().Str("tenant_id", tenantID).Str("key", key).Err(err).Msg("kv: read pool failed, falling back to write pool")
		return manager.Execute(ctx, r.mgr, writeKey(tenantID), tier, "get_fallback", func(ctx context.Context, conn *connpool.PooledConn) (string, error) {
			return conn.Raw().(*redis.Client).Get(ctx, key).Result()
		})
	}
	return val, err
}

// Set always goes to the write pool; all mutating operations do.
func (r *ReplicaAdapter) Set(ctx context.Context, tenantID string, tier poolkey.Tier, key, value string) error {
	_, err := manager.Execute(ctx, r.mgr, writeKey(tenantID), tier, "set", func(ctx context.Context, conn *connpool.PooledConn) (struct{}, error) {
		return struct{}{}, conn.Raw().(*redis.Client).Set(ctx, key, value, 0).Err()
	})
	return err
}

// Del goes to the write pool.
func (r *ReplicaAdapter) Del(ctx context.Context, tenantID string, tier poolkey.Tier, keys ...string) (int64, error) {
	return manager.Execute(ctx, r.mgr, writeKey(tenantID), tier, "del", func(ctx context.Context, conn *connpool.PooledConn) (int64, error) {
		return conn.Raw().(*redis.Client).Del(ctx, keys...).Result()
	})
}

// Exists is read-only and routes like Get: read pool first, one write-pool
// retry on adapter-level failure.
func (r *ReplicaAdapter) Exists(ctx context.Context, tenantID string, tier poolkey.Tier, keys ...string) (int64, error) {
	n, err := manager.Execute(ctx, r.mgr, readKey(tenantID), tier, "exists", func(ctx context.Context, conn *connpool.PooledConn) (int64, error) {
		return conn.Raw().(*redis.Client).Exists(ctx, keys...).Result()
	})
	if err != nil {
		log.Warn().Str("tenant_id", tenantID).Err(err).Msg("kv: read pool failed, falling back to write pool")
		return manager.Execute(ctx, r.mgr, writeKey(tenantID), tier, "exists_fallback", func(ctx context.Context, conn *connpool.PooledConn) (int64, error) {
			return conn.Raw().(*redis.Client).Exists(ctx, keys...).Result()
		})
	}
	return n, nil
}

// HealthCheck writes a short-lived probe key through the write pool, reads
// it through the read pool, and reports whether each leg succeeded.
type ReplicaHealth struct {
	Healthy           bool
	WriteOK, ReadOK   bool
	ReplicationOffset *int64
}

func (r *ReplicaAdapter) HealthCheck(ctx context.Context, tenantID string, tier poolkey.Tier) ReplicaHealth {
	probeKey := fmt.Sprintf("__connectcore_probe__:%s", tenantID)
	probeVal := fmt.Sprintf("%d", time.Now().UnixNano())

	var health ReplicaHealth

	_, writeErr := manager.Execute(ctx, r.mgr, writeKey(tenantID), tier, "probe_write", func(ctx context.Context, conn *connpool.PooledConn) (struct{}, error) {
		return struct{}{}, conn.Raw().(*redis.Client).Set(ctx, probeKey, probeVal, 5*time.Second).Err()
	})
	health.WriteOK = writeErr == nil

	got, readErr := manager.Execute(ctx, r.mgr, readKey(tenantID), tier, "probe_read", func(ctx context.Context, conn *connpool.PooledConn) (string, error) {
		return conn.Raw().(*redis.Client).Get(ctx, probeKey).Result()
	})
	health.ReadOK = readErr == nil && got == probeVal

	health.Healthy = health.WriteOK && health.ReadOK
	return health
}

// watch subscribes to Sentinel's pub/sub notification channels and
// translates them into the four named failover events, recording the
// objectively-down → switch-primary interval as the observed failover
// duration.
func (r *ReplicaAdapter) watch(ctx context.Context, tenantID string, desc OverlayDescriptor) {
	client := redis.NewSentinelClient(&redis.Options{
		Addr:     desc.SentinelAddrs[0],
		Password: desc.Password,
	})
	defer client.Close()

	sub := client.PSubscribe(ctx, "+sdown", "-sdown", "+odown", "+switch-master", "+reset-master")
	defer sub.Close()

	var objDownAt time.Time
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			kind, recognized := classifySentinelEvent(msg.Channel, msg.Payload)
			if !recognized {
				continue
			}
			now := time.Now()
			ev := FailoverEvent{TenantID: tenantID, Kind: kind, Raw: msg.Payload, At: now}

			switch kind {
			case EventObjectivelyDown:
				objDownAt = now
			case EventSwitchPrimary:
				if !objDownAt.IsZero() {
					dur := now.Sub(objDownAt)
					metrics.ReplicaFailoverDuration.WithLabelValues(metrics.TenantLabel(tenantID)).Observe(dur.Seconds())
					objDownAt = time.Time{}
				}
			}

			log.Info().Str("tenant_id", tenantID).Str("event", string(kind)).Str("raw", msg.Payload).Msg("kv: failover observer event")
			if r.onEvent != nil {
				r.onEvent(ev)
			}
		}
	}
}

func classifySentinelEvent(channel, payload string) (FailoverEventKind, bool) {
	switch {
	case strings.HasPrefix(channel, "+sdown"):
		return EventSubjectivelyDown, true
	case strings.HasPrefix(channel, "-sdown"):
		return EventReconnecting, true
	case strings.HasPrefix(channel, "+odown"):
		return EventObjectivelyDown, true
	case strings.HasPrefix(channel, "+switch-master"):
		return EventSwitchPrimary, true
	default:
		return "", false
	}
}

// Close drains both role pools and stops the tenant's failover observer.
func (r *ReplicaAdapter) Close(tenantID string) {
	r.Stop(tenantID)
	r.mgr.Close(writeKey(tenantID))
	r.mgr.Close(readKey(tenantID))
}

// PoolStats returns the write- and read-pool snapshots for observability.
func (r *ReplicaAdapter) PoolStats(tenantID string) (write, read connpool.Stats, ok bool) {
	w, wok := r.mgr.PoolStats(writeKey(tenantID))
	rd, rok := r.mgr.PoolStats(readKey(tenantID))
	return w, rd, wok || rok
}

// Stop cancels the failover observer for tenantID.
func (r *ReplicaAdapter) Stop(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obs, ok := r.observers[tenantID]; ok {
		obs.cancel()
		delete(r.observers, tenantID)
	}
}

// combinedFactory is the single AdapterFactory registered for StoreKV once
// any tenant enrolls in replica mode. It dispatches on the PoolKey's
// "#write"/"#read" tenant-suffix (see writeKey/readKey) to decide whether
// to build a primary-only or replica-preferred redis.FailoverClient.
type combinedFactory struct{ r *ReplicaAdapter }

func (f combinedFactory) BreakerPolicy() breaker.Policy { return breaker.DefaultPolicy(poolkey.StoreKV) }

// PoolSizeHint doubles the read pool's bounds relative to the tier policy:
// replica-preferred reads fan out across every replica, so the read pool
// is sized at twice the primary's.
func (f combinedFactory) PoolSizeHint(key poolkey.PoolKey, min, max int) (int, int) {
	if _, role, ok := splitRoleSuffix(key.TenantID); ok && role == "read" {
		return min, max * 2
	}
	return min, max
}

func (f combinedFactory) NewFactory(key poolkey.PoolKey) connpool.Factory {
	return func(ctx context.Context) (any, error) {
		baseTenant, role, ok := splitRoleSuffix(key.TenantID)
		if !ok {
			return nil, fmt.Errorf("kv: replica factory invoked for non-role-suffixed key %s", key)
		}
		desc, ok := f.r.descriptorFor(baseTenant)
		if !ok {
			return nil, fmt.Errorf("kv: no overlay descriptor for tenant %s", baseTenant)
		}

		opts := &redis.FailoverOptions{
			MasterName:    desc.MasterName,
			SentinelAddrs: desc.SentinelAddrs,
			Password:      desc.Password,
		}
		if role == "read" {
			opts.RouteByLatency = true
			opts.ReplicaOnly = true
		}

		client := redis.NewFailoverClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("kv: %s pool ping: %w", role, err)
		}
		return client, nil
	}
}

func (f combinedFactory) NewValidator(key poolkey.PoolKey) connpool.Validator {
	return func(ctx context.Context, raw any) error { return raw.(*redis.Client).Ping(ctx).Err() }
}

func (f combinedFactory) NewDestroyer(key poolkey.PoolKey) connpool.Destroyer {
	return func(raw any) { raw.(*redis.Client).Close() }
}

func splitRoleSuffix(tenantID string) (base, role string, ok bool) {
	if strings.HasSuffix(tenantID, "#write") {
		return strings.TrimSuffix(tenantID, "#write"), "write", true
	}
	if strings.HasSuffix(tenantID, "#read") {
		return strings.TrimSuffix(tenantID, "#read"), "read", true
	}
	return "", "", false
}
