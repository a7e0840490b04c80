// Package main is a thin demo binary proving the connection manager's
// wiring end-to-end: load configuration, stand up the Manager, register
// store adapters, serve /metrics and /health, and shut down gracefully.
// Everything interesting lives in the internal packages this binary wires
// together; main itself does little beyond sequencing their Init calls.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/adapter/kv"
	"github.com/multidb/connectcore/internal/adapter/relational"
	"github.com/multidb/connectcore/internal/config"
	"github.com/multidb/connectcore/internal/health"
	"github.com/multidb/connectcore/internal/manager"
	"github.com/multidb/connectcore/internal/secret"
	"github.com/multidb/connectcore/internal/tierpolicy"
	"github.com/multidb/connectcore/pkg/poolkey"
)

var (
	configPath  = flag.String("config", "configs/connectcore.yaml", "Path to the connection manager configuration file")
	metricsAddr = flag.String("metrics-addr", ":9090", "Address for the Prometheus /metrics endpoint")
	healthAddr  = flag.String("health-addr", ":8080", "Address for the /health introspection endpoints")
)

func main() {
	flag.Parse()
	zerolog.TimeFieldFormat = time.RFC3339
	log.Info().Msg("connectcore: starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("connectcore: failed to load configuration")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatal().Err(err).Msg("connectcore: invalid encryption_key_base64")
	}
	box, err := secret.NewBox(keyBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("connectcore: constructing secret box")
	}

	caPEM, certPEM, keyPEM, err := cfg.DecodedTLSMaterial()
	if err != nil {
		log.Fatal().Err(err).Msg("connectcore: decoding TLS material")
	}
	tlsPolicy := secret.TLSPolicy{
		CustomCAPEM:            caPEM,
		ClientCertPEM:          certPEM,
		ClientKeyPEM:           keyPEM,
		DevelopmentEnvironment: cfg.TLS.DevelopmentEnv,
		AllowInsecure:          cfg.TLS.AllowInsecure,
	}
	if tlsPolicy.IsInsecure() {
		log.Warn().Msg("connectcore: TLS certificate verification is DISABLED (development_environment+allow_insecure both set)")
	}

	mgr := manager.New(manager.Options{
		IdleTimeout:     cfg.Manager.IdleTimeout,
		ReclaimInterval: cfg.Manager.ReclaimInterval,
	})

	relational.New(mgr, box, tlsPolicy, func(tenantID string) (string, error) {
		t, ok := cfg.TenantByID(tenantID)
		if !ok {
			return "", fmt.Errorf("no configuration for tenant %s", tenantID)
		}
		return t.ConnDescriptor, nil
	})

	kv.New(mgr, box, tlsPolicy, func(tenantID string) (string, error) {
		t, ok := cfg.TenantByID(tenantID)
		if !ok {
			return "", fmt.Errorf("no configuration for tenant %s", tenantID)
		}
		return t.ConnDescriptor, nil
	}, nil)

	// Overlay-enrolled tenants get the replica-aware KV adapter instead:
	// EnsureStarted re-registers StoreKV with the role-suffix-dispatching
	// factory and starts each tenant's failover observer.
	obsCtx, obsCancel := context.WithCancel(context.Background())
	defer obsCancel()
	if len(cfg.Overlays) > 0 {
		replica := kv.NewReplica(mgr, box, tlsPolicy, func(tenantID string) (kv.OverlayDescriptor, bool) {
			o, ok := cfg.OverlayForTenant(tenantID)
			if !ok {
				return kv.OverlayDescriptor{}, false
			}
			return kv.OverlayDescriptor{
				SentinelAddrs: o.SentinelAddrs,
				MasterName:    o.MasterName,
				Password:      o.Password,
			}, true
		}, nil)
		for _, o := range cfg.Overlays {
			for _, tenant := range o.Tenants {
				if err := replica.EnsureStarted(obsCtx, tenant); err != nil {
					log.Warn().Err(err).Str("tenant", tenant).Msg("connectcore: replica overlay not started")
				}
			}
		}
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Info().Msg("connectcore: applying hot-reloaded configuration")
		applyTenantOverrides(newCfg)
	})
	if err != nil {
		log.Warn().Err(err).Msg("connectcore: config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	metricsServer := &http.Server{
		Addr:         *metricsAddr,
		Handler:      promhttp.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", *metricsAddr).Msg("connectcore: metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("connectcore: metrics server error")
		}
	}()

	checker := health.NewChecker(mgr)
	healthServer := checker.ServeHTTP(*healthAddr)

	introspectionServer := startIntrospectionServer(mgr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("connectcore: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := introspectionServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("connectcore: introspection server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("connectcore: health server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("connectcore: metrics server shutdown error")
	}

	mgr.CloseAll()
	log.Info().Msg("connectcore: shutdown complete")
}

// applyTenantOverrides pushes each tenant's per-tier pool-size override, if
// any, into the live tierpolicy table. Overrides take effect for PoolKeys
// built after this call; pools already open keep their existing bounds
// until the idle-reclaimer recycles them.
func applyTenantOverrides(cfg *config.Config) {
	for _, t := range cfg.Tenants {
		if t.MinPoolOverride == 0 && t.MaxPoolOverride == 0 {
			continue
		}
		tier := poolkey.ParseTier(t.Tier)
		policy := tierpolicy.Lookup(tier)
		if t.MinPoolOverride > 0 {
			policy.MinPool = t.MinPoolOverride
		}
		if t.MaxPoolOverride > 0 {
			policy.MaxPool = t.MaxPoolOverride
		}
		tierpolicy.Override(tier, policy)
		log.Info().Str("tenant", t.TenantID).Str("tier", tier.String()).
			Int("min_pool", policy.MinPool).Int("max_pool", policy.MaxPool).
			Msg("connectcore: applied pool-size override")
	}
}

// startIntrospectionServer exposes a read-only pool-stats introspection
// surface over a small gorilla/mux router — the core's boundary stays
// programmatic, so this HTTP layer is demo glue rather than a wire API.
func startIntrospectionServer(mgr *manager.Manager) *http.Server {
	r := mux.NewRouter()

	r.HandleFunc("/pools", func(w http.ResponseWriter, req *http.Request) {
		tenantID := req.URL.Query().Get("tenant")
		store := req.URL.Query().Get("store")
		if tenantID == "" || store == "" {
			http.Error(w, "tenant and store query params are required", http.StatusBadRequest)
			return
		}
		key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.ParseStoreKind(store)}
		stats, ok := mgr.PoolStats(key)
		if !ok {
			http.Error(w, "no active pool for that key", http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, "size=%d available=%d pending=%d max=%d\n", stats.Size, stats.Available, stats.Pending, stats.Max)
	})

	server := &http.Server{Addr: ":8090", Handler: r, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("connectcore: introspection server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("connectcore: introspection server error")
		}
	}()
	return server
}
