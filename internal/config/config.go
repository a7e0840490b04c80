// Package config loads and hot-reloads the connection manager's
// deployment-level settings: the connection-string encryption key, an
// optional KV discovery-overlay descriptor, optional
// custom-CA/client-cert/client-key material, the two development-only TLS
// opt-out flags, and per-tenant tier/pool-size overrides.
//
// Load/validate/applyDefaults follows the familiar shape from proxy/bucket
// style configs, generalized to connection-manager fields, with an
// fsnotify-based Watcher for hot-reload.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/multidb/connectcore/pkg/poolkey"
)

// TenantOverride carries per-tenant configuration the platform DB would
// otherwise supply at runtime; useful for static/dev deployments and as
// the hot-reloadable pool-size override path.
type TenantOverride struct {
	TenantID        string `yaml:"tenant_id"`
	Tier            string `yaml:"tier"`
	Store           string `yaml:"store"`
	ConnDescriptor  string `yaml:"conn_descriptor"` // encrypted at rest
	MinPoolOverride int    `yaml:"min_pool_override"`
	MaxPoolOverride int    `yaml:"max_pool_override"`
}

// OverlayConfig is the YAML shape of kv.OverlayDescriptor plus the tenants
// it applies to.
type OverlayConfig struct {
	SentinelAddrs []string `yaml:"sentinel_addrs"`
	MasterName    string   `yaml:"master_name"`
	Password      string   `yaml:"password"`
	Tenants       []string `yaml:"tenants"`
}

// TLSConfig is the YAML shape of secret.TLSPolicy: base64 PEM material
// plus the two independent insecure-opt-out flags.
type TLSConfig struct {
	CustomCABase64     string `yaml:"custom_ca_base64"`
	ClientCertBase64   string `yaml:"client_cert_base64"`
	ClientKeyBase64    string `yaml:"client_key_base64"`
	DevelopmentEnv     bool   `yaml:"development_environment"`
	AllowInsecure      bool   `yaml:"allow_insecure"`
}

// ManagerConfig mirrors manager.Options.
type ManagerConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
}

// Config is the root configuration document.
type Config struct {
	EncryptionKeyBase64 string           `yaml:"encryption_key_base64"`
	Manager             ManagerConfig    `yaml:"manager"`
	TLS                 TLSConfig        `yaml:"tls"`
	Overlays            []OverlayConfig  `yaml:"overlays"`
	Tenants             []TenantOverride `yaml:"tenants"`
}

// rawFileConfig mirrors the on-disk YAML shape.
type rawFileConfig struct {
	EncryptionKeyBase64 string           `yaml:"encryption_key_base64"`
	Manager             ManagerConfig    `yaml:"manager"`
	TLS                 TLSConfig        `yaml:"tls"`
	Overlays            []OverlayConfig  `yaml:"overlays"`
	Tenants             []TenantOverride `yaml:"tenants"`
}

// Load reads and validates a Config from path. A malformed or incomplete
// config fails fatally at construction time rather than surfacing later as
// a runtime error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var raw rawFileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg := &Config{
		EncryptionKeyBase64: raw.EncryptionKeyBase64,
		Manager:             raw.Manager,
		TLS:                 raw.TLS,
		Overlays:            raw.Overlays,
		Tenants:             raw.Tenants,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("encryption_key_base64 is required")
	}
	if _, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64); err != nil {
		return fmt.Errorf("encryption_key_base64 is not valid base64: %w", err)
	}
	if c.TLS.AllowInsecure && !c.TLS.DevelopmentEnv {
		return fmt.Errorf("tls.allow_insecure requires tls.development_environment to also be true")
	}
	for i, t := range c.Tenants {
		if t.TenantID == "" {
			return fmt.Errorf("tenants[%d].tenant_id is required", i)
		}
		if poolkey.ParseStoreKind(t.Store) == poolkey.StoreUnknown {
			return fmt.Errorf("tenants[%d].store %q is not a recognized store kind", i, t.Store)
		}
	}
	for i, o := range c.Overlays {
		if len(o.SentinelAddrs) == 0 {
			return fmt.Errorf("overlays[%d].sentinel_addrs must be non-empty", i)
		}
		if o.MasterName == "" {
			return fmt.Errorf("overlays[%d].master_name is required", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Manager.IdleTimeout == 0 {
		c.Manager.IdleTimeout = 5 * time.Minute
	}
	if c.Manager.ReclaimInterval == 0 {
		c.Manager.ReclaimInterval = 5 * time.Minute
	}
}

// DecodedTLSMaterial base64-decodes the optional CA/cert/key fields,
// returning empty slices for anything unset.
func (c *Config) DecodedTLSMaterial() (ca, cert, key []byte, err error) {
	if c.TLS.CustomCABase64 != "" {
		if ca, err = base64.StdEncoding.DecodeString(c.TLS.CustomCABase64); err != nil {
			return nil, nil, nil, fmt.Errorf("config: decoding custom_ca_base64: %w", err)
		}
	}
	if c.TLS.ClientCertBase64 != "" {
		if cert, err = base64.StdEncoding.DecodeString(c.TLS.ClientCertBase64); err != nil {
			return nil, nil, nil, fmt.Errorf("config: decoding client_cert_base64: %w", err)
		}
	}
	if c.TLS.ClientKeyBase64 != "" {
		if key, err = base64.StdEncoding.DecodeString(c.TLS.ClientKeyBase64); err != nil {
			return nil, nil, nil, fmt.Errorf("config: decoding client_key_base64: %w", err)
		}
	}
	return ca, cert, key, nil
}

// TenantByID returns the static override for tenantID, if any.
func (c *Config) TenantByID(tenantID string) (*TenantOverride, bool) {
	for i := range c.Tenants {
		if c.Tenants[i].TenantID == tenantID {
			return &c.Tenants[i], true
		}
	}
	return nil, false
}

// OverlayForTenant returns the OverlayConfig covering tenantID, if any.
func (c *Config) OverlayForTenant(tenantID string) (*OverlayConfig, bool) {
	for i := range c.Overlays {
		for _, t := range c.Overlays[i].Tenants {
			if t == tenantID {
				return &c.Overlays[i], true
			}
		}
	}
	return nil, false
}

// Watcher watches a config file for changes and invokes callback with the
// freshly loaded Config on every write, debounced against editors that
// write a file in several small chunks. Only the hot-reloadable surface
// (tier/pool overrides) should actually change behavior at runtime —
// in-flight sessions are unaffected.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path and calls callback on every debounced
// write event.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config: watcher error")
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Error().Err(err).Str("path", cw.path).Msg("config: hot-reload failed, keeping previous config")
		return
	}
	log.Info().Str("path", cw.path).Msg("config: reloaded")
	cw.callback(cfg)
}

// Close stops the watcher.
func (cw *Watcher) Close() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
