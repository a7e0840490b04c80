package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "connectcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func validKeyBase64() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "encryption_key_base64: "+validKeyBase64()+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotZero(t, cfg.Manager.IdleTimeout)
	require.NotZero(t, cfg.Manager.ReclaimInterval)
}

func TestLoadRejectsMissingEncryptionKey(t *testing.T) {
	path := writeTempConfig(t, "manager:\n  idle_timeout: 1m\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInsecureWithoutDevelopmentFlag(t *testing.T) {
	contents := "encryption_key_base64: " + validKeyBase64() + "\n" +
		"tls:\n  allow_insecure: true\n"
	path := writeTempConfig(t, contents)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownStoreKind(t *testing.T) {
	contents := "encryption_key_base64: " + validKeyBase64() + "\n" +
		"tenants:\n  - tenant_id: acme\n    store: not-a-store\n"
	path := writeTempConfig(t, contents)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOverlayMissingMasterName(t *testing.T) {
	contents := "encryption_key_base64: " + validKeyBase64() + "\n" +
		"overlays:\n  - sentinel_addrs: [\"127.0.0.1:26379\"]\n"
	path := writeTempConfig(t, contents)
	_, err := Load(path)
	require.Error(t, err)
}

func TestTenantByIDAndOverlayForTenant(t *testing.T) {
	contents := "encryption_key_base64: " + validKeyBase64() + "\n" +
		"tenants:\n  - tenant_id: acme\n    store: kv\n    tier: pro\n" +
		"overlays:\n  - sentinel_addrs: [\"127.0.0.1:26379\"]\n    master_name: mymaster\n    tenants: [acme]\n"
	path := writeTempConfig(t, contents)
	cfg, err := Load(path)
	require.NoError(t, err)

	tenant, ok := cfg.TenantByID("acme")
	require.True(t, ok)
	require.Equal(t, "pro", tenant.Tier)

	overlay, ok := cfg.OverlayForTenant("acme")
	require.True(t, ok)
	require.Equal(t, "mymaster", overlay.MasterName)

	_, ok = cfg.TenantByID("nobody")
	require.False(t, ok)
}

func TestDecodedTLSMaterial(t *testing.T) {
	ca := base64.StdEncoding.EncodeToString([]byte("fake-ca-pem"))
	contents := "encryption_key_base64: " + validKeyBase64() + "\n" +
		"tls:\n  custom_ca_base64: \"" + ca + "\"\n"
	path := writeTempConfig(t, contents)
	cfg, err := Load(path)
	require.NoError(t, err)

	caPEM, _, _, err := cfg.DecodedTLSMaterial()
	require.NoError(t, err)
	require.Equal(t, "fake-ca-pem", string(caPEM))
}
