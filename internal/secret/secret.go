// Package secret implements TLS & Secret Handling (C8): symmetric
// encryption of connection strings at rest, a TLS policy builder enforcing
// a modern minimum version and cipher set, and redaction of credentials
// from anything that might reach a log line.
//
// The encryption half is grounded on golang.org/x/crypto/chacha20poly1305 —
// already a transitive teacher dependency pulled in via go-mssqldb — used
// here directly instead of only transitively. The TLS half generalizes the
// teacher's sibling example JeelKantaria-db-bouncer's
// internal/proxy/server.go TLS setup (tls.Config{MinVersion:
// tls.VersionTLS12, Certificates: ...}), but for outbound connections to a
// store rather than an inbound proxy listener.
package secret

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeyInvalid is returned by NewBox when the supplied key is the wrong
// size for chacha20poly1305. Treated as fatal at startup.
var ErrKeyInvalid = errors.New("secret: encryption key must be 32 bytes")

// Box encrypts and decrypts connection strings at rest with a single
// deployment-wide key. There is no rotation API: rotating the key
// requires a process restart.
type Box struct {
	aead [32]byte
}

// NewBox constructs a Box from a raw 32-byte key, or from a base64-encoded
// key of the right decoded length. Any other size fails fast so a
// misconfigured deployment never silently runs with a truncated key.
func NewBox(key []byte) (*Box, error) {
	k := key
	if len(k) != chacha20poly1305.KeySize {
		if decoded, err := base64.StdEncoding.DecodeString(string(key)); err == nil {
			k = decoded
		}
	}
	if len(k) != chacha20poly1305.KeySize {
		return nil, ErrKeyInvalid
	}
	b := &Box{}
	copy(b.aead[:], k)
	return b, nil
}

// Seal encrypts plaintext (a connection string) and returns a
// base64-encoded ciphertext suitable for storage in a config file or
// platform database column.
func (b *Box) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(b.aead[:])
	if err != nil {
		return "", fmt.Errorf("secret: constructing cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Decryption happens only at pool
// construction time; callers must not cache the plaintext anywhere other
// than inside the short-lived adapter factory closure.
func (b *Box) Open(encoded string) (string, error) {
	aead, err := chacha20poly1305.New(b.aead[:])
	if err != nil {
		return "", fmt.Errorf("secret: constructing cipher: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secret: decoding ciphertext: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("secret: ciphertext too short")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secret: decrypting: %w", err)
	}
	return string(plaintext), nil
}

// TLSPolicy configures outbound transport security for a store
// connection. The zero value is the secure default: TLS 1.2 minimum,
// verification enabled, no insecure opt-out.
type TLSPolicy struct {
	// CustomCAPEM, ClientCertPEM, ClientKeyPEM are base64-decoded PEM
	// blocks.
	CustomCAPEM   []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte

	// DevelopmentEnvironment and AllowInsecure must BOTH be true before
	// certificate verification is disabled. Requiring two independent
	// flags makes it much harder to disable verification by accident in
	// production.
	DevelopmentEnvironment bool
	AllowInsecure          bool
}

// insecureSkipVerify reports whether both opt-out flags are set, logging
// the decision is the caller's responsibility (manager/config wiring) so
// this package stays free of a logging dependency.
func (p TLSPolicy) insecureSkipVerify() bool {
	return p.DevelopmentEnvironment && p.AllowInsecure
}

// preferredCipherSuites is a modern allow-list for TLS 1.2 connections;
// TLS 1.3 negotiates its own fixed suite set and ignores this field.
var preferredCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Build constructs a *tls.Config: minimum TLS 1.2 (preferring 1.3 via the
// default negotiated order), certificate verification on by default,
// optional custom CA and mutual-TLS client certificate, a modern cipher
// allow-list with server preference honored, and the loud, double-gated
// insecure opt-out.
func (p TLSPolicy) Build(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:               serverName,
		MinVersion:               tls.VersionTLS12,
		CipherSuites:             preferredCipherSuites,
		PreferServerCipherSuites: true,
	}

	if p.insecureSkipVerify() {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	if len(p.CustomCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(p.CustomCAPEM) {
			return nil, errors.New("secret: custom CA PEM contains no usable certificates")
		}
		cfg.RootCAs = pool
	}

	if len(p.ClientCertPEM) > 0 || len(p.ClientKeyPEM) > 0 {
		cert, err := tls.X509KeyPair(p.ClientCertPEM, p.ClientKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("secret: loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// IsInsecure reports whether this policy disables certificate verification
// so callers can log it loudly at startup exactly once, rather than on
// every connection attempt.
func (p TLSPolicy) IsInsecure() bool { return p.insecureSkipVerify() }

var connStringPattern = regexp.MustCompile(`(?i)(password|pwd|secret|token|apikey|api_key)=([^;&\s]+)`)

// Redact scrubs a connection string (or any free-form event text) of
// credentials before it reaches a log sink: host and port may appear in
// logs, but never a password or token. It redacts known key=value
// credential fields and, as a backstop, collapses anything that looks
// like a full DSN (contains both "://" and an "@") down to its host/port.
func Redact(s string) string {
	out := connStringPattern.ReplaceAllString(s, "$1=***")
	if idx := strings.Index(out, "://"); idx >= 0 {
		if at := strings.LastIndex(out, "@"); at > idx {
			out = out[:idx+3] + "***@" + out[at+1:]
		}
	}
	return out
}
