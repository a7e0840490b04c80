package kv

import (
	"strings"
	"time"
)

// splitEndpoint parses the decrypted "addr|password" descriptor shape
// EndpointResolver/secret.Box produce. A missing separator means no
// password was configured.
func splitEndpoint(endpoint string) (addr, password string) {
	addr, password, found := strings.Cut(endpoint, "|")
	if !found {
		return endpoint, ""
	}
	return addr, password
}

func addrHost(addr string) string {
	host, _, found := strings.Cut(addr, ":")
	if !found {
		return addr
	}
	return host
}

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}
