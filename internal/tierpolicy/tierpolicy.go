// Package tierpolicy holds the static per-tier configuration table: pool
// bounds, timeouts, concurrency ceiling and scheduling priority. It is a
// pure lookup over a small set of named presets, keyed by tier rather
// than by a named bucket.
package tierpolicy

import (
	"sync"
	"time"

	"github.com/multidb/connectcore/pkg/poolkey"
)

// Priority is the scheduling class recorded for a tier. It is carried in
// the Policy only: no admission or queueing decision in this module reads
// it.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Policy is the resource envelope granted to a tier.
type Policy struct {
	MinPool        int
	MaxPool        int
	MaxConcurrent  int
	Priority       Priority
	QueryTimeout   time.Duration
	ConnectTimeout time.Duration
}

// table holds the recommended defaults per tier. tableMu guards it:
// Override replaces entries at runtime, and Lookup returns a copy
// (Policy is a value type), so callers never share table state.
var tableMu sync.RWMutex

var table = map[poolkey.Tier]Policy{
	poolkey.TierFree: {
		MinPool: 2, MaxPool: 5, MaxConcurrent: 20,
		Priority: PriorityLow, QueryTimeout: 10 * time.Second, ConnectTimeout: 5 * time.Second,
	},
	poolkey.TierStarter: {
		MinPool: 5, MaxPool: 10, MaxConcurrent: 50,
		Priority: PriorityMedium, QueryTimeout: 30 * time.Second, ConnectTimeout: 10 * time.Second,
	},
	poolkey.TierPro: {
		MinPool: 10, MaxPool: 50, MaxConcurrent: 200,
		Priority: PriorityHigh, QueryTimeout: 60 * time.Second, ConnectTimeout: 15 * time.Second,
	},
	poolkey.TierEnterprise: {
		MinPool: 20, MaxPool: 100, MaxConcurrent: 500,
		Priority: PriorityCritical, QueryTimeout: 120 * time.Second, ConnectTimeout: 30 * time.Second,
	},
}

// Lookup returns the Policy for a tier. An unrecognized tier (including
// TierUnknown) resolves to the FREE policy.
func Lookup(t poolkey.Tier) Policy {
	tableMu.RLock()
	defer tableMu.RUnlock()
	if p, ok := table[t]; ok {
		return p
	}
	return table[poolkey.TierFree]
}

// Override replaces the table entry for a tier at runtime. It backs the
// config hot-reload path: operators may widen or narrow pool bounds
// without a process restart. Overrides apply only to PoolKeys constructed
// after the call; in-flight pools keep their existing Pool's bounds until
// the idle-reclaimer recycles them.
func Override(t poolkey.Tier, p Policy) {
	tableMu.Lock()
	defer tableMu.Unlock()
	table[t] = p
}

// Snapshot returns a copy of the full table, primarily for introspection
// and tests.
func Snapshot() map[poolkey.Tier]Policy {
	tableMu.RLock()
	defer tableMu.RUnlock()
	out := make(map[poolkey.Tier]Policy, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}
