package tierpolicy

import (
	"testing"

	"github.com/multidb/connectcore/pkg/poolkey"
)

func TestLookupUnknownTierFallsBackToFree(t *testing.T) {
	got := Lookup(poolkey.TierUnknown)
	want := Lookup(poolkey.TierFree)
	if got != want {
		t.Fatalf("expected unknown tier to resolve to FREE policy, got %+v want %+v", got, want)
	}
}

func TestLookupOrdersTiersByResourceEnvelope(t *testing.T) {
	free := Lookup(poolkey.TierFree)
	starter := Lookup(poolkey.TierStarter)
	pro := Lookup(poolkey.TierPro)
	enterprise := Lookup(poolkey.TierEnterprise)

	if !(free.MaxPool < starter.MaxPool && starter.MaxPool < pro.MaxPool && pro.MaxPool < enterprise.MaxPool) {
		t.Fatalf("expected strictly increasing MaxPool by tier: free=%d starter=%d pro=%d enterprise=%d",
			free.MaxPool, starter.MaxPool, pro.MaxPool, enterprise.MaxPool)
	}
	if !(free.MaxConcurrent < starter.MaxConcurrent && starter.MaxConcurrent < pro.MaxConcurrent && pro.MaxConcurrent < enterprise.MaxConcurrent) {
		t.Fatal("expected strictly increasing MaxConcurrent by tier")
	}
}

func TestOverrideTakesEffectAndIsRestorable(t *testing.T) {
	original := Lookup(poolkey.TierFree)
	defer Override(poolkey.TierFree, original)

	Override(poolkey.TierFree, Policy{MinPool: 1, MaxPool: 3, MaxConcurrent: 9, Priority: PriorityLow})

	got := Lookup(poolkey.TierFree)
	if got.MaxPool != 3 {
		t.Fatalf("expected override to take effect, got MaxPool=%d", got.MaxPool)
	}
}

func TestSnapshotReturnsIndependentCopy(t *testing.T) {
	snap := Snapshot()
	snap[poolkey.TierFree] = Policy{MaxPool: 999}

	if got := Lookup(poolkey.TierFree).MaxPool; got == 999 {
		t.Fatal("mutating a Snapshot result must not affect the live table")
	}
}
