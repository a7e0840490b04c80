package poolkey

import "testing"

func TestParseTierDefaultsToFree(t *testing.T) {
	cases := []string{"", "bogus", "FrEe-ish"}
	for _, c := range cases {
		if got := ParseTier(c); got != TierFree {
			t.Errorf("ParseTier(%q) = %v, want TierFree", c, got)
		}
	}
}

func TestParseTierRecognizesAllTiers(t *testing.T) {
	cases := map[string]Tier{
		"free": TierFree, "FREE": TierFree,
		"starter": TierStarter, "STARTER": TierStarter,
		"pro": TierPro, "PRO": TierPro,
		"enterprise": TierEnterprise, "ENTERPRISE": TierEnterprise,
	}
	for in, want := range cases {
		if got := ParseTier(in); got != want {
			t.Errorf("ParseTier(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseStoreKindHasNoSafeFallback(t *testing.T) {
	if got := ParseStoreKind("bogus"); got != StoreUnknown {
		t.Errorf("ParseStoreKind(bogus) = %v, want StoreUnknown", got)
	}
	if got := ParseStoreKind("kv"); got != StoreKV {
		t.Errorf("ParseStoreKind(kv) = %v, want StoreKV", got)
	}
}

func TestPoolKeyString(t *testing.T) {
	k := PoolKey{TenantID: "acme", Store: StoreRelational}
	if got, want := k.String(), "acme/relational"; got != want {
		t.Errorf("PoolKey.String() = %q, want %q", got, want)
	}
}
