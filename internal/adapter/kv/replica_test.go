package kv

import (
	"testing"

	"github.com/multidb/connectcore/pkg/poolkey"
)

func TestWriteReadKeySuffixes(t *testing.T) {
	w := writeKey("acme")
	r := readKey("acme")

	if w.TenantID != "acme#write" || w.Store != poolkey.StoreKV {
		t.Fatalf("unexpected write key: %+v", w)
	}
	if r.TenantID != "acme#read" || r.Store != poolkey.StoreKV {
		t.Fatalf("unexpected read key: %+v", r)
	}
	if w == r {
		t.Fatal("write and read pool keys must be distinct")
	}
}

func TestSplitRoleSuffix(t *testing.T) {
	cases := []struct {
		in       string
		wantBase string
		wantRole string
		wantOK   bool
	}{
		{"acme#write", "acme", "write", true},
		{"acme#read", "acme", "read", true},
		{"acme", "", "", false},
		{"", "", "", false},
	}
	for _, c := range cases {
		base, role, ok := splitRoleSuffix(c.in)
		if base != c.wantBase || role != c.wantRole || ok != c.wantOK {
			t.Errorf("splitRoleSuffix(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.in, base, role, ok, c.wantBase, c.wantRole, c.wantOK)
		}
	}
}

func TestPoolSizeHintDoublesReadPool(t *testing.T) {
	f := combinedFactory{}

	min, max := f.PoolSizeHint(readKey("acme"), 2, 5)
	if min != 2 || max != 10 {
		t.Fatalf("expected read pool bounds (2, 10), got (%d, %d)", min, max)
	}
	min, max = f.PoolSizeHint(writeKey("acme"), 2, 5)
	if min != 2 || max != 5 {
		t.Fatalf("expected write pool bounds unchanged (2, 5), got (%d, %d)", min, max)
	}
}

func TestClassifySentinelEvent(t *testing.T) {
	cases := []struct {
		channel string
		want    FailoverEventKind
		wantOK  bool
	}{
		{"+sdown", EventSubjectivelyDown, true},
		{"-sdown", EventReconnecting, true},
		{"+odown", EventObjectivelyDown, true},
		{"+switch-master", EventSwitchPrimary, true},
		{"+reset-master", "", false},
		{"unrelated-channel", "", false},
	}
	for _, c := range cases {
		kind, ok := classifySentinelEvent(c.channel, "payload")
		if kind != c.want || ok != c.wantOK {
			t.Errorf("classifySentinelEvent(%q) = (%q, %v), want (%q, %v)", c.channel, kind, ok, c.want, c.wantOK)
		}
	}
}
