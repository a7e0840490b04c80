package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multidb/connectcore/internal/breaker"
	"github.com/multidb/connectcore/internal/connpool"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// fakeAdapter is a minimal AdapterFactory whose factory/validator/destroyer
// behavior is controlled by its fields, for exercising Execute's acquire vs.
// work accounting without a real store.
type fakeAdapter struct {
	createErr   error
	createCount int32
	breakerPol  breaker.Policy
}

func (f *fakeAdapter) NewFactory(poolkey.PoolKey) connpool.Factory {
	return func(context.Context) (any, error) {
		atomic.AddInt32(&f.createCount, 1)
		if f.createErr != nil {
			return nil, f.createErr
		}
		return new(int), nil
	}
}

func (f *fakeAdapter) NewValidator(poolkey.PoolKey) connpool.Validator { return nil }
func (f *fakeAdapter) NewDestroyer(poolkey.PoolKey) connpool.Destroyer { return nil }
func (f *fakeAdapter) BreakerPolicy() breaker.Policy                   { return f.breakerPol }

func fastBreakerPolicy() breaker.Policy {
	return breaker.Policy{
		OpTimeout: 50 * time.Millisecond, ErrorThresholdPct: 50,
		ResetTimeout: 50 * time.Millisecond, RollingWindow: 200 * time.Millisecond,
		RollingBuckets: 10, VolumeThreshold: 4,
	}
}

func testKey() poolkey.PoolKey {
	return poolkey.PoolKey{TenantID: "tenant-a", Store: poolkey.StoreRelational}
}

var errWork = errors.New("work failed")

func TestExecuteSuccessPath(t *testing.T) {
	m := New(Options{IdleTimeout: time.Hour, ReclaimInterval: time.Hour})
	defer m.CloseAll()

	fa := &fakeAdapter{breakerPol: fastBreakerPolicy()}
	m.RegisterAdapter(poolkey.StoreRelational, fa)

	result, err := Execute(context.Background(), m, testKey(), poolkey.TierFree, "ping",
		func(context.Context, *connpool.PooledConn) (string, error) { return "pong", nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "pong" {
		t.Fatalf("expected pong, got %q", result)
	}

	meta, ok := m.Metadata(testKey())
	if !ok {
		t.Fatal("expected metadata to exist after first use")
	}
	if meta.QueryCount() != 1 || meta.ErrorCount() != 0 {
		t.Fatalf("expected 1 query / 0 errors, got %d/%d", meta.QueryCount(), meta.ErrorCount())
	}
}

// TestAcquireTimeoutDoesNotTripBreaker is the regression test for the
// Admit/Run/Ignore/Fail split at the manager layer: saturating the pool so
// every caller times out on acquire must never open the breaker, however
// many times it happens.
func TestAcquireTimeoutDoesNotTripBreaker(t *testing.T) {
	m := New(Options{IdleTimeout: time.Hour, ReclaimInterval: time.Hour})
	defer m.CloseAll()

	// The holders below keep their connections for the whole probe phase,
	// so their op-timeout and the reset timeout are raised well past it:
	// otherwise the holders' own op-timeouts would open the breaker and a
	// HALF_OPEN promotion would decide the final health check.
	pol := fastBreakerPolicy()
	pol.OpTimeout, pol.ResetTimeout = 5*time.Second, time.Minute
	fa := &fakeAdapter{breakerPol: pol}
	m.RegisterAdapter(poolkey.StoreRelational, fa)
	key := testKey()

	entry, err := m.getOrBuild(context.Background(), key, poolkey.TierFree)
	if err != nil {
		t.Fatalf("getOrBuild: %v", err)
	}
	maxPool := entry.Pool.Stats().Max

	// Saturate the pool completely: maxPool holders each acquire and block
	// on release, so every subsequent caller's 100ms context expires while
	// it waits in the FIFO queue rather than racing idle turnover.
	release := make(chan struct{})
	acquired := make(chan struct{}, maxPool)
	var holdersWG sync.WaitGroup
	for i := 0; i < maxPool; i++ {
		holdersWG.Add(1)
		go func() {
			defer holdersWG.Done()
			Execute(context.Background(), m, key, poolkey.TierFree, "hold",
				func(context.Context, *connpool.PooledConn) (struct{}, error) {
					acquired <- struct{}{}
					<-release
					return struct{}{}, nil
				})
		}()
	}
	for i := 0; i < maxPool; i++ {
		<-acquired
	}

	var timeouts int32
	var innerWG sync.WaitGroup
	for i := 0; i < 10; i++ {
		innerWG.Add(1)
		go func() {
			defer innerWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := Execute(ctx, m, key, poolkey.TierFree, "probe",
				func(context.Context, *connpool.PooledConn) (struct{}, error) { return struct{}{}, nil })
			if err != nil {
				atomic.AddInt32(&timeouts, 1)
			}
		}()
	}
	innerWG.Wait()
	close(release)
	holdersWG.Wait()

	if atomic.LoadInt32(&timeouts) != 10 {
		t.Fatalf("expected all 10 probes to time out against a fully saturated pool, got %d timeouts", timeouts)
	}
	if !m.Health(key) {
		t.Fatal("expected breaker to remain healthy: acquire timeouts must not count toward it")
	}
}

// TestFactoryFailureTripsBreaker confirms the Fail path (FactoryFailed
// during acquire) does count toward the rolling window.
func TestFactoryFailureTripsBreaker(t *testing.T) {
	m := New(Options{IdleTimeout: time.Hour, ReclaimInterval: time.Hour})
	defer m.CloseAll()

	fa := &fakeAdapter{createErr: errors.New("dial refused"), breakerPol: fastBreakerPolicy()}
	m.RegisterAdapter(poolkey.StoreRelational, fa)
	key := testKey()

	for i := 0; i < 4; i++ {
		_, err := Execute(context.Background(), m, key, poolkey.TierFree, "probe",
			func(context.Context, *connpool.PooledConn) (struct{}, error) { return struct{}{}, nil })
		if err == nil {
			t.Fatalf("call %d: expected factory failure to surface", i)
		}
	}

	if m.Health(key) {
		t.Fatal("expected breaker to open after repeated factory failures")
	}
}

// TestGetOrBuildSerializesConstruction confirms concurrent first-use callers
// for the same PoolKey share exactly one constructed Entry.
func TestGetOrBuildSerializesConstruction(t *testing.T) {
	m := New(Options{IdleTimeout: time.Hour, ReclaimInterval: time.Hour})
	defer m.CloseAll()

	fa := &fakeAdapter{breakerPol: fastBreakerPolicy()}
	m.RegisterAdapter(poolkey.StoreRelational, fa)
	key := testKey()

	const n = 20
	entries := make([]*Entry, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := m.getOrBuild(context.Background(), key, poolkey.TierFree)
			if err != nil {
				t.Errorf("getOrBuild: %v", err)
				return
			}
			entries[i] = e
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if entries[i] != entries[0] {
			t.Fatalf("expected all concurrent first-use callers to share one Entry, got distinct entries at index %d", i)
		}
	}
}

// TestSubscribeReceivesPoolLifecycleEvents confirms pool-created and
// pool-drained events reach a subscriber in order for a single PoolKey.
func TestSubscribeReceivesPoolLifecycleEvents(t *testing.T) {
	m := New(Options{IdleTimeout: time.Hour, ReclaimInterval: time.Hour})
	defer m.CloseAll()

	fa := &fakeAdapter{breakerPol: fastBreakerPolicy()}
	m.RegisterAdapter(poolkey.StoreRelational, fa)
	key := testKey()
	events := m.Subscribe()

	_, err := Execute(context.Background(), m, key, poolkey.TierFree, "ping",
		func(context.Context, *connpool.PooledConn) (struct{}, error) { return struct{}{}, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Close(key)

	want := []EventKind{EventPoolCreated, EventPoolDrained}
	for _, k := range want {
		select {
		case ev := <-events:
			if ev.Kind != k || ev.Key != key {
				t.Fatalf("expected %v for %s, got %v for %s", k, key, ev.Kind, ev.Key)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %v", k)
		}
	}
}

// TestCloseIdleDrainsOnlyStaleKeys confirms an on-demand reclaim pass
// drains keys past the idle timeout and leaves fresh ones alone.
func TestCloseIdleDrainsOnlyStaleKeys(t *testing.T) {
	m := New(Options{IdleTimeout: 30 * time.Millisecond, ReclaimInterval: time.Hour})
	defer m.CloseAll()

	fa := &fakeAdapter{breakerPol: fastBreakerPolicy()}
	m.RegisterAdapter(poolkey.StoreRelational, fa)
	stale := testKey()
	fresh := poolkey.PoolKey{TenantID: "tenant-b", Store: poolkey.StoreRelational}

	if _, err := Execute(context.Background(), m, stale, poolkey.TierFree, "ping",
		func(context.Context, *connpool.PooledConn) (struct{}, error) { return struct{}{}, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := Execute(context.Background(), m, fresh, poolkey.TierFree, "ping",
		func(context.Context, *connpool.PooledConn) (struct{}, error) { return struct{}{}, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.CloseIdle()

	if _, ok := m.Metadata(stale); ok {
		t.Fatal("expected stale key to be drained by CloseIdle")
	}
	if _, ok := m.Metadata(fresh); !ok {
		t.Fatal("expected fresh key to survive CloseIdle")
	}
}

// TestIdleReclaimClosesStaleEntries exercises the idle-reclaim loop:
// an entry untouched past IdleTimeout is removed on the next reclaim tick.
func TestIdleReclaimClosesStaleEntries(t *testing.T) {
	m := New(Options{IdleTimeout: 30 * time.Millisecond, ReclaimInterval: 20 * time.Millisecond})
	defer m.CloseAll()

	fa := &fakeAdapter{breakerPol: fastBreakerPolicy()}
	m.RegisterAdapter(poolkey.StoreRelational, fa)
	key := testKey()

	_, err := Execute(context.Background(), m, key, poolkey.TierFree, "ping",
		func(context.Context, *connpool.PooledConn) (struct{}, error) { return struct{}{}, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := m.Metadata(key); !ok {
		t.Fatal("expected metadata to exist right after use")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Metadata(key); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected idle-reclaim loop to remove the stale entry")
}
