package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multidb/connectcore/pkg/poolkey"
)

func testKey() poolkey.PoolKey {
	return poolkey.PoolKey{TenantID: "tenant-a", Store: poolkey.StoreRelational}
}

func countingFactory(n *int32) Factory {
	return func(context.Context) (any, error) {
		atomic.AddInt32(n, 1)
		return new(int), nil
	}
}

func TestAcquireReleaseReusesIdle(t *testing.T) {
	var created int32
	p := New(Options{
		Key: testKey(), MinPool: 1, MaxPool: 2,
		Factory: countingFactory(&created),
	})
	defer p.Drain(time.Second)

	ctx := context.Background()
	c1, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	p.Release(c1)

	c2, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	p.Release(c2)

	if got := atomic.LoadInt32(&created); got != 1 {
		t.Fatalf("expected exactly one connection created (idle reuse), got %d", got)
	}
}

// TestAcquireTimeoutAtCapacity confirms a waiter that can't be served within
// its deadline sees ErrAcquireTimeout, and the pool's own size never grows
// past MaxPool.
func TestAcquireTimeoutAtCapacity(t *testing.T) {
	var created int32
	p := New(Options{
		Key: testKey(), MinPool: 0, MaxPool: 1,
		Factory: countingFactory(&created),
	})
	defer p.Drain(time.Second)

	ctx := context.Background()
	held, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = p.Acquire(ctx, 50*time.Millisecond)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}

	p.Release(held)
	if got := atomic.LoadInt32(&created); got != 1 {
		t.Fatalf("expected pool to stay at MaxPool=1, created %d", got)
	}
}

// TestFIFOFairness confirms waiters are served in arrival order.
func TestFIFOFairness(t *testing.T) {
	var created int32
	p := New(Options{
		Key: testKey(), MinPool: 0, MaxPool: 1,
		Factory: countingFactory(&created),
	})
	defer p.Drain(time.Second)

	ctx := context.Background()
	held, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.Acquire(ctx, 2*time.Second)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			p.Release(conn)
		}(i)
		time.Sleep(5 * time.Millisecond) // stagger arrival order
	}

	p.Release(held)
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	if len(got) != waiters {
		t.Fatalf("expected %d waiters served, got %d", waiters, len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected FIFO order %v, got %v", []int{0, 1, 2, 3, 4}, got)
		}
	}
}

func TestDestroyDoesNotReturnToIdle(t *testing.T) {
	var created, destroyed int32
	p := New(Options{
		Key: testKey(), MinPool: 0, MaxPool: 2,
		Factory:   countingFactory(&created),
		Destroyer: func(any) { atomic.AddInt32(&destroyed, 1) },
	})
	defer p.Drain(time.Second)

	ctx := context.Background()
	c, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Destroy(c)

	stats := p.Stats()
	if stats.Available != 0 {
		t.Fatalf("expected destroyed connection to not return to idle, stats=%+v", stats)
	}
	if atomic.LoadInt32(&destroyed) != 1 {
		t.Fatalf("expected Destroyer called once, got %d", destroyed)
	}
}

func TestValidatorRejectsStaleIdleConnection(t *testing.T) {
	var created, destroyed int32
	var rejectNext int32
	p := New(Options{
		Key: testKey(), MinPool: 0, MaxPool: 2,
		Factory:   countingFactory(&created),
		Destroyer: func(any) { atomic.AddInt32(&destroyed, 1) },
		Validator: func(context.Context, any) error {
			if atomic.LoadInt32(&rejectNext) == 1 {
				return errors.New("stale connection")
			}
			return nil
		},
	})
	defer p.Drain(time.Second)

	ctx := context.Background()
	c1, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c1)

	atomic.StoreInt32(&rejectNext, 1)
	c2, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire after invalidation: %v", err)
	}
	p.Release(c2)

	if atomic.LoadInt32(&created) != 2 {
		t.Fatalf("expected a fresh connection after validator rejection, created=%d", atomic.LoadInt32(&created))
	}
	if atomic.LoadInt32(&destroyed) != 1 {
		t.Fatalf("expected the stale connection destroyed, destroyed=%d", atomic.LoadInt32(&destroyed))
	}
}

func TestDrainFailsOutstandingWaiters(t *testing.T) {
	var created int32
	p := New(Options{
		Key: testKey(), MinPool: 0, MaxPool: 1,
		Factory: countingFactory(&created),
	})

	ctx := context.Background()
	held, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go p.Drain(time.Second)
	time.Sleep(20 * time.Millisecond)
	p.Release(held)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolDrained) {
			t.Fatalf("expected ErrPoolDrained for waiter on drain, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drained waiter to return")
	}
}

func TestResetHookRunsOnRelease(t *testing.T) {
	var created, resets, destroyed int32
	var failReset int32
	p := New(Options{
		Key: testKey(), MinPool: 0, MaxPool: 2,
		Factory:   countingFactory(&created),
		Destroyer: func(any) { atomic.AddInt32(&destroyed, 1) },
		Reset: func(context.Context, any) error {
			atomic.AddInt32(&resets, 1)
			if atomic.LoadInt32(&failReset) == 1 {
				return errors.New("session dirty")
			}
			return nil
		},
	})
	defer p.Drain(time.Second)

	ctx := context.Background()
	c1, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c1)
	if atomic.LoadInt32(&resets) != 1 {
		t.Fatalf("expected reset hook to run once on release, got %d", resets)
	}
	if p.Stats().Available != 1 {
		t.Fatalf("expected clean reset to re-idle the connection, stats=%+v", p.Stats())
	}

	c2, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	atomic.StoreInt32(&failReset, 1)
	p.Release(c2)
	if atomic.LoadInt32(&destroyed) != 1 {
		t.Fatalf("expected failed reset to destroy the connection, destroyed=%d", destroyed)
	}
	if p.Stats().Available != 0 {
		t.Fatalf("expected failed-reset connection to not re-idle, stats=%+v", p.Stats())
	}
}

func TestFactoryFailureWraps(t *testing.T) {
	wantErr := errors.New("dial refused")
	p := New(Options{
		Key: testKey(), MinPool: 0, MaxPool: 1,
		Factory: func(context.Context) (any, error) { return nil, wantErr },
	})
	defer p.Drain(time.Second)

	_, err := p.Acquire(context.Background(), time.Second)
	var fe *FactoryFailedError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FactoryFailedError, got %v", err)
	}
	if !errors.Is(fe.Cause, wantErr) {
		t.Fatalf("expected wrapped cause %v, got %v", wantErr, fe.Cause)
	}
}
