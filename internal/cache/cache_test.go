package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrComputeCachesSuccess(t *testing.T) {
	c := New[string](0, 0)
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		return "answer", nil
	}

	v, hit, err := c.GetOrCompute(ctx, "k", compute)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if hit {
		t.Error("first call reported a hit")
	}
	if v != "answer" {
		t.Errorf("first call value = %q", v)
	}

	v, hit, err = c.GetOrCompute(ctx, "k", compute)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !hit {
		t.Error("second call missed")
	}
	if v != "answer" {
		t.Errorf("second call value = %q", v)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}
}

func TestConcurrentCallersShareOneComputation(t *testing.T) {
	c := New[int](0, 0)
	ctx := context.Background()

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 42, nil
	}

	const waiters = 20
	results := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCompute(ctx, "k", compute)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
				return
			}
			results <- v
		}()
	}

	<-started
	// Give the remaining goroutines time to pile onto the same key
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if n := calls.Load(); n != 1 {
		t.Errorf("compute ran %d times, want exactly 1", n)
	}
	for v := range results {
		if v != 42 {
			t.Errorf("waiter got %d, want 42", v)
		}
	}
}

func TestFailuresSharedAndNeverCached(t *testing.T) {
	c := New[string](0, 0)
	ctx := context.Background()

	boom := errors.New("index unavailable")
	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	failing := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "", boom
	}

	const waiters = 5
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(ctx, "k", failing)
			errs <- err
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	if n := calls.Load(); n != 1 {
		t.Errorf("failing compute ran %d times, want 1", n)
	}
	for err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("waiter got %v, want shared failure", err)
		}
	}

	// The failure must not have been cached
	v, hit, err := c.GetOrCompute(ctx, "k", func(context.Context) (string, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("recovery call: %v", err)
	}
	if hit {
		t.Error("failure was served from cache")
	}
	if v != "recovered" {
		t.Errorf("recovery value = %q", v)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New[int](0, 30*time.Millisecond)
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	if v, _, _ := c.GetOrCompute(ctx, "k", compute); v != 1 {
		t.Fatalf("first value = %d", v)
	}
	time.Sleep(60 * time.Millisecond)
	v, hit, err := c.GetOrCompute(ctx, "k", compute)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if hit {
		t.Error("expired entry served as hit")
	}
	if v != 2 {
		t.Errorf("expected recomputation, got %d", v)
	}
}

func TestBoundedEviction(t *testing.T) {
	c := New[int](2, 0)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry survived past capacity")
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", s.Evictions)
	}
}

func TestInvalidateAndPurge(t *testing.T) {
	c := New[int](0, 0)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("invalidated entry still present")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("unrelated entry vanished")
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after purge, got %d", c.Len())
	}
}

func TestStats(t *testing.T) {
	c := New[int](0, 0)
	ctx := context.Background()

	c.GetOrCompute(ctx, "k", func(context.Context) (int, error) { return 1, nil })
	c.GetOrCompute(ctx, "k", func(context.Context) (int, error) { return 1, nil })
	c.GetOrCompute(ctx, "k", func(context.Context) (int, error) { return 1, nil })

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits / 1 miss", s)
	}
	if got := s.HitRate(); got < 0.66 || got > 0.67 {
		t.Errorf("hit rate = %v, want ~0.667", got)
	}
	if s.Size != 1 {
		t.Errorf("size = %d, want 1", s.Size)
	}
}
