package waitcell

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBasic(t *testing.T) {
	c := New[int]()
	if err := c.Set(42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Wait() = %d, %v, want 42, nil", v, err)
	}
}

func TestBasicTimeoutZero(t *testing.T) {
	c := New[int]()
	if _, ok := c.WaitTimeout(0); ok {
		t.Fatal("WaitTimeout(0) on unset cell reported set")
	}
	_ = c.Set(7)
	v, ok := c.WaitTimeout(0)
	if !ok || v != 7 {
		t.Fatalf("WaitTimeout(0) = %d, %v, want 7, true", v, ok)
	}
}

func TestBasicTimeoutElapses(t *testing.T) {
	c := New[int]()
	start := time.Now()
	if _, ok := c.WaitTimeout(5 * time.Millisecond); ok {
		t.Fatal("expected timeout on unset cell")
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatal("WaitTimeout returned before the deadline")
	}
}

func TestUnsetTimeout(t *testing.T) {
	c := New[string]()
	if _, ok := c.WaitTimeout(time.Millisecond); ok {
		t.Fatal("expected cell to remain unset")
	}
}

func TestBasicDoubleSet(t *testing.T) {
	c := New[int]()
	if err := c.Set(1); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if err := c.Set(2); err != ErrAlreadySet {
		t.Fatalf("second Set err = %v, want ErrAlreadySet", err)
	}
	v, _ := c.TryGet()
	if v != 1 {
		t.Fatalf("value changed after rejected Set: got %d", v)
	}
}

func TestBasicThreaded(t *testing.T) {
	c := New[int]()
	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Wait(context.Background())
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(2 * time.Millisecond)
	_ = c.Set(99)
	wg.Wait()
	for _, v := range results {
		if v != 99 {
			t.Fatalf("goroutine saw %d, want 99", v)
		}
	}
}

func TestGuard(t *testing.T) {
	c := New[int]()
	func() {
		g := c.SetGuardWith(func() int { return -1 })
		defer g.Close()
		_ = c.Set(5)
	}()
	v, ok := c.TryGet()
	if !ok || v != 5 {
		t.Fatalf("guard overwrote an explicit Set: got %d, %v", v, ok)
	}
}

func TestGuardFallback(t *testing.T) {
	c := New[int]()
	func() {
		g := c.SetGuardWith(func() int { return 137 })
		defer g.Close()
		// caller never sets the cell, e.g. returns early on error.
	}()
	v, ok := c.TryGet()
	if !ok || v != 137 {
		t.Fatalf("guard fallback = %d, %v, want 137, true", v, ok)
	}
}

func TestGuardDisarm(t *testing.T) {
	c := New[int]()
	g := c.SetGuardWith(func() int { return 137 })
	g.Disarm()
	g.Close()
	if _, ok := c.TryGet(); ok {
		t.Fatal("disarmed guard set the cell")
	}
}
