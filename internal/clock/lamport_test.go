package clock

import (
	"sync"
	"testing"
)

func TestIncrementMonotonic(t *testing.T) {
	c := New()
	prev := c.Time()
	for i := 0; i < 10; i++ {
		next := c.Increment()
		if next <= prev {
			t.Fatalf("Increment not monotonic: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestWitnessTakesMax(t *testing.T) {
	c := New()
	c.Increment() // time = 1

	got := c.Witness(10)
	if got != 11 {
		t.Fatalf("Witness(10) = %d, want 11", got)
	}

	// A stale receive must still advance by one, never regress.
	got = c.Witness(3)
	if got != 12 {
		t.Fatalf("Witness(3) = %d, want 12", got)
	}
}

func TestConcurrentUseIsSafe(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			c.Witness(n)
		}(int64(i))
	}
	wg.Wait()
	if c.Time() == 0 {
		t.Fatal("clock never advanced")
	}
}
