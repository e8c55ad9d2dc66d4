package limit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(rate float64, burst int) (*Bucket, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := NewBucket(rate, burst)
	b.now = clock.now
	b.lastRefill = clock.now()
	return b, clock
}

func TestBucket(t *testing.T) {
	// 10 frames/second, burst of 5
	b, clock := newTestBucket(10, 5)

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Errorf("burst frame %d was limited", i)
		}
	}
	if b.Allow() {
		t.Error("expected limiting after burst")
	}

	clock.advance(100 * time.Millisecond)
	if !b.Allow() {
		t.Error("expected a frame after refill")
	}
	if b.Allow() {
		t.Error("refill should yield exactly one token")
	}

	// Refill never exceeds the burst.
	clock.advance(time.Hour)
	for i := 0; i < 5; i++ {
		b.Allow()
	}
	if b.Allow() {
		t.Error("bucket overfilled")
	}
}

func TestDefaultFrameBudget(t *testing.T) {
	b, clock := newTestBucket(DefaultFrameRate, DefaultFrameBurst)

	// 60Hz media frames plus faces and metrics once a second, for a minute.
	dropped := 0
	for ms := 0; ms < 60000; ms++ {
		frames := 0
		if ms%16 == 0 {
			frames++
		}
		if ms%1000 == 0 {
			frames += 2
		}
		for i := 0; i < frames; i++ {
			if !b.Allow() {
				dropped++
			}
		}
		clock.advance(time.Millisecond)
	}
	if dropped != 0 {
		t.Errorf("dropped %d frames at the default budget", dropped)
	}
}

func TestBucketBlock(t *testing.T) {
	b, clock := newTestBucket(10, 5)

	b.Block(100 * time.Millisecond)
	if b.Allow() {
		t.Error("expected blocking")
	}

	clock.advance(150 * time.Millisecond)
	if !b.Allow() {
		t.Error("expected a frame after block expired")
	}

	b.Block(time.Minute)
	b.Reset()
	if !b.Allow() {
		t.Error("reset should lift the block")
	}
}

func TestBucketDisabled(t *testing.T) {
	b := NewBucket(0, 0)
	for i := 0; i < 1000; i++ {
		if !b.Allow() {
			t.Fatal("zero rate must not limit")
		}
	}

	var nilBucket *Bucket
	if !nilBucket.Allow() {
		t.Error("nil bucket must not limit")
	}
}

func TestConns(t *testing.T) {
	c := NewConns(3, 2)

	if err := c.Acquire("10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire("10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire("10.0.0.1"); !errors.Is(err, ErrLimited) {
		t.Errorf("per-address limit: got %v", err)
	}
	if err := c.Acquire("10.0.0.2"); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire("10.0.0.3"); !errors.Is(err, ErrLimited) {
		t.Errorf("global limit: got %v", err)
	}
	if got := c.Current(); got != 3 {
		t.Errorf("Current() = %d, want 3", got)
	}

	c.Release("10.0.0.1")
	if err := c.Acquire("10.0.0.3"); err != nil {
		t.Errorf("slot should be free after release: %v", err)
	}

	// Releasing an unknown address is harmless.
	c.Release("192.168.0.1")
	if got := c.Current(); got != 3 {
		t.Errorf("Current() = %d, want 3", got)
	}
}

func TestConnsUnlimited(t *testing.T) {
	c := NewConns(0, 0)
	for i := 0; i < 100; i++ {
		if err := c.Acquire("10.0.0.1"); err != nil {
			t.Fatal(err)
		}
	}
}
