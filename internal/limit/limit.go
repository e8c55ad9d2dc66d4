// Package limit bounds how fast a client may send frames and how many
// connections a single address may hold.
package limit

import (
	"errors"
	"sync"
	"time"
)

var ErrLimited = errors.New("limit: rate exceeded")

// Default frame budget of one client connection. It covers a 60Hz media
// stream plus the once-per-second faces and metrics frames with headroom.
const (
	DefaultFrameRate  = 120
	DefaultFrameBurst = 240
)

// Bucket is a token bucket. A zero rate disables limiting.
type Bucket struct {
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        int
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time

	now func() time.Time
}

// NewBucket returns a full bucket refilling at rate tokens per second.
func NewBucket(rate float64, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	b := &Bucket{rate: rate, burst: burst, now: time.Now}
	b.tokens = float64(burst)
	b.lastRefill = b.now()
	return b
}

// Allow takes one token and reports whether one was available.
func (b *Bucket) Allow() bool {
	if b == nil || b.rate <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.blockedUntil) {
		return false
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Block rejects everything for d.
func (b *Bucket) Block(d time.Duration) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockedUntil = b.now().Add(d)
}

// Reset refills the bucket and lifts any block.
func (b *Bucket) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = float64(b.burst)
	b.lastRefill = b.now()
	b.blockedUntil = time.Time{}
}

// Conns limits concurrent connections overall and per remote address.
// Zero limits are unlimited.
type Conns struct {
	mu         sync.Mutex
	current    int
	max        int
	perAddr    map[string]int
	maxPerAddr int
}

// NewConns returns a connection limiter.
func NewConns(max, maxPerAddr int) *Conns {
	return &Conns{
		max:        max,
		maxPerAddr: maxPerAddr,
		perAddr:    make(map[string]int),
	}
}

// Acquire takes a slot for addr. It returns ErrLimited when either limit is
// reached.
func (c *Conns) Acquire(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.max > 0 && c.current >= c.max {
		return ErrLimited
	}
	if c.maxPerAddr > 0 && c.perAddr[addr] >= c.maxPerAddr {
		return ErrLimited
	}
	c.current++
	c.perAddr[addr]++
	return nil
}

// Release returns the slot taken for addr.
func (c *Conns) Release(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.perAddr[addr]
	if n == 0 {
		return
	}
	c.current--
	if n == 1 {
		delete(c.perAddr, addr)
		return
	}
	c.perAddr[addr] = n - 1
}

// Current returns the number of held slots.
func (c *Conns) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
