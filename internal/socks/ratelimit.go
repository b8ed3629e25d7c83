// Package socks implements the loopback-only SOCKS5 front-end: no-auth
// method negotiation, the CONNECT command, and the bridge into the
// masked-dial routine that drives C6/C4/C3/C5.
package socks

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a per-source-IP token bucket bounding CONNECT attempts,
// adapted from the teacher's budget.Bucket: same full-refill-on-ticker
// shape and atomic consumed counter, retargeted from "cost per
// containment-action severity" to "one token per CONNECT attempt".
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop    chan struct{}
	stopped bool
}

// NewBucket creates a Bucket with the given capacity and starts its
// refill goroutine. Call Close to stop it.
func NewBucket(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPeriod <= 0 {
		refillPeriod = time.Minute
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Allow attempts to consume a single token, reporting whether one was
// available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens > 0 {
		b.tokens--
		b.consumedTotal.Add(1)
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stop)
}

// LimiterSet hands out a per-source-IP Bucket, creating one on first
// use. Entries are never pruned during the process lifetime: the
// expected cardinality is bounded by concurrent local client
// processes, not by internet-facing traffic.
type LimiterSet struct {
	mu       sync.Mutex
	capacity int
	period   time.Duration
	buckets  map[string]*Bucket
}

// NewLimiterSet constructs a LimiterSet whose per-source buckets share
// the given capacity and refill period.
func NewLimiterSet(capacity int, period time.Duration) *LimiterSet {
	return &LimiterSet{
		capacity: capacity,
		period:   period,
		buckets:  make(map[string]*Bucket),
	}
}

// Allow consumes one token from sourceIP's bucket, creating the bucket
// on first use.
func (l *LimiterSet) Allow(sourceIP string) bool {
	l.mu.Lock()
	b, ok := l.buckets[sourceIP]
	if !ok {
		b = NewBucket(l.capacity, l.period)
		l.buckets[sourceIP] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Close stops every tracked bucket's refill goroutine.
func (l *LimiterSet) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.buckets {
		b.Close()
	}
}
