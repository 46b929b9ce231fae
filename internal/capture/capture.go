// Package capture implements the per-process Output Capture of spec.md §3
// and §4.3: a bounded in-memory ring, an append-only rotating log file, and
// a fan-out broadcast to live subscribers. It has no teacher analogue (the
// teacher pipes child output straight to a lumberjack file); written fresh
// in the teacher's minimal-struct, explicit-lock style.
package capture

import (
	"io"
	"sync"
)

const (
	// DefaultRingSize is the default in-memory ring capacity (spec.md §3: "e.g. 64 KiB").
	DefaultRingSize = 64 * 1024

	subscriberBuffer = 256 // chunks, not bytes; slow subscribers are dropped past this
)

// Capture is one Output Capture instance, created before its process spawns
// and closed only when the Managed Process is removed from the Registry
// (spec.md invariant 3).
type Capture struct {
	mu   sync.Mutex
	ring *ring
	log  io.WriteCloser // may be nil (no on-disk log configured)

	subs   map[uint64]chan []byte
	nextID uint64
	closed bool
}

// New creates a Capture with the given ring capacity. log may be nil.
func New(ringSize int, log io.WriteCloser) *Capture {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Capture{
		ring: newRing(ringSize),
		log:  log,
		subs: make(map[uint64]chan []byte),
	}
}

// Write appends p atomically to the ring, the log file, and every live
// subscriber. The child is never blocked by a slow consumer: publishing to
// subscriber channels is non-blocking, and a subscriber whose channel is
// full is dropped (its stream ends) rather than stalling this call.
func (c *Capture) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}

	c.ring.write(cp)

	var logErr error
	if c.log != nil {
		_, logErr = c.log.Write(cp)
	}

	for id, ch := range c.subs {
		select {
		case ch <- cp:
		default:
			close(ch)
			delete(c.subs, id)
		}
	}

	// The write to the ring/broadcast always succeeds; a log I/O failure is
	// reported but does not lose the bytes from the ring or live streams.
	return len(p), logErr
}

// Snapshot returns a copy of the ring's current contents, oldest-to-newest.
func (c *Capture) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.snapshot()
}

// Subscription is a live stream of subsequent writes. Chunks arrives until
// the stream is cancelled (via Close) or dropped for being too slow.
type Subscription struct {
	Chunks <-chan []byte
	cancel func()
}

// Close ends the subscription; safe to call more than once.
func (s *Subscription) Close() { s.cancel() }

// Subscribe returns the current snapshot plus a live Subscription. The
// snapshot is taken atomically with respect to the subscription's start, so
// no byte is either duplicated or missed between the two.
func (c *Capture) Subscribe() ([]byte, *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.ring.snapshot()
	if c.closed {
		ch := make(chan []byte)
		close(ch)
		return snap, &Subscription{Chunks: ch, cancel: func() {}}
	}

	id := c.nextID
	c.nextID++
	ch := make(chan []byte, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if existing, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(existing)
			}
			c.mu.Unlock()
		})
	}
	return snap, &Subscription{Chunks: ch, cancel: cancel}
}

// Close idempotently closes the log file and ends all live subscriptions.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	log := c.log
	c.mu.Unlock()

	if log != nil {
		return log.Close()
	}
	return nil
}
