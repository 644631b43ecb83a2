package throttle

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// Unlimited disables throttling.
const Unlimited int64 = 0

// Reader is an io.Reader whose throughput never exceeds its current limit.
type Reader struct {
	ctx context.Context
	src io.Reader

	mu      sync.Mutex
	limit   int64
	bucket  *ratelimit.Bucket
	changed chan struct{}
}

// NewReader wraps src with the given bytes-per-second limit. The wait between
// reads is abandoned when ctx is done, in which case Read returns ctx.Err().
func NewReader(ctx context.Context, src io.Reader, limit int64) *Reader {
	r := &Reader{ctx: ctx, src: src, changed: make(chan struct{})}
	r.setLocked(limit)
	return r
}

// Limit returns the current ceiling in bytes per second.
func (r *Reader) Limit() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit
}

// SetLimit replaces the ceiling. A reader currently waiting for allowance is
// woken up and waits out what it still owes under the new limit.
func (r *Reader) SetLimit(limit int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if normalize(limit) == r.limit {
		return
	}
	r.setLocked(limit)
	close(r.changed)
	r.changed = make(chan struct{})
}

// setLocked installs a bucket for limit. The allowance left in the previous
// bucket, or the debt owed to it, carries over so a change never grants a
// fresh burst.
func (r *Reader) setLocked(limit int64) {
	prev := r.bucket
	r.limit = normalize(limit)
	if r.limit == Unlimited {
		r.bucket = nil
		return
	}
	// one second of burst: the window the ceiling is measured over
	next := ratelimit.NewBucketWithRate(float64(r.limit), r.limit)
	if prev != nil {
		next.Take(next.Capacity() - min(prev.Available(), next.Capacity()))
	}
	r.bucket = next
}

func normalize(limit int64) int64 {
	if limit <= 0 {
		return Unlimited
	}
	return limit
}

// owed returns how long the current bucket needs to pay back its debt.
func (r *Reader) owed() (time.Duration, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bucket == nil {
		return 0, r.changed
	}
	avail := r.bucket.Available()
	if avail >= 0 {
		return 0, r.changed
	}
	return time.Duration(float64(-avail) / r.bucket.Rate() * float64(time.Second)), r.changed
}

// Read reads at most len(p) bytes from the wrapped stream and then waits
// until the bytes read fit under the ceiling.
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	if r.bucket != nil && int64(len(p)) > r.bucket.Capacity() {
		p = p[:r.bucket.Capacity()]
	}
	r.mu.Unlock()

	n, err := r.src.Read(p)
	if n <= 0 {
		return n, err
	}

	// charge whichever bucket is current once the bytes are in hand
	r.mu.Lock()
	if r.bucket == nil {
		r.mu.Unlock()
		return n, err
	}
	wait := r.bucket.Take(int64(n))
	var changed <-chan struct{} = r.changed
	r.mu.Unlock()

	for wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			return n, err
		case <-r.ctx.Done():
			// the bytes were read; hand them over and report cancellation next call
			timer.Stop()
			return n, err
		case <-changed:
			timer.Stop()
			wait, changed = r.owed()
		}
	}
	return n, err
}
