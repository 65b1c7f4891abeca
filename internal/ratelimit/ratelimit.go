// Package ratelimit provides a token-bucket limiter for throttling FTP
// transfer bandwidth.
package ratelimit

import (
	"io"
	"sync"
	"time"
)

// Limiter is a token-bucket rate limiter expressed in bytes per second,
// with burst capacity of one second's worth of data. A nil *Limiter is
// valid and applies no limit.
type Limiter struct {
	rate       float64 // bytes per second
	burst      float64 // bucket capacity
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// New creates a limiter capped at bytesPerSecond. Non-positive rates return
// nil, meaning unlimited.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
	}
}

// refill adds tokens for the elapsed time. Caller holds mu.
func (rl *Limiter) refill(now time.Time) {
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastUpdate = now
}

// take consumes n tokens, sleeping when the bucket is short. The wait is
// capped at one second so oversized requests degrade instead of stalling.
func (rl *Limiter) take(n int) {
	if rl == nil || n <= 0 {
		return
	}

	needed := float64(n)

	rl.mu.Lock()
	rl.refill(time.Now())
	if rl.tokens >= needed {
		rl.tokens -= needed
		rl.mu.Unlock()
		return
	}

	wait := time.Duration((needed - rl.tokens) / rl.rate * float64(time.Second))
	if wait > time.Second {
		wait = time.Second
	}
	rl.mu.Unlock()

	time.Sleep(wait)

	rl.mu.Lock()
	rl.refill(time.Now())
	if rl.tokens >= needed {
		rl.tokens -= needed
	} else {
		rl.tokens = 0
	}
	rl.mu.Unlock()
}

type reader struct {
	r       io.Reader
	limiter *Limiter
}

// NewReader wraps r so reads are throttled by limiter. A nil limiter
// returns r unchanged.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// Small chunks keep the effective rate close to the target.
	const maxChunk = 8 * 1024
	n := len(p)
	if n > maxChunk {
		n = maxChunk
	}

	r.limiter.take(n)
	return r.r.Read(p[:n])
}

type writer struct {
	w       io.Writer
	limiter *Limiter
}

// NewWriter wraps w so writes are throttled by limiter. A nil limiter
// returns w unchanged.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	const maxChunk = 64 * 1024

	written := 0
	for written < len(p) {
		chunk := len(p) - written
		if chunk > maxChunk {
			chunk = maxChunk
		}

		// Consume tokens before writing to apply backpressure.
		w.limiter.take(chunk)

		n, err := w.w.Write(p[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
