package writer

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one sink.
type BreakerState int

const (
	// BreakerClosed means writes flow to the sink normally.
	BreakerClosed BreakerState = iota

	// BreakerOpen means the sink's failure rate tripped the breaker; new
	// writes are buffered locally instead of retried inline.
	BreakerOpen

	// BreakerHalfOpen means the cooldown elapsed and a single probe write
	// is allowed through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the rolling failure-rate window.
type BreakerConfig struct {
	// Threshold is the failure rate over the window that opens the
	// breaker, in (0, 1].
	Threshold float64

	// Window is the number of most recent attempts considered.
	Window int

	// Cooldown is how long the breaker stays open before a probe.
	Cooldown time.Duration
}

// Breaker tracks a rolling window of write outcomes for one sink and trips
// open when the failure rate exceeds the threshold. State transitions are
// reported through onChange (called without the lock held).
type Breaker struct {
	cfg      BreakerConfig
	onChange func(from, to BreakerState)
	now      func() time.Time

	mu       sync.Mutex
	state    BreakerState
	window   []bool // true = failure
	idx      int
	filled   int
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. onChange may be nil.
func NewBreaker(cfg BreakerConfig, onChange func(from, to BreakerState)) *Breaker {
	if onChange == nil {
		onChange = func(BreakerState, BreakerState) {}
	}
	return &Breaker{
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
		window:   make([]bool, cfg.Window),
	}
}

// State returns the current state, promoting Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.probing = false
	}
	return b.state
}

// Allow reports whether a write may go to the sink right now. In half-open
// state only the first caller gets a probe; everyone else keeps buffering
// until the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// Record feeds one attempt outcome into the rolling window and applies state
// transitions.
func (b *Breaker) Record(failure bool) {
	b.mu.Lock()

	var from, to BreakerState
	changed := false

	switch b.stateLocked() {
	case BreakerHalfOpen:
		from = BreakerHalfOpen
		if failure {
			to = BreakerOpen
			b.openedAt = b.now()
		} else {
			to = BreakerClosed
			b.reset()
		}
		b.state = to
		b.probing = false
		changed = true

	case BreakerClosed:
		b.window[b.idx] = failure
		b.idx = (b.idx + 1) % len(b.window)
		if b.filled < len(b.window) {
			b.filled++
		}
		// The trip decision only applies to a full window; counting the
		// whole ring is cheaper than tracking evictions.
		if b.filled == len(b.window) {
			b.failures = 0
			for _, f := range b.window {
				if f {
					b.failures++
				}
			}
			if float64(b.failures)/float64(len(b.window)) > b.cfg.Threshold {
				from, to = BreakerClosed, BreakerOpen
				b.state = BreakerOpen
				b.openedAt = b.now()
				b.reset()
				changed = true
			}
		}
	}

	b.mu.Unlock()

	if changed {
		b.onChange(from, to)
	}
}

func (b *Breaker) reset() {
	for i := range b.window {
		b.window[i] = false
	}
	b.idx, b.filled, b.failures = 0, 0, 0
}
