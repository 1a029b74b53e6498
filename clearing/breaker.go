// Package clearing talks to the clearing simulator over HTTP and
// enlists it as the second two-phase-commit participant. All remote
// calls funnel through a circuit breaker so a dead simulator fails
// fast instead of tying up workers.
package clearing

import (
	"time"

	lock "github.com/viney-shih/go-lock"

	"minivisa/metrics"
)

// Breaker states.
const (
	CBClosed uint8 = iota
	CBOpen
	CBHalfOpen
)

var cbStateNames = []string{"CLOSED", "OPEN", "HALF_OPEN"}

func CBStateName(s uint8) string {
	if int(s) < len(cbStateNames) {
		return cbStateNames[s]
	}
	return "UNKNOWN"
}

// Breaker is a three-state circuit breaker. Failures inside a rolling
// window trip it OPEN; after the open period one trial request probes
// the backend (HALF_OPEN) and its outcome decides the next state.
type Breaker struct {
	latch lock.Mutex

	state      uint8
	failures   int
	windowFrom time.Time
	openedAt   time.Time
	probing    bool

	window     time.Duration
	threshold  int
	openPeriod time.Duration

	mtr *metrics.Metrics
	now func() time.Time
}

func NewBreaker(window time.Duration, threshold int, openPeriod time.Duration, mtr *metrics.Metrics) *Breaker {
	return &Breaker{
		latch:      lock.NewCASMutex(),
		state:      CBClosed,
		window:     window,
		threshold:  threshold,
		openPeriod: openPeriod,
		mtr:        mtr,
		now:        time.Now,
	}
}

func (b *Breaker) State() uint8 {
	b.latch.Lock()
	defer b.latch.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. In HALF_OPEN only one
// probe is admitted at a time; everyone else is short-circuited until
// the probe resolves.
func (b *Breaker) Allow() bool {
	b.latch.Lock()
	defer b.latch.Unlock()
	switch b.state {
	case CBClosed:
		return true
	case CBOpen:
		if b.now().Sub(b.openedAt) < b.openPeriod {
			b.mtr.IncCBShortCircuit()
			return false
		}
		b.state = CBHalfOpen
		b.probing = true
		return true
	default: // CBHalfOpen
		if b.probing {
			b.mtr.IncCBShortCircuit()
			return false
		}
		b.probing = true
		return true
	}
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.latch.Lock()
	defer b.latch.Unlock()
	b.state = CBClosed
	b.failures = 0
	b.probing = false
}

// OnFailure records a failed call. The failure counter resets when the
// rolling window has elapsed; crossing the threshold opens the circuit.
func (b *Breaker) OnFailure() {
	b.latch.Lock()
	defer b.latch.Unlock()
	now := b.now()
	if b.state == CBHalfOpen {
		b.trip(now)
		return
	}
	if b.failures == 0 || now.Sub(b.windowFrom) > b.window {
		b.failures = 0
		b.windowFrom = now
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = CBOpen
	b.openedAt = now
	b.failures = 0
	b.probing = false
}
