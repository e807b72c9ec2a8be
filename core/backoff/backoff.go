package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// State is the position of a Backoff in its retry lifecycle
type State int

const (
	Idle State = iota
	Retrying
	GivenUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Retrying:
		return "retrying"
	case GivenUp:
		return "given_up"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Policy configures capped exponential backoff
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	Jitter     float64 // fraction of each delay that is randomized, 0..1
}

// DefaultPolicy starts at 2s, caps at one minute and gives up after 5 retries
func DefaultPolicy() Policy {
	return Policy{
		Base:       2 * time.Second,
		Max:        time.Minute,
		MaxRetries: 5,
		Jitter:     0.5,
	}
}

// Backoff is an explicit retry state machine: Idle -> Retrying(attempt, delay) -> GivenUp.
// It is not safe for concurrent use; each retried operation owns one.
type Backoff struct {
	policy  Policy
	state   State
	attempt int
	delay   time.Duration
	rand    func() float64
}

// New creates a Backoff in the Idle state
func New(policy Policy) *Backoff {
	if policy.Base <= 0 {
		policy.Base = time.Second
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	if policy.Jitter > 1 {
		policy.Jitter = 1
	}
	return &Backoff{policy: policy, rand: rand.Float64}
}

// WithRand replaces the jitter source, mostly for tests
func (b *Backoff) WithRand(fn func() float64) *Backoff {
	b.rand = fn
	return b
}

func (b *Backoff) State() State         { return b.state }
func (b *Backoff) Attempt() int         { return b.attempt }
func (b *Backoff) Delay() time.Duration { return b.delay }
func (b *Backoff) Policy() Policy       { return b.policy }

// Next records a failed attempt and returns the delay before the next one.
// It returns false once the retry budget is spent; the machine then stays in GivenUp.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.state == GivenUp {
		return 0, false
	}
	if b.attempt >= b.policy.MaxRetries {
		b.state = GivenUp
		b.delay = 0
		return 0, false
	}

	b.attempt++
	d := b.policy.Max
	if shift := b.attempt - 1; shift < 32 {
		if exp := b.policy.Base << uint(shift); exp > 0 && exp < b.policy.Max {
			d = exp
		}
	}
	if b.policy.Jitter > 0 {
		spread := time.Duration(float64(d) * b.policy.Jitter)
		d = d - spread + time.Duration(float64(spread)*b.rand())
	}

	b.state = Retrying
	b.delay = d
	return d, true
}

// Reset returns the machine to Idle after a success
func (b *Backoff) Reset() {
	b.state = Idle
	b.attempt = 0
	b.delay = 0
}

// ExhaustedError is returned by Retry when the budget ran out on a retryable error
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retry runs op until it succeeds, fails with a non-retryable error, ctx ends,
// or b gives up. Sleeps go through clock so tests never wait on real timers.
func Retry(ctx context.Context, clock Clock, b *Backoff, retryable func(error) bool, op func(context.Context) error) error {
	for {
		err := op(ctx)
		if err == nil {
			b.Reset()
			return nil
		}
		if !retryable(err) {
			return err
		}
		d, ok := b.Next()
		if !ok {
			return &ExhaustedError{Attempts: b.Attempt() + 1, Err: err}
		}
		if serr := clock.Sleep(ctx, d); serr != nil {
			return serr
		}
	}
}
