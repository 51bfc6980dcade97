// Package retry evaluates backoff policies for failed job firings. The
// evaluator is stateless: the scheduler owns the consecutive-failure
// counter and asks what follows from it.
package retry

import (
	"fmt"
	"time"
)

// Policy governs backoff between failed attempts of one scheduled firing.
// It is independent of the schedule itself: retries never consume or shift
// the next regularly scheduled slot.
type Policy struct {
	MaxRetries  int           // additional attempts after the first failure
	Delay       time.Duration // base delay between attempts
	Exponential bool          // double the delay per consecutive failure
}

func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry delay must be >= 0, got %s", p.Delay)
	}
	return nil
}

// NextDelay returns the backoff before the next retry given the number of
// consecutive failures so far (not counting the one being handled), or
// false when the policy is exhausted and the job should give up until its
// next natural slot.
func (p Policy) NextDelay(failures int) (time.Duration, bool) {
	if failures >= p.MaxRetries {
		return 0, false
	}
	if !p.Exponential {
		return p.Delay, true
	}
	d := p.Delay
	for i := 0; i < failures; i++ {
		d *= 2
	}
	return d, true
}
