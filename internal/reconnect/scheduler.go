// Package reconnect decides whether and when a dropped stream connection is
// retried. Delays grow exponentially with jitter up to a cap; after the retry
// ceiling the scheduler reports exhaustion instead of arming another timer.
package reconnect

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy holds the backoff parameters.
type Policy struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64
	MaxAttempts    int
}

// Delay returns the un-jittered delay for the given attempt (0-based):
// min(Base*2^attempt, Cap).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// jittered adds uniform jitter in [0, d*JitterFraction].
func (p Policy) jittered(d time.Duration, rng *rand.Rand) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	span := time.Duration(float64(d) * p.JitterFraction)
	if span <= 0 {
		return d
	}
	return d + time.Duration(rng.Int63n(int64(span)+1))
}

// Scheduler arms at most one retry timer at a time. Every timer firing is
// tagged with the stream-handle generation it applies to, so a consumer can
// drop firings that outlived their handle.
type Scheduler struct {
	policy Policy
	// retry is invoked when a timer fires; exhausted when the ceiling is hit.
	retry     func(gen uuid.UUID, attempt int)
	exhausted func(gen uuid.UUID)

	mu       sync.Mutex
	attempts int
	timer    *timerHandle
	rng      *rand.Rand
}

// timerHandle lets a pending timer be invalidated without racing its firing.
type timerHandle struct {
	timer   *time.Timer
	stopped bool
}

// NewScheduler creates a scheduler. retry fires on the scheduler's timer
// goroutine; exhausted is called synchronously from Failure.
func NewScheduler(policy Policy, retry func(gen uuid.UUID, attempt int), exhausted func(gen uuid.UUID)) *Scheduler {
	return &Scheduler{
		policy:    policy,
		retry:     retry,
		exhausted: exhausted,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Attempts reports the failure count of the current episode.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Failure records a failed or dropped connection for the given handle
// generation and arms the next retry timer. Returns false when the ceiling
// was reached, in which case exhausted has been reported and no timer is
// pending.
func (s *Scheduler) Failure(gen uuid.UUID) bool {
	s.mu.Lock()

	s.stopTimerLocked()

	if s.attempts >= s.policy.MaxAttempts {
		s.mu.Unlock()
		slog.Info("Reconnect ceiling reached", "generation", gen, "attempts", s.attempts)
		s.exhausted(gen)
		return false
	}

	attempt := s.attempts
	s.attempts++
	delay := s.policy.jittered(s.policy.Delay(attempt), s.rng)

	handle := &timerHandle{}
	handle.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := handle.stopped
		s.mu.Unlock()
		if stale {
			return
		}
		s.retry(gen, attempt)
	})
	s.timer = handle
	s.mu.Unlock()

	slog.Debug("Reconnect scheduled", "generation", gen, "attempt", attempt, "delay", delay)
	return true
}

// Success resets the episode after a connection reached Connected.
func (s *Scheduler) Success() {
	s.reset()
}

// Cancel clears any pending retry on an explicit user stop or channel
// switch.
func (s *Scheduler) Cancel() {
	s.reset()
}

func (s *Scheduler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.attempts = 0
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.stopped = true
		s.timer.timer.Stop()
		s.timer = nil
	}
}
