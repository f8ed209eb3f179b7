// Package sniper times booking bursts against a wall-clock release instant.
// It knows nothing about venues or orders; the caller supplies warmup and
// attempt callbacks and the sniper decides when to invoke them.
package sniper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Clock abstracts wall time so the firing sequence is testable without
// real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

func RealClock() Clock { return realClock{} }

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseArmed     Phase = "armed"
	PhaseFiring    Phase = "firing"
	PhaseSucceeded Phase = "succeeded"
	PhaseExhausted Phase = "exhausted"
)

// WarmupFunc runs shortly before the fire instant: log in, resolve the
// target, prime caches. Its error is logged but never aborts the burst.
type WarmupFunc func(ctx context.Context) error

// AttemptFunc makes one booking attempt. done=true ends the burst.
type AttemptFunc func(ctx context.Context, attempt int) (done bool, err error)

type Config struct {
	// FireAt is the wall-clock release instant on the fire date.
	FireHour   int
	FireMinute int
	FireSecond int

	WarmupLead   time.Duration // how long before FireAt to run warmup
	PreWindow    time.Duration // start the burst this long before FireAt
	PostWindow   time.Duration // keep bursting until this long after FireAt
	AttemptDelay time.Duration // pause between attempts
	MaxAttempts  int

	RecurDaily bool
}

type Sniper struct {
	cfg   Config
	clock Clock
	log   *logrus.Entry

	phase Phase
}

func New(cfg Config, clock Clock, log *logrus.Entry) *Sniper {
	if clock == nil {
		clock = realClock{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sniper{cfg: cfg, clock: clock, log: log, phase: PhasePending}
}

func (s *Sniper) Phase() Phase { return s.phase }

// NextFire returns the next release instant at or after now, in now's
// location.
func (s *Sniper) NextFire(now time.Time) time.Time {
	fire := time.Date(now.Year(), now.Month(), now.Day(),
		s.cfg.FireHour, s.cfg.FireMinute, s.cfg.FireSecond, 0, now.Location())
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

// Run arms for the next release instant and fires. With RecurDaily it repeats
// until the context is cancelled; otherwise it returns after one cycle.
// Cancellation is honored while waiting but never interrupts a burst in
// progress: an abandoned half-fired burst can strand a held slot.
func (s *Sniper) Run(ctx context.Context, warmup WarmupFunc, attempt AttemptFunc) error {
	for {
		fire := s.NextFire(s.clock.Now())
		if err := s.runCycle(ctx, fire, warmup, attempt); err != nil {
			return err
		}
		if !s.cfg.RecurDaily {
			return nil
		}
		if s.phase == PhaseSucceeded {
			return nil
		}
		// wait out the rest of the fire second before rearming
		s.clock.Sleep(time.Second)
	}
}

func (s *Sniper) runCycle(ctx context.Context, fire time.Time, warmup WarmupFunc, attempt AttemptFunc) error {
	s.phase = PhaseArmed
	s.log.WithField("fire_at", fire.Format(time.RFC3339)).Info("armed")

	warmAt := fire.Add(-s.cfg.WarmupLead)
	if err := s.waitUntil(ctx, warmAt); err != nil {
		return err
	}
	if warmup != nil {
		if err := warmup(ctx); err != nil {
			s.log.WithError(err).Warn("warmup failed, firing anyway")
		}
	}

	if err := s.waitUntil(ctx, fire.Add(-s.cfg.PreWindow)); err != nil {
		return err
	}

	s.phase = PhaseFiring
	deadline := fire.Add(s.cfg.PostWindow)
	s.burst(ctx, deadline, attempt)
	return nil
}

func (s *Sniper) burst(ctx context.Context, deadline time.Time, attempt AttemptFunc) {
	for n := 1; ; n++ {
		done, err := attempt(ctx, n)
		if done {
			s.phase = PhaseSucceeded
			s.log.WithField("attempt", n).Info("burst succeeded")
			return
		}
		if err != nil {
			s.log.WithError(err).WithField("attempt", n).Warn("attempt failed")
		}
		if s.cfg.MaxAttempts > 0 && n >= s.cfg.MaxAttempts {
			break
		}
		if !s.clock.Now().Add(s.cfg.AttemptDelay).Before(deadline) {
			break
		}
		s.clock.Sleep(s.cfg.AttemptDelay)
	}
	s.phase = PhaseExhausted
	s.log.Info("burst exhausted")
}

// waitUntil sleeps toward t in two stages: coarse sleeps that never overshoot,
// then millisecond steps across the final stretch so the wakeup lands tight.
func (s *Sniper) waitUntil(ctx context.Context, t time.Time) error {
	const fineWindow = 50 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remain := t.Sub(s.clock.Now())
		if remain <= 0 {
			return nil
		}
		switch {
		case remain > time.Second:
			s.clock.Sleep(remain - 500*time.Millisecond)
		case remain > fineWindow:
			s.clock.Sleep(remain - fineWindow)
		default:
			s.clock.Sleep(time.Millisecond)
		}
	}
}
