// Package renewal runs the daily renewal scheduler: it fires once at
// startup after a grace period and then every 24 hours, feeding
// soon-to-expire domains back into the reconciler.
package renewal

import (
	"context"
	"time"
)

// Trigger is the subset of reconciler.Reconciler the scheduler depends
// on.
type Trigger interface {
	TriggerRenewal(ctx context.Context)
}

// DefaultGrace and DefaultInterval match spec.md §4.8: fire once at
// startup after ~1 minute, then every 24 hours. Not cron-aligned — wall
// clock drift is tolerable.
const (
	DefaultGrace    = time.Minute
	DefaultInterval = 24 * time.Hour
)

// Scheduler periodically triggers a renewal pass. Grounded on the
// teacher's Manager.afterRenew/Run loop (autocertdns.go): same
// time.After/select/ctx.Done() shape, generalized from "one next-expiry
// timestamp" to "a fixed daily cadence", since determining which
// certificates are near expiry is now the reconciler's job (it scans
// every stored certificate, not just one).
type Scheduler struct {
	trigger  Trigger
	grace    time.Duration
	interval time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGrace overrides the initial startup delay.
func WithGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithInterval overrides the recurring interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// New creates a Scheduler that triggers renewal passes on trigger.
func New(trigger Trigger, opts ...Option) *Scheduler {
	s := &Scheduler{
		trigger:  trigger,
		grace:    DefaultGrace,
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run blocks, firing TriggerRenewal after the initial grace period and
// then every interval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.trigger.TriggerRenewal(ctx)
			timer.Reset(s.interval)
		}
	}
}
