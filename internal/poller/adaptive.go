package poller

import (
	"context"
	"sync"

	"labsync/pkg/domain"
)

// Adaptive drives a poller from a policy over the family's current records.
// Evaluate should run after every poll and every store change to the family.
type Adaptive[T domain.Record[T]] struct {
	poller  *Poller[T]
	policy  Policy[T]
	current func() []T

	mu     sync.Mutex
	userID string
	held   bool
	known  map[string]struct{}
}

func NewAdaptive[T domain.Record[T]](p *Poller[T], userID string, policy Policy[T], current func() []T) *Adaptive[T] {
	return &Adaptive[T]{poller: p, policy: policy, current: current, userID: userID}
}

// Poller exposes the driven poller.
func (a *Adaptive[T]) Poller() *Poller[T] { return a.poller }

// Evaluate starts, reschedules or stops the poller per the policy. While held
// by RefreshAndStop the poller stays stopped until an unknown id shows up.
func (a *Adaptive[T]) Evaluate() Schedule {
	records := a.current()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held {
		if a.known == nil || !a.hasNewIDLocked(records) {
			a.poller.Stop()
			return Schedule{}
		}
		a.held = false
		a.known = nil
	}
	sched := a.policy(records)
	if !sched.ShouldPoll {
		a.poller.Stop()
		return sched
	}
	if !a.poller.Running() || a.poller.Interval() != sched.Interval {
		a.poller.Start(a.userID, sched.Interval)
	}
	return sched
}

// Refresh fetches once and re-evaluates the schedule.
func (a *Adaptive[T]) Refresh(ctx context.Context) error {
	err := a.poller.Refresh(ctx)
	a.Evaluate()
	return err
}

// RefreshAndStop fetches once and holds the poller stopped.
func (a *Adaptive[T]) RefreshAndStop(ctx context.Context) error {
	// A nil known set holds unconditionally until the refresh has landed.
	a.mu.Lock()
	a.held = true
	a.known = nil
	a.mu.Unlock()

	err := a.poller.RefreshAndStop(ctx)
	known := make(map[string]struct{})
	for _, rec := range a.current() {
		known[rec.RecordID()] = struct{}{}
	}
	a.mu.Lock()
	if a.held {
		a.known = known
	}
	a.mu.Unlock()
	return err
}

// Resume releases a hold and re-evaluates.
func (a *Adaptive[T]) Resume() Schedule {
	a.mu.Lock()
	a.held = false
	a.known = nil
	a.mu.Unlock()
	return a.Evaluate()
}

// Held reports whether RefreshAndStop is holding the poller.
func (a *Adaptive[T]) Held() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held
}

// Stop halts polling without changing the hold.
func (a *Adaptive[T]) Stop() { a.poller.Stop() }

func (a *Adaptive[T]) hasNewIDLocked(records []T) bool {
	for _, rec := range records {
		if _, ok := a.known[rec.RecordID()]; !ok {
			return true
		}
	}
	return false
}
