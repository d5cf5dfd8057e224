// Package poller re-fetches full snapshots of a record family and diffs them
// against the state store, covering changes the realtime feed dropped.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"labsync/internal/util"
	"labsync/pkg/domain"
)

// Fetcher loads the full collection of a family for a user.
type Fetcher[T any] func(ctx context.Context, userID string) ([]T, error)

// Config wires a poller to its backend query and to the store.
type Config[T domain.Record[T]] struct {
	Family  domain.Family
	UserID  string
	Fetch   Fetcher[T]
	Current func() []T
	Apply   func(domain.Event[T])
	Logger  *slog.Logger
	// FetchTimeout bounds a single fetch; zero means 30s.
	FetchTimeout time.Duration
}

// Poller runs at most one timer. Ticks that fire while a fetch is in flight
// are skipped; manual refreshes wait for it instead. Records the store
// changed during a fetch are left alone by that fetch.
type Poller[T domain.Record[T]] struct {
	cfg  Config[T]
	base context.Context
	log  *slog.Logger

	mu       sync.Mutex
	userID   string
	interval time.Duration
	cancel   context.CancelFunc

	fetchMu sync.Mutex
	skipped atomic.Int64
	polls   atomic.Int64
}

// New builds a stopped poller. Cancelling ctx stops it for good.
func New[T domain.Record[T]](ctx context.Context, cfg Config[T]) *Poller[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = util.NopLogger()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Poller[T]{
		cfg:    cfg,
		base:   ctx,
		log:    logger.With("family", string(cfg.Family)),
		userID: cfg.UserID,
	}
}

// Start schedules polling for userID every interval. A running timer is
// cancelled and replaced.
func (p *Poller[T]) Start(userID string, interval time.Duration) {
	if interval <= 0 {
		p.Stop()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.base.Err() != nil {
		p.cancel = nil
		p.interval = 0
		return
	}
	ctx, cancel := context.WithCancel(p.base)
	p.cancel = cancel
	p.userID = userID
	p.interval = interval
	go p.loop(ctx, interval)
	p.log.Debug("polling started", "interval", interval.String())
}

// Stop cancels the timer. An in-flight fetch completes but starts nothing new.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.interval = 0
	p.log.Debug("polling stopped")
}

// Running reports whether a timer is scheduled.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Interval is the scheduled interval, zero when stopped.
func (p *Poller[T]) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Skipped counts ticks dropped because a fetch was in flight.
func (p *Poller[T]) Skipped() int64 { return p.skipped.Load() }

// Polls counts completed fetch attempts.
func (p *Poller[T]) Polls() int64 { return p.polls.Load() }

// Refresh fetches and reconciles once, outside the timer, and returns the
// fetch error.
func (p *Poller[T]) Refresh(ctx context.Context) error {
	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()
	return p.poll(ctx)
}

// RefreshAndStop refreshes, then stops the timer whatever the outcome.
func (p *Poller[T]) RefreshAndStop(ctx context.Context) error {
	err := p.Refresh(ctx)
	p.Stop()
	return err
}

// Trigger runs one refresh in the background. Failures are logged.
func (p *Poller[T]) Trigger() {
	go func() {
		if p.base.Err() != nil {
			return
		}
		if err := p.Refresh(p.base); err != nil {
			p.log.Warn("triggered refresh failed", "user_id", p.currentUser(), "err", err)
		}
	}()
}

func (p *Poller[T]) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick polls unless a fetch is already running. Errors are swallowed so the
// timer keeps its cadence.
func (p *Poller[T]) tick(ctx context.Context) {
	if !p.fetchMu.TryLock() {
		p.skipped.Add(1)
		p.log.Debug("poll skipped, fetch in flight")
		return
	}
	defer p.fetchMu.Unlock()
	if err := p.poll(ctx); err != nil {
		p.log.Warn("poll failed", "user_id", p.currentUser(), "err", err)
	}
}

func (p *Poller[T]) poll(ctx context.Context) error {
	defer p.polls.Add(1)
	userID := p.currentUser()
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	before := p.cfg.Current()
	fresh, err := p.cfg.Fetch(fetchCtx, userID)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", p.cfg.Family, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	events := DiffSince(before, p.cfg.Current(), fresh)
	for _, ev := range events {
		p.cfg.Apply(ev)
	}
	if len(events) > 0 {
		p.log.Debug("poll reconciled", "events", len(events))
	}
	return nil
}

func (p *Poller[T]) currentUser() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}
