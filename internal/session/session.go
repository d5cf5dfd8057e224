// Package session owns the synchronization machinery of one signed-in user:
// store, reconciler, pollers, change feed subscriptions and progress tracker.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"labsync/internal/changefeed"
	"labsync/internal/poller"
	"labsync/internal/progress"
	"labsync/internal/reconcile"
	"labsync/internal/state"
	"labsync/internal/util"
	"labsync/pkg/domain"
	"labsync/pkg/feed"
	"labsync/pkg/queue"
	"labsync/pkg/storage"
	"labsync/pkg/store"
)

// Enqueuer hands an uploaded report to the extraction pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID, reportID, filePath string) (queue.Job, error)
}

// Timing holds the polling and progress cadences.
type Timing struct {
	ReportActive      time.Duration
	Biomarkers        time.Duration
	ProgressTick      time.Duration
	ProgressRetention time.Duration
}

// Deps are the collaborators shared by every session. Feed, Objects and Queue
// are optional.
type Deps struct {
	Backend  store.Backend
	Feed     feed.Source
	Objects  storage.ObjectStore
	Queue    Enqueuer
	Progress *progress.Registry
	Timing   Timing
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Progress == nil {
		d.Progress = progress.NewRegistry()
	}
	if d.Timing.ReportActive <= 0 {
		d.Timing.ReportActive = 3 * time.Second
	}
	if d.Timing.Biomarkers <= 0 {
		d.Timing.Biomarkers = 30 * time.Second
	}
	if d.Logger == nil {
		d.Logger = util.NopLogger()
	}
	return d
}

// PollingStatus describes both pollers.
type PollingStatus struct {
	ReportsRunning     bool          `json:"reportsRunning"`
	ReportsInterval    time.Duration `json:"reportsInterval"`
	ReportsHeld        bool          `json:"reportsHeld"`
	BiomarkersRunning  bool          `json:"biomarkersRunning"`
	BiomarkersInterval time.Duration `json:"biomarkersInterval"`
}

// Session is the synchronized state of one user.
type Session struct {
	userID string
	deps   Deps
	log    *slog.Logger

	store      *state.Store
	rec        *reconcile.Reconciler
	reports    *poller.Adaptive[domain.LabReport]
	biomarkers *poller.Adaptive[domain.Biomarker]
	feed       *changefeed.Client
	tracker    *progress.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

func newSession(parent context.Context, userID string, deps Deps) *Session {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	log := util.Component(deps.Logger, "session").With("user_id", userID)
	s := &Session{
		userID: userID,
		deps:   deps,
		log:    log,
		store:  state.New(userID),
		ctx:    ctx,
		cancel: cancel,
	}
	s.rec = reconcile.New(s.store,
		reconcile.WithLogger(log),
		reconcile.OnReportDone(func(string) { s.biomarkers.Poller().Trigger() }),
	)

	reportPoller := poller.New(ctx, poller.Config[domain.LabReport]{
		Family:  domain.FamilyReports,
		UserID:  userID,
		Fetch:   deps.Backend.ListReports,
		Current: s.store.Reports,
		Apply:   s.rec.ApplyReport,
		Logger:  log,
	})
	s.reports = poller.NewAdaptive(reportPoller, userID, poller.ReportPolicy(deps.Timing.ReportActive), s.store.Reports)

	biomarkerPoller := poller.New(ctx, poller.Config[domain.Biomarker]{
		Family:  domain.FamilyBiomarkers,
		UserID:  userID,
		Fetch:   deps.Backend.ListBiomarkers,
		Current: s.store.Biomarkers,
		Apply:   s.rec.ApplyBiomarker,
		Logger:  log,
	})
	s.biomarkers = poller.NewAdaptive(biomarkerPoller, userID, poller.FixedPolicy[domain.Biomarker](deps.Timing.Biomarkers), s.store.Biomarkers)

	if deps.Feed != nil {
		s.feed = changefeed.NewClient(deps.Feed, log)
	}
	s.tracker = progress.NewTracker(deps.Progress, progress.Config{
		Tick:      deps.Timing.ProgressTick,
		Retention: deps.Timing.ProgressRetention,
		Logger:    log,
	})
	return s
}

// UserID is the signed-in user.
func (s *Session) UserID() string { return s.userID }

// Start subscribes both families, loads the initial snapshots, schedules
// polling and starts the store watcher. Subscribe and load failures are
// logged; the pollers recover.
func (s *Session) Start(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	s.startOnce.Do(func() {
		if s.feed != nil {
			s.subscribe()
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.reports.Poller().Refresh(gctx) })
		g.Go(func() error { return s.biomarkers.Poller().Refresh(gctx) })
		if err := g.Wait(); err != nil {
			s.log.Warn("initial load failed", "err", err)
		}

		s.observeReports()
		s.biomarkers.Evaluate()
		s.reports.Evaluate()

		changes, stop := s.store.Watch()
		s.wg.Add(1)
		go s.watch(changes, stop)
		s.log.Info("session started", "reports", s.store.ReportCollection().Len(), "biomarkers", s.store.BiomarkerCollection().Len())
	})
	return nil
}

func (s *Session) subscribe() {
	if _, err := changefeed.Subscribe(s.ctx, s.feed, s.userID, domain.FamilyReports, s.rec.ApplyReport); err != nil {
		s.log.Warn("subscribe reports failed", "err", err)
	}
	if _, err := changefeed.Subscribe(s.ctx, s.feed, s.userID, domain.FamilyBiomarkers, s.rec.ApplyBiomarker); err != nil {
		s.log.Warn("subscribe biomarkers failed", "err", err)
	}
}

// watch feeds report statuses to the tracker and re-evaluates the report
// polling policy after every store change.
func (s *Session) watch(changes <-chan struct{}, stop func()) {
	defer s.wg.Done()
	defer stop()
	var lastVersion uint64
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
		}
		v := s.store.ReportCollection().Version()
		if v == lastVersion {
			continue
		}
		lastVersion = v
		s.observeReports()
		s.reports.Evaluate()
	}
}

func (s *Session) observeReports() {
	for _, r := range s.store.Reports() {
		s.tracker.Observe(r.ID, r.ExtractionStatus)
	}
}

// Reports returns the user's reports, newest first.
func (s *Session) Reports() []domain.LabReport { return s.store.Reports() }

// Report returns one report.
func (s *Session) Report(id string) (domain.LabReport, bool) { return s.store.Report(id) }

// Biomarkers returns every biomarker ordered for trend display.
func (s *Session) Biomarkers() []domain.Biomarker { return s.store.Biomarkers() }

// Biomarker returns one biomarker.
func (s *Session) Biomarker(id string) (domain.Biomarker, bool) {
	return s.store.BiomarkerCollection().Get(id)
}

// BiomarkersForReport returns the biomarkers extracted from one report.
func (s *Session) BiomarkersForReport(reportID string) []domain.Biomarker {
	return s.store.BiomarkersForReport(reportID)
}

// Progress returns the displayed extraction percentage for a report.
func (s *Session) Progress(reportID string) int { return s.tracker.Progress(reportID) }

// Watch notifies after every store change; call the func to stop.
func (s *Session) Watch() (<-chan struct{}, func()) { return s.store.Watch() }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Refresh fetches both families now. The error is meant for the user.
func (s *Session) Refresh(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.reports.Refresh(gctx) })
	g.Go(func() error { return s.biomarkers.Refresh(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

// RefreshAndStop refreshes both families and holds report polling stopped
// until ResumePolling or a new report appears. Biomarkers keep their cadence.
func (s *Session) RefreshAndStop(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.reports.RefreshAndStop(gctx) })
	g.Go(func() error { return s.biomarkers.Refresh(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

// ResumePolling releases a RefreshAndStop hold.
func (s *Session) ResumePolling() PollingStatus {
	if s.ctx.Err() == nil {
		s.reports.Resume()
	}
	return s.Polling()
}

// Polling reports the state of both pollers.
func (s *Session) Polling() PollingStatus {
	rp, bp := s.reports.Poller(), s.biomarkers.Poller()
	return PollingStatus{
		ReportsRunning:     rp.Running(),
		ReportsInterval:    rp.Interval(),
		ReportsHeld:        s.reports.Held(),
		BiomarkersRunning:  bp.Running(),
		BiomarkersInterval: bp.Interval(),
	}
}

// Close stops timers, subscriptions and the watcher. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.feed != nil {
			s.feed.Close()
		}
		s.reports.Stop()
		s.biomarkers.Stop()
		s.wg.Wait()
		s.tracker.Close()
		s.log.Info("session closed")
	})
}
