package progress

import (
	"log/slog"
	"sync"
	"time"

	"labsync/internal/util"
	"labsync/pkg/domain"
)

const (
	DefaultTick      = 100 * time.Millisecond
	DefaultRetention = 5 * time.Minute
)

// phase is the display range of a status. Each step adds one percent every
// `every` ticks until ceiling.
type phase struct {
	floor   int
	ceiling int
	every   int
}

var phases = map[domain.ExtractionStatus]phase{
	domain.StatusPending:    {floor: 10, ceiling: 15, every: 4},
	domain.StatusProcessing: {floor: 16, ceiling: 95, every: 2},
	// 96 to 99 over roughly four seconds at the default tick.
	domain.StatusSaving: {floor: 96, ceiling: 99, every: 13},
}

// Config configures a Tracker.
type Config struct {
	Tick      time.Duration
	Retention time.Duration
	Logger    *slog.Logger
}

type fill struct {
	status  domain.ExtractionStatus
	ceiling int
	stop    chan struct{}
}

// Tracker animates progress values in a Registry from observed statuses.
type Tracker struct {
	reg       *Registry
	tick      time.Duration
	retention time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	fills  map[string]*fill
	closed bool
	wg     sync.WaitGroup
}

func NewTracker(reg *Registry, cfg Config) *Tracker {
	if reg == nil {
		reg = NewRegistry()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NopLogger()
	}
	return &Tracker{
		reg:       reg,
		tick:      cfg.Tick,
		retention: cfg.Retention,
		log:       cfg.Logger,
		fills:     map[string]*fill{},
	}
}

// Observe records the latest status of a report. An unchanged status keeps
// the running fill; a changed one restarts filling from no lower than the
// displayed value toward the new ceiling.
func (t *Tracker) Observe(reportID string, status domain.ExtractionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || reportID == "" {
		return
	}
	prev, known := t.reg.Get(reportID)

	if known && prev.Status == status {
		if t.fills[reportID] == nil {
			t.startFillLocked(reportID, status, prev.Value)
		}
		return
	}

	t.stopFillLocked(reportID)
	current := prev.Value
	if !known || prev.Status.Terminal() {
		// a new run starts from scratch
		current = 0
	}

	switch status {
	case domain.StatusDone:
		t.reg.set(reportID, 100, status)
	case domain.StatusError, domain.StatusUnsupported:
		t.reg.set(reportID, 0, status)
	default:
		ph, ok := phases[status]
		if !ok {
			t.log.Debug("ignoring unknown status", "report_id", reportID, "status", string(status))
			return
		}
		start := max(current, ph.floor)
		t.reg.set(reportID, start, status)
		t.startFillLocked(reportID, status, start)
	}
}

// Progress returns the displayed percentage for a report, 0 when unknown.
func (t *Tracker) Progress(reportID string) int {
	e, _ := t.reg.Get(reportID)
	return e.Value
}

// Close stops every fill and evicts finished entries past retention. The registry
// keeps the rest for the next tracker.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id := range t.fills {
		t.stopFillLocked(id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	if n := t.reg.Evict(t.retention); n > 0 {
		t.log.Debug("evicted progress entries", "count", n)
	}
}

func (t *Tracker) startFillLocked(reportID string, status domain.ExtractionStatus, from int) {
	ph, ok := phases[status]
	if !ok || from >= ph.ceiling {
		return
	}
	f := &fill{status: status, ceiling: ph.ceiling, stop: make(chan struct{})}
	t.fills[reportID] = f
	t.wg.Add(1)
	go t.run(reportID, f, time.Duration(ph.every)*t.tick)
}

func (t *Tracker) stopFillLocked(reportID string) {
	if f := t.fills[reportID]; f != nil {
		close(f.stop)
		delete(t.fills, reportID)
	}
}

func (t *Tracker) run(reportID string, f *fill, every time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		if t.fills[reportID] != f {
			t.mu.Unlock()
			return
		}
		e, _ := t.reg.Get(reportID)
		next := min(e.Value+1, f.ceiling)
		t.reg.set(reportID, next, f.status)
		if next >= f.ceiling {
			delete(t.fills, reportID)
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
}
