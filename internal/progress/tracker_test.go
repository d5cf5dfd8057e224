package progress

import (
	"sync"
	"testing"
	"time"

	"labsync/pkg/domain"
)

func newTestTracker(t *testing.T, reg *Registry) *Tracker {
	t.Helper()
	tr := NewTracker(reg, Config{Tick: time.Millisecond})
	t.Cleanup(tr.Close)
	return tr
}

func waitProgress(t *testing.T, tr *Tracker, id string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Progress(id) >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("progress of %s: want>=%d got=%d", id, want, tr.Progress(id))
}

func TestPendingPendingProcessingScenario(t *testing.T) {
	tr := NewTracker(NewRegistry(), Config{Tick: 10 * time.Millisecond})
	defer tr.Close()

	tr.Observe("x", domain.StatusPending)
	if got := tr.Progress("x"); got < 10 || got > 15 {
		t.Fatalf("pending should jump to 10, got %d", got)
	}
	first := tr.active("x")
	if first == nil || first.ceiling != 15 {
		t.Fatalf("expected a fill toward 15, got %+v", first)
	}

	tr.Observe("x", domain.StatusPending)
	if second := tr.active("x"); second != first && second != nil {
		t.Fatalf("unchanged status must not start a new fill")
	}

	before := tr.Progress("x")
	tr.Observe("x", domain.StatusProcessing)
	third := tr.active("x")
	if third == nil || third == first || third.ceiling != 95 {
		t.Fatalf("processing should start a fill toward 95, got %+v", third)
	}
	select {
	case <-first.stop:
	default:
		t.Fatalf("pending fill should have been cancelled")
	}
	if got := tr.Progress("x"); got < before || got < 16 {
		t.Fatalf("continuation below displayed value: before=%d got=%d", before, got)
	}
}

func TestFillStopsAtCeiling(t *testing.T) {
	tr := newTestTracker(t, NewRegistry())
	tr.Observe("x", domain.StatusPending)
	waitProgress(t, tr, "x", 15)
	time.Sleep(20 * time.Millisecond)
	if got := tr.Progress("x"); got != 15 {
		t.Fatalf("pending must stop at 15, got %d", got)
	}
	if tr.active("x") != nil {
		t.Fatalf("fill should end at the ceiling")
	}
}

func TestProgressMonotonicThroughRun(t *testing.T) {
	tr := newTestTracker(t, NewRegistry())
	var (
		mu      sync.Mutex
		samples []int
		stop    = make(chan struct{})
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			v := tr.Progress("r")
			mu.Lock()
			samples = append(samples, v)
			mu.Unlock()
			time.Sleep(200 * time.Microsecond)
		}
	}()

	tr.Observe("r", domain.StatusPending)
	time.Sleep(5 * time.Millisecond)
	tr.Observe("r", domain.StatusProcessing)
	time.Sleep(20 * time.Millisecond)
	tr.Observe("r", domain.StatusSaving)
	time.Sleep(5 * time.Millisecond)
	tr.Observe("r", domain.StatusDone)
	time.Sleep(2 * time.Millisecond)
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(samples); i++ {
		if samples[i] < samples[i-1] {
			t.Fatalf("progress decreased at sample %d: %d -> %d", i, samples[i-1], samples[i])
		}
	}
	if got := tr.Progress("r"); got != 100 {
		t.Fatalf("done should show 100, got %d", got)
	}
}

func TestSavingStartsAtLeast96(t *testing.T) {
	tr := newTestTracker(t, NewRegistry())
	tr.Observe("r", domain.StatusProcessing)
	tr.Observe("r", domain.StatusSaving)
	if got := tr.Progress("r"); got < 96 || got > 99 {
		t.Fatalf("saving should continue from 96, got %d", got)
	}
}

func TestFailureDropsToZero(t *testing.T) {
	for _, status := range []domain.ExtractionStatus{domain.StatusError, domain.StatusUnsupported} {
		tr := newTestTracker(t, NewRegistry())
		tr.Observe("r", domain.StatusProcessing)
		waitProgress(t, tr, "r", 20)
		tr.Observe("r", status)
		if got := tr.Progress("r"); got != 0 {
			t.Fatalf("%s: want 0 got %d", status, got)
		}
		if tr.active("r") != nil {
			t.Fatalf("%s: terminal status must not fill", status)
		}
	}
}

func TestNewRunRestartsAfterTerminal(t *testing.T) {
	tr := newTestTracker(t, NewRegistry())
	tr.Observe("r", domain.StatusDone)
	tr.Observe("r", domain.StatusPending)
	if got := tr.Progress("r"); got < 10 || got > 15 {
		t.Fatalf("re-run should restart at pending, got %d", got)
	}
}

func TestRegistrySurvivesRemount(t *testing.T) {
	reg := NewRegistry()
	first := NewTracker(reg, Config{Tick: time.Millisecond})
	first.Observe("r", domain.StatusProcessing)
	waitProgress(t, first, "r", 30)
	first.Close()
	held := first.Progress("r")

	second := newTestTracker(t, reg)
	if got := second.Progress("r"); got != held {
		t.Fatalf("remounted tracker lost progress: want=%d got=%d", held, got)
	}
	second.Observe("r", domain.StatusProcessing)
	if second.active("r") == nil {
		t.Fatalf("unchanged status after remount should resume the stopped fill")
	}
	waitProgress(t, second, "r", held+1)
}

func TestCloseEvictsStaleEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	reg := NewRegistry(WithClock(clock))
	tr := NewTracker(reg, Config{Tick: time.Hour})
	tr.Observe("old", domain.StatusDone)

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	tr.Observe("fresh", domain.StatusDone)
	tr.Close()
	tr.Close()

	if _, ok := reg.Get("old"); ok {
		t.Fatalf("entry older than retention should be evicted")
	}
	if _, ok := reg.Get("fresh"); !ok {
		t.Fatalf("recent entry should be kept")
	}
	tr.Observe("late", domain.StatusPending)
	if reg.Len() != 1 {
		t.Fatalf("closed tracker must ignore observations")
	}
}

func TestCloseKeepsParkedPendingEntry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	reg := NewRegistry(WithClock(clock))
	first := NewTracker(reg, Config{Tick: time.Millisecond})
	first.Observe("r", domain.StatusPending)
	waitProgress(t, first, "r", 15)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	first.Close()

	e, ok := reg.Get("r")
	if !ok || e.Value != 15 {
		t.Fatalf("parked entry: want=15 got=%+v ok=%v", e, ok)
	}
	second := newTestTracker(t, reg)
	second.Observe("r", domain.StatusPending)
	if got := second.Progress("r"); got != 15 {
		t.Fatalf("remounted progress: want=15 got=%d", got)
	}
}
