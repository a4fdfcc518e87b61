package timesrc

import (
	"testing"
	"time"

	"github.com/paddock/racecore/eventbus"
)

type fakeChecker struct{ started bool }

func (f *fakeChecker) AnyRacesStarted() bool { return f.started }

func TestToEpochMillisUsesCapturedOffset(t *testing.T) {
	s := New(eventbus.New())
	mt := s.Now()
	got := s.ToEpochMillis(mt)
	now := time.Now().UnixMilli()
	if diff := got - now; diff > 1000 || diff < -1000 {
		t.Fatalf("expected ToEpochMillis(now) to be within 1s of wall clock, diff=%dms", diff)
	}
}

func TestStopIsIdempotentWhileWatcherRuns(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)
	checker := &fakeChecker{}

	var offsetChanges int
	bus.Subscribe(eventbus.TimeOffsetChange, func(any) { offsetChanges++ })

	s.StartWatcher(checker)
	defer s.Stop()

	checker.started = true
	// Give the watcher goroutine a chance to observe the flip on its next
	// tick; this test only asserts Stop is safe to call concurrently and
	// idempotently, since the 10s tick interval makes asserting the
	// goroutine's exit within a unit test impractical without exposing
	// internal timing hooks.
	s.Stop()
	s.Stop()
}

func TestOffsetIsStableAcrossReads(t *testing.T) {
	s := New(eventbus.New())
	a := s.Offset()
	b := s.Offset()
	if a != b {
		t.Fatalf("expected stable offset absent a resync, got %d then %d", a, b)
	}
}
