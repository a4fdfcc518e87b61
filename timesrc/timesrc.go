// Package timesrc implements the Time Source (component A, spec §4.A):
// a monotonic clock plus a monotonic-to-wall offset that is periodically
// re-synced until the first race starts, after which it is frozen so a
// race's recorded lap timestamps never shift under it mid-run.
package timesrc

import (
	"sync"
	"time"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/cmn/mono"
	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/eventbus"
)

const (
	watchInterval  = 10 * time.Second
	driftThreshold = 30 * time.Second
)

// AnyRacesStarted reports whether any race has started this process
// lifetime. race.Controller implements this; Source takes the interface
// rather than a concrete type so this package never imports race.
type AnyRacesStarted interface {
	AnyRacesStarted() bool
}

// Source is the Time Source singleton.
type Source struct {
	mu        sync.RWMutex
	offsetMs  int64 // epochMs - 1000*monotonicSeconds, per spec §4.A
	bus       *eventbus.Bus
	checker   AnyRacesStarted
	stop      cos.StopCh
	stoppedMu sync.Mutex
	stopped   bool
}

// New captures (epochMs₀, mt₀) and derives the initial offset.
func New(bus *eventbus.Bus) *Source {
	s := &Source{bus: bus}
	s.offsetMs = wallNowMs() - int64(mono.Seconds()*1000)
	return s
}

func wallNowMs() int64 { return time.Now().UnixMilli() }

// Now returns monotonic seconds elapsed since process start (spec §4.A).
func (*Source) Now() float64 { return mono.Seconds() }

// ToEpochMillis maps a monotonic-seconds reading to wall-clock epoch
// milliseconds using the current offset.
func (s *Source) ToEpochMillis(mt float64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsetMs + int64(mt*1000)
}

// Offset returns the current monotonic-to-wall offset in milliseconds.
func (s *Source) Offset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsetMs
}

// StartWatcher runs the 10s re-sync loop until checker reports a race has
// started, at which point the offset is frozen for the rest of the
// process lifetime (spec §4.A). Safe to call once; a second call is a
// no-op.
func (s *Source) StartWatcher(checker AnyRacesStarted) {
	s.stoppedMu.Lock()
	defer s.stoppedMu.Unlock()
	if s.stop.Listen() != nil {
		return
	}
	s.checker = checker
	s.stop.Init()
	go s.watch()
}

// Stop ends the watcher early (used at shutdown); idempotent.
func (s *Source) Stop() {
	s.stoppedMu.Lock()
	defer s.stoppedMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.stop.Close()
}

func (s *Source) watch() {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop.Listen():
			return
		case <-ticker.C:
			if s.checker != nil && s.checker.AnyRacesStarted() {
				nlog.Infoln("timesrc: a race has started, offset frozen")
				return
			}
			s.resyncIfDrifted()
		}
	}
}

// resyncIfDrifted recomputes the offset if the wall clock has jumped more
// than driftThreshold away from what the current offset predicts, and
// publishes the change so cluster peers can converge (spec §4.A).
func (s *Source) resyncIfDrifted() {
	mt := mono.Seconds()
	actualEpoch := wallNowMs()
	predictedEpoch := s.ToEpochMillis(mt)
	drift := actualEpoch - predictedEpoch
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Millisecond <= driftThreshold {
		return
	}

	newOffset := actualEpoch - int64(mt*1000)
	s.mu.Lock()
	s.offsetMs = newOffset
	s.mu.Unlock()

	nlog.Warningln("timesrc: wall clock drift detected, offset resynced, drift_ms =", drift)
	if s.bus != nil {
		s.bus.Publish(eventbus.TimeOffsetChange, newOffset)
	}
}
