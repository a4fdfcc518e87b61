package node

import (
	"errors"
	"sync"

	"github.com/paddock/racecore/core"
)

// event is one entry on the FIFO work queue; the worker goroutine applies
// it to sim state and fires callbacks synchronously, one event at a time,
// so callback code never observes two passes interleaved (spec §5).
//
// The shape here (a tagged command/event struct drained by a single
// consumer goroutine off a buffered channel) mirrors the read-loop/
// dispatch split of toonknapen-accbroadcastingsdk's network.Buffer, which
// decodes one framed message at a time off a socket and dispatches it to
// a single registered handler before reading the next — translated from
// that package's byte-buffer framing into an in-process event struct,
// since Simulator has no wire protocol to decode.
type eventKind int

const (
	evPass eventKind = iota
	evCrossingChange
	evCapture
)

type event struct {
	kind    eventKind
	index   int
	tsAbs   float64
	source  core.LapSource
	isEnter bool
	level   int
}

// Simulator is an in-process mock Adapter: it accepts synthetic samples
// via Feed and turns them into the same callback stream a real driver
// would produce. It is both the automatic fallback when no hardware
// driver is configured (spec §7, Fatal error kind) and a test double for
// exercising crossing-processor behavior deterministically.
type Simulator struct {
	mu    sync.RWMutex
	nodes []State

	queue  chan event
	stopCh chan struct{}
	stopOnce sync.Once

	onPass     PassCallback
	onCross    CrossingChangeCallback
	onCapture  CaptureCallback

	status core.RaceStatus
}

// NewSimulator builds a Simulator with n nodes, each defaulting to the
// frequency at its index's slot in freqs (repeated/truncated as needed).
func NewSimulator(n int, freqs []int64) *Simulator {
	s := &Simulator{
		nodes:  make([]State, n),
		queue:  make(chan event, 256),
		stopCh: make(chan struct{}),
	}
	for i := range s.nodes {
		f := int64(5800)
		if len(freqs) > 0 {
			f = freqs[i%len(freqs)]
		}
		s.nodes[i] = State{Index: i, Frequency: f, EnterAtLevel: 90, ExitAtLevel: 80}
	}
	go s.run()
	return s
}

var errNoSuchNode = errors.New("node: no such node index")

func (s *Simulator) checkIndex(index int) error {
	if index < 0 || index >= len(s.nodes) {
		return errNoSuchNode
	}
	return nil
}

func (s *Simulator) SetFrequency(index int, hz int64) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.Lock()
	s.nodes[index].Frequency = hz
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetEnterAtLevel(index int, level int) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.Lock()
	s.nodes[index].EnterAtLevel = level
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetExitAtLevel(index int, level int) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.Lock()
	s.nodes[index].ExitAtLevel = level
	s.mu.Unlock()
	return nil
}

// TransmitEnterAtLevel pushes a level to the node without persisting it
// as the node's configured EnterAtLevel (spec §4.E); Simulator has no
// separate "applied, not saved" register, so it simply applies the level
// for the life of the process without writing it back to any profile.
func (s *Simulator) TransmitEnterAtLevel(index int, level int) error {
	return s.SetEnterAtLevel(index, level)
}

func (s *Simulator) TransmitExitAtLevel(index int, level int) error {
	return s.SetExitAtLevel(index, level)
}

func (s *Simulator) ForceEndCrossing(index int) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.Lock()
	s.nodes[index].CrossingFlag = false
	s.mu.Unlock()
	s.queue <- event{kind: evCrossingChange, index: index}
	return nil
}

func (s *Simulator) EnableCalibrationMode(index int) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.Lock()
	s.nodes[index].HistoryValues = nil
	s.nodes[index].HistoryTimes = nil
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetRaceStatus(status core.RaceStatus) error {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	return nil
}

// StartCaptureEnterAtLevel captures the node's current RSSI as its new
// enter-at threshold, reporting the result via onCapture once the FIFO
// queue drains the event (spec §4.E).
func (s *Simulator) StartCaptureEnterAtLevel(index int) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.RLock()
	level := s.nodes[index].CurrentRSSI
	s.mu.RUnlock()
	s.mu.Lock()
	s.nodes[index].EnterAtLevel = level
	s.mu.Unlock()
	s.queue <- event{kind: evCapture, index: index, isEnter: true, level: level}
	return nil
}

func (s *Simulator) StartCaptureExitAtLevel(index int) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.RLock()
	level := s.nodes[index].CurrentRSSI
	s.mu.RUnlock()
	s.mu.Lock()
	s.nodes[index].ExitAtLevel = level
	s.mu.Unlock()
	s.queue <- event{kind: evCapture, index: index, isEnter: false, level: level}
	return nil
}

func (s *Simulator) State(index int) (State, bool) {
	if s.checkIndex(index) != nil {
		return State{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.nodes[index]
	st.HistoryValues = append([]int(nil), st.HistoryValues...)
	st.HistoryTimes = append([]float64(nil), st.HistoryTimes...)
	return st, true
}

func (s *Simulator) NodeCount() int { return len(s.nodes) }

func (s *Simulator) OnPassRecord(cb PassCallback)             { s.onPass = cb }
func (s *Simulator) OnCrossingChange(cb CrossingChangeCallback) { s.onCross = cb }
func (s *Simulator) OnNewEnterOrExitAt(cb CaptureCallback)     { s.onCapture = cb }

// Feed injects a synthetic RSSI sample for a node, updating its rolling
// history and, when the sample crosses an enter/exit threshold, queuing
// the corresponding crossing-change and (on a completed pass) pass-record
// events. tsAbs is a monotonic-seconds timestamp.
func (s *Simulator) Feed(index int, rssi int, tsAbs float64, source core.LapSource) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.mu.Lock()
	n := &s.nodes[index]
	n.CurrentRSSI = rssi
	n.HistoryValues = append(n.HistoryValues, rssi)
	n.HistoryTimes = append(n.HistoryTimes, tsAbs)

	wasCrossing := n.CrossingFlag
	switch {
	case !wasCrossing && rssi >= n.EnterAtLevel:
		n.CrossingFlag = true
	case wasCrossing && rssi <= n.ExitAtLevel:
		n.CrossingFlag = false
	}
	nowCrossing := n.CrossingFlag
	s.mu.Unlock()

	if nowCrossing != wasCrossing {
		s.queue <- event{kind: evCrossingChange, index: index}
	}
	if wasCrossing && !nowCrossing {
		s.queue <- event{kind: evPass, index: index, tsAbs: tsAbs, source: source}
	}
	return nil
}

func (s *Simulator) run() {
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.queue:
			switch ev.kind {
			case evPass:
				if s.onPass != nil {
					s.onPass(ev.index, ev.tsAbs, ev.source)
				}
			case evCrossingChange:
				if s.onCross != nil {
					s.onCross(ev.index)
				}
			case evCapture:
				if s.onCapture != nil {
					s.onCapture(ev.index, ev.isEnter, ev.level)
				}
			}
		}
	}
}

func (s *Simulator) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
