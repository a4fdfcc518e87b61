// Package node defines the Node Interface adapter contract (component E,
// spec §4.E): the abstraction the rest of racecore uses to talk to
// receiver-node hardware, plus a Simulator standing in for real drivers.
package node

import "github.com/paddock/racecore/core"

// PassCallback receives one node's RF-gate crossing at an absolute
// monotonic timestamp (seconds) from the configured source.
type PassCallback func(index int, tsAbs float64, source core.LapSource)

// CrossingChangeCallback fires whenever a node enters or exits its
// detection window (RSSI above/below the enter/exit thresholds).
type CrossingChangeCallback func(index int)

// CaptureCallback fires when StartCaptureEnterAtLevel/
// StartCaptureExitAtLevel completes, reporting the captured level.
type CaptureCallback func(index int, isEnter bool, level int)

// State is the per-node observable state of spec §4.E.
type State struct {
	Index                int
	Frequency            int64
	EnterAtLevel         int
	ExitAtLevel          int
	CurrentRSSI          int
	CrossingFlag         bool
	HistoryValues        []int
	HistoryTimes         []float64
	CurrentPilotID       core.ID
	FirstCrossFlag       bool
	StartThreshLowerFlag bool
	StartThreshLowerTime float64
	UnderMinLapCount     int
}

// Adapter is the contract the rest of racecore depends on (spec §4.E);
// the core never knows whether it's talking to real hardware or
// Simulator. Every command is asynchronous from the caller's point of
// view only in that state changes are observed through callbacks fired
// on the FIFO queue (spec §5) — command methods themselves return once
// the adapter has accepted (not necessarily applied) the request.
type Adapter interface {
	SetFrequency(index int, hz int64) error
	SetEnterAtLevel(index int, level int) error
	SetExitAtLevel(index int, level int) error
	TransmitEnterAtLevel(index int, level int) error // non-persistent
	TransmitExitAtLevel(index int, level int) error  // non-persistent
	ForceEndCrossing(index int) error
	EnableCalibrationMode(index int) error
	SetRaceStatus(status core.RaceStatus) error
	StartCaptureEnterAtLevel(index int) error
	StartCaptureExitAtLevel(index int) error

	State(index int) (State, bool)
	NodeCount() int

	OnPassRecord(cb PassCallback)
	OnCrossingChange(cb CrossingChangeCallback)
	OnNewEnterOrExitAt(cb CaptureCallback)

	// Close stops the adapter's internal FIFO worker, if any.
	Close()
}
