package crossing

import (
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

// LapRecorded is the payload published on eventbus.RaceLapRecorded.
type LapRecorded struct {
	Node    int
	Lap     *core.SavedLap
	AllLaps []*core.SavedLap
	Results []core.Result
}

// PilotDone is the payload published on eventbus.RacePilotDone.
type PilotDone struct {
	Node    int
	PilotID core.ID
}

// processPass runs the 11-step pass pipeline of spec §4.F for one
// incoming (node, ts_abs, source) triple. It always executes under the
// shared RaceState lock so lap-numbering and win evaluation observe a
// consistent snapshot, but the win check that may block on a
// consideration window runs after the lock is released.
func (p *Processor) processPass(node int, tsAbs float64, source core.LapSource) {
	var (
		lap            *core.SavedLap
		recorded       bool
		laps           []*core.SavedLap
		results        []core.Result
		becamePilotDone bool
		pilotDoneFor   core.ID
		triggerWinCheck bool
	)

	p.race.Do(func(cur *core.CurrentRace) {
		// A mirror secondary records no passes of its own.
		if p.secondaryMode() == SecondaryMirror {
			p.logDrop(node, "mirror secondary")
			return
		}

		// Step 1: race must be live, and a Done race only accepts passes
		// up to its recorded end time.
		if cur.RaceStatus != core.RaceRacing && cur.RaceStatus != core.RaceDone {
			p.logDrop(node, "race not racing/done")
			return
		}
		if cur.RaceStatus == core.RaceDone && tsAbs > cur.EndTime {
			p.logDrop(node, "past race end time")
			return
		}

		// Step 2: a node with no pilot bound is dropped unless this is a
		// secondary-cluster recording or the heat is running in practice.
		binding := cur.NodeBindings[node]
		secondary := p.secondaryMode()
		if !binding.IsAssigned() && secondary != SecondarySplit && !binding.IsPractice() {
			p.logDrop(node, "no pilot bound")
			return
		}
		pilotID := binding.PilotID()

		// Step 3: passes before the official start are noise.
		if tsAbs < cur.StartTimeMonotonic {
			p.logDrop(node, "before start")
			return
		}

		// Step 4: a node under a temporary start-threshold-lowering window
		// gets its persistent levels restored once that window elapses;
		// scheduling the restoration itself is the race controller's arm
		// step (it owns the timer), this only clears the processor's own
		// bookkeeping flag once we observe we're past the window.
		if lowered, deadline := p.startThreshLowerDeadline(node); lowered && tsAbs >= deadline {
			p.clearStartThreshLower(node)
		}

		// Step 5: compute lapTimeStamp/lapTime off the node's active laps.
		active := cur.ActiveLaps(node)
		n := len(active)
		lapTimeStampMs := (tsAbs - cur.StartTimeMonotonic) * 1000
		var lapTime float64
		if n == 0 {
			lapTime = lapTimeStampMs
			p.markFirstCrossSeen(node)
		} else {
			lapTime = lapTimeStampMs - active[n-1].LapTimeStamp
		}

		format := cur.Format
		wasFinished := cur.NodeFinished[node]

		lap = &core.SavedLap{
			NodeIndex:    node,
			PilotID:      pilotID,
			RaceID:       0,
			LapTimeStamp: lapTimeStampMs,
			LapTime:      lapTime,
			Source:       source,
		}

		// Step 6: min-lap filter (skipped entirely for secondary-cluster
		// recording, which has no rules profile of its own).
		if n >= 1 && secondary != SecondarySplit && format != nil {
			minLapMs := p.store.GetOptionFloat(core.OptMinLapSec, 0) * 1000
			if lapTime < minLapMs {
				p.noteUnderMinLap(node)
				behavior := core.MinLapBehavior(p.store.GetOptionInt(core.OptMinLapBehavior, int(core.MinLapBehaviorNone)))
				if behavior == core.MinLapBehaviorDiscardShort {
					lap.Invalid = true
					lap.Deleted = true
					cur.NodeLaps[node] = append(cur.NodeLaps[node], lap)
					recorded = false
					return
				}
			}
		}

		// Step 7: grace filter — only meaningful in countdown mode.
		if format != nil && format.RaceMode == core.CountDown && format.LapGraceSec >= 0 {
			graceMs := float64(format.RaceTimeSec+format.LapGraceSec) * 1000
			if lapTimeStampMs > graceMs {
				p.logDrop(node, "past grace window")
				return
			}
		}

		// Step 8: pilot-done detection; publish on the false→true edge.
		if format != nil {
			raceTimeMs := float64(format.RaceTimeSec) * 1000
			switch {
			case format.RaceMode == core.CountDown && lapTimeStampMs > raceTimeMs:
				cur.NodeFinished[node] = true
			case format.WinCondition == core.WinFirstToLapX && n+1 >= format.NumberLapsWin:
				cur.NodeFinished[node] = true
			}
			if cur.NodeFinished[node] && !wasFinished {
				becamePilotDone = true
				pilotDoneFor = pilotID
			}
		}

		// Step 9: a node already finished before this pass gets its lap
		// kept for audit but excluded from scoring.
		if wasFinished {
			lap.Deleted = true
			lap.LateLap = true
		}

		// Step 10: once a FirstToLapX winner is declared in a
		// no-time-limit team race, every subsequent lap is late too.
		if format != nil && cur.WinStatus == core.WinStatusDeclared &&
			format.RaceMode == core.NoTimeLimit && format.TeamRacingMode &&
			format.WinCondition == core.WinFirstToLapX {
			lap.Deleted = true
			lap.LateLap = true
		}

		// Step 11: append, invalidate, publish, then schedule a win check.
		if !lap.Deleted {
			lap.LapNumber = n + 1
		}
		cur.NodeLaps[node] = append(cur.NodeLaps[node], lap)
		recorded = true
		laps = append([]*core.SavedLap(nil), cur.NodeLaps[node]...)
		results = computeLiveResults(cur)
		cur.Results = results
		triggerWinCheck = secondary != SecondarySplit
	})

	if becamePilotDone {
		p.bus.Publish(eventbus.RacePilotDone, PilotDone{Node: node, PilotID: pilotDoneFor})
	}
	if recorded {
		p.bus.Publish(eventbus.RaceLapRecorded, LapRecorded{Node: node, Lap: lap, AllLaps: laps, Results: results})
	}
	if triggerWinCheck {
		p.checkWin()
	}
}

// RecordSplit records an intermediate-gate crossing against the node's
// current lap without advancing lapNumber or running the win evaluator
// (SPEC_FULL.md's LapSplit supplement — multi-gate tracks need
// sub-lap timing without the full pass pipeline firing).
func (p *Processor) RecordSplit(node int, tsAbs float64) {
	p.race.Do(func(cur *core.CurrentRace) {
		if cur.RaceStatus != core.RaceRacing {
			return
		}
		binding := cur.NodeBindings[node]
		if !binding.IsAssigned() && !binding.IsPractice() {
			return
		}
		active := cur.ActiveLaps(node)
		if len(active) == 0 {
			return
		}
		parent := active[len(active)-1]
		lapTimeStampMs := (tsAbs - cur.StartTimeMonotonic) * 1000
		split := &core.LapSplit{
			ParentLapID:  parent.ID,
			NodeIndex:    node,
			PilotID:      binding.PilotID(),
			LapTimeStamp: lapTimeStampMs,
			SplitTime:    lapTimeStampMs - parent.LapTimeStamp,
		}
		cur.NodeSplits[node] = append(cur.NodeSplits[node], split)
	})
}

