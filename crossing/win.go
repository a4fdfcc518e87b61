package crossing

import (
	"sort"
	"time"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

// considerationWindow is how long the FastestLap/FastestConsecutive
// evaluator waits after a tentative declaration for a later-arriving lap
// from another pilot to overturn it (spec §4.F). The distilled spec
// names the window as a configurable "max_consideration" but never gives
// a default; 3s matches original_source/server.py's
// "consider laps from other nodes for this long" constant.
const considerationWindow = 3 * time.Second

// Win is the payload published on eventbus.RaceWin.
type Win struct {
	PilotID core.ID
	LapID   core.ID
	Status  core.WinStatus
}

func computeLiveResults(cur *core.CurrentRace) []core.Result {
	var out []core.Result
	for node, laps := range cur.NodeLaps {
		binding := cur.NodeBindings[node]
		if !binding.IsAssigned() && !binding.IsPractice() {
			continue
		}
		var count int
		total := 0.0
		fastest := -1.0
		for _, l := range laps {
			if l.Deleted {
				continue
			}
			count++
			total += l.LapTime
			if fastest < 0 || l.LapTime < fastest {
				fastest = l.LapTime
			}
		}
		if fastest < 0 {
			fastest = 0
		}
		out = append(out, core.Result{
			PilotID:    binding.PilotID(),
			NodeIndex:  node,
			LapCount:   count,
			TotalTime:  total,
			FastestLap: fastest,
		})
	}
	sortResults(out, cur)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// sortResults orders by lapCount desc, totalTime asc (the MostLaps
// ordering, also a reasonable default display order for other win
// conditions); ties break on lowest node index, then lowest pilot id,
// per spec §4.F's win-algorithm tie-break rule.
func sortResults(results []core.Result, cur *core.CurrentRace) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if cur.Format != nil && cur.Format.WinCondition == core.WinFastestLap {
			if a.FastestLap != b.FastestLap {
				return a.FastestLap < b.FastestLap
			}
		} else {
			if a.LapCount != b.LapCount {
				return a.LapCount > b.LapCount
			}
			if a.TotalTime != b.TotalTime {
				return a.TotalTime < b.TotalTime
			}
		}
		if a.NodeIndex != b.NodeIndex {
			return a.NodeIndex < b.NodeIndex
		}
		return a.PilotID < b.PilotID
	})
}

// sortedNodeIndices returns cur.NodeLaps' keys in ascending order, giving
// map-iteration-derived decisions (like a multi-node simultaneous
// FirstToLapX finish) the node-index tie-break spec §4.F requires.
func sortedNodeIndices(m map[int][]*core.SavedLap) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// declare evaluates cur's win condition in place. atFinish gates
// MostLaps/FastestLap/FastestConsecutive, which only ever evaluate at
// countdown expiry; FirstToLapX evaluates on every call since reaching
// the target lap count can happen mid-race.
func declare(cur *core.CurrentRace, atFinish bool) (window time.Duration, declared bool) {
	if cur.Format == nil || cur.WinStatus == core.WinStatusDeclared {
		return 0, false
	}
	switch cur.Format.WinCondition {
	case core.WinNone:
		return 0, false
	case core.WinFirstToLapX:
		for _, node := range sortedNodeIndices(cur.NodeLaps) {
			count := 0
			var lastID core.ID
			for _, l := range cur.NodeLaps[node] {
				if !l.Deleted {
					count++
					lastID = l.ID
				}
			}
			if count >= cur.Format.NumberLapsWin {
				cur.WinStatus = core.WinStatusDeclared
				cur.WinningPilot = cur.NodeBindings[node].PilotID()
				cur.WinningLapID = lastID
				cur.StatusMessage = ""
				return 0, true
			}
		}
		return 0, false
	case core.WinMostLaps:
		if !atFinish {
			return 0, false
		}
		return declareMostLaps(cur)
	case core.WinFastestLap, core.WinFastestConsecutive:
		if !atFinish {
			return 0, false
		}
		return declareFastest(cur)
	}
	return 0, false
}

func declareMostLaps(cur *core.CurrentRace) (time.Duration, bool) {
	results := computeLiveResults(cur)
	if len(results) == 0 {
		return 0, false
	}
	if len(results) >= 2 && results[0].LapCount == results[1].LapCount && results[0].TotalTime == results[1].TotalTime {
		cur.WinStatus = core.WinStatusOvertime
		cur.StatusMessage = "tied on laps and time, continuing into overtime"
		return 0, false
	}
	winner := results[0]
	cur.WinStatus = core.WinStatusDeclared
	cur.WinningPilot = winner.PilotID
	cur.StatusMessage = ""
	return 0, true
}

func declareFastest(cur *core.CurrentRace) (time.Duration, bool) {
	var best *core.Result
	results := computeLiveResults(cur)
	for i := range results {
		r := &results[i]
		if r.LapCount == 0 {
			continue
		}
		if best == nil || r.FastestLap < best.FastestLap {
			best = r
		}
	}
	if best == nil {
		return 0, false
	}
	cur.WinStatus = core.WinStatusDeclared
	cur.WinningPilot = best.PilotID
	cur.StatusMessage = ""
	return considerationWindow, true
}

// checkWin runs the per-lap win check (FirstToLapX only) after a lap has
// just been appended, publishing RACE_WIN on a fresh declaration.
func (p *Processor) checkWin() {
	var win Win
	var fired bool
	p.race.Do(func(cur *core.CurrentRace) {
		if _, declared := declare(cur, false); declared {
			win = Win{PilotID: cur.WinningPilot, LapID: cur.WinningLapID, Status: cur.WinStatus}
			fired = true
		}
	})
	if fired {
		p.bus.Publish(eventbus.RaceWin, win)
	}
}

// CheckWinAtFinish runs the at-finish win evaluation (MostLaps/
// FastestLap/FastestConsecutive/FirstToLapX) for the race controller's
// expire step, returning any consideration window the controller sleeps
// through before its lap-grace wait and final Stop (which runs this
// evaluation once more).
func (p *Processor) CheckWinAtFinish() time.Duration {
	var window time.Duration
	var win Win
	var fired bool
	p.race.Do(func(cur *core.CurrentRace) {
		w, declared := declare(cur, true)
		window = w
		if declared {
			win = Win{PilotID: cur.WinningPilot, LapID: cur.WinningLapID, Status: cur.WinStatus}
			fired = true
		}
	})
	if fired {
		p.bus.Publish(eventbus.RaceWin, win)
	}
	return window
}

// ResetWinOnDeletion clears a stale declaration after a lap deletion that
// could reopen the race (spec §4.F: "a lap deletion that invalidates the
// prior declaration must reset winStatus to None and clear
// statusMessage").
func (p *Processor) ResetWinOnDeletion() {
	p.race.Do(func(cur *core.CurrentRace) {
		cur.WinStatus = core.WinStatusNone
		cur.WinningPilot = 0
		cur.WinningLapID = 0
		cur.StatusMessage = ""
	})
}
