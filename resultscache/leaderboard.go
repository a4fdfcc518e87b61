// Package resultscache implements the multi-level leaderboard cache of
// spec §4.D: per-race, per-heat, per-class, and event-wide standings
// computed on demand, cached with a tri-state status, and invalidated in
// a cascade the Entity Store drives through the CacheInvalidator
// interface it defines.
package resultscache

import (
	"sort"

	"github.com/paddock/racecore/core"
)

// Standing is one pilot's computed result within a Leaderboard.
type Standing struct {
	PilotID     core.ID `json:"pilot_id"`
	Position    int     `json:"position"`
	Laps        int     `json:"laps"`
	BestLapTime float64 `json:"best_lap_time"` // ms, 0 if no completed lap
	TotalTime   float64 `json:"total_time"`    // ms, sum of non-deleted lap times
	Consecutive float64 `json:"consecutive"`   // ms, best N-consecutive-lap average
}

// Leaderboard is the artifact cached at every level.
type Leaderboard struct {
	Standings []Standing `json:"standings"`
}

// rankStandings orders standings per format's win condition (spec §4.G)
// and assigns Position. A pilot with zero laps is always ranked last,
// regardless of win condition, since they have nothing to compare.
func rankStandings(standings []Standing, cond core.WinCondition) []Standing {
	out := append([]Standing(nil), standings...)
	less := func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Laps == 0) != (b.Laps == 0) {
			return a.Laps != 0 // non-zero laps sorts first
		}
		if a.Laps == 0 && b.Laps == 0 {
			return a.PilotID < b.PilotID
		}
		switch cond {
		case core.WinFastestLap:
			return a.BestLapTime < b.BestLapTime
		case core.WinFastestConsecutive:
			return a.Consecutive < b.Consecutive
		case core.WinMostLaps, core.WinFirstToLapX:
			if a.Laps != b.Laps {
				return a.Laps > b.Laps
			}
			return a.TotalTime < b.TotalTime
		default:
			if a.Laps != b.Laps {
				return a.Laps > b.Laps
			}
			return a.BestLapTime < b.BestLapTime
		}
	}
	sort.SliceStable(out, less)
	for i := range out {
		out[i].Position = i + 1
	}
	return out
}

// bestConsecutive returns the lowest-sum average over any window of n
// consecutive, time-ordered lap times, or 0 if fewer than n laps exist.
func bestConsecutive(lapTimes []float64, n int) float64 {
	if n <= 0 || len(lapTimes) < n {
		return 0
	}
	best := 0.0
	for start := 0; start+n <= len(lapTimes); start++ {
		sum := 0.0
		for _, t := range lapTimes[start : start+n] {
			sum += t
		}
		avg := sum / float64(n)
		if best == 0 || avg < best {
			best = avg
		}
	}
	return best
}

// mergeStandings folds b's per-pilot figures into a's running totals,
// used when aggregating race leaderboards up into a heat, and heat
// leaderboards up into a class. Laps and TotalTime accumulate; BestLapTime
// and Consecutive keep the superior (lower) of the two sides.
func mergeStandings(into map[core.ID]*Standing, from []Standing) {
	for _, s := range from {
		cur, ok := into[s.PilotID]
		if !ok {
			cp := s
			into[s.PilotID] = &cp
			continue
		}
		cur.Laps += s.Laps
		cur.TotalTime += s.TotalTime
		if cur.BestLapTime == 0 || (s.BestLapTime != 0 && s.BestLapTime < cur.BestLapTime) {
			cur.BestLapTime = s.BestLapTime
		}
		if cur.Consecutive == 0 || (s.Consecutive != 0 && s.Consecutive < cur.Consecutive) {
			cur.Consecutive = s.Consecutive
		}
	}
}

func flattenStandings(m map[core.ID]*Standing) []Standing {
	out := make([]Standing, 0, len(m))
	for _, s := range m {
		out = append(out, *s)
	}
	return out
}
