package crossing

import (
	"testing"
	"time"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/resultscache"
	"github.com/paddock/racecore/store"
)

func newTestProcessor(t *testing.T) (*Processor, *core.RaceState, *node.Simulator, *store.Store, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	st, err := store.Open(":memory:", bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cache := resultscache.New(st)
	sim := node.NewSimulator(2, []int64{5658, 5695})
	t.Cleanup(sim.Close)
	race := core.NewRaceState()
	p := New(race, st, cache, bus, sim)
	t.Cleanup(p.Stop)
	return p, race, sim, st, bus
}

func startRacingWith(race *core.RaceState, format *core.Format) {
	race.Do(func(cur *core.CurrentRace) {
		cur.RaceStatus = core.RaceRacing
		cur.Format = format
		cur.StartTimeMonotonic = 0
		cur.NodeBindings[0] = core.Assigned(core.ID(1))
		cur.NodeBindings[1] = core.Assigned(core.ID(2))
	})
}

func TestFirstLapUsesTimeStampAsLapTime(t *testing.T) {
	p, race, sim, _, bus := newTestProcessor(t)
	format := &core.Format{RaceMode: core.NoTimeLimit, WinCondition: core.WinNone}
	startRacingWith(race, format)

	recorded := make(chan LapRecorded, 1)
	bus.Subscribe(eventbus.RaceLapRecorded, func(payload any) {
		recorded <- payload.(LapRecorded)
	})

	if err := sim.Feed(0, 95, 1.0, core.SourceRF); err != nil {
		t.Fatalf("feed enter: %v", err)
	}
	if err := sim.Feed(0, 40, 2.0, core.SourceRF); err != nil {
		t.Fatalf("feed exit: %v", err)
	}

	select {
	case rec := <-recorded:
		if rec.Lap.LapNumber != 1 {
			t.Fatalf("expected lap 1, got %d", rec.Lap.LapNumber)
		}
		if rec.Lap.LapTime != rec.Lap.LapTimeStamp {
			t.Fatalf("expected first lap's LapTime == LapTimeStamp, got %v vs %v", rec.Lap.LapTime, rec.Lap.LapTimeStamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RACE_LAP_RECORDED")
	}
}

func TestPassBeforeStartTimeIsDropped(t *testing.T) {
	p, race, sim, _, bus := newTestProcessor(t)
	format := &core.Format{RaceMode: core.NoTimeLimit}
	race.Do(func(cur *core.CurrentRace) {
		cur.RaceStatus = core.RaceRacing
		cur.Format = format
		cur.StartTimeMonotonic = 10
		cur.NodeBindings[0] = core.Assigned(core.ID(1))
	})

	var fired bool
	bus.Subscribe(eventbus.RaceLapRecorded, func(any) { fired = true })

	if err := sim.Feed(0, 95, 1.0, core.SourceRF); err != nil {
		t.Fatalf("feed enter: %v", err)
	}
	if err := sim.Feed(0, 40, 2.0, core.SourceRF); err != nil {
		t.Fatalf("feed exit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if fired {
		t.Fatal("expected a pass before StartTimeMonotonic to be dropped")
	}
	_ = p
}

func TestMinLapDiscardShortMarksLapDeletedAndInvalid(t *testing.T) {
	p, race, sim, st, bus := newTestProcessor(t)
	if err := st.SetOption(core.OptMinLapSec, "5"); err != nil {
		t.Fatalf("set option: %v", err)
	}
	if err := st.SetOption(core.OptMinLapBehavior, "1"); err != nil { // MinLapBehaviorDiscardShort
		t.Fatalf("set option: %v", err)
	}
	format := &core.Format{RaceMode: core.NoTimeLimit}
	startRacingWith(race, format)

	var recordedCount int
	bus.Subscribe(eventbus.RaceLapRecorded, func(any) { recordedCount++ })

	// First lap at t=1s (always accepted, no min-lap check on n==0).
	if err := sim.Feed(0, 95, 1.0, core.SourceRF); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := sim.Feed(0, 40, 1.0, core.SourceRF); err != nil {
		t.Fatalf("feed: %v", err)
	}
	// Second lap only 1s later — under the 5s minimum.
	if err := sim.Feed(0, 95, 2.0, core.SourceRF); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := sim.Feed(0, 40, 2.0, core.SourceRF); err != nil {
		t.Fatalf("feed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if recordedCount != 1 {
		t.Fatalf("expected only the first lap to publish RACE_LAP_RECORDED, got %d publishes", recordedCount)
	}

	var laps []*core.SavedLap
	race.Do(func(cur *core.CurrentRace) { laps = cur.NodeLaps[0] })
	if len(laps) != 2 {
		t.Fatalf("expected both the good and the discarded short lap recorded for audit, got %d", len(laps))
	}
	if !laps[1].Deleted || !laps[1].Invalid {
		t.Fatalf("expected short lap to be deleted+invalid, got %+v", laps[1])
	}
	_ = p
}

func TestFirstToLapXDeclaresWinnerAndPublishesRaceWin(t *testing.T) {
	p, race, sim, _, bus := newTestProcessor(t)
	format := &core.Format{RaceMode: core.NoTimeLimit, WinCondition: core.WinFirstToLapX, NumberLapsWin: 2}
	startRacingWith(race, format)

	win := make(chan Win, 1)
	bus.Subscribe(eventbus.RaceWin, func(payload any) { win <- payload.(Win) })

	ts := 1.0
	for i := 0; i < 2; i++ {
		if err := sim.Feed(0, 95, ts, core.SourceRF); err != nil {
			t.Fatalf("feed enter: %v", err)
		}
		ts += 0.1
		if err := sim.Feed(0, 40, ts, core.SourceRF); err != nil {
			t.Fatalf("feed exit: %v", err)
		}
		ts += 1.0
	}

	select {
	case w := <-win:
		if w.PilotID != core.ID(1) {
			t.Fatalf("expected pilot 1 to win, got %v", w.PilotID)
		}
		if w.Status != core.WinStatusDeclared {
			t.Fatalf("expected WinStatusDeclared, got %v", w.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RACE_WIN")
	}
	_ = p
}

func TestPilotDoneTransitionPublishesOnce(t *testing.T) {
	p, race, sim, _, bus := newTestProcessor(t)
	format := &core.Format{RaceMode: core.CountDown, RaceTimeSec: 1, LapGraceSec: -1}
	startRacingWith(race, format)

	var doneCount int
	bus.Subscribe(eventbus.RacePilotDone, func(any) { doneCount++ })

	// First lap lands after the 1s countdown expires, finishing node 0.
	if err := sim.Feed(0, 95, 2.0, core.SourceRF); err != nil {
		t.Fatalf("feed enter: %v", err)
	}
	if err := sim.Feed(0, 40, 2.0, core.SourceRF); err != nil {
		t.Fatalf("feed exit: %v", err)
	}
	// A second, later pass must not re-publish RACE_PILOT_DONE.
	if err := sim.Feed(0, 95, 3.0, core.SourceRF); err != nil {
		t.Fatalf("feed enter: %v", err)
	}
	if err := sim.Feed(0, 40, 3.0, core.SourceRF); err != nil {
		t.Fatalf("feed exit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if doneCount != 1 {
		t.Fatalf("expected exactly one RACE_PILOT_DONE publish, got %d", doneCount)
	}

	var laps []*core.SavedLap
	race.Do(func(cur *core.CurrentRace) { laps = cur.NodeLaps[0] })
	if len(laps) != 2 || !laps[1].Deleted || !laps[1].LateLap {
		t.Fatalf("expected the second lap to be recorded deleted+lateLap for audit, got %+v", laps)
	}
	_ = p
}
