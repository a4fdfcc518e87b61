package race

import (
	"strconv"
	"testing"
	"time"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/crossing"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/resultscache"
	"github.com/paddock/racecore/store"
	"github.com/paddock/racecore/timesrc"
)

func newTestController(t *testing.T) (*Controller, *store.Store, *eventbus.Bus, *node.Simulator) {
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
	raceState := core.NewRaceState()
	processor := crossing.New(raceState, st, cache, bus, sim)
	t.Cleanup(processor.Stop)
	clock := timesrc.New(bus)
	c := New(raceState, st, bus, sim, processor, clock)
	return c, st, bus, sim
}

func addReadyHeat(t *testing.T, st *store.Store) core.ID {
	t.Helper()
	pilot, err := st.AddPilot(&core.Pilot{Name: "Alice"})
	if err != nil {
		t.Fatalf("add pilot: %v", err)
	}
	format, err := st.AddFormat(&core.Format{
		Name:            "quick",
		RaceMode:        core.NoTimeLimit,
		WinCondition:    core.WinFirstToLapX,
		NumberLapsWin:   2,
		StagingFixedMs:  0,
		StartDelayMinMs: 5,
		StartDelayMaxMs: 5,
	})
	if err != nil {
		t.Fatalf("add format: %v", err)
	}
	if err := st.SetOption(core.OptCurrentFormat, strconv.Itoa(int(format.ID))); err != nil {
		t.Fatalf("set current format: %v", err)
	}
	node0 := 0
	heat, err := st.AddHeat(&core.Heat{
		Note:  "test heat",
		Slots: []core.HeatSlot{{NodeIndex: &node0, PilotID: pilot.ID}},
	})
	if err != nil {
		t.Fatalf("add heat: %v", err)
	}
	return heat.ID
}

func TestSelectHeatOnlyWhileReady(t *testing.T) {
	c, st, _, _ := newTestController(t)
	heatID := addReadyHeat(t, st)

	if err := c.SelectHeat(heatID); err != nil {
		t.Fatalf("select while ready: %v", err)
	}
	c.race.Do(func(cur *core.CurrentRace) { cur.RaceStatus = core.RaceRacing })
	if err := c.SelectHeat(heatID); err == nil {
		t.Fatalf("expected SelectHeat to reject a non-Ready race")
	}
}

func TestStageRejectsUnknownHeat(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if err := c.Stage(core.ID(999)); err == nil {
		t.Fatalf("expected Stage to reject an unknown heat")
	}
}

func TestStageArmsAndStartsRace(t *testing.T) {
	c, st, bus, _ := newTestController(t)
	heatID := addReadyHeat(t, st)

	started := make(chan int64, 1)
	bus.Subscribe(eventbus.RaceStart, func(payload any) {
		started <- payload.(int64)
	})

	if err := c.Stage(heatID); err != nil {
		t.Fatalf("stage: %v", err)
	}

	var status core.RaceStatus
	c.race.Do(func(cur *core.CurrentRace) { status = cur.RaceStatus })
	if status != core.RaceStaging {
		t.Fatalf("expected Staging immediately after Stage, got %v", status)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for RACE_START")
	}

	c.race.Do(func(cur *core.CurrentRace) { status = cur.RaceStatus })
	if status != core.RaceRacing {
		t.Fatalf("expected Racing after start, got %v", status)
	}
	if !c.AnyRacesStarted() {
		t.Fatalf("expected AnyRacesStarted to flip true once a race starts")
	}
}

func TestStageRejectedWhileAlreadyStaging(t *testing.T) {
	c, st, _, _ := newTestController(t)
	heatID := addReadyHeat(t, st)

	if err := c.Stage(heatID); err != nil {
		t.Fatalf("first stage: %v", err)
	}
	if err := c.Stage(heatID); err == nil {
		t.Fatalf("expected second Stage to be rejected while still Staging")
	}
}

func TestDiscardStopsRunningRaceAndResetsToReady(t *testing.T) {
	c, st, _, _ := newTestController(t)
	heatID := addReadyHeat(t, st)
	if err := c.Stage(heatID); err != nil {
		t.Fatalf("stage: %v", err)
	}

	c.Discard()

	var status core.RaceStatus
	var heat core.ID
	c.race.Do(func(cur *core.CurrentRace) {
		status = cur.RaceStatus
		heat = cur.CurrentHeatID
	})
	if status != core.RaceReady {
		t.Fatalf("expected Ready after discard, got %v", status)
	}
	if heat != core.HeatIDNone {
		t.Fatalf("expected discard to clear the selected heat, got %v", heat)
	}
}

func TestSaveRequiresHeatSelected(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Save(); err == nil {
		t.Fatalf("expected Save to fail with no heat selected")
	}
}

func TestScheduleAndCancel(t *testing.T) {
	c, st, _, _ := newTestController(t)
	heatID := addReadyHeat(t, st)

	c.ScheduleRace(heatID, 60)
	var scheduled bool
	c.race.Do(func(cur *core.CurrentRace) { scheduled = cur.Scheduled })
	if !scheduled {
		t.Fatalf("expected Scheduled to be set")
	}

	c.CancelSchedule()
	c.race.Do(func(cur *core.CurrentRace) { scheduled = cur.Scheduled })
	if scheduled {
		t.Fatalf("expected CancelSchedule to clear Scheduled")
	}

	var status core.RaceStatus
	time.Sleep(150 * time.Millisecond)
	c.race.Do(func(cur *core.CurrentRace) { status = cur.RaceStatus })
	if status != core.RaceReady {
		t.Fatalf("expected cancelled schedule never to stage, got %v", status)
	}
}
