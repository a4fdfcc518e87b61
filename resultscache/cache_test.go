package resultscache

import (
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/store"
)

// testutilCounterValue reads a CounterVec label's current value without
// pulling in the prometheus testutil package (not part of the pack's
// dependency set) — the same Write-into-dto.Metric technique testutil
// itself uses internally.
func testutilCounterValue(t *testing.T, c *Cache, level string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.met.builds.WithLabelValues(level).Write(m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	bus := eventbus.New()
	s, err := store.Open(":memory:", bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	c := New(s)
	return c, s
}

func seedRace(t *testing.T, s *store.Store) (heat *core.Heat, race *core.SavedRace) {
	t.Helper()
	format, err := s.AddFormat(&core.Format{Name: "Default", WinCondition: core.WinMostLaps})
	if err != nil {
		t.Fatal(err)
	}
	heat, err = s.AddHeat(&core.Heat{Note: "H1"})
	if err != nil {
		t.Fatal(err)
	}
	race, err = s.SaveRace(
		&core.SavedRace{HeatID: heat.ID, FormatID: format.ID},
		[]*core.SavedPilotRace{{PilotID: 1, NodeIndex: 0}, {PilotID: 2, NodeIndex: 1}},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	prs, err := s.ListSavedPilotRaces(store.Query{
		Filter: func(rec any) bool { return rec.(core.SavedPilotRace).RaceID == race.ID },
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, pr := range prs {
		laps := 2
		if pr.PilotID == 2 {
			laps = 3
		}
		stamp := 0.0
		for i := 0; i < laps; i++ {
			stamp += 10000
			if _, err := s.AddManualLap(&core.SavedLap{
				PilotRaceID:  pr.ID,
				RaceID:       race.ID,
				PilotID:      pr.PilotID,
				LapTimeStamp: stamp,
			}); err != nil {
				t.Fatal(err)
			}
		}
	}
	return heat, race
}

func TestRaceLeaderboardRanksByLapsThenTime(t *testing.T) {
	c, s := newTestCache(t)
	_, race := seedRace(t, s)

	lb, err := c.GetRaceLeaderboard(race.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lb.Standings) != 2 {
		t.Fatalf("expected 2 standings, got %d", len(lb.Standings))
	}
	if lb.Standings[0].PilotID != 2 || lb.Standings[0].Position != 1 {
		t.Fatalf("expected pilot 2 (3 laps) to rank first, got %+v", lb.Standings[0])
	}
	if lb.Standings[1].PilotID != 1 {
		t.Fatalf("expected pilot 1 second, got %+v", lb.Standings[1])
	}
}

func TestInvalidateRacePropagatesToHeatAndClass(t *testing.T) {
	c, s := newTestCache(t)
	class, err := s.AddClass(&core.Class{Name: "Open"})
	if err != nil {
		t.Fatal(err)
	}
	format, err := s.AddFormat(&core.Format{Name: "Fmt", WinCondition: core.WinMostLaps})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AlterClass(class.ID, func(cl *core.Class) { cl.FormatID = format.ID }); err != nil {
		t.Fatal(err)
	}
	heat, err := s.AddHeat(&core.Heat{Note: "H1", ClassID: class.ID})
	if err != nil {
		t.Fatal(err)
	}
	race, err := s.SaveRace(&core.SavedRace{HeatID: heat.ID, ClassID: class.ID, FormatID: format.ID}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.GetRaceLeaderboard(race.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetHeatLeaderboard(heat.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetClassLeaderboard(class.ID); err != nil {
		t.Fatal(err)
	}
	if c.statusOf(raceKey(race.ID)) != core.CacheValid {
		t.Fatal("expected race cache Valid before mutation")
	}

	if _, err := s.AddManualLap(&core.SavedLap{RaceID: race.ID, PilotRaceID: 999, PilotID: 1, LapTimeStamp: 5000}); err != nil {
		// AddManualLap invalidates by RaceID directly
		t.Fatal(err)
	}

	if c.statusOf(raceKey(race.ID)) != core.CacheInvalid {
		t.Fatal("expected race cache Invalid after lap mutation")
	}
	if c.statusOf(heatKey(heat.ID)) != core.CacheInvalid {
		t.Fatal("expected heat cache Invalid after race invalidation cascade")
	}
	if c.statusOf(classKey(class.ID)) != core.CacheInvalid {
		t.Fatal("expected class cache Invalid after cascade")
	}
	if c.PageCacheValid() {
		t.Fatal("expected page cache Invalid after event-level cascade")
	}
}

func TestConcurrentBuildsOfSameKeyDedup(t *testing.T) {
	c, s := newTestCache(t)
	_, race := seedRace(t, s)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.GetRaceLeaderboard(race.ID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	gathered := testutilCounterValue(t, c, levelRace)
	if gathered != 1 {
		t.Fatalf("expected exactly 1 build for %d concurrent readers of the same key, got %v", n, gathered)
	}
}
