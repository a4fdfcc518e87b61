package store

import (
	"testing"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", eventbus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeInvalidator struct {
	races, heats, classes []core.ID
	events                int
}

func (f *fakeInvalidator) InvalidateRace(id core.ID)  { f.races = append(f.races, id) }
func (f *fakeInvalidator) InvalidateHeat(id core.ID)  { f.heats = append(f.heats, id) }
func (f *fakeInvalidator) InvalidateClass(id core.ID) { f.classes = append(f.classes, id) }
func (f *fakeInvalidator) InvalidateEvent()           { f.events++ }

func TestDuplicatePilotResolvesNameCollision(t *testing.T) {
	s := newTestStore(t)
	p, err := s.AddPilot(&core.Pilot{Name: "Alice", Callsign: "AL1"})
	if err != nil {
		t.Fatal(err)
	}
	dup, err := s.DuplicatePilot(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dup.Name != "Alice (2)" {
		t.Fatalf("expected collision-suffixed name, got %q", dup.Name)
	}
	if dup.ID == p.ID {
		t.Fatal("duplicate must get a new id")
	}
}

func TestDeletePilotBlockedByReference(t *testing.T) {
	s := newTestStore(t)
	p, _ := s.AddPilot(&core.Pilot{Name: "Bob"})
	h, _ := s.AddHeat(&core.Heat{Note: "Heat A"})
	_, err := s.SaveRace(
		&core.SavedRace{HeatID: h.ID},
		[]*core.SavedPilotRace{{PilotID: p.ID, NodeIndex: 0}},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePilot(p.ID); !cos.IsKind(err, cos.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestDeleteClassNullsHeatReference(t *testing.T) {
	s := newTestStore(t)
	c, _ := s.AddClass(&core.Class{Name: "Open"})
	h, _ := s.AddHeat(&core.Heat{Note: "H1", ClassID: c.ID})
	if err := s.DeleteClass(c.ID); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetHeat(h.ID)
	if err != nil || !ok {
		t.Fatalf("heat should survive class delete: ok=%v err=%v", ok, err)
	}
	if got.ClassID != 0 {
		t.Fatalf("expected ClassID nulled, got %d", got.ClassID)
	}
}

func TestDeleteLastFormatRefused(t *testing.T) {
	s := newTestStore(t)
	f, _ := s.AddFormat(&core.Format{Name: "Default"})
	if err := s.DeleteFormat(f.ID); !cos.IsKind(err, cos.KindValidation) {
		t.Fatalf("expected validation error deleting last format, got %v", err)
	}
}

func TestCacheInvalidationCascadesToEnclosingAggregates(t *testing.T) {
	s := newTestStore(t)
	inv := &fakeInvalidator{}
	s.SetInvalidator(inv)

	c, _ := s.AddClass(&core.Class{Name: "Open"})
	h, _ := s.AddHeat(&core.Heat{Note: "H1", ClassID: c.ID})
	race, err := s.SaveRace(&core.SavedRace{HeatID: h.ID, ClassID: c.ID}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(inv.races) == 0 || inv.races[len(inv.races)-1] != race.ID {
		t.Fatalf("race invalidation not observed: %+v", inv.races)
	}
	if len(inv.heats) == 0 || inv.heats[len(inv.heats)-1] != h.ID {
		t.Fatalf("heat invalidation not observed: %+v", inv.heats)
	}
	if len(inv.classes) == 0 || inv.classes[len(inv.classes)-1] != c.ID {
		t.Fatalf("class invalidation not observed: %+v", inv.classes)
	}
	if inv.events == 0 {
		t.Fatal("event-level invalidation not observed")
	}
}

func TestReassignRaceToHeatRecomputesRoundID(t *testing.T) {
	s := newTestStore(t)
	h1, _ := s.AddHeat(&core.Heat{Note: "H1"})
	h2, _ := s.AddHeat(&core.Heat{Note: "H2"})

	if _, err := s.SaveRace(&core.SavedRace{HeatID: h2.ID}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveRace(&core.SavedRace{HeatID: h2.ID}, nil, nil); err != nil {
		t.Fatal(err)
	}
	moving, err := s.SaveRace(&core.SavedRace{HeatID: h1.ID}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if moving.RoundID != 1 {
		t.Fatalf("expected round 1 in fresh heat, got %d", moving.RoundID)
	}

	reassigned, err := s.ReassignRaceToHeat(moving.ID, h2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reassigned.RoundID != 3 {
		t.Fatalf("expected round 3 after joining a heat with 2 existing rounds, got %d", reassigned.RoundID)
	}
	if reassigned.HeatID != h2.ID {
		t.Fatalf("expected heat to be updated")
	}
}

func TestLapTimeLawRecomputedAfterDeleteAndRestore(t *testing.T) {
	s := newTestStore(t)
	h, _ := s.AddHeat(&core.Heat{Note: "H1"})
	race, err := s.SaveRace(
		&core.SavedRace{HeatID: h.ID},
		[]*core.SavedPilotRace{{NodeIndex: 0, PilotID: 1}},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	prs, err := s.ListSavedPilotRaces(Query{
		Filter: func(rec any) bool { return rec.(core.SavedPilotRace).RaceID == race.ID },
	})
	if err != nil || len(prs) != 1 {
		t.Fatalf("expected one pilot race: %v err=%v", prs, err)
	}
	prID := prs[0].ID

	l1, err := s.AddManualLap(&core.SavedLap{PilotRaceID: prID, RaceID: race.ID, LapTimeStamp: 10000})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := s.AddManualLap(&core.SavedLap{PilotRaceID: prID, RaceID: race.ID, LapTimeStamp: 22000})
	if err != nil {
		t.Fatal(err)
	}
	l3, err := s.AddManualLap(&core.SavedLap{PilotRaceID: prID, RaceID: race.ID, LapTimeStamp: 35000})
	if err != nil {
		t.Fatal(err)
	}

	reload := func(id core.ID) *core.SavedLap {
		got, ok, err := s.GetSavedLap(id)
		if err != nil || !ok {
			t.Fatalf("reload lap %d: ok=%v err=%v", id, ok, err)
		}
		return got
	}

	if got := reload(l2.ID); got.LapTime != 12000 {
		t.Fatalf("expected lap2 time 12000 before delete, got %v", got.LapTime)
	}

	if err := s.DeleteLap(l2.ID); err != nil {
		t.Fatal(err)
	}
	if got := reload(l3.ID); got.LapTime != 25000 {
		t.Fatalf("lap-time law violated after delete: lap3 time = %v, want 25000 (35000-10000)", got.LapTime)
	}
	if got := reload(l2.ID); !got.Deleted {
		t.Fatal("lap2 should be flagged deleted, not removed")
	}

	if err := s.RestoreDeletedLap(l2.ID); err != nil {
		t.Fatal(err)
	}
	if got := reload(l3.ID); got.LapTime != 13000 {
		t.Fatalf("lap-time law violated after restore: lap3 time = %v, want 13000 (35000-22000)", got.LapTime)
	}
	if got := reload(l1.ID); got.LapNumber != 0 {
		t.Fatalf("expected first surviving lap renumbered to 0, got %d", got.LapNumber)
	}
}

func TestOptionGetSetRoundTripsWithDefault(t *testing.T) {
	s := newTestStore(t)
	if got := s.GetOption(core.OptMinLapSec, "5"); got != "5" {
		t.Fatalf("expected default, got %q", got)
	}
	if err := s.SetOption(core.OptMinLapSec, "10"); err != nil {
		t.Fatal(err)
	}
	if got := s.GetOptionInt(core.OptMinLapSec, 5); got != 10 {
		t.Fatalf("expected 10 after SetOption, got %d", got)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t)
	p, err := s.AddPilot(&core.Pilot{Name: "Carol"})
	if err != nil {
		t.Fatal(err)
	}

	path, err := s.Backup(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePilot(p.ID); err != nil {
		t.Fatalf("pilot has no references yet, delete should succeed: %v", err)
	}
	if _, ok, _ := s.GetPilot(p.ID); ok {
		t.Fatal("pilot should be gone before restore")
	}

	if err := s.Restore(path); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetPilot(p.ID)
	if err != nil || !ok {
		t.Fatalf("expected pilot to survive restore: ok=%v err=%v", ok, err)
	}
	if got.Name != "Carol" {
		t.Fatalf("unexpected restored pilot: %+v", got)
	}
}
