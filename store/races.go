package store

import (
	"fmt"
	"sort"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func (s *Store) GetSavedRace(id core.ID) (*core.SavedRace, bool, error) {
	var out *core.SavedRace
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		r, ok, err := get[core.SavedRace](tx, core.KindSavedRace, id)
		found = ok
		if ok {
			out = &r
		}
		return err
	})
	return out, found, err
}

func (s *Store) ListSavedRaces(q Query) ([]*core.SavedRace, error) {
	var out []*core.SavedRace
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.SavedRace](tx, core.KindSavedRace, q)
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

func (s *Store) GetSavedPilotRace(id core.ID) (*core.SavedPilotRace, bool, error) {
	var out *core.SavedPilotRace
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		r, ok, err := get[core.SavedPilotRace](tx, core.KindSavedPilotRace, id)
		found = ok
		if ok {
			out = &r
		}
		return err
	})
	return out, found, err
}

func (s *Store) ListSavedPilotRaces(q Query) ([]*core.SavedPilotRace, error) {
	var out []*core.SavedPilotRace
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.SavedPilotRace](tx, core.KindSavedPilotRace, q)
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

// roundIDFor returns the RoundID the new race should take: one past the
// highest RoundID already saved for heatID. It does not consult
// StartTimeWall and does not renumber the heat's other races.
func roundIDFor(races []core.SavedRace, heatID core.ID) int {
	max := 0
	for _, r := range races {
		if r.HeatID == heatID && r.RoundID > max {
			max = r.RoundID
		}
	}
	return max + 1
}

// SaveRace persists a new SavedRace together with its per-pilot traces and
// laps inside one transaction, assigning RoundID via roundIDFor. laps need
// only carry NodeIndex (as crossing.Processor's in-memory records do) —
// SaveRace resolves each lap's PilotRaceID from pilotRaces by matching
// NodeIndex, since pilotRaces' own IDs aren't allocated until this
// transaction runs and the caller can't know them in advance.
func (s *Store) SaveRace(race *core.SavedRace, pilotRaces []*core.SavedPilotRace, laps []*core.SavedLap) (*core.SavedRace, error) {
	race = race.Clone()
	err := s.Mutate(func(tx *buntdb.Tx) error {
		existing, err := list[core.SavedRace](tx, core.KindSavedRace, Query{})
		if err != nil {
			return err
		}
		race.RoundID = roundIDFor(existing, race.HeatID)
		race.ID = s.nextID(core.KindSavedRace)
		race.CacheStatus = core.CacheInvalid
		if err := put(tx, core.KindSavedRace, race.ID, race); err != nil {
			return err
		}
		pilotRaceIDByNode := map[int]core.ID{}
		for _, pr := range pilotRaces {
			pr.RaceID = race.ID
			pr.ID = s.nextID(core.KindSavedPilotRace)
			pilotRaceIDByNode[pr.NodeIndex] = pr.ID
			if err := put(tx, core.KindSavedPilotRace, pr.ID, pr); err != nil {
				return err
			}
		}
		for _, l := range laps {
			l.RaceID = race.ID
			l.PilotRaceID = pilotRaceIDByNode[l.NodeIndex]
			l.ID = s.nextID(core.KindSavedLap)
			if err := put(tx, core.KindSavedLap, l.ID, l); err != nil {
				return err
			}
		}
		invalidateRaceTx(tx, s, race.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.LapsSave, race)
	return race, nil
}

// DiscardRace deletes a SavedRace and everything hung off it without
// persisting it — the in-progress counterpart to SaveRace, used when the
// operator discards a race rather than saving it.
func (s *Store) DiscardRace(id core.ID) error {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		prs, err := list[core.SavedPilotRace](tx, core.KindSavedPilotRace, Query{
			Filter: func(rec any) bool { return rec.(core.SavedPilotRace).RaceID == id },
		})
		if err != nil {
			return err
		}
		for _, pr := range prs {
			if err := del(tx, core.KindSavedPilotRace, pr.ID); err != nil {
				return err
			}
		}
		laps, err := list[core.SavedLap](tx, core.KindSavedLap, Query{
			Filter: func(rec any) bool { return rec.(core.SavedLap).RaceID == id },
		})
		if err != nil {
			return err
		}
		for _, l := range laps {
			if err := del(tx, core.KindSavedLap, l.ID); err != nil {
				return err
			}
		}
		return del(tx, core.KindSavedRace, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.LapsDiscard, id)
	return nil
}

// ReassignRaceToHeat moves a SavedRace to newHeatID and recomputes its
// RoundID against that heat's existing races (the round-id law, spec §8:
// a reassigned race slots in after every round already recorded against
// its new heat, and ties on StartTimeWall keep the order they had before
// the reassignment because roundIDFor only consults RoundID, never
// re-sorts by time). The old and new heat's caches, and the race's own
// cache, are all invalidated.
func (s *Store) ReassignRaceToHeat(raceID, newHeatID core.ID) (*core.SavedRace, error) {
	var out *core.SavedRace
	err := s.Mutate(func(tx *buntdb.Tx) error {
		race, ok, err := get[core.SavedRace](tx, core.KindSavedRace, raceID)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("race %d not found", raceID))
		}
		oldHeatID := race.HeatID
		others, err := list[core.SavedRace](tx, core.KindSavedRace, Query{
			Filter: func(rec any) bool {
				r := rec.(core.SavedRace)
				return r.HeatID == newHeatID && r.ID != raceID
			},
		})
		if err != nil {
			return err
		}
		race.HeatID = newHeatID
		race.RoundID = roundIDFor(others, newHeatID)
		if err := put(tx, core.KindSavedRace, raceID, &race); err != nil {
			return err
		}
		invalidateRaceTx(tx, s, raceID)
		if oldHeatID != newHeatID && oldHeatID != core.HeatIDNone {
			invalidateHeatTx(tx, s, oldHeatID)
		}
		out = &race
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.LapsSave, out)
	return out, nil
}

// RacesByHeatOrdered returns a heat's races ordered the way the UI lists
// rounds: by RoundID; races with equal RoundID keep their input order
// (stable sort). StartTimeWall is not consulted.
func RacesByHeatOrdered(races []*core.SavedRace) []*core.SavedRace {
	out := append([]*core.SavedRace(nil), races...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RoundID < out[j].RoundID })
	return out
}
