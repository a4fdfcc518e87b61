package store

import (
	"fmt"
	"sort"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func (s *Store) GetSavedLap(id core.ID) (*core.SavedLap, bool, error) {
	var out *core.SavedLap
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		l, ok, err := get[core.SavedLap](tx, core.KindSavedLap, id)
		found = ok
		if ok {
			out = &l
		}
		return err
	})
	return out, found, err
}

func (s *Store) ListSavedLaps(q Query) ([]*core.SavedLap, error) {
	var out []*core.SavedLap
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.SavedLap](tx, core.KindSavedLap, q)
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

func (s *Store) AddManualLap(l *core.SavedLap) (*core.SavedLap, error) {
	l = l.Clone()
	err := s.Mutate(func(tx *buntdb.Tx) error {
		l.ID = s.nextID(core.KindSavedLap)
		if err := put(tx, core.KindSavedLap, l.ID, l); err != nil {
			return err
		}
		if err := renumberPilotRaceLaps(tx, l.PilotRaceID); err != nil {
			return err
		}
		invalidateRaceTx(tx, s, l.RaceID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.RaceLapRecorded, l)
	return l, nil
}

// DeleteLap soft-deletes a lap (spec §3: deleted laps are retained,
// flagged, and excluded from scoring and renumbering) and then reapplies
// the lap-time law to every surviving lap of the same pilot-race: each
// lap's LapTime becomes lapTimeStamp minus the previous non-deleted lap's
// lapTimeStamp, and LapNumber is reassigned densely over the survivors.
func (s *Store) DeleteLap(id core.ID) error {
	var raceID core.ID
	err := s.Mutate(func(tx *buntdb.Tx) error {
		l, ok, err := get[core.SavedLap](tx, core.KindSavedLap, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("lap %d not found", id))
		}
		if l.Deleted {
			return nil
		}
		l.Deleted = true
		if err := put(tx, core.KindSavedLap, id, &l); err != nil {
			return err
		}
		if err := renumberPilotRaceLaps(tx, l.PilotRaceID); err != nil {
			return err
		}
		raceID = l.RaceID
		invalidateRaceTx(tx, s, raceID)
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.LapDelete, id)
	return nil
}

// RestoreDeletedLap reverses DeleteLap and reapplies the lap-time law.
func (s *Store) RestoreDeletedLap(id core.ID) error {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		l, ok, err := get[core.SavedLap](tx, core.KindSavedLap, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("lap %d not found", id))
		}
		if !l.Deleted {
			return nil
		}
		l.Deleted = false
		if err := put(tx, core.KindSavedLap, id, &l); err != nil {
			return err
		}
		if err := renumberPilotRaceLaps(tx, l.PilotRaceID); err != nil {
			return err
		}
		invalidateRaceTx(tx, s, l.RaceID)
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.LapRestoreDeleted, id)
	return nil
}

// RecordSplit persists an intermediate-gate crossing under its parent lap
// (GLOSSARY: LapSplit). Splits carry no lap-time law of their own — they
// are display-only annotations of the parent lap's progress.
func (s *Store) RecordSplit(sp *core.LapSplit) (*core.LapSplit, error) {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		sp.ID = s.nextID(core.KindLapSplit)
		return put(tx, core.KindLapSplit, sp.ID, sp)
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

func (s *Store) ListSplitsForLap(parentLapID core.ID) ([]*core.LapSplit, error) {
	var out []*core.LapSplit
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.LapSplit](tx, core.KindLapSplit, Query{
			Filter: func(rec any) bool { return rec.(core.LapSplit).ParentLapID == parentLapID },
			Less:   func(a, b any) bool { return a.(core.LapSplit).SplitTime < b.(core.LapSplit).SplitTime },
		})
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

// renumberPilotRaceLaps re-derives LapNumber and LapTime for every
// non-deleted lap of pilotRaceID, ordered by LapTimeStamp. This is the
// single place the lap-time law (spec §8: lapTime == lapTimeStamp minus
// the previous non-deleted lap's lapTimeStamp, zero baseline for the
// first surviving lap) is computed; DeleteLap, RestoreDeletedLap, and
// AddManualLap all funnel through it so the invariant can never drift.
func renumberPilotRaceLaps(tx *buntdb.Tx, pilotRaceID core.ID) error {
	laps, err := list[core.SavedLap](tx, core.KindSavedLap, Query{
		Filter: func(rec any) bool { return rec.(core.SavedLap).PilotRaceID == pilotRaceID },
	})
	if err != nil {
		return err
	}
	sort.SliceStable(laps, func(i, j int) bool { return laps[i].LapTimeStamp < laps[j].LapTimeStamp })

	prevTimeStamp := 0.0
	num := 0
	for _, l := range laps {
		if l.Deleted {
			continue
		}
		l.LapNumber = num
		l.LapTime = l.LapTimeStamp - prevTimeStamp
		prevTimeStamp = l.LapTimeStamp
		num++
		if err := put(tx, core.KindSavedLap, l.ID, &l); err != nil {
			return err
		}
	}
	return nil
}
