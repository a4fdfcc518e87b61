package store

import (
	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/core"
)

// invalidateRaceTx marks race, its enclosing heat, class, and the event
// cache all Invalid within tx, then notifies the external results cache.
// This is the one place spec §4.D's "invalidation of a leaf must mark
// all enclosing aggregates Invalid" and the §8.1.6 property are
// implemented — every mutation-site calls this for the cascade (SaveRace
// and DuplicateHeat also set the new record's own CacheStatus directly).
func invalidateRaceTx(tx *buntdb.Tx, s *Store, raceID core.ID) {
	race, ok, err := get[core.SavedRace](tx, core.KindSavedRace, raceID)
	if err != nil || !ok {
		return
	}
	race.CacheStatus = core.CacheInvalid
	_ = put(tx, core.KindSavedRace, raceID, &race)
	s.invalidateRace(raceID)

	if race.HeatID != core.HeatIDNone {
		invalidateHeatTx(tx, s, race.HeatID)
	} else {
		s.invalidateEvent()
	}
}

func invalidateHeatTx(tx *buntdb.Tx, s *Store, heatID core.ID) {
	heat, ok, err := get[core.Heat](tx, core.KindHeat, heatID)
	if err != nil || !ok {
		return
	}
	heat.CacheStatus = core.CacheInvalid
	_ = put(tx, core.KindHeat, heatID, &heat)
	s.invalidateHeat(heatID)

	if heat.ClassID != 0 {
		invalidateClassTx(tx, s, heat.ClassID)
	} else {
		s.invalidateEvent()
	}
}

func invalidateClassTx(tx *buntdb.Tx, s *Store, classID core.ID) {
	class, ok, err := get[core.Class](tx, core.KindClass, classID)
	if err != nil || !ok {
		return
	}
	class.CacheStatus = core.CacheInvalid
	_ = put(tx, core.KindClass, classID, &class)
	s.invalidateClass(classID)
	s.invalidateEvent()
}
