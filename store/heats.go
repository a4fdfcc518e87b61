package store

import (
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func (s *Store) GetHeat(id core.ID) (*core.Heat, bool, error) {
	var out *core.Heat
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		h, ok, err := get[core.Heat](tx, core.KindHeat, id)
		found = ok
		if ok {
			out = &h
		}
		return err
	})
	return out, found, err
}

func (s *Store) ListHeats(q Query) ([]*core.Heat, error) {
	var out []*core.Heat
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.Heat](tx, core.KindHeat, q)
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

func (s *Store) AddHeat(h *core.Heat) (*core.Heat, error) {
	h = h.Clone()
	err := s.Mutate(func(tx *buntdb.Tx) error {
		existing, err := list[core.Heat](tx, core.KindHeat, Query{})
		if err != nil {
			return err
		}
		maxSeq := 0
		for _, e := range existing {
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
		}
		h.Seq = maxSeq + 1
		h.ID = s.nextID(core.KindHeat)
		return put(tx, core.KindHeat, h.ID, h)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.HeatAdd, h)
	return h, nil
}

// AlterHeat applies patch; a ClassID change invalidates this heat and its
// old and new class caches (spec §4.C). Open Question resolved: the
// class reference an "instance" alteration targets is always the Heat's
// own ClassID field, never a transient per-call override — matching
// original_source/RHRace.py's single-class-per-heat model.
func (s *Store) AlterHeat(id core.ID, patch func(h *core.Heat)) (*core.Heat, error) {
	var out *core.Heat
	err := s.Mutate(func(tx *buntdb.Tx) error {
		h, ok, err := get[core.Heat](tx, core.KindHeat, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("heat %d not found", id))
		}
		before := h
		patch(&h)
		if err := put(tx, core.KindHeat, id, &h); err != nil {
			return err
		}
		invalidateHeatTx(tx, s, id)
		if before.ClassID != h.ClassID && before.ClassID != 0 {
			invalidateClassTx(tx, s, before.ClassID)
		}
		out = &h
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.HeatAlter, out)
	return out, nil
}

func (s *Store) DuplicateHeat(id core.ID) (*core.Heat, error) {
	var out *core.Heat
	err := s.Mutate(func(tx *buntdb.Tx) error {
		h, ok, err := get[core.Heat](tx, core.KindHeat, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("heat %d not found", id))
		}
		existing, err := list[core.Heat](tx, core.KindHeat, Query{})
		if err != nil {
			return err
		}
		maxSeq := 0
		for _, e := range existing {
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
		}
		h.Seq = maxSeq + 1
		h.ID = s.nextID(core.KindHeat)
		h.CacheStatus = core.CacheInvalid
		if err := put(tx, core.KindHeat, h.ID, &h); err != nil {
			return err
		}
		out = &h
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.HeatAdd, out)
	return out, nil
}

// DeleteHeat fails if referenced by a SavedRace. Heat IDs are never
// renumbered/reused after a delete (Open Question resolved: Seq display
// ordinals are left with a gap rather than compacted, matching the
// teacher's general avoidance of reindexing live references).
func (s *Store) DeleteHeat(id core.ID) error {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		races, err := list[core.SavedRace](tx, core.KindSavedRace, Query{
			Filter: func(rec any) bool { return rec.(core.SavedRace).HeatID == id },
			Limit:  1,
		})
		if err != nil {
			return err
		}
		if len(races) > 0 {
			return cos.NewError(cos.KindConflict, fmt.Errorf("heat %d is referenced by a saved race", id))
		}
		return del(tx, core.KindHeat, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.HeatDelete, id)
	return nil
}
