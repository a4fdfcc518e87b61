package store

import (
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func (s *Store) GetClass(id core.ID) (*core.Class, bool, error) {
	var out *core.Class
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		c, ok, err := get[core.Class](tx, core.KindClass, id)
		found = ok
		if ok {
			out = &c
		}
		return err
	})
	return out, found, err
}

func (s *Store) ListClasses(q Query) ([]*core.Class, error) {
	var out []*core.Class
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.Class](tx, core.KindClass, q)
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

func (s *Store) AddClass(c *core.Class) (*core.Class, error) {
	c = c.Clone()
	err := s.Mutate(func(tx *buntdb.Tx) error {
		c.ID = s.nextID(core.KindClass)
		return put(tx, core.KindClass, c.ID, c)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.ClassAdd, c)
	return c, nil
}

// AlterClass applies patch; a FormatID change invalidates every Heat
// under this class together with their SavedRaces (spec §4.C: "changing
// class format ... must invalidate affected SavedRace, Heat, Class, and
// event caches").
func (s *Store) AlterClass(id core.ID, patch func(c *core.Class)) (*core.Class, error) {
	var out *core.Class
	err := s.Mutate(func(tx *buntdb.Tx) error {
		c, ok, err := get[core.Class](tx, core.KindClass, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("class %d not found", id))
		}
		before := c
		patch(&c)
		if err := put(tx, core.KindClass, id, &c); err != nil {
			return err
		}
		if before.FormatID != c.FormatID {
			heats, err := list[core.Heat](tx, core.KindHeat, Query{
				Filter: func(rec any) bool { return rec.(core.Heat).ClassID == id },
			})
			if err != nil {
				return err
			}
			for _, h := range heats {
				invalidateHeatTx(tx, s, h.ID)
				races, err := list[core.SavedRace](tx, core.KindSavedRace, Query{
					Filter: func(rec any) bool { return rec.(core.SavedRace).HeatID == h.ID },
				})
				if err != nil {
					return err
				}
				for _, r := range races {
					invalidateRaceTx(tx, s, r.ID)
				}
			}
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.ClassAlter, out)
	return out, nil
}

func (s *Store) DuplicateClass(id core.ID) (*core.Class, error) {
	var out *core.Class
	err := s.Mutate(func(tx *buntdb.Tx) error {
		c, ok, err := get[core.Class](tx, core.KindClass, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("class %d not found", id))
		}
		existing, err := list[core.Class](tx, core.KindClass, Query{})
		if err != nil {
			return err
		}
		names := map[string]bool{}
		for _, e := range existing {
			names[e.Name] = true
		}
		c.Name = uniqueName(c.Name, names)
		c.ID = s.nextID(core.KindClass)
		if err := put(tx, core.KindClass, c.ID, &c); err != nil {
			return err
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.ClassAdd, out)
	return out, nil
}

// DeleteClass fails if referenced by a SavedRace; otherwise nulls ClassID
// on referencing Heats (spec §3 invariant, §4.C).
func (s *Store) DeleteClass(id core.ID) error {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		races, err := list[core.SavedRace](tx, core.KindSavedRace, Query{
			Filter: func(rec any) bool { return rec.(core.SavedRace).ClassID == id },
			Limit:  1,
		})
		if err != nil {
			return err
		}
		if len(races) > 0 {
			return cos.NewError(cos.KindConflict, fmt.Errorf("class %d is referenced by a saved race", id))
		}
		heats, err := list[core.Heat](tx, core.KindHeat, Query{
			Filter: func(rec any) bool { return rec.(core.Heat).ClassID == id },
		})
		if err != nil {
			return err
		}
		for _, h := range heats {
			h.ClassID = 0
			if err := put(tx, core.KindHeat, h.ID, &h); err != nil {
				return err
			}
			invalidateHeatTx(tx, s, h.ID)
		}
		return del(tx, core.KindClass, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.ClassDelete, id)
	return nil
}
