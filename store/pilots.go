package store

import (
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func (s *Store) GetPilot(id core.ID) (*core.Pilot, bool, error) {
	var out *core.Pilot
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		p, ok, err := get[core.Pilot](tx, core.KindPilot, id)
		if err != nil {
			return err
		}
		found = ok
		if ok {
			out = &p
		}
		return nil
	})
	return out, found, err
}

func (s *Store) ListPilots(q Query) ([]*core.Pilot, error) {
	q.Kind = core.KindPilot
	var out []*core.Pilot
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.Pilot](tx, core.KindPilot, q)
		if err != nil {
			return err
		}
		for i := range recs {
			out = append(out, &recs[i])
		}
		return nil
	})
	return out, err
}

func (s *Store) AddPilot(p *core.Pilot) (*core.Pilot, error) {
	p = p.Clone()
	err := s.Mutate(func(tx *buntdb.Tx) error {
		p.ID = s.nextID(core.KindPilot)
		return put(tx, core.KindPilot, p.ID, p)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.PilotAdd, p)
	return p, nil
}

// AlterPilot applies patch (a function mutating the loaded pilot) inside
// one transaction. Changing callsign or team invalidates every SavedRace
// that references this pilot, and their enclosing heat/class/event caches
// (spec §4.C).
func (s *Store) AlterPilot(id core.ID, patch func(p *core.Pilot)) (*core.Pilot, error) {
	var out *core.Pilot
	err := s.Mutate(func(tx *buntdb.Tx) error {
		p, ok, err := get[core.Pilot](tx, core.KindPilot, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("pilot %d not found", id))
		}
		before := p
		patch(&p)
		if err := put(tx, core.KindPilot, id, &p); err != nil {
			return err
		}
		if before.Callsign != p.Callsign || before.Team != p.Team {
			races, err := list[core.SavedRace](tx, core.KindSavedRace, Query{})
			if err != nil {
				return err
			}
			for _, r := range races {
				prs, err := list[core.SavedPilotRace](tx, core.KindSavedPilotRace, Query{
					Filter: func(rec any) bool {
						spr := rec.(core.SavedPilotRace)
						return spr.RaceID == r.ID && spr.PilotID == id
					},
				})
				if err != nil {
					return err
				}
				if len(prs) > 0 {
					invalidateRaceTx(tx, s, r.ID)
				}
			}
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.PilotAlter, out)
	return out, nil
}

// DuplicatePilot deep-copies the pilot with a collision-resolving name
// suffix (spec §4.C).
func (s *Store) DuplicatePilot(id core.ID) (*core.Pilot, error) {
	var out *core.Pilot
	err := s.Mutate(func(tx *buntdb.Tx) error {
		p, ok, err := get[core.Pilot](tx, core.KindPilot, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("pilot %d not found", id))
		}
		existing, err := list[core.Pilot](tx, core.KindPilot, Query{})
		if err != nil {
			return err
		}
		names := make(map[string]bool, len(existing))
		for _, e := range existing {
			names[e.Name] = true
		}
		p.Name = uniqueName(p.Name, names)
		p.ID = s.nextID(core.KindPilot)
		if err := put(tx, core.KindPilot, p.ID, &p); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.PilotAdd, out)
	return out, nil
}

// DeletePilot fails if the pilot is referenced by any SavedRace (spec
// §4.C).
func (s *Store) DeletePilot(id core.ID) error {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		prs, err := list[core.SavedPilotRace](tx, core.KindSavedPilotRace, Query{
			Filter: func(rec any) bool { return rec.(core.SavedPilotRace).PilotID == id },
			Limit:  1,
		})
		if err != nil {
			return err
		}
		if len(prs) > 0 {
			return cos.NewError(cos.KindConflict, fmt.Errorf("pilot %d is referenced by a saved race", id))
		}
		return del(tx, core.KindPilot, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.PilotDelete, id)
	return nil
}

// uniqueName appends " (n)" until the candidate doesn't collide, matching
// the "collision-resolving suffix scheme" required by spec §4.C.
func uniqueName(base string, taken map[string]bool) string {
	if !taken[base] {
		return base
	}
	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s (%d)", base, n)
		if !taken[cand] {
			return cand
		}
	}
}
