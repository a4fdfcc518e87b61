package store

import (
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func (s *Store) GetFormat(id core.ID) (*core.Format, bool, error) {
	var out *core.Format
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		f, ok, err := get[core.Format](tx, core.KindFormat, id)
		found = ok
		if ok {
			out = &f
		}
		return err
	})
	return out, found, err
}

func (s *Store) ListFormats(q Query) ([]*core.Format, error) {
	var out []*core.Format
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.Format](tx, core.KindFormat, q)
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

func (s *Store) AddFormat(f *core.Format) (*core.Format, error) {
	f = f.Clone()
	err := s.Mutate(func(tx *buntdb.Tx) error {
		f.ID = s.nextID(core.KindFormat)
		return put(tx, core.KindFormat, f.ID, f)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.FormatAdd, f)
	return f, nil
}

// AlterFormat invalidates every class using this format, every SavedRace
// scored under it together with that race's heat, and the event cache
// (spec §4.C): a format change changes the rules every race scored
// against it was evaluated under.
func (s *Store) AlterFormat(id core.ID, patch func(f *core.Format)) (*core.Format, error) {
	var out *core.Format
	err := s.Mutate(func(tx *buntdb.Tx) error {
		f, ok, err := get[core.Format](tx, core.KindFormat, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("format %d not found", id))
		}
		patch(&f)
		if err := put(tx, core.KindFormat, id, &f); err != nil {
			return err
		}
		classes, err := list[core.Class](tx, core.KindClass, Query{
			Filter: func(rec any) bool { return rec.(core.Class).FormatID == id },
		})
		if err != nil {
			return err
		}
		for _, c := range classes {
			invalidateClassTx(tx, s, c.ID)
		}
		races, err := list[core.SavedRace](tx, core.KindSavedRace, Query{
			Filter: func(rec any) bool { return rec.(core.SavedRace).FormatID == id },
		})
		if err != nil {
			return err
		}
		for _, r := range races {
			invalidateRaceTx(tx, s, r.ID)
		}
		out = &f
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.FormatAlter, out)
	return out, nil
}

func (s *Store) DuplicateFormat(id core.ID) (*core.Format, error) {
	var out *core.Format
	err := s.Mutate(func(tx *buntdb.Tx) error {
		f, ok, err := get[core.Format](tx, core.KindFormat, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("format %d not found", id))
		}
		existing, err := list[core.Format](tx, core.KindFormat, Query{})
		if err != nil {
			return err
		}
		names := map[string]bool{}
		for _, e := range existing {
			names[e.Name] = true
		}
		f.Name = uniqueName(f.Name, names)
		f.ID = s.nextID(core.KindFormat)
		if err := put(tx, core.KindFormat, f.ID, &f); err != nil {
			return err
		}
		out = &f
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.FormatAdd, out)
	return out, nil
}

// DeleteFormat refuses to remove the last remaining format: the system
// always needs at least one set of race rules to offer a new class or
// heat (Open Question resolved in favor of original_source/RHData.py's
// behavior of reseeding a "default" format rather than allowing zero).
func (s *Store) DeleteFormat(id core.ID) error {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		all, err := list[core.Format](tx, core.KindFormat, Query{})
		if err != nil {
			return err
		}
		if len(all) <= 1 {
			return cos.NewError(cos.KindValidation, fmt.Errorf("cannot delete the last format"))
		}
		classes, err := list[core.Class](tx, core.KindClass, Query{
			Filter: func(rec any) bool { return rec.(core.Class).FormatID == id },
			Limit:  1,
		})
		if err != nil {
			return err
		}
		if len(classes) > 0 {
			return cos.NewError(cos.KindConflict, fmt.Errorf("format %d is referenced by a class", id))
		}
		return del(tx, core.KindFormat, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.FormatDelete, id)
	return nil
}
