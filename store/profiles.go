package store

import (
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func (s *Store) GetProfile(id core.ID) (*core.Profile, bool, error) {
	var out *core.Profile
	var found bool
	err := s.View(func(tx *buntdb.Tx) error {
		p, ok, err := get[core.Profile](tx, core.KindProfile, id)
		found = ok
		if ok {
			out = &p
		}
		return err
	})
	return out, found, err
}

func (s *Store) ListProfiles(q Query) ([]*core.Profile, error) {
	var out []*core.Profile
	err := s.View(func(tx *buntdb.Tx) error {
		recs, err := list[core.Profile](tx, core.KindProfile, q)
		for i := range recs {
			out = append(out, &recs[i])
		}
		return err
	})
	return out, err
}

func (s *Store) AddProfile(p *core.Profile) (*core.Profile, error) {
	p = p.Clone()
	err := s.Mutate(func(tx *buntdb.Tx) error {
		p.ID = s.nextID(core.KindProfile)
		return put(tx, core.KindProfile, p.ID, p)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.ProfileAdd, p)
	return p, nil
}

// AlterProfile replaces frequency/enterAt/exitAt sets. Profiles carry no
// CacheStatus of their own (spec §3: a profile is node configuration, not
// a scored entity), so altering one never invalidates leaderboard caches
// — it only takes effect on nodes the next time the profile is applied.
func (s *Store) AlterProfile(id core.ID, patch func(p *core.Profile)) (*core.Profile, error) {
	var out *core.Profile
	err := s.Mutate(func(tx *buntdb.Tx) error {
		p, ok, err := get[core.Profile](tx, core.KindProfile, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("profile %d not found", id))
		}
		patch(&p)
		if err := put(tx, core.KindProfile, id, &p); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.ProfileAlter, out)
	return out, nil
}

func (s *Store) DuplicateProfile(id core.ID) (*core.Profile, error) {
	var out *core.Profile
	err := s.Mutate(func(tx *buntdb.Tx) error {
		p, ok, err := get[core.Profile](tx, core.KindProfile, id)
		if err != nil {
			return err
		}
		if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("profile %d not found", id))
		}
		existing, err := list[core.Profile](tx, core.KindProfile, Query{})
		if err != nil {
			return err
		}
		names := map[string]bool{}
		for _, e := range existing {
			names[e.Name] = true
		}
		p.Name = uniqueName(p.Name, names)
		p.ID = s.nextID(core.KindProfile)
		if err := put(tx, core.KindProfile, p.ID, &p); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.ProfileAdd, out)
	return out, nil
}

// DeleteProfile refuses to remove the last remaining profile, mirroring
// DeleteFormat: nodes must always have a profile to fall back to.
func (s *Store) DeleteProfile(id core.ID) error {
	err := s.Mutate(func(tx *buntdb.Tx) error {
		all, err := list[core.Profile](tx, core.KindProfile, Query{})
		if err != nil {
			return err
		}
		if len(all) <= 1 {
			return cos.NewError(cos.KindValidation, fmt.Errorf("cannot delete the last profile"))
		}
		return del(tx, core.KindProfile, id)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.ProfileDelete, id)
	return nil
}
