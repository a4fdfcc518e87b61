package store

import (
	"errors"
	"strconv"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

func optionKey(name string) string { return "option/" + name }

// loadOptions primes the in-memory cache from disk at startup (spec §9
// redesign note: options are read far more often than written, so every
// GetOption call serves from this map rather than a transaction).
func (s *Store) loadOptions() error {
	return s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("option/*", func(key, v string) bool {
			var o core.Option
			if err := json.Unmarshal([]byte(v), &o); err != nil {
				return true
			}
			s.options[o.Name] = o.Value
			return true
		})
	})
}

// GetOption returns the option's value, or dflt if unset — the typed
// get-with-default the §9 redesign note calls for, replacing
// exceptions-for-control-flow over a missing key.
func (s *Store) GetOption(name, dflt string) string {
	s.optMu.RLock()
	defer s.optMu.RUnlock()
	if v, ok := s.options[name]; ok {
		return v
	}
	return dflt
}

func (s *Store) GetOptionInt(name string, dflt int) int {
	raw := s.GetOption(name, "")
	if raw == "" {
		return dflt
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return dflt
	}
	return n
}

func (s *Store) GetOptionFloat(name string, dflt float64) float64 {
	raw := s.GetOption(name, "")
	if raw == "" {
		return dflt
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return dflt
	}
	return f
}

// SetOption persists name=value and updates the in-memory cache under the
// same lock ordering as a read, so a SetOption that races a GetOption
// never observes a torn value.
func (s *Store) SetOption(name, value string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		o := core.Option{Name: name, Value: value}
		b, err := json.Marshal(&o)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(optionKey(name), string(b), nil)
		return err
	})
	if err != nil {
		return err
	}
	s.optMu.Lock()
	s.options[name] = value
	s.optMu.Unlock()
	s.bus.Publish(eventbus.OptionSet, core.Option{Name: name, Value: value})
	return nil
}

func (s *Store) DeleteOption(name string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(optionKey(name))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	s.optMu.Lock()
	delete(s.options, name)
	s.optMu.Unlock()
	return nil
}
