package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is implemented by every ID-keyed entity.
type Record interface {
	RecordID() core.ID
}

// CacheInvalidator decouples the store from resultscache (which in turn
// reads the store to build leaderboards) so the two packages don't
// import each other; resultscache.Cache implements this.
type CacheInvalidator interface {
	InvalidateRace(id core.ID)
	InvalidateHeat(id core.ID)
	InvalidateClass(id core.ID)
	InvalidateEvent()
}

// Store is the Entity Store (component C).
type Store struct {
	db      *buntdb.DB
	bus     *eventbus.Bus
	mu      sync.Mutex // serializes id generation across kinds; buntdb serializes writes itself
	ids     map[core.Kind]*core.IDGen
	inv     CacheInvalidator
	optMu   sync.RWMutex
	options map[string]string // primed at Open, kept current by SetOption
}

func Open(path string, bus *eventbus.Bus) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}
	s := &Store{db: db, bus: bus, ids: map[core.Kind]*core.IDGen{}, options: map[string]string{}}
	for k := core.KindPilot; k <= core.KindLapSplit; k++ {
		s.ids[k] = &core.IDGen{}
	}
	if err := s.seedIDGens(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadOptions(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) SetInvalidator(inv CacheInvalidator) { s.inv = inv }

func (s *Store) Close() error { return s.db.Close() }

func key(kind core.Kind, id core.ID) string {
	return kind.String() + "/" + strconv.FormatInt(int64(id), 10)
}

func prefix(kind core.Kind) string { return kind.String() + "/" }

func (s *Store) seedIDGens() error {
	return s.db.View(func(tx *buntdb.Tx) error {
		for k, gen := range s.ids {
			var maxID core.ID
			p := prefix(k)
			err := tx.AscendKeys(p+"*", func(key, _ string) bool {
				idStr := strings.TrimPrefix(key, p)
				if n, err := strconv.ParseInt(idStr, 10, 64); err == nil && core.ID(n) > maxID {
					maxID = core.ID(n)
				}
				return true
			})
			if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
			gen.Seed(maxID)
		}
		return nil
	})
}

func (s *Store) nextID(kind core.Kind) core.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[kind].Next()
}

// put persists rec under its kind/id key within tx.
func put(tx *buntdb.Tx, kind core.Kind, id core.ID, rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key(kind, id), string(b), nil)
	return err
}

func get[T any](tx *buntdb.Tx, kind core.Kind, id core.ID) (T, bool, error) {
	var zero T
	v, err := tx.Get(key(kind, id))
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return zero, false, err
	}
	return out, true, nil
}

func del(tx *buntdb.Tx, kind core.Kind, id core.ID) error {
	_, err := tx.Delete(key(kind, id))
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

// list loads every record of kind matching q's filter, then applies
// q.Less ordering and q.Limit. q.ReturnType is not consulted: the whole
// matching slice is returned. Filter/Less receive each T value as `any`.
func list[T any](tx *buntdb.Tx, kind core.Kind, q Query) ([]T, error) {
	var out []T
	err := tx.AscendKeys(prefix(kind)+"*", func(_, v string) bool {
		var rec T
		if uerr := json.Unmarshal([]byte(v), &rec); uerr != nil {
			nlog.Errorln("store: corrupt record in", kind, uerr)
			return true
		}
		if q.Filter == nil || q.Filter(rec) {
			out = append(out, rec)
		}
		return true
	})
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return nil, err
	}
	if q.Less != nil {
		sort.SliceStable(out, func(i, j int) bool { return q.Less(out[i], out[j]) })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *buntdb.Tx) error) error { return s.db.View(fn) }

// Mutate runs fn as a single transaction (spec §4.C: "every mutation is a
// single transaction; on failure ... state and cache invalidations are
// rolled back"). buntdb discards all writes performed by fn if fn
// returns an error. CacheInvalidator calls made from inside fn are not
// undone by that rollback: the results cache may keep keys marked Invalid
// for a mutation that did not commit, and rebuilds them on the next read.
func (s *Store) Mutate(fn func(tx *buntdb.Tx) error) error {
	return s.db.Update(fn)
}

func (s *Store) invalidateRace(id core.ID) {
	if s.inv != nil {
		s.inv.InvalidateRace(id)
	}
}
func (s *Store) invalidateHeat(id core.ID) {
	if s.inv != nil {
		s.inv.InvalidateHeat(id)
	}
}
func (s *Store) invalidateClass(id core.ID) {
	if s.inv != nil {
		s.inv.InvalidateClass(id)
	}
}
func (s *Store) invalidateEvent() {
	if s.inv != nil {
		s.inv.InvalidateEvent()
	}
}
