package resultscache

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/store"
)

const (
	levelRace  = "race"
	levelHeat  = "heat"
	levelClass = "class"
	levelEvent = "event"
)

// Cache is the Results Cache (component D). It implements
// store.CacheInvalidator so the Entity Store can drive invalidation
// without importing this package.
type Cache struct {
	store *store.Store
	met   *metrics

	mu     sync.RWMutex
	status map[string]core.CacheStatus
	boards map[string]*Leaderboard

	pageMu    sync.RWMutex
	pageCache core.CacheStatus // the coarse Valid|Invalid boolean of §4.D

	group singleflight.Group
}

var _ store.CacheInvalidator = (*Cache)(nil)

func New(s *store.Store) *Cache {
	c := &Cache{
		store:     s,
		met:       newMetrics(),
		status:    map[string]core.CacheStatus{},
		boards:    map[string]*Leaderboard{},
		pageCache: core.CacheInvalid,
	}
	s.SetInvalidator(c)
	return c
}

func (c *Cache) Metrics() *metrics { return c.met }

func raceKey(id core.ID) string  { return levelRace + "/" + strconv.FormatInt(int64(id), 10) }
func heatKey(id core.ID) string  { return levelHeat + "/" + strconv.FormatInt(int64(id), 10) }
func classKey(id core.ID) string { return levelClass + "/" + strconv.FormatInt(int64(id), 10) }

func (c *Cache) statusOf(key string) core.CacheStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status[key]
}

func (c *Cache) cached(key string) (*Leaderboard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status[key] != core.CacheValid {
		return nil, false
	}
	return c.boards[key], true
}

func (c *Cache) setValid(key string, lb *Leaderboard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards[key] = lb
	c.status[key] = core.CacheValid
}

// get runs build at most once per key even under concurrent callers
// (spec §4.D: "at-most-one concurrent build per key"), via
// singleflight.Group.Do — concurrent Do calls for the same key block on
// the first caller's result rather than recomputing, which is exactly the
// "other callers wait on a per-key completion signal" requirement.
func (c *Cache) get(level, key string, build func() (*Leaderboard, error)) (*Leaderboard, error) {
	if lb, ok := c.cached(key); ok {
		c.met.hits.WithLabelValues(level).Inc()
		return lb, nil
	}
	c.met.misses.WithLabelValues(level).Inc()

	c.mu.Lock()
	c.status[key] = core.CacheInProgress
	c.mu.Unlock()

	start := time.Now()
	v, err, _ := c.group.Do(key, func() (any, error) {
		return build()
	})
	c.met.buildTime.WithLabelValues(level).Observe(time.Since(start).Seconds())
	if err != nil {
		c.mu.Lock()
		c.status[key] = core.CacheInvalid
		c.mu.Unlock()
		return nil, err
	}
	lb := v.(*Leaderboard)
	c.met.builds.WithLabelValues(level).Inc()
	c.setValid(key, lb)
	return lb, nil
}

func (c *Cache) invalidate(key string) {
	c.mu.Lock()
	c.status[key] = core.CacheInvalid
	c.mu.Unlock()
}

// GetRaceLeaderboard returns the cached or freshly built standings for a
// single SavedRace.
func (c *Cache) GetRaceLeaderboard(id core.ID) (*Leaderboard, error) {
	return c.get(levelRace, raceKey(id), func() (*Leaderboard, error) { return c.buildRace(id) })
}

// GetHeatLeaderboard aggregates every round recorded against a heat.
func (c *Cache) GetHeatLeaderboard(id core.ID) (*Leaderboard, error) {
	return c.get(levelHeat, heatKey(id), func() (*Leaderboard, error) { return c.buildHeat(id) })
}

// GetClassLeaderboard aggregates every heat under a class.
func (c *Cache) GetClassLeaderboard(id core.ID) (*Leaderboard, error) {
	return c.get(levelClass, classKey(id), func() (*Leaderboard, error) { return c.buildClass(id) })
}

// GetEventLeaderboard aggregates every class, plus any unclassified heat,
// mirroring the option eventResults_cacheStatus flag of spec §4.D.
func (c *Cache) GetEventLeaderboard() (*Leaderboard, error) {
	return c.get(levelEvent, levelEvent, func() (*Leaderboard, error) { return c.buildEvent() })
}

func (c *Cache) buildRace(id core.ID) (*Leaderboard, error) {
	race, ok, err := c.store.GetSavedRace(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("resultscache: race %d not found", id)
	}
	format, ok, err := c.store.GetFormat(race.FormatID)
	if err != nil {
		return nil, err
	}
	var cond core.WinCondition
	winLaps := 3
	if ok {
		cond = format.WinCondition
		if format.NumberLapsWin > 0 {
			winLaps = format.NumberLapsWin
		}
	}

	prs, err := c.store.ListSavedPilotRaces(store.Query{
		Filter: func(rec any) bool { return rec.(core.SavedPilotRace).RaceID == id },
	})
	if err != nil {
		return nil, err
	}

	standings := make([]Standing, 0, len(prs))
	for _, pr := range prs {
		laps, err := c.store.ListSavedLaps(store.Query{
			Filter: func(rec any) bool {
				l := rec.(core.SavedLap)
				return l.PilotRaceID == pr.ID && !l.Deleted
			},
			Less: func(a, b any) bool {
				return a.(core.SavedLap).LapTimeStamp < b.(core.SavedLap).LapTimeStamp
			},
		})
		if err != nil {
			return nil, err
		}
		s := Standing{PilotID: pr.PilotID, Laps: len(laps)}
		times := make([]float64, 0, len(laps))
		for _, l := range laps {
			s.TotalTime += l.LapTime
			if s.BestLapTime == 0 || l.LapTime < s.BestLapTime {
				s.BestLapTime = l.LapTime
			}
			times = append(times, l.LapTime)
		}
		s.Consecutive = bestConsecutive(times, winLaps)
		standings = append(standings, s)
	}

	return &Leaderboard{Standings: rankStandings(standings, cond)}, nil
}

// buildHeat merges every round's race leaderboard for heatID, then ranks
// against the format most recently used in that heat.
func (c *Cache) buildHeat(heatID core.ID) (*Leaderboard, error) {
	races, err := c.store.ListSavedRaces(store.Query{
		Filter: func(rec any) bool { return rec.(core.SavedRace).HeatID == heatID },
		Less:   func(a, b any) bool { return a.(core.SavedRace).RoundID < b.(core.SavedRace).RoundID },
	})
	if err != nil {
		return nil, err
	}

	merged := map[core.ID]*Standing{}
	var cond core.WinCondition
	for _, r := range races {
		lb, err := c.GetRaceLeaderboard(r.ID)
		if err != nil {
			return nil, err
		}
		mergeStandings(merged, lb.Standings)
		if f, ok, _ := c.store.GetFormat(r.FormatID); ok {
			cond = f.WinCondition
		}
	}
	return &Leaderboard{Standings: rankStandings(flattenStandings(merged), cond)}, nil
}

// buildClass merges every heat's leaderboard under classID.
func (c *Cache) buildClass(classID core.ID) (*Leaderboard, error) {
	heats, err := c.store.ListHeats(store.Query{
		Filter: func(rec any) bool { return rec.(core.Heat).ClassID == classID },
	})
	if err != nil {
		return nil, err
	}
	class, _, err := c.store.GetClass(classID)
	if err != nil {
		return nil, err
	}
	var cond core.WinCondition
	if class != nil {
		if f, ok, _ := c.store.GetFormat(class.FormatID); ok {
			cond = f.WinCondition
		}
	}

	merged := map[core.ID]*Standing{}
	for _, h := range heats {
		lb, err := c.GetHeatLeaderboard(h.ID)
		if err != nil {
			return nil, err
		}
		mergeStandings(merged, lb.Standings)
	}
	return &Leaderboard{Standings: rankStandings(flattenStandings(merged), cond)}, nil
}

// buildEvent merges every class leaderboard plus heats with no class.
func (c *Cache) buildEvent() (*Leaderboard, error) {
	classes, err := c.store.ListClasses(store.Query{})
	if err != nil {
		return nil, err
	}
	merged := map[core.ID]*Standing{}
	for _, cl := range classes {
		lb, err := c.GetClassLeaderboard(cl.ID)
		if err != nil {
			return nil, err
		}
		mergeStandings(merged, lb.Standings)
	}
	heats, err := c.store.ListHeats(store.Query{
		Filter: func(rec any) bool { return rec.(core.Heat).ClassID == 0 },
	})
	if err != nil {
		return nil, err
	}
	for _, h := range heats {
		lb, err := c.GetHeatLeaderboard(h.ID)
		if err != nil {
			return nil, err
		}
		mergeStandings(merged, lb.Standings)
	}
	return &Leaderboard{Standings: rankStandings(flattenStandings(merged), core.WinMostLaps)}, nil
}

// InvalidateRace implements store.CacheInvalidator.
func (c *Cache) InvalidateRace(id core.ID) { c.invalidate(raceKey(id)) }

// InvalidateHeat implements store.CacheInvalidator.
func (c *Cache) InvalidateHeat(id core.ID) { c.invalidate(heatKey(id)) }

// InvalidateClass implements store.CacheInvalidator.
func (c *Cache) InvalidateClass(id core.ID) { c.invalidate(classKey(id)) }

// InvalidateEvent marks the event-wide board and the coarse page cache
// Invalid together: any change that reaches this high in the hierarchy
// also stales any statically served leaderboard page (spec §4.D).
//
// This is invoked from inside the Entity Store's own buntdb transaction
// (store/invalidation.go), so it must never call back into the store with
// an operation that opens another transaction — buntdb's DB.Update is not
// reentrant and that would deadlock. It does not write the option mirror
// of this status (OptEventResultsCacheStatus).
func (c *Cache) InvalidateEvent() {
	c.invalidate(levelEvent)
	c.pageMu.Lock()
	c.pageCache = core.CacheInvalid
	c.pageMu.Unlock()
}

// PageCacheValid reports the coarse page-cache boolean the fan-out layer
// consults before serving a static leaderboard response (spec §4.D).
func (c *Cache) PageCacheValid() bool {
	c.pageMu.RLock()
	defer c.pageMu.RUnlock()
	return c.pageCache == core.CacheValid
}

// MarkPageCacheValid is called once the fan-out layer has rendered and
// served the current event-wide leaderboard.
func (c *Cache) MarkPageCacheValid() {
	c.pageMu.Lock()
	c.pageCache = core.CacheValid
	c.pageMu.Unlock()
}
