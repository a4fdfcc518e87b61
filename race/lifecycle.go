package race

import (
	"errors"
	"time"

	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

// armPollInterval is how often the arm goroutine wakes to check whether
// the staging window has elapsed. Once less than one interval remains,
// arm sleeps for exactly the remaining time (at least 1ms); it never
// busy-waits.
const armPollInterval = 25 * time.Millisecond

var (
	ErrNotRunning = errors.New("race: not staging or racing")
	ErrNoHeat     = errors.New("race: no heat selected for this race")
)

// arm sleeps until just before the scheduled start, confirming on every
// wake that the race is still Staging under the same token (a restage or
// a cancel invalidates the token, making this goroutine a no-op), then
// calls start.
func (c *Controller) arm(token string) {
	for {
		var target, now float64
		var live bool
		c.race.Do(func(cur *core.CurrentRace) {
			live = cur.RaceStatus == core.RaceStaging && cur.StartToken == token
			target = cur.StartTimeMonotonic
		})
		if !live {
			return
		}
		now = c.clock.Now()
		remaining := target - now
		if remaining <= 0 {
			c.start(token)
			return
		}
		sleep := armPollInterval
		if remaining < float64(armPollInterval)/float64(time.Second) {
			sleep = time.Duration(remaining * float64(time.Second))
			if sleep < time.Millisecond {
				sleep = time.Millisecond
			}
		}
		time.Sleep(sleep)
	}
}

// start fires the actual race: it force-ends any crossing still open from
// calibration noise, applies a temporarily lowered start threshold where
// configured, flips CurrentRace to Racing, and (countdown formats only)
// schedules the expire goroutine (spec §4.G "start").
func (c *Controller) start(token string) {
	var ok bool
	var format *core.Format
	var bindings map[int]core.NodeBinding
	var startMono float64

	c.race.Do(func(cur *core.CurrentRace) {
		if cur.RaceStatus != core.RaceStaging || cur.StartToken != token {
			return
		}
		ok = true
		format = cur.Format
		bindings = cur.NodeBindings
		startMono = cur.StartTimeMonotonic
	})
	if !ok {
		return
	}

	for i := 0; i < c.adapter.NodeCount(); i++ {
		st, found := c.adapter.State(i)
		if !found {
			continue
		}
		if st.CrossingFlag && st.CurrentRSSI < st.EnterAtLevel {
			if err := c.adapter.ForceEndCrossing(i); err != nil {
				nlog.Infoln("race: force-end crossing failed, node =", i, "err =", err)
			}
		}
	}

	lowerAmount := c.store.GetOptionInt(core.OptStartThreshLowerAmount, 0)
	lowerDuration := c.store.GetOptionInt(core.OptStartThreshLowerDuration, 0)
	if lowerAmount > 0 && lowerDuration > 0 {
		until := startMono + float64(lowerDuration)
		for i, binding := range bindings {
			if !binding.IsAssigned() && !binding.IsPractice() {
				continue
			}
			st, found := c.adapter.State(i)
			if !found {
				continue
			}
			lowered := st.EnterAtLevel - lowerAmount
			if lowered < 0 {
				lowered = 0
			}
			if err := c.adapter.TransmitEnterAtLevel(i, lowered); err != nil {
				nlog.Infoln("race: transmit lowered enter-at failed, node =", i, "err =", err)
				continue
			}
			if err := c.adapter.TransmitExitAtLevel(i, lowered); err != nil {
				nlog.Infoln("race: transmit lowered exit-at failed, node =", i, "err =", err)
			}
			c.processor.ArmStartThreshLower(i, until)
		}
	}

	c.anyStarted.Store(true)

	var epochMs int64
	c.race.Do(func(cur *core.CurrentRace) {
		if cur.RaceStatus != core.RaceStaging || cur.StartToken != token {
			return
		}
		cur.RaceStatus = core.RaceRacing
		cur.StartTimeEpochMs = c.clock.ToEpochMillis(cur.StartTimeMonotonic)
		epochMs = cur.StartTimeEpochMs
	})
	_ = c.adapter.SetRaceStatus(core.RaceRacing)
	c.bus.Publish(eventbus.RaceStart, epochMs)

	if format != nil && format.RaceMode == core.CountDown {
		go c.expire(token)
	}
}

// expire fires at the end of a countdown-mode race's fixed duration: it
// runs the at-finish win evaluator, honors any consideration window it
// asks for, then waits the format's lap-grace period before stopping the
// race outright (spec §4.G "expire").
func (c *Controller) expire(token string) {
	var raceTimeSec, graceSec int
	var live bool
	c.race.Do(func(cur *core.CurrentRace) {
		live = cur.RaceStatus == core.RaceRacing && cur.StartToken == token
		if cur.Format != nil {
			raceTimeSec = cur.Format.RaceTimeSec
			graceSec = cur.Format.LapGraceSec
		}
	})
	if !live {
		return
	}
	time.Sleep(time.Duration(raceTimeSec) * time.Second)

	live = false
	c.race.Do(func(cur *core.CurrentRace) {
		live = cur.RaceStatus == core.RaceRacing && cur.StartToken == token
	})
	if !live {
		return
	}

	c.bus.Publish(eventbus.RaceFinish, token)
	if window := c.processor.CheckWinAtFinish(); window > 0 {
		time.Sleep(window)
	}
	if graceSec > 0 {
		time.Sleep(time.Duration(graceSec) * time.Second)
	}

	live = false
	c.race.Do(func(cur *core.CurrentRace) {
		live = cur.RaceStatus == core.RaceRacing && cur.StartToken == token
	})
	if !live {
		return
	}
	_ = c.Stop()
}

// Stop ends a Racing race immediately: any node still mid-crossing is
// force-ended before the transition to Done so a trailing pass doesn't
// straddle the boundary (spec §4.G "stop").
func (c *Controller) Stop() error {
	for i := 0; i < c.adapter.NodeCount(); i++ {
		st, found := c.adapter.State(i)
		if found && st.CrossingFlag {
			_ = c.adapter.ForceEndCrossing(i)
		}
	}
	endMono := c.clock.Now()

	var ok bool
	c.race.Do(func(cur *core.CurrentRace) {
		if cur.RaceStatus != core.RaceRacing && cur.RaceStatus != core.RaceStaging {
			return
		}
		ok = true
		cur.RaceStatus = core.RaceDone
		cur.EndTime = endMono
	})
	if !ok {
		return ErrNotRunning
	}
	_ = c.adapter.SetRaceStatus(core.RaceDone)
	c.bus.Publish(eventbus.RaceStop, endMono)
	c.processor.CheckWinAtFinish()
	return nil
}

// Save persists the current Done race's laps and per-node traces (spec
// §4.G "save"). It leaves CurrentHeatID as it is; it does not advance to
// another heat. Only assigned/practice nodes are saved; unassigned seats
// never produced a SavedPilotRace.
func (c *Controller) Save() (*core.SavedRace, error) {
	var (
		heatID       core.ID
		formatID     core.ID
		startMono    float64
		startWall    int64
		bindings     map[int]core.NodeBinding
		allLaps      []*core.SavedLap
	)
	c.race.Do(func(cur *core.CurrentRace) {
		heatID = cur.CurrentHeatID
		if cur.Format != nil {
			formatID = cur.Format.ID
		}
		startMono = cur.StartTimeMonotonic
		startWall = cur.StartTimeEpochMs
		bindings = cur.NodeBindings
		for _, laps := range cur.NodeLaps {
			allLaps = append(allLaps, laps...)
		}
	})
	if heatID == core.HeatIDNone {
		return nil, ErrNoHeat
	}
	heat, ok, err := c.store.GetHeat(heatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoHeat
	}

	race := &core.SavedRace{
		HeatID:             heatID,
		ClassID:            heat.ClassID,
		FormatID:           formatID,
		StartTimeMonotonic: startMono,
		StartTimeWall:      startWall,
	}

	var pilotRaces []*core.SavedPilotRace
	for i, binding := range bindings {
		if !binding.IsAssigned() && !binding.IsPractice() {
			continue
		}
		st, found := c.adapter.State(i)
		pr := &core.SavedPilotRace{NodeIndex: i, PilotID: binding.PilotID()}
		if found {
			pr.EnterAt = st.EnterAtLevel
			pr.ExitAt = st.ExitAtLevel
			pr.RSSIHistory = append([]int(nil), st.HistoryValues...)
			pr.TimeHistory = append([]float64(nil), st.HistoryTimes...)
		}
		pilotRaces = append(pilotRaces, pr)
	}

	saved, err := c.store.SaveRace(race, pilotRaces, allLaps)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Discard stops a running race (if any) and drops the in-memory
// CurrentRace without writing anything to the store, replacing it with a
// fresh Ready singleton (spec §4.G "discard").
func (c *Controller) Discard() {
	var running bool
	c.race.Do(func(cur *core.CurrentRace) {
		running = cur.RaceStatus == core.RaceRacing || cur.RaceStatus == core.RaceStaging
	})
	if running {
		_ = c.Stop()
	}
	c.race.Replace(core.NewCurrentRace())
	c.processor.ResetNodeState()
	c.bus.Publish(eventbus.LapsDiscard, nil)
	c.bus.Publish(eventbus.LapsClear, nil)
}

// Reassign moves a saved race to a different heat, resetting any win
// declaration the move invalidates (spec §8: reassignment never
// recomputes results — only the cache generation it belongs to changes —
// but a stale in-memory win banner tied to the old heat must still
// clear).
func (c *Controller) Reassign(raceID, newHeatID core.ID) (*core.SavedRace, error) {
	out, err := c.store.ReassignRaceToHeat(raceID, newHeatID)
	if err != nil {
		return nil, err
	}
	c.processor.ResetWinOnDeletion()
	return out, nil
}

// ScheduleRace arms a deferred Stage call secondsFromNow out (spec §4.G
// "schedule"/"cancelSchedule"): it starts a watchSchedule goroutine that
// polls scheduledTime every 100ms and fires Stage once it elapses.
func (c *Controller) ScheduleRace(heatID core.ID, secondsFromNow float64) {
	target := c.clock.Now() + secondsFromNow
	c.mu.Lock()
	c.scheduled = true
	c.scheduledTime = target
	c.mu.Unlock()
	c.race.Do(func(cur *core.CurrentRace) {
		cur.Scheduled = true
		cur.ScheduledTime = target
	})
	go c.watchSchedule(heatID, target)
}

// CancelSchedule clears a pending ScheduleRace; the watcher goroutine
// notices on its next tick and exits without staging.
func (c *Controller) CancelSchedule() {
	c.mu.Lock()
	c.scheduled = false
	c.mu.Unlock()
	c.race.Do(func(cur *core.CurrentRace) {
		cur.Scheduled = false
		cur.ScheduledTime = 0
	})
}

func (c *Controller) watchSchedule(heatID core.ID, target float64) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		scheduled, scheduledTime := c.scheduled, c.scheduledTime
		c.mu.Unlock()
		if !scheduled || scheduledTime != target {
			return
		}
		if c.clock.Now() >= target {
			c.mu.Lock()
			c.scheduled = false
			c.mu.Unlock()
			if err := c.Stage(heatID); err != nil {
				nlog.Infoln("race: scheduled stage failed:", err)
			}
			return
		}
	}
}
