// Package race implements the Race Controller (component G, spec §4.G):
// the Ready→Staging→Racing→Done state machine, its background arm/expire
// timers, and the save/discard/reassign/schedule operations.
package race

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paddock/racecore/cmn/atomic"
	"github.com/paddock/racecore/cmn/cos"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/crossing"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/store"
	"github.com/paddock/racecore/timesrc"
)

// Controller owns the CurrentRace state machine. It implements
// timesrc.AnyRacesStarted so the Time Source can freeze its wall-clock
// offset the moment the first race of the process starts.
type Controller struct {
	race      *core.RaceState
	store     *store.Store
	bus       *eventbus.Bus
	adapter   node.Adapter
	processor *crossing.Processor
	clock     *timesrc.Source

	anyStarted atomic.Bool

	mu            sync.Mutex
	scheduled     bool
	scheduledTime float64
}

func New(race *core.RaceState, st *store.Store, bus *eventbus.Bus, adapter node.Adapter, processor *crossing.Processor, clock *timesrc.Source) *Controller {
	return &Controller{
		race:      race,
		store:     st,
		bus:       bus,
		adapter:   adapter,
		processor: processor,
		clock:     clock,
	}
}

// AnyRacesStarted implements timesrc.AnyRacesStarted.
func (c *Controller) AnyRacesStarted() bool { return c.anyStarted.Load() }

// resolveFormat picks the heat's class's format if set, else the global
// current format (spec §4.G: "heat's class's format overrides global").
func (c *Controller) resolveFormat(heat *core.Heat) (*core.Format, error) {
	formatID := core.ID(0)
	if heat.ClassID != 0 {
		class, ok, err := c.store.GetClass(heat.ClassID)
		if err != nil {
			return nil, err
		}
		if ok && class.FormatID != 0 {
			formatID = class.FormatID
		}
	}
	if formatID == 0 {
		formatID = core.ID(c.store.GetOptionInt(core.OptCurrentFormat, 0))
	}
	format, ok, err := c.store.GetFormat(formatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cos.NewError(cos.KindValidation, errors.New("race: no rules format configured"))
	}
	return format, nil
}

func (c *Controller) resolveProfile() *core.Profile {
	profileID := core.ID(c.store.GetOptionInt(core.OptCurrentProfile, 0))
	profile, ok, err := c.store.GetProfile(profileID)
	if err != nil || !ok {
		return nil
	}
	return profile
}

func bindingsForHeat(heat *core.Heat) map[int]core.NodeBinding {
	out := map[int]core.NodeBinding{}
	for _, slot := range heat.Slots {
		if slot.NodeIndex == nil {
			continue
		}
		if slot.PilotID != 0 {
			out[*slot.NodeIndex] = core.Assigned(slot.PilotID)
		} else {
			out[*slot.NodeIndex] = core.Unassigned()
		}
	}
	return out
}

func practiceBindings(nodeCount int) map[int]core.NodeBinding {
	out := make(map[int]core.NodeBinding, nodeCount)
	for i := 0; i < nodeCount; i++ {
		out[i] = core.Practice()
	}
	return out
}

// SelectHeat sets the heat a Ready-state race will be staged against.
// Switching heats while Ready discards any unsaved practice laps
// accumulated under the previous selection (SPEC_FULL.md's practice-mode
// lap-clearing supplement, grounded on original_source/server.py's
// clear_laps call inside its heat-select handler — the distilled spec
// states practice laps are "not savable" but is silent on what happens
// to them across a heat switch).
func (c *Controller) SelectHeat(heatID core.ID) error {
	if heatID != core.HeatIDNone {
		if _, ok, err := c.store.GetHeat(heatID); err != nil {
			return err
		} else if !ok {
			return cos.NewError(cos.KindValidation, fmt.Errorf("race: heat %d not found", heatID))
		}
	}
	var ok bool
	c.race.Do(func(cur *core.CurrentRace) {
		if cur.RaceStatus != core.RaceReady {
			return
		}
		ok = true
		cur.CurrentHeatID = heatID
		cur.NodeLaps = map[int][]*core.SavedLap{}
		cur.NodeSplits = map[int][]*core.LapSplit{}
		cur.NodeFinished = map[int]bool{}
		cur.WinStatus = core.WinStatusNone
		cur.WinningPilot = 0
		cur.WinningLapID = 0
		cur.StatusMessage = ""
	})
	if !ok {
		return cos.NewError(cos.KindConflict, errors.New("race: can only select a heat while Ready"))
	}
	c.processor.ResetNodeState()
	c.bus.Publish(eventbus.HeatSetCurrent, heatID)
	c.bus.Publish(eventbus.LapsClear, heatID)
	return nil
}

// Stage transitions Ready (or a Done race with no laps, or any state
// acting as a cluster secondary) into Staging: it resolves the heat's
// format/profile, clears race-level bookkeeping, arms the node interface
// for calibration, computes the randomized start time, and kicks off the
// background arm goroutine (spec §4.G).
func (c *Controller) Stage(heatID core.ID) error {
	heat, ok, err := c.store.GetHeat(heatID)
	if err != nil {
		return err
	}
	if !ok {
		return cos.NewError(cos.KindValidation, fmt.Errorf("race: heat %d not found", heatID))
	}
	format, err := c.resolveFormat(heat)
	if err != nil {
		return err
	}
	profile := c.resolveProfile()

	bindings := bindingsForHeat(heat)
	if len(bindings) == 0 {
		bindings = practiceBindings(c.adapter.NodeCount())
	}

	startDelay := format.StartDelayMinMs
	if format.StartDelayMaxMs > 0 {
		startDelay += rand.Intn(format.StartDelayMaxMs + 1)
	}
	stagingTotalMs := float64(format.StagingFixedMs + startDelay)

	token := uuid.NewString()
	stageMono := c.clock.Now()

	var staged bool
	c.race.Do(func(cur *core.CurrentRace) {
		if cur.RaceStatus != core.RaceReady {
			if !(cur.RaceStatus == core.RaceDone && len(cur.NodeLaps) == 0) {
				return
			}
		}
		staged = true
		cur.CurrentHeatID = heatID
		cur.Format = format
		cur.Profile = profile
		cur.NodeBindings = bindings
		cur.NodeLaps = map[int][]*core.SavedLap{}
		cur.NodeSplits = map[int][]*core.LapSplit{}
		cur.NodeFinished = map[int]bool{}
		cur.WinStatus = core.WinStatusNone
		cur.WinningPilot = 0
		cur.WinningLapID = 0
		cur.StatusMessage = ""
		cur.StageTimeMonotonic = stageMono
		cur.StartTimeMonotonic = stageMono + stagingTotalMs/1000
		cur.StartToken = token
		cur.RaceStatus = core.RaceStaging
	})
	if !staged {
		return cos.NewError(cos.KindConflict, errors.New("race: can only stage from Ready (or a Done race with no laps)"))
	}

	c.processor.ResetNodeState()
	for i := 0; i < c.adapter.NodeCount(); i++ {
		_ = c.adapter.EnableCalibrationMode(i)
	}
	_ = c.adapter.SetRaceStatus(core.RaceStaging)

	c.bus.Publish(eventbus.HeatSetCurrent, heatID)
	c.bus.Publish(eventbus.RaceStage, token)
	go c.arm(token)
	return nil
}
