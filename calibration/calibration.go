// Package calibration implements Adaptive Calibration (component I, spec
// §4.I): at heat-set time, each node's enter/exit thresholds are seeded
// from the best-matching prior SavedPilotRace rather than left at
// whatever levels the last race happened to leave them.
package calibration

import (
	"sort"

	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/store"
)

// Calibrator applies the five-step threshold search of spec §4.I.
type Calibrator struct {
	store   *store.Store
	adapter node.Adapter
	bus     *eventbus.Bus
}

// New builds a Calibrator and subscribes it to eventbus.HeatSetCurrent,
// the event both race.Controller.SelectHeat and race.Controller.Stage
// publish whenever CurrentHeatID changes (spec §4.I: "at heat-set time").
// Subscribing rather than being called directly keeps calibration a
// sibling of race rather than a dependency of it, the same layering
// crossing and race already use to stay decoupled through core and
// eventbus alone.
func New(st *store.Store, adapter node.Adapter, bus *eventbus.Bus) *Calibrator {
	c := &Calibrator{store: st, adapter: adapter, bus: bus}
	bus.Subscribe(eventbus.HeatSetCurrent, func(payload any) {
		heatID, ok := payload.(core.ID)
		if !ok {
			return
		}
		c.onHeatSet(heatID)
	})
	return c
}

// levels is the (enterAt, exitAt) pair a search step found, or ok=false
// if that step matched nothing.
type levels struct {
	enterAt, exitAt int
	ok              bool
}

func (c *Calibrator) onHeatSet(heatID core.ID) {
	if c.store.GetOption(core.OptCalibrationMode, "") != "true" {
		return
	}
	if heatID == core.HeatIDNone {
		return
	}
	heat, ok, err := c.store.GetHeat(heatID)
	if err != nil || !ok {
		return
	}
	c.applyForHeat(heat)
}

// applyForHeat runs the search for every node bound in heat; a node with
// no binding or no match at any step keeps its current thresholds (step 5).
func (c *Calibrator) applyForHeat(heat *core.Heat) {
	for _, slot := range heat.Slots {
		if slot.NodeIndex == nil || slot.PilotID == 0 {
			continue
		}
		nodeIndex, pilotID := *slot.NodeIndex, slot.PilotID
		lv, matchedBy := c.search(heat, nodeIndex, pilotID)
		if !lv.ok {
			continue
		}
		if err := c.adapter.SetEnterAtLevel(nodeIndex, lv.enterAt); err != nil {
			nlog.Infoln("calibration: set enter-at failed, node =", nodeIndex, "err =", err)
			continue
		}
		if err := c.adapter.SetExitAtLevel(nodeIndex, lv.exitAt); err != nil {
			nlog.Infoln("calibration: set exit-at failed, node =", nodeIndex, "err =", err)
			continue
		}
		c.bus.Publish(eventbus.EnterAtLevelSet, levelSetEvent{Node: nodeIndex, Level: lv.enterAt})
		c.bus.Publish(eventbus.ExitAtLevelSet, levelSetEvent{Node: nodeIndex, Level: lv.exitAt})
		nlog.Infoln("calibration: applied levels, node =", nodeIndex, "matched_by =", matchedBy)
	}
}

// levelSetEvent is the payload published on ENTER_AT_LEVEL_SET/EXIT_AT_LEVEL_SET.
type levelSetEvent struct {
	Node  int
	Level int
}

// search implements the five-step descending-id lookup of spec §4.I.
func (c *Calibrator) search(heat *core.Heat, nodeIndex int, pilotID core.ID) (levels, string) {
	pilotRaces, races, err := c.loadCandidates(nodeIndex)
	if err != nil {
		nlog.Infoln("calibration: load candidates failed, node =", nodeIndex, "err =", err)
		return levels{}, ""
	}
	racesByID := make(map[core.ID]*core.SavedRace, len(races))
	for _, r := range races {
		racesByID[r.ID] = r
	}

	// Step 1: same heat, same node.
	for _, pr := range pilotRaces {
		if r, ok := racesByID[pr.RaceID]; ok && r.HeatID == heat.ID {
			return levels{pr.EnterAt, pr.ExitAt, true}, "same heat"
		}
	}

	// Step 2: same class, same pilot, same node.
	for _, pr := range pilotRaces {
		r, ok := racesByID[pr.RaceID]
		if !ok || pr.PilotID != pilotID {
			continue
		}
		if heat.ClassID != 0 && r.ClassID == heat.ClassID {
			return levels{pr.EnterAt, pr.ExitAt, true}, "same class+pilot"
		}
	}

	// Step 3: same pilot, same node.
	for _, pr := range pilotRaces {
		if pr.PilotID == pilotID {
			return levels{pr.EnterAt, pr.ExitAt, true}, "same pilot"
		}
	}

	// Step 4: same node, any pilot.
	if len(pilotRaces) > 0 {
		pr := pilotRaces[0]
		return levels{pr.EnterAt, pr.ExitAt, true}, "same node"
	}

	// Step 5: no match — keep current thresholds.
	return levels{}, "none"
}

// loadCandidates returns nodeIndex's SavedPilotRaces in descending
// SavedRace id order (spec §4.I: "search ... in descending id order"),
// alongside the SavedRace each belongs to.
func (c *Calibrator) loadCandidates(nodeIndex int) ([]*core.SavedPilotRace, []*core.SavedRace, error) {
	pilotRaces, err := c.store.ListSavedPilotRaces(store.Query{
		Filter: func(rec any) bool { return rec.(core.SavedPilotRace).NodeIndex == nodeIndex },
	})
	if err != nil {
		return nil, nil, err
	}
	races, err := c.store.ListSavedRaces(store.Query{})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(pilotRaces, func(i, j int) bool { return pilotRaces[i].RaceID > pilotRaces[j].RaceID })
	return pilotRaces, races, nil
}
