package clientfanout

import (
	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
)

// Client command surface (spec §6), the subset whose effect is a
// race.Controller state-machine transition. Every other named command
// (entity CRUD, frequency/calibration, database ops, LED, power) mutates
// the store or node adapter directly and is out of Client Fan-out's
// scope (spec §4.J only defines the snapshot/delta/loadData surface);
// those are wired from cmd/racecored's own handlers instead.
const (
	cmdStageRace           = "stage_race"
	cmdStopRace            = "stop_race"
	cmdSaveLaps            = "save_laps"
	cmdDiscardLaps         = "discard_laps"
	cmdSetCurrentHeat      = "set_current_heat"
	cmdScheduleRace        = "schedule_race"
	cmdCancelScheduleRace  = "cancel_schedule_race"
)

type setCurrentHeatRequest struct {
	Heat core.ID `json:"heat"`
}

type stageRaceRequest struct {
	Heat core.ID `json:"heat"`
}

type scheduleRaceRequest struct {
	Heat    core.ID `json:"heat"`
	Minutes float64 `json:"m"`
	Seconds float64 `json:"s"`
}

// dispatchClientMessage handles a message read off one session's
// connection: loadData is answered back to the requester, the race
// commands above drive the shared race.Controller (their effect reaches
// every session through the normal delta-push subscriptions, not a
// direct reply).
func (h *Hub) dispatchClientMessage(s *Session, env Envelope) {
	switch env.Type {
	case msgLoadData:
		h.handleLoadData(s, env)
	case cmdStageRace:
		var req stageRaceRequest
		if err := json.Unmarshal(env.Payload, &req); err == nil {
			if err := h.controller.Stage(req.Heat); err != nil {
				nlog.Warningln("clientfanout: stage_race rejected,", err)
			}
		}
	case cmdStopRace:
		if err := h.controller.Stop(); err != nil {
			nlog.Warningln("clientfanout: stop_race rejected,", err)
		}
	case cmdSaveLaps:
		if _, err := h.controller.Save(); err != nil {
			nlog.Warningln("clientfanout: save_laps rejected,", err)
		}
	case cmdDiscardLaps:
		h.controller.Discard()
	case cmdSetCurrentHeat:
		var req setCurrentHeatRequest
		if err := json.Unmarshal(env.Payload, &req); err == nil {
			if err := h.controller.SelectHeat(req.Heat); err != nil {
				nlog.Warningln("clientfanout: set_current_heat rejected,", err)
			}
		}
	case cmdScheduleRace:
		var req scheduleRaceRequest
		if err := json.Unmarshal(env.Payload, &req); err == nil {
			h.controller.ScheduleRace(req.Heat, req.Minutes*60+req.Seconds)
		}
	case cmdCancelScheduleRace:
		h.controller.CancelSchedule()
	}
}

func (h *Hub) handleLoadData(s *Session, env Envelope) {
	var req loadDataRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		nlog.Warningln("clientfanout: invalid load_data payload,", err)
		return
	}
	for _, name := range req.Types {
		t := dataType(name)
		payload, ok := h.buildPayload(t)
		if !ok {
			nlog.Warningln("clientfanout: load_data requested unknown type,", name)
			continue
		}
		s.enqueue(envelopeFor(t, payload))
	}
}
