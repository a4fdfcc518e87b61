package clientfanout

import "github.com/paddock/racecore/eventbus"

// deltaEvents maps each event whose publication should push a fresh
// dataType snapshot to every connected session (spec §4.J: "on each
// relevant Event publish, push the targeted delta"). Several distinct
// events can resolve to the same dataType — e.g. every race-status
// transition republishes race_status rather than trying to diff it.
var deltaEvents = map[string]dataType{
	eventbus.PilotAdd:    dataPilots,
	eventbus.PilotAlter:  dataPilots,
	eventbus.PilotDelete: dataPilots,

	eventbus.ClassAdd:    dataClasses,
	eventbus.ClassAlter:  dataClasses,
	eventbus.ClassDelete: dataClasses,

	eventbus.HeatAdd:        dataHeats,
	eventbus.HeatAlter:      dataHeats,
	eventbus.HeatDelete:     dataHeats,
	eventbus.HeatSetCurrent: dataRaceStatus,

	eventbus.FormatAdd:    dataFormats,
	eventbus.FormatAlter:  dataFormats,
	eventbus.FormatDelete: dataFormats,

	eventbus.ProfileAdd:    dataProfiles,
	eventbus.ProfileAlter:  dataProfiles,
	eventbus.ProfileDelete: dataProfiles,

	eventbus.RaceSchedule:       dataRaceStatus,
	eventbus.RaceScheduleCancel: dataRaceStatus,
	eventbus.RaceStage:          dataRaceStatus,
	eventbus.RaceStart:          dataRaceStatus,
	eventbus.RaceFinish:         dataRaceStatus,
	eventbus.RaceStop:           dataRaceStatus,
	eventbus.RaceWin:            dataRaceStatus,

	eventbus.RaceLapRecorded: dataLeaderboard,
	eventbus.RacePilotDone:   dataLeaderboard,
	eventbus.LapsSave:        dataLeaderboard,
	eventbus.LapsDiscard:     dataLeaderboard,
	eventbus.LapsClear:       dataLeaderboard,
	eventbus.LapDelete:       dataLeaderboard,
	eventbus.LapRestoreDeleted: dataLeaderboard,
}

// subscribeDeltas wires every deltaEvents entry plus the shutdown
// handler. It runs once from New.
func (h *Hub) subscribeDeltas() {
	for event, t := range deltaEvents {
		t := t
		h.bus.Subscribe(event, func(any) {
			payload, ok := h.buildPayload(t)
			if !ok {
				return
			}
			h.broadcast(envelopeFor(t, payload))
		})
	}
	h.bus.Subscribe(eventbus.Shutdown, func(any) {
		h.broadcast(Envelope{Type: string(eventbus.Shutdown)})
		h.Shutdown()
	})
}
