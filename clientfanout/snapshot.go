package clientfanout

import (
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/store"
)

// dataType names one slice of the loadData/snapshot surface (spec §4.J).
type dataType string

const (
	dataServerInfo dataType = "server_info"
	dataPilots     dataType = "pilots"
	dataHeats      dataType = "heats"
	dataClasses    dataType = "classes"
	dataFormats    dataType = "formats"
	dataProfiles   dataType = "profiles"
	dataRaceStatus dataType = "race_status"
	dataLeaderboard dataType = "leaderboard"
	dataLanguage   dataType = "language"
	dataLEDSetup   dataType = "led_setup"
)

var allDataTypes = []dataType{
	dataServerInfo, dataPilots, dataHeats, dataClasses, dataFormats,
	dataProfiles, dataRaceStatus, dataLeaderboard, dataLanguage, dataLEDSetup,
}

type serverInfoPayload struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type raceStatusPayload struct {
	Status        string  `json:"status"`
	CurrentHeatID core.ID `json:"current_heat_id"`
	StartTimeMs   int64   `json:"start_time_ms"`
	WinStatus     string  `json:"win_status"`
	StatusMessage string  `json:"status_message"`
}

// languagePayload is always empty: racecore carries no translation
// strings of its own (Non-goal: no UI rendering), but the type is still
// answerable so a browser client's generic loadData loop never stalls
// waiting on a type the server will never produce.
type languagePayload struct {
	Strings map[string]string `json:"strings"`
}

// ledSetupPayload mirrors the same carried-but-inert shape as language:
// racecore has no LED manager (Non-goal scope), so this always reports
// no configured effects rather than the requester's loadData hanging.
type ledSetupPayload struct {
	Effects map[string]string `json:"effects"`
}

// buildPayload renders one dataType's current value, or (nil, false) if
// the type is unrecognized.
func (h *Hub) buildPayload(t dataType) (any, bool) {
	switch t {
	case dataServerInfo:
		return serverInfoPayload{Name: "racecored", Version: "1"}, true
	case dataPilots:
		pilots, err := h.store.ListPilots(store.Query{})
		if err != nil {
			return nil, false
		}
		return pilots, true
	case dataHeats:
		heats, err := h.store.ListHeats(store.Query{})
		if err != nil {
			return nil, false
		}
		return heats, true
	case dataClasses:
		classes, err := h.store.ListClasses(store.Query{})
		if err != nil {
			return nil, false
		}
		return classes, true
	case dataFormats:
		formats, err := h.store.ListFormats(store.Query{})
		if err != nil {
			return nil, false
		}
		return formats, true
	case dataProfiles:
		profiles, err := h.store.ListProfiles(store.Query{})
		if err != nil {
			return nil, false
		}
		return profiles, true
	case dataRaceStatus:
		return h.raceStatusPayload(), true
	case dataLeaderboard:
		return h.leaderboardPayload(), true
	case dataLanguage:
		return languagePayload{Strings: map[string]string{}}, true
	case dataLEDSetup:
		return ledSetupPayload{Effects: map[string]string{}}, true
	default:
		return nil, false
	}
}

func (h *Hub) raceStatusPayload() raceStatusPayload {
	cur := h.raceState.Snapshot()
	return raceStatusPayload{
		Status:        cur.RaceStatus.String(),
		CurrentHeatID: cur.CurrentHeatID,
		StartTimeMs:   cur.StartTimeEpochMs,
		WinStatus:     winStatusString(cur.WinStatus),
		StatusMessage: cur.StatusMessage,
	}
}

func (h *Hub) leaderboardPayload() any {
	cur := h.raceState.Snapshot()
	if cur.CurrentHeatID == core.HeatIDNone {
		return nil
	}
	lb, err := h.cache.GetHeatLeaderboard(cur.CurrentHeatID)
	if err != nil {
		return nil
	}
	return lb
}

func winStatusString(w core.WinStatus) string {
	switch w {
	case core.WinStatusDeclared:
		return "declared"
	case core.WinStatusTie:
		return "tie"
	case core.WinStatusOvertime:
		return "overtime"
	default:
		return "none"
	}
}

// pushSnapshot sends every dataType to a newly connected session (spec
// §4.J: "on browser connect, push a full snapshot").
func (h *Hub) pushSnapshot(s *Session) {
	for _, t := range allDataTypes {
		payload, ok := h.buildPayload(t)
		if !ok {
			continue
		}
		s.enqueue(envelopeFor(t, payload))
	}
}

func envelopeFor(t dataType, payload any) Envelope {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Type: string(t)}
	}
	return Envelope{Type: string(t), Payload: body}
}
