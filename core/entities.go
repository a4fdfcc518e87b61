package core

import "strconv"

// Pilot is created by the operator; deletable only if no SavedRace
// references it (enforced in store, not here).
type Pilot struct {
	ID             ID       `json:"id"`
	Name           string   `json:"name"`
	Callsign       string   `json:"callsign"`
	Team           string   `json:"team"`
	Phonetic       string   `json:"phonetic"`
	UsedFrequencies []int64 `json:"used_frequencies"`
}

func (p *Pilot) Clone() *Pilot {
	c := *p
	c.UsedFrequencies = append([]int64(nil), p.UsedFrequencies...)
	return &c
}

// Class groups heats under one format; deletion nulls ClassID on
// referencing heats (enforced in store).
type Class struct {
	ID          ID          `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	FormatID    ID          `json:"format_id,omitempty"` // 0 = none
	CacheStatus CacheStatus `json:"cache_status"`
}

func (c *Class) Clone() *Class { cp := *c; return &cp }

// HeatStatus is the Planned/Confirmed state of a Heat (spec §3).
type HeatStatus int

const (
	HeatPlanned HeatStatus = iota
	HeatConfirmed
)

// SlotMethod records how a HeatSlot's pilot was assigned (manual entry,
// seeding from a prior round, etc.) — an opaque tag the generator that
// produced the slot understands; the core never interprets it beyond
// display.
type SlotMethod int

const (
	SlotMethodManual SlotMethod = iota
	SlotMethodSeed
	SlotMethodNone
)

// HeatSlot binds a pilot to a node index within a heat. NodeIndex is a
// pointer so "unassigned, deferred until plan confirmation" (spec §3) is
// representable without a sentinel int.
type HeatSlot struct {
	HeatID     ID          `json:"heat_id"`
	NodeIndex  *int        `json:"node_index,omitempty"`
	PilotID    ID          `json:"pilot_id,omitempty"`
	Method     SlotMethod  `json:"method"`
	SeedRank   *int        `json:"seed_rank,omitempty"`
	SeedID     *ID         `json:"seed_id,omitempty"`
}

// Heat is an ordered seat assignment of pilots to receiver nodes for one
// race instance (GLOSSARY). Invariant: len(Slots) >= nodeCount.
type Heat struct {
	ID            ID          `json:"id"`
	Note          string      `json:"note"`
	ClassID       ID          `json:"class_id,omitempty"`
	Status        HeatStatus  `json:"status"`
	AutoFrequency bool        `json:"auto_frequency"`
	CacheStatus   CacheStatus `json:"cache_status"`
	Slots         []HeatSlot  `json:"slots"`
	Seq           int         `json:"seq"` // display ordinal, see DisplayName
}

// DisplayName mirrors original_source/RHData.py: a heat with an empty
// Note renders as "Heat <n>" for display purposes. Not persisted — Seq
// is assigned at creation time and is stable, so this is pure formatting.
func (h *Heat) DisplayName() string {
	if h.Note != "" {
		return h.Note
	}
	return "Heat " + strconv.Itoa(h.Seq)
}

func (h *Heat) Clone() *Heat {
	c := *h
	c.Slots = append([]HeatSlot(nil), h.Slots...)
	return &c
}

// RaceMode and WinCondition enumerate Format fields (spec §3).
type RaceMode int

const (
	CountDown RaceMode = iota
	NoTimeLimit
)

type StagingTones int

const (
	StagingTonesNone StagingTones = iota
	StagingTonesOnePerSecond
)

type WinCondition int

const (
	WinNone WinCondition = iota
	WinMostLaps
	WinFirstToLapX
	WinFastestLap
	WinFastestConsecutive
)

type StartBehavior int

const (
	StartHoleShot StartBehavior = iota
	StartFirstLap
	StartStaggered
)

// Format is a named race-rules profile (spec §3).
type Format struct {
	ID                ID            `json:"id"`
	Name              string        `json:"name"`
	RaceMode          RaceMode      `json:"race_mode"`
	RaceTimeSec       int           `json:"race_time_sec"`
	LapGraceSec       int           `json:"lap_grace_sec"` // negative disables grace
	StagingFixedMs    int           `json:"staging_fixed_ms"`
	StagingFixedTones int           `json:"staging_fixed_tones"`
	StartDelayMinMs   int           `json:"start_delay_min_ms"`
	StartDelayMaxMs   int           `json:"start_delay_max_ms"`
	StagingTones      StagingTones  `json:"staging_tones"`
	NumberLapsWin     int           `json:"number_laps_win"`
	WinCondition      WinCondition  `json:"win_condition"`
	TeamRacingMode    bool          `json:"team_racing_mode"`
	StartBehavior     StartBehavior `json:"start_behavior"`
}

func (f *Format) Clone() *Format { c := *f; return &c }

// Frequencies is a parallel-array tuple the way profiles.json encodes it
// in the original: band[i]/channel[i]/freq[i] describe node i.
type Frequencies struct {
	Band    []string `json:"band"`
	Channel []int    `json:"channel"`
	Freq    []int64  `json:"freq"`
}

type LevelSet struct {
	V []int `json:"v"`
}

// Profile is a saved {frequencies, enterAts, exitAts} tuple applied to
// nodes as a set (GLOSSARY).
type Profile struct {
	ID         ID          `json:"id"`
	Name       string      `json:"name"`
	Frequencies Frequencies `json:"frequencies"`
	EnterAts   LevelSet    `json:"enter_ats"`
	ExitAts    LevelSet    `json:"exit_ats"`
}

func (p *Profile) Clone() *Profile {
	c := *p
	c.Frequencies.Band = append([]string(nil), p.Frequencies.Band...)
	c.Frequencies.Channel = append([]int(nil), p.Frequencies.Channel...)
	c.Frequencies.Freq = append([]int64(nil), p.Frequencies.Freq...)
	c.EnterAts.V = append([]int(nil), p.EnterAts.V...)
	c.ExitAts.V = append([]int(nil), p.ExitAts.V...)
	return &c
}

// SavedRace is a persisted race occurrence (spec §3).
type SavedRace struct {
	ID                 ID          `json:"id"`
	RoundID             int         `json:"round_id"`
	HeatID              ID          `json:"heat_id"`
	ClassID             ID          `json:"class_id,omitempty"`
	FormatID            ID          `json:"format_id"`
	StartTimeMonotonic  float64     `json:"start_time_monotonic"`
	StartTimeWall       int64       `json:"start_time_wall"` // epoch ms
	CacheStatus         CacheStatus `json:"cache_status"`
}

func (r *SavedRace) Clone() *SavedRace { c := *r; return &c }

// SavedPilotRace is one pilot's RSSI/timing trace for a SavedRace.
type SavedPilotRace struct {
	ID          ID      `json:"id"`
	RaceID      ID      `json:"race_id"`
	NodeIndex   int     `json:"node_index"`
	PilotID     ID      `json:"pilot_id"`
	EnterAt     int     `json:"enter_at"`
	ExitAt      int     `json:"exit_at"`
	RSSIHistory []int   `json:"rssi_history"`
	TimeHistory []float64 `json:"time_history"`
}

func (r *SavedPilotRace) Clone() *SavedPilotRace {
	c := *r
	c.RSSIHistory = append([]int(nil), r.RSSIHistory...)
	c.TimeHistory = append([]float64(nil), r.TimeHistory...)
	return &c
}

// LapSource classifies how a lap was produced (spec §3).
type LapSource int

const (
	SourceRF LapSource = iota
	SourceManual
	SourceAPI
	SourceReCalc
)

// SavedLap is a persisted lap record (spec §3). LapSplit shares this
// schema, linked to a parent lap (GLOSSARY); see LapSplit below.
type SavedLap struct {
	ID            ID        `json:"id"`
	PilotRaceID   ID        `json:"pilot_race_id"`
	RaceID        ID        `json:"race_id"`
	NodeIndex     int       `json:"node_index"`
	PilotID       ID        `json:"pilot_id"`
	LapNumber     int       `json:"lap_number"`
	LapTimeStamp  float64   `json:"lap_time_stamp"` // ms since race start
	LapTime       float64   `json:"lap_time"`       // ms
	Source        LapSource `json:"source"`
	Deleted       bool      `json:"deleted"`
	Invalid       bool      `json:"invalid"`
	LateLap       bool      `json:"late_lap"`
}

func (l *SavedLap) Clone() *SavedLap { c := *l; return &c }

// LapSplit is an intermediate-gate crossing attached to a parent lap
// (GLOSSARY; supplemented per SPEC_FULL.md's crossing package notes).
type LapSplit struct {
	ID           ID      `json:"id"`
	ParentLapID  ID      `json:"parent_lap_id"`
	RaceID       ID      `json:"race_id"`
	NodeIndex    int     `json:"node_index"`
	PilotID      ID      `json:"pilot_id"`
	LapTimeStamp float64 `json:"lap_time_stamp"`
	SplitTime    float64 `json:"split_time"` // since parent lap start
}
