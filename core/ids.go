// Package core provides the entity types of spec §3 plus the value types
// the §9 redesign notes call for: an explicit Kind enum (replacing the
// teacher's on-disk content-type enum, core/ct.go, as the grounding
// shape), a NodeBinding variant, and the CurrentRace snapshot type.
package core

import "sync/atomic"

// ID is an opaque integer identifier, unique within its Kind. Zero is
// never assigned by the generator; HeatIDNone reuses zero to denote
// practice mode per spec §3.
type ID int64

const HeatIDNone ID = 0

// IDGen hands out monotonically increasing IDs for one Kind. A store
// keeps one IDGen per kind rather than a single global counter so that
// restoring a partial backup for one kind never perturbs others.
type IDGen struct{ next atomic.Int64 }

func (g *IDGen) Next() ID { return ID(g.next.Add(1)) }

// Seed bumps the generator so that subsequently minted IDs never collide
// with ids already present (used when loading persisted state at
// startup).
func (g *IDGen) Seed(maxSeen ID) {
	for {
		cur := g.next.Load()
		if int64(maxSeen) <= cur {
			return
		}
		if g.next.CompareAndSwap(cur, int64(maxSeen)) {
			return
		}
	}
}

// Kind enumerates entity collections, replacing the teacher's content-type
// enum (core/ct.go) with one sized to this domain's entity set.
type Kind int

const (
	KindPilot Kind = iota
	KindClass
	KindHeat
	KindFormat
	KindProfile
	KindSavedRace
	KindSavedPilotRace
	KindSavedLap
	KindLapSplit
	KindOption
)

func (k Kind) String() string {
	switch k {
	case KindPilot:
		return "pilot"
	case KindClass:
		return "class"
	case KindHeat:
		return "heat"
	case KindFormat:
		return "format"
	case KindProfile:
		return "profile"
	case KindSavedRace:
		return "saved_race"
	case KindSavedPilotRace:
		return "saved_pilot_race"
	case KindSavedLap:
		return "saved_lap"
	case KindLapSplit:
		return "lap_split"
	case KindOption:
		return "option"
	default:
		return "unknown"
	}
}
