// Package store implements the Entity Store (spec §4.C): transactional
// CRUD over Pilots, Heats, HeatSlots, Classes, Formats, Profiles,
// SavedRaces, SavedPilotRaces, SavedLaps, and Options, backed by
// github.com/tidwall/buntdb — an embedded, indexed, transactional KV
// store already a direct dependency of the teacher.
//
// The source's dynamic decorator wrapping CRUD queries with
// filter_by/order_by/return_type (spec §9 redesign note) is replaced
// here with the literal value type the note calls for.
package store

import "github.com/paddock/racecore/core"

// ReturnType enumerates the result shapes a Query can name, per spec §9.
// The store's list helper does not consult it: every query returns all
// matching records, cut to Limit.
type ReturnType int

const (
	RTAll ReturnType = iota
	RTFirst
	RTOne // names "exactly one result"; list does not enforce it
	RTOneOrNone
	RTCount
)

// Query is the query-builder value type accepted by the store, replacing
// the source's dynamic filter_by/order_by/return_type decorator (spec
// §9). Filter and Less receive the kind's concrete record type as a value
// (e.g. core.Pilot, not *core.Pilot); callers build Query values directly
// and pass them to the typed List wrappers in pilots.go/heats.go/etc.,
// while the primitive itself is kind-agnostic.
type Query struct {
	Kind       core.Kind
	Filter     func(rec any) bool
	Less       func(a, b any) bool // ordering: a before b
	Limit      int
	ReturnType ReturnType
}
